package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/errs"
	"github.com/mcp-multiplex/muxproxy/internal/protocol"
	"github.com/mcp-multiplex/muxproxy/internal/runtime"
	"github.com/mcp-multiplex/muxproxy/internal/upstream/state"
)

// BackendSnapshot is the introspectable state of one supervised backend,
// returned by Supervisor.Snapshot (spec.md section 7, "GetStats"). The
// status CLI does not use it; it reads the bbolt state store.
type BackendSnapshot struct {
	Name         string
	Phase        string
	Revision     protocol.Revision
	FailReason   string
	RestartCount int
}

// entry is the supervisor's bookkeeping for one backend across its
// entire connect/fail/restart lifetime.
type entry struct {
	desc *config.BackendDescriptor

	mu           sync.RWMutex
	conn         *Connection
	restartCount int
	stopCh       chan struct{}
	stopped      bool
}

// Supervisor owns every configured backend's lifecycle: spawning,
// initializing, health-checking, and restarting with backoff (spec.md
// section 4.4).
type Supervisor struct {
	logger      *zap.Logger
	bus         *runtime.Bus
	envBuilder  func(backendName string) []string
	initTimeout time.Duration

	mu       sync.RWMutex
	entries  map[string]*entry
}

// NewSupervisor returns a Supervisor ready to Start backends.
func NewSupervisor(logger *zap.Logger, bus *runtime.Bus, envBuilder func(string) []string, initTimeout time.Duration) *Supervisor {
	return &Supervisor{
		logger:      logger,
		bus:         bus,
		envBuilder:  envBuilder,
		initTimeout: initTimeout,
		entries:     make(map[string]*entry),
	}
}

// Start launches every enabled backend in desc, connecting and
// supervising each independently. A Required backend is retried up to
// RestartPolicy.MaxRestarts more times, RestartPolicy.Delay apart, and is
// reported as an error if it still fails; a non-required one is logged
// and left to the restart loop.
func (s *Supervisor) Start(ctx context.Context, backends []*config.BackendDescriptor) error {
	for _, desc := range backends {
		if !desc.Enabled {
			continue
		}
		e := &entry{desc: desc, stopCh: make(chan struct{})}
		s.mu.Lock()
		s.entries[desc.Name] = e
		s.mu.Unlock()

		err := s.connect(ctx, e)
		for attempt := 0; err != nil && desc.Required && attempt < desc.RestartPolicy.MaxRestarts; attempt++ {
			select {
			case <-ctx.Done():
				return fmt.Errorf("required backend %s failed to start: %w", desc.Name, ctx.Err())
			case <-time.After(desc.RestartPolicy.Delay.Duration()):
			}
			err = s.connect(ctx, e)
		}
		if err != nil {
			if desc.Required {
				return fmt.Errorf("required backend %s failed to start: %w", desc.Name, err)
			}
			s.logger.Warn("optional backend failed initial connect, will retry", zap.String("backend", desc.Name), zap.Error(err))
		}
		go s.supervise(ctx, e)
	}
	return nil
}

func (s *Supervisor) connect(ctx context.Context, e *entry) error {
	var env []string
	if s.envBuilder != nil {
		env = s.envBuilder(e.desc.Name)
	}

	onNotify := func(method string, params json.RawMessage) {
		s.logger.Debug("backend notification", zap.String("backend", e.desc.Name), zap.String("method", method))
	}

	conn, err := Connect(ctx, e.desc, env, s.logger, s.initTimeout, onNotify)
	e.mu.Lock()
	if err == nil {
		e.conn = conn
	}
	e.mu.Unlock()

	if err != nil {
		s.bus.Publish(runtime.Event{Kind: runtime.EventBackendFailed, Backend: e.desc.Name, ToPhase: state.Failed.String(), Reason: err.Error()})
		return err
	}
	s.bus.Publish(runtime.Event{Kind: runtime.EventBackendStateChanged, Backend: e.desc.Name, ToPhase: state.Ready.String()})
	return nil
}

// supervise runs the health-check and restart loop for one backend until
// Stop is called.
func (s *Supervisor) supervise(ctx context.Context, e *entry) {
	interval := e.desc.HealthCheck.Interval.Duration()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.RLock()
			conn := e.conn
			e.mu.RUnlock()
			if conn == nil {
				s.restart(ctx, e)
				continue
			}
			if !e.desc.HealthCheck.Enabled || conn.State().Phase != state.Ready {
				continue
			}

			timeout := e.desc.HealthCheck.Timeout.Duration()
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Warn("backend failed health check, restarting", zap.String("backend", e.desc.Name), zap.Error(err))
				s.restart(ctx, e)
			}
		}
	}
}

// restart kills the current connection if any and reconnects with
// bounded exponential backoff (spec.md section 4.4, "Restart policy"),
// replacing the teacher's hand-rolled retry-interval table.
func (s *Supervisor) restart(ctx context.Context, e *entry) {
	e.mu.Lock()
	if e.conn != nil {
		_ = e.conn.Stop()
		e.conn = nil
	}
	e.restartCount++
	count := e.restartCount
	e.mu.Unlock()

	if e.desc.RestartPolicy.MaxRestarts > 0 && count > e.desc.RestartPolicy.MaxRestarts {
		s.logger.Error("backend exceeded max restarts, giving up", zap.String("backend", e.desc.Name), zap.Int("restarts", count))
		return
	}

	s.bus.Publish(runtime.Event{Kind: runtime.EventBackendRestarting, Backend: e.desc.Name})

	baseDelay := e.desc.RestartPolicy.Delay.Duration()
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay

	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		select {
		case <-e.stopCh:
			return struct{}{}, backoff.Permanent(fmt.Errorf("backend %s stopped", e.desc.Name))
		default:
		}
		return struct{}{}, s.connect(ctx, e)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5), backoff.WithMaxElapsedTime(5*time.Minute))
}

// Send forwards req to backendName's live connection.
func (s *Supervisor) Send(ctx context.Context, backendName string, req *protocol.Envelope) (*protocol.Envelope, error) {
	s.mu.RLock()
	e, ok := s.entries[backendName]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.BackendUnavailable, fmt.Sprintf("unknown backend %s", backendName), nil)
	}

	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return nil, errs.New(errs.BackendUnavailable, fmt.Sprintf("backend %s is not connected", backendName), nil)
	}

	return conn.Send(ctx, req)
}

// Notify broadcasts a one-way notification to one backend, used for
// propagating notifications/cancelled (spec.md section 9(b)).
func (s *Supervisor) Notify(ctx context.Context, backendName, method string, params json.RawMessage) error {
	s.mu.RLock()
	e, ok := s.entries[backendName]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.BackendUnavailable, fmt.Sprintf("unknown backend %s", backendName), nil)
	}
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Notify(ctx, method, params)
}

// Connection returns the live connection for backendName, or false if it
// is not currently connected.
func (s *Supervisor) Connection(backendName string) (*Connection, bool) {
	s.mu.RLock()
	e, ok := s.entries[backendName]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conn, e.conn != nil
}

// Backends lists every supervised backend name.
func (s *Supervisor) Backends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Snapshot reports the current introspectable state of every backend.
func (s *Supervisor) Snapshot() []BackendSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BackendSnapshot, 0, len(s.entries))
	for name, e := range s.entries {
		e.mu.RLock()
		conn := e.conn
		restarts := e.restartCount
		e.mu.RUnlock()

		snap := BackendSnapshot{Name: name, RestartCount: restarts}
		if conn != nil {
			info := conn.State()
			snap.Phase = info.Phase.String()
			snap.Revision = info.Revision
			snap.FailReason = info.FailReason
		} else {
			snap.Phase = state.Connecting.String()
		}
		out = append(out, snap)
	}
	return out
}

// Stop stops every supervised backend's health-check loop and closes its
// connection.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.stopped {
			e.stopped = true
			close(e.stopCh)
		}
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Stop()
		}
	}
}
