package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/errs"
	"github.com/mcp-multiplex/muxproxy/internal/protocol"
	"github.com/mcp-multiplex/muxproxy/internal/upstream/state"
)

// NotificationHandler receives notifications demultiplexed off a
// Connection's transport (method carries no correlated request).
type NotificationHandler func(method string, params json.RawMessage)

// Connection owns one backend process's transport, connection state
// machine, and in-flight request table (spec.md section 4.4).
type Connection struct {
	desc    *config.BackendDescriptor
	logger  *zap.Logger
	machine *state.Machine
	onNotify NotificationHandler

	transport Transport

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope

	initTimeout time.Duration
}

// idKey returns the map key used to correlate a response to the request
// that produced it.
func idKey(id json.RawMessage) string { return string(id) }

// Connect spawns desc's transport, runs the initialize handshake to
// completion (spec.md section 4.3, Connecting -> Initializing ->
// AwaitingInitializedAck -> Ready), and returns a live Connection or an
// error with the machine left in Failed.
func Connect(ctx context.Context, desc *config.BackendDescriptor, env []string, logger *zap.Logger, initTimeout time.Duration, onNotify NotificationHandler) (*Connection, error) {
	transport, err := NewTransport(ctx, desc, env)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		desc:        desc,
		logger:      logger.With(zap.String("backend", desc.Name)),
		machine:     state.New(),
		onNotify:    onNotify,
		transport:   transport,
		pending:     make(map[string]chan *protocol.Envelope),
		initTimeout: initTimeout,
	}

	go c.dispatchLoop()

	if err := c.initialize(ctx); err != nil {
		_ = c.machine.MarkFailed(err.Error())
		transport.Close()
		return nil, err
	}

	return c, nil
}

func (c *Connection) dispatchLoop() {
	for env := range c.transport.Recv() {
		if env.IsNotification() {
			if c.onNotify != nil {
				c.onNotify(env.Method, env.Params)
			}
			continue
		}
		key := idKey(env.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}

	// Transport closed: fail any requests still waiting.
	c.mu.Lock()
	for key, ch := range c.pending {
		delete(c.pending, key)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Connection) register(id json.RawMessage) chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[idKey(id)] = ch
	c.mu.Unlock()
	return ch
}

func (c *Connection) unregister(id json.RawMessage) {
	c.mu.Lock()
	delete(c.pending, idKey(id))
	c.mu.Unlock()
}

// initialize runs the handshake described in spec.md section 4.4:
// send "initialize" with the proxy's latest supported revision, accept
// whatever revision the backend replies with (even if not locally known,
// per the PassThrough fallback in the adapter package), send
// "notifications/initialized", and transition to Ready.
func (c *Connection) initialize(ctx context.Context) error {
	id, _ := json.Marshal(uuid.NewString())
	if err := c.machine.StartInitialize(string(id)); err != nil {
		return err
	}

	params, _ := json.Marshal(map[string]any{
		"protocolVersion": protocol.Latest(),
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "muxproxy", "version": "0.1.0"},
	})

	req := &protocol.Envelope{
		Protocol: "2.0",
		ID:       id,
		Method:   "initialize",
		Params:   params,
	}

	ch := c.register(id)
	defer c.unregister(id)

	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	if err := c.transport.Send(initCtx, req); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return errs.New(errs.TransportFailure, "backend closed during initialize", nil)
		}
		if resp.Error != nil {
			return errs.New(errs.InitializationTimeout, fmt.Sprintf("backend rejected initialize: %s", resp.Error.Message), nil)
		}
		var result struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return errs.New(errs.ProtocolMalformed, "decode initialize result", err)
		}
		rev, _ := protocol.Parse(result.ProtocolVersion)
		if err := c.machine.ReceivedInitializeResponse(rev); err != nil {
			return err
		}
	case <-initCtx.Done():
		return errs.New(errs.InitializationTimeout, fmt.Sprintf("backend %s did not answer initialize in time", c.desc.Name), initCtx.Err())
	}

	notif := &protocol.Envelope{Protocol: "2.0", Method: "notifications/initialized"}
	if err := c.transport.Send(ctx, notif); err != nil {
		return err
	}

	return c.machine.CompleteInitialize()
}

// Revision returns the protocol revision negotiated with this backend.
func (c *Connection) Revision() protocol.Revision {
	return c.machine.Snapshot().Revision
}

// State returns the connection's current lifecycle snapshot.
func (c *Connection) State() state.Info {
	return c.machine.Snapshot()
}

// Send forwards req to the backend and waits for its correlated
// response, honoring ctx for cancellation/timeout (spec.md section 4.4,
// "send(envelope) -> future<response_envelope>").
func (c *Connection) Send(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	if !c.machine.IsReady() {
		return nil, errs.New(errs.BackendUnavailable, fmt.Sprintf("backend %s is not ready", c.desc.Name), nil)
	}

	ch := c.register(req.ID)
	defer c.unregister(req.ID)

	if err := c.transport.Send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errs.New(errs.BackendUnavailable, fmt.Sprintf("backend %s closed connection", c.desc.Name), nil)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, errs.New(errs.RequestTimeout, fmt.Sprintf("request to backend %s timed out", c.desc.Name), ctx.Err())
	}
}

// Ping issues a "ping" request used for periodic health checks (spec.md
// section 4.4, "Health check").
func (c *Connection) Ping(ctx context.Context) error {
	id, _ := json.Marshal(uuid.NewString())
	req := &protocol.Envelope{Protocol: "2.0", ID: id, Method: "ping"}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errs.New(errs.BackendUnavailable, resp.Error.Message, nil)
	}
	return nil
}

// Notify sends a one-way notification (no response expected), used for
// propagating notifications/cancelled toward backends per spec.md
// section 9(b).
func (c *Connection) Notify(ctx context.Context, method string, params json.RawMessage) error {
	env := &protocol.Envelope{Protocol: "2.0", Method: method, Params: params}
	return c.transport.Send(ctx, env)
}

// Stop transitions the machine through Stopping -> Stopped and closes
// the transport.
func (c *Connection) Stop() error {
	if err := c.machine.BeginStop(); err != nil {
		return err
	}
	err := c.transport.Close()
	if stopErr := c.machine.Stop(); stopErr != nil {
		return stopErr
	}
	return err
}
