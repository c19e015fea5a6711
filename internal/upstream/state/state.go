// Package state implements the per-backend connection state machine from
// spec.md section 4.3, adapting the teacher's StateManager
// (upstream/types/types.go) to the states, gating rule, and single
// terminal-jump-to-Failed semantics this spec requires.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/mcp-multiplex/muxproxy/internal/protocol"
)

// Phase is one tag of the ConnectionState variant in spec.md section 3.
type Phase int

const (
	Connecting Phase = iota
	Initializing
	AwaitingInitializedAck
	Ready
	Failed
	Stopping
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "Connecting"
	case Initializing:
		return "Initializing"
	case AwaitingInitializedAck:
		return "AwaitingInitializedAck"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// validTransitions enumerates every transition spec.md 4.3 allows,
// excluding the universal any-non-terminal-state-to-Failed and
// any-non-terminal-state-to-Stopping rules, which are checked separately
// in allowed().
var validTransitions = map[Phase][]Phase{
	Connecting:             {Initializing},
	Initializing:           {AwaitingInitializedAck},
	AwaitingInitializedAck: {Ready},
	Stopping:               {Stopped},
}

func isTerminal(p Phase) bool { return p == Stopped }

// Info is an immutable snapshot of a Machine's state, handed to
// subscribers outside the lock (mirrors the teacher's ConnectionInfo
// callback pattern, called after the mutex is released to avoid
// deadlocks when a callback re-enters the machine).
type Info struct {
	Phase      Phase
	RequestID  any
	Revision   protocol.Revision
	FailReason string
}

// Machine is the per-backend connection state carrying the current phase,
// the outstanding initialize request id, and the negotiated revision.
// It is guarded by a read/write lock per spec.md section 5; all mutation
// goes through the explicit transition methods below.
type Machine struct {
	mu         sync.RWMutex
	phase      Phase
	requestID  any
	revision   protocol.Revision
	failReason string

	onChange func(old, new Info)
}

// New returns a Machine starting in Connecting.
func New() *Machine {
	return &Machine{phase: Connecting}
}

// OnChange registers a callback invoked after every successful
// transition, outside the lock.
func (m *Machine) OnChange(cb func(old, new Info)) {
	m.mu.Lock()
	m.onChange = cb
	m.mu.Unlock()
}

func (m *Machine) snapshot() Info {
	return Info{Phase: m.phase, RequestID: m.requestID, Revision: m.revision, FailReason: m.failReason}
}

// fire validates and applies a transition, invoking onChange afterward.
func (m *Machine) fire(to Phase, mutate func()) error {
	m.mu.Lock()
	from := m.phase
	if !m.allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	old := m.snapshot()
	if mutate != nil {
		mutate()
	}
	m.phase = to
	newInfo := m.snapshot()
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(old, newInfo)
	}
	return nil
}

func (m *Machine) allowed(from, to Phase) bool {
	if to == Failed {
		return !isTerminal(from) && from != Failed
	}
	if to == Stopping {
		return !isTerminal(from) && from != Stopping
	}
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StartInitialize fires Connecting -> Initializing, recording the
// outstanding initialize request id.
func (m *Machine) StartInitialize(requestID any) error {
	return m.fire(Initializing, func() { m.requestID = requestID })
}

// ReceivedInitializeResponse fires Initializing -> AwaitingInitializedAck,
// recording the negotiated revision.
func (m *Machine) ReceivedInitializeResponse(rev protocol.Revision) error {
	return m.fire(AwaitingInitializedAck, func() { m.revision = rev })
}

// CompleteInitialize fires AwaitingInitializedAck -> Ready. The caller
// must have already emitted notifications/initialized.
func (m *Machine) CompleteInitialize() error {
	return m.fire(Ready, nil)
}

// MarkFailed fires any non-terminal state -> Failed, recording reason.
func (m *Machine) MarkFailed(reason string) error {
	return m.fire(Failed, func() { m.failReason = reason })
}

// BeginStop fires the current state -> Stopping. Allowed from any state
// per spec.md ("Any state -> Stopping -> Stopped on shutdown"), including
// Failed and Ready.
func (m *Machine) BeginStop() error {
	m.mu.Lock()
	from := m.phase
	m.mu.Unlock()
	if from == Stopping || from == Stopped {
		return nil
	}
	return m.fire(Stopping, nil)
}

// Stop fires Stopping -> Stopped.
func (m *Machine) Stop() error {
	return m.fire(Stopped, nil)
}

// CanSend reports whether method may be forwarded to the backend right
// now: true iff Ready, except that "initialize" is allowed exactly when
// Connecting (spec.md 4.3, "Gating").
func (m *Machine) CanSend(method string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if method == "initialize" {
		return m.phase == Connecting
	}
	return m.phase == Ready
}

// IsReady reports whether the machine is in Ready.
func (m *Machine) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase == Ready
}

// Snapshot returns the current Info under the read lock.
func (m *Machine) Snapshot() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot()
}

// Phase returns just the current phase.
func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// DefaultInitializeTimeout is the operator-configurable default from
// spec.md 4.3 ("Timeouts on Initializing ... default 30 s").
const DefaultInitializeTimeout = 30 * time.Second
