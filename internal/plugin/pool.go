package plugin

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Spawner constructs a fresh Subprocess for one plugin identity. Pool
// calls it whenever acquire() needs a process and the pool is empty or
// every held process is unhealthy — the same lazy-create-on-miss shape
// as the teacher's jsruntime.Pool, but backed by OS subprocesses instead
// of in-process goja VMs.
type Spawner func(ctx context.Context) (*Subprocess, error)

// Pool is the bounded FIFO queue of warm subprocesses for one plugin
// identity, described in spec.md section 4.6.
type Pool struct {
	name     string
	capacity int
	spawn    Spawner
	logger   *zap.Logger

	mu      sync.Mutex
	held    chan *Subprocess
}

// NewPool returns a Pool with the given capacity for one plugin.
func NewPool(name string, capacity int, spawn Spawner, logger *zap.Logger) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("plugin pool %s: capacity must be at least 1, got %d", name, capacity)
	}
	return &Pool{
		name:     name,
		capacity: capacity,
		spawn:    spawn,
		logger:   logger.With(zap.String("plugin_pool", name)),
		held:     make(chan *Subprocess, capacity),
	}, nil
}

// Acquire pops the head of the queue if healthy, retrying past unhealthy
// heads, else spawns a fresh subprocess (spec.md section 4.6, "acquire").
func (p *Pool) Acquire(ctx context.Context) (*Subprocess, error) {
	for {
		select {
		case sp := <-p.held:
			if sp.Healthy() {
				return sp, nil
			}
			p.logger.Debug("discarding unhealthy subprocess on acquire")
			continue
		default:
			return p.spawn(ctx)
		}
	}
}

// Release returns sp to the pool if capacity remains and sp is healthy;
// otherwise sp is killed (spec.md section 4.6, "release").
func (p *Pool) Release(sp *Subprocess) {
	if !sp.Healthy() {
		sp.Kill()
		return
	}
	select {
	case p.held <- sp:
	default:
		sp.Kill()
	}
}

// Drain kills every subprocess currently held, for shutdown (spec.md
// section 4.6).
func (p *Pool) Drain() {
	for {
		select {
		case sp := <-p.held:
			sp.Kill()
		default:
			return
		}
	}
}

// Len reports how many subprocesses are currently idle in the pool, used
// by tests asserting "pool size returns to its pre-call value" after a
// timeout (spec.md section 8, scenario 5).
func (p *Pool) Len() int {
	return len(p.held)
}
