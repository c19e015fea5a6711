package plugin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/errs"
)

// ShortCircuitKey is the reserved aggregated-metadata key naming the
// plugin that stopped a chain, resolving the open question in spec.md
// section 9(a) in favor of a single, clearly-named key.
const ShortCircuitKey = "_short_circuit_plugin"

// Gate is the process-wide semaphore bounding total concurrent plugin
// executions across every chain and backend (spec.md section 4.7,
// "Global semaphore").
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns a Gate with the given capacity.
func NewGate(capacity int) *Gate {
	return &Gate{sem: semaphore.NewWeighted(int64(capacity))}
}

// TryAcquire takes one permit without blocking and reports whether it
// succeeded. The executor calls it so that an exhausted gate fails fast
// with PoolExhausted instead of queueing.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

func (g *Gate) Release() { g.sem.Release(1) }

// Result is the outcome of running a chain for one PluginInput (spec.md
// section 4.7).
type Result struct {
	Text     string
	Continue bool
	Metadata map[string]any
	Error    string
}

// Executor runs one backend's ordered, phase-scoped plugin chain with
// short-circuit, aggregated metadata, and the global concurrency gate
// (spec.md section 4.7).
type Executor struct {
	manager        *Manager
	gate           *Gate
	defaultTimeout time.Duration
}

// NewExecutor builds an Executor sharing manager (for subprocess pools)
// and gate (for the process-wide concurrency cap) across every backend's
// chain.
func NewExecutor(manager *Manager, gate *Gate, defaultTimeout time.Duration) *Executor {
	return &Executor{manager: manager, gate: gate, defaultTimeout: defaultTimeout}
}

// sortedEnabled filters to enabled assignments and sorts ascending by
// Order, per spec.md section 4.7.
func sortedEnabled(assignments []config.PluginAssignment) []config.PluginAssignment {
	out := make([]config.PluginAssignment, 0, len(assignments))
	for _, a := range assignments {
		if a.Enabled {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Run executes assignments in order against in, implementing the
// algorithm in spec.md section 4.7 exactly: empty list returns
// input unchanged; each step acquires a subprocess and a semaphore
// permit, enforces the per-step timeout, folds metadata, and threads
// raw_content forward. Any plugin failure (spawn, I/O, timeout, invalid
// JSON, reported error) stops the chain and returns the ORIGINAL input
// text with continue=false and error set — fail-open at the content
// level, fail-fast at the chain level.
func (e *Executor) Run(ctx context.Context, assignments []config.PluginAssignment, in Input) Result {
	ordered := sortedEnabled(assignments)
	if len(ordered) == 0 {
		return Result{Text: in.RawContent, Continue: true}
	}

	originalText := in.RawContent
	aggregated := map[string]any{}
	current := in

	for _, assignment := range ordered {
		out, err := e.runOne(ctx, assignment, current)
		if err != nil {
			aggregated[ShortCircuitKey] = assignment.PluginName
			return Result{
				Text:     originalText,
				Continue: false,
				Metadata: aggregated,
				Error:    err.Error(),
			}
		}

		if out.Metadata != nil {
			aggregated[assignment.PluginName] = out.Metadata
		}

		if out.Error != "" || !out.Continue {
			aggregated[ShortCircuitKey] = assignment.PluginName
			// A reported error is a plugin failure like any other per
			// spec.md section 8: the chain's output text must equal the
			// original input text, not whatever the erroring plugin wrote.
			text := out.Text
			if out.Error != "" {
				text = originalText
			}
			return Result{
				Text:     text,
				Continue: false,
				Metadata: aggregated,
				Error:    out.Error,
			}
		}

		current.RawContent = out.Text
	}

	return Result{Text: current.RawContent, Continue: true, Metadata: aggregated}
}

// runOne acquires a semaphore permit and a pooled subprocess, invokes the
// plugin, and always releases both, returning an errs.Error on any
// failure path named in spec.md section 4.6/4.7.
func (e *Executor) runOne(ctx context.Context, assignment config.PluginAssignment, in Input) (Output, error) {
	if !e.gate.TryAcquire() {
		return Output{}, errs.New(errs.PoolExhausted, fmt.Sprintf("plugin %s: concurrency gate exhausted", assignment.PluginName), nil)
	}
	defer e.gate.Release()

	sp, err := e.manager.Acquire(ctx, assignment.PluginName)
	if err != nil {
		return Output{}, err
	}

	timeout := e.defaultTimeout
	if manifest := e.manager.ManifestFor(assignment.PluginName); manifest != nil && manifest.DefaultTimeoutSeconds > 0 {
		timeout = time.Duration(manifest.DefaultTimeoutSeconds) * time.Second
	}
	if assignment.TimeoutOverride.Duration() > 0 {
		timeout = assignment.TimeoutOverride.Duration()
	}

	out, err := sp.Invoke(ctx, in, timeout)
	if err != nil {
		// Invoke already killed the subprocess on failure; releasing it
		// back through the pool will observe it unhealthy and discard it.
		e.manager.Release(assignment.PluginName, sp)
		return Output{}, err
	}

	e.manager.Release(assignment.PluginName, sp)
	return out, nil
}
