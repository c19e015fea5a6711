// Package plugin implements the Plugin Subprocess & Pool and the Plugin
// Chain Executor from spec.md sections 4.6 and 4.7: user-defined
// request/response transformers run as isolated subprocesses speaking
// line-delimited JSON on their standard streams.
package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mcp-multiplex/muxproxy/internal/errs"
)

// Metadata is the per-invocation context threaded into every PluginInput
// (spec.md section 3/6).
type Metadata struct {
	RequestID     string         `json:"requestId"`
	Timestamp     time.Time      `json:"timestamp"`
	ServerName    string         `json:"serverName"`
	Phase         string         `json:"phase"` // "request" | "response"
	UserQuery     string         `json:"userQuery,omitempty"`
	ToolArguments map[string]any `json:"toolArguments,omitempty"`
	MCPServers    []string       `json:"mcpServers,omitempty"`
}

// Input is the PluginInput wire shape from spec.md section 6.
type Input struct {
	ToolName   string    `json:"toolName"`
	RawContent string    `json:"rawContent"`
	MaxTokens  *int      `json:"maxTokens,omitempty"`
	Metadata   Metadata  `json:"metadata"`
}

// Output is the PluginOutput wire shape from spec.md section 6. The
// invariant error.present => continue=false is enforced by
// Output.Normalize, not trusted from the wire.
type Output struct {
	Text     string         `json:"text"`
	Continue bool           `json:"continue"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Normalize enforces the invariant from spec.md section 3: a non-empty
// Error always forces Continue to false, regardless of what a
// misbehaving plugin wrote to the wire.
func (o *Output) Normalize() {
	if o.Error != "" {
		o.Continue = false
	}
}

// Subprocess wraps one running plugin interpreter process, communicating
// over line-delimited JSON on its stdin/stdout. Its stderr is logged, not
// parsed (spec.md section 4.6).
type Subprocess struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	logger *zap.Logger

	mu      sync.Mutex
	exited  atomic.Bool
	exitCh  chan struct{}
}

// Spawn starts a new plugin subprocess for the executable at path.
func Spawn(ctx context.Context, name, path string, args []string, env []string, logger *zap.Logger) (*Subprocess, error) {
	cmd := exec.Command(path, args...)
	if len(env) > 0 {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.New(errs.PluginSpawnFailure, "open plugin stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.New(errs.PluginSpawnFailure, "open plugin stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.New(errs.PluginSpawnFailure, "open plugin stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.New(errs.PluginSpawnFailure, fmt.Sprintf("start plugin %s", name), err)
	}

	sp := &Subprocess{
		name:   name,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		logger: logger.With(zap.String("plugin", name)),
		exitCh: make(chan struct{}),
	}

	go sp.drainStderr(stderr)
	go sp.watchExit()

	return sp, nil
}

func (s *Subprocess) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("plugin stderr", zap.String("line", scanner.Text()))
	}
}

func (s *Subprocess) watchExit() {
	_ = s.cmd.Wait()
	s.exited.Store(true)
	close(s.exitCh)
}

// Healthy reports whether the subprocess has not exited (spec.md section
// 4.6, "Health").
func (s *Subprocess) Healthy() bool {
	return !s.exited.Load()
}

// Invoke writes one PluginInput line and reads one PluginOutput line,
// enforcing deadline. On timeout or any I/O/decode error the subprocess
// is killed so a broken plugin can never leak stale output into a future
// caller from the pool.
func (s *Subprocess) Invoke(ctx context.Context, in Input, deadline time.Duration) (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Healthy() {
		return Output{}, errs.New(errs.PluginSpawnFailure, "plugin subprocess already exited", nil)
	}

	line, err := json.Marshal(in)
	if err != nil {
		return Output{}, errs.New(errs.PluginInvalidOutput, "encode plugin input", err)
	}
	line = append(line, '\n')

	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)

	go func() {
		if _, err := s.stdin.Write(line); err != nil {
			done <- result{err: errs.New(errs.TransportFailure, "write plugin input", err)}
			return
		}
		raw, err := s.stdout.ReadBytes('\n')
		if err != nil && len(raw) == 0 {
			done <- result{err: errs.New(errs.TransportFailure, "read plugin output", err)}
			return
		}
		var out Output
		if err := json.Unmarshal(raw, &out); err != nil {
			done <- result{err: errs.New(errs.PluginInvalidOutput, "decode plugin output", err)}
			return
		}
		out.Normalize()
		done <- result{out: out}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			s.Kill()
		}
		return r.out, r.err
	case <-ctx.Done():
		s.Kill()
		return Output{}, errs.New(errs.PluginTimeout, fmt.Sprintf("plugin %s cancelled", s.name), ctx.Err())
	case <-timer.C:
		s.Kill()
		return Output{}, errs.New(errs.PluginTimeout, fmt.Sprintf("plugin %s timed out", s.name), nil)
	}
}

// Kill terminates the subprocess: SIGTERM with a grace period, then
// SIGKILL, mirroring the teacher lineage's subprocess shutdown pattern.
func (s *Subprocess) Kill() {
	if s.cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = s.cmd.Process.Kill()
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.exitCh:
	case <-time.After(2 * time.Second):
		_ = s.cmd.Process.Kill()
		<-s.exitCh
	}
}

// Name returns the plugin identity this subprocess runs.
func (s *Subprocess) Name() string { return s.name }
