// Package upstream implements the Backend Supervisor (spec.md section
// 4.4): spawning, initializing, health-checking, and restarting one MCP
// backend process per BackendDescriptor, across stdio, HTTP+SSE, and
// WebSocket transports.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/errs"
	"github.com/mcp-multiplex/muxproxy/internal/protocol"
)

// Transport moves JSON-RPC envelopes to and from one backend process,
// independent of whether that process speaks over pipes, HTTP+SSE, or a
// WebSocket (spec.md section 4.4, "Transport").
type Transport interface {
	// Send writes one envelope to the backend.
	Send(ctx context.Context, env *protocol.Envelope) error
	// Recv returns a channel of envelopes read from the backend until
	// Close is called, at which point it is closed.
	Recv() <-chan *protocol.Envelope
	// Close releases all resources and terminates the backend process
	// if this transport owns one.
	Close() error
}

// NewTransport constructs the Transport named by desc.TransportKind.
func NewTransport(ctx context.Context, desc *config.BackendDescriptor, env []string) (Transport, error) {
	switch desc.TransportKind {
	case config.TransportStdio, "":
		return newStdioTransport(desc, env)
	case config.TransportHTTPSSE:
		return newHTTPSSETransport(ctx, desc)
	case config.TransportWebSocket:
		return newWebSocketTransport(ctx, desc)
	default:
		return nil, fmt.Errorf("unknown transport kind %q for backend %s", desc.TransportKind, desc.Name)
	}
}

// --- stdio ---

type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	writeMu sync.Mutex
	recvCh  chan *protocol.Envelope
	closed  chan struct{}
	once    sync.Once
}

func newStdioTransport(desc *config.BackendDescriptor, env []string) (*stdioTransport, error) {
	if len(desc.CommandSpec) == 0 {
		return nil, fmt.Errorf("backend %s: stdio transport requires a non-empty command", desc.Name)
	}
	cmd := exec.Command(desc.CommandSpec[0], desc.CommandSpec[1:]...)
	if desc.WorkingDir != "" {
		cmd.Dir = desc.WorkingDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.New(errs.TransportFailure, "open backend stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.New(errs.TransportFailure, "open backend stdout", err)
	}
	if _, err := cmd.StderrPipe(); err != nil {
		return nil, errs.New(errs.TransportFailure, "open backend stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.New(errs.TransportFailure, fmt.Sprintf("start backend %s", desc.Name), err)
	}

	t := &stdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		recvCh: make(chan *protocol.Envelope, 16),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *stdioTransport) readLoop() {
	defer close(t.recvCh)
	for {
		line, err := t.stdout.ReadBytes('\n')
		if len(line) > 0 {
			var env protocol.Envelope
			if err := json.Unmarshal(line, &env); err == nil {
				select {
				case t.recvCh <- &env:
				case <-t.closed:
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *stdioTransport) Send(ctx context.Context, env *protocol.Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return errs.New(errs.ProtocolMalformed, "encode envelope", err)
	}
	buf = append(buf, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(buf); err != nil {
		return errs.New(errs.TransportFailure, "write to backend stdin", err)
	}
	return nil
}

func (t *stdioTransport) Recv() <-chan *protocol.Envelope { return t.recvCh }

func (t *stdioTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	_ = t.cmd.Wait()
	return nil
}

// --- HTTP + SSE ---

type httpSSETransport struct {
	baseURL string
	client  *http.Client

	recvCh chan *protocol.Envelope
	closed chan struct{}
	once   sync.Once
	body   io.ReadCloser
}

func newHTTPSSETransport(ctx context.Context, desc *config.BackendDescriptor) (*httpSSETransport, error) {
	if len(desc.CommandSpec) == 0 {
		return nil, fmt.Errorf("backend %s: http-sse transport requires a base URL in CommandSpec[0]", desc.Name)
	}
	baseURL := desc.CommandSpec[0]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events", nil)
	if err != nil {
		return nil, errs.New(errs.TransportFailure, "build SSE request", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.New(errs.TransportFailure, fmt.Sprintf("connect to backend %s", desc.Name), err)
	}

	t := &httpSSETransport{
		baseURL: baseURL,
		client:  client,
		recvCh:  make(chan *protocol.Envelope, 16),
		closed:  make(chan struct{}),
		body:    resp.Body,
	}
	go t.readLoop(resp.Body)
	return t, nil
}

func (t *httpSSETransport) readLoop(body io.ReadCloser) {
	defer close(t.recvCh)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal([]byte(data), &env); err == nil {
			select {
			case t.recvCh <- &env:
			case <-t.closed:
				return
			}
		}
	}
}

func (t *httpSSETransport) Send(ctx context.Context, env *protocol.Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return errs.New(errs.ProtocolMalformed, "encode envelope", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/rpc", strings.NewReader(string(buf)))
	if err != nil {
		return errs.New(errs.TransportFailure, "build RPC request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errs.New(errs.TransportFailure, "post to backend", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errs.New(errs.TransportFailure, fmt.Sprintf("backend returned HTTP %d", resp.StatusCode), nil)
	}
	return nil
}

func (t *httpSSETransport) Recv() <-chan *protocol.Envelope { return t.recvCh }

func (t *httpSSETransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.body.Close()
}

// --- WebSocket ---

type websocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	recvCh  chan *protocol.Envelope
	closed  chan struct{}
	once    sync.Once
}

func newWebSocketTransport(ctx context.Context, desc *config.BackendDescriptor) (*websocketTransport, error) {
	if len(desc.CommandSpec) == 0 {
		return nil, fmt.Errorf("backend %s: websocket transport requires a URL in CommandSpec[0]", desc.Name)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, desc.CommandSpec[0], nil)
	if err != nil {
		return nil, errs.New(errs.TransportFailure, fmt.Sprintf("dial backend %s", desc.Name), err)
	}

	t := &websocketTransport{
		conn:   conn,
		recvCh: make(chan *protocol.Envelope, 16),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *websocketTransport) readLoop() {
	defer close(t.recvCh)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err == nil {
			select {
			case t.recvCh <- &env:
			case <-t.closed:
				return
			}
		}
	}
}

func (t *websocketTransport) Send(ctx context.Context, env *protocol.Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return errs.New(errs.ProtocolMalformed, "encode envelope", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return errs.New(errs.TransportFailure, "write to backend websocket", err)
	}
	return nil
}

func (t *websocketTransport) Recv() <-chan *protocol.Envelope { return t.recvCh }

func (t *websocketTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.conn.Close()
}
