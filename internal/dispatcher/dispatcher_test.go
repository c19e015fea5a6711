package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	goruntime "runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/protocol"
	"github.com/mcp-multiplex/muxproxy/internal/router"
	busruntime "github.com/mcp-multiplex/muxproxy/internal/runtime"
	"github.com/mcp-multiplex/muxproxy/internal/upstream"
)

// writeListAndEchoBackend writes a fake backend answering initialize,
// tools/list with a single "echo" tool, and tools/call by echoing its
// "text" argument back as tool output.
func writeListAndEchoBackend(t *testing.T) string {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("fake backend scripts are POSIX shell only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.sh")
	script := `#!/bin/sh
while read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([^,}]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  case "$method" in
    initialize)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2025-06-18"}}\n' "$id"
      ;;
    tools/list)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","description":"echoes input"}]}}\n' "$id"
      ;;
    tools/call)
      text=$(printf '%s' "$line" | sed -n 's/.*"text":"\([^"]*\)".*/\1/p')
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"%s"}]}}\n' "$id" "$text"
      ;;
  esac
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *router.Registry) {
	t.Helper()
	path := writeListAndEchoBackend(t)
	desc := &config.BackendDescriptor{
		Name:          "alpha",
		CommandSpec:   []string{path},
		TransportKind: config.TransportStdio,
		Enabled:       true,
	}

	sup := upstream.NewSupervisor(zap.NewNop(), busruntime.NewBus(), nil, 2*time.Second)
	require.NoError(t, sup.Start(context.Background(), []*config.BackendDescriptor{desc}))
	t.Cleanup(sup.Stop)

	reg := router.New()
	d := New(sup, reg, nil, nil, zap.NewNop(), 2*time.Second)
	return d, reg
}

func TestHandleInitializeDoesNotForward(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id, _ := json.Marshal("1")
	resp := d.Handle(context.Background(), protocol.RevNew, &protocol.Envelope{Protocol: "2.0", ID: id, Method: "initialize"})
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(id), resp.ID)
}

func TestNegotiateRevisionEchoesSupportedClientRevision(t *testing.T) {
	params, _ := json.Marshal(map[string]any{"protocolVersion": string(protocol.RevOld)})
	assert.Equal(t, protocol.RevOld, NegotiateRevision(params))
}

func TestNegotiateRevisionFallsBackToLatestForUnknownRevision(t *testing.T) {
	params, _ := json.Marshal(map[string]any{"protocolVersion": "1999-01-01"})
	assert.Equal(t, protocol.Latest(), NegotiateRevision(params))
}

func TestHandleInitializeEchoesNegotiatedRevision(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id, _ := json.Marshal("1b")
	params, _ := json.Marshal(map[string]any{"protocolVersion": string(protocol.RevOld)})
	resp := d.Handle(context.Background(), protocol.RevNew, &protocol.Envelope{Protocol: "2.0", ID: id, Method: "initialize", Params: params})
	require.Nil(t, resp.Error)

	var decoded struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &decoded))
	assert.Equal(t, string(protocol.RevOld), decoded.ProtocolVersion)
}

func TestHandleListBroadcastsAndRewritesNames(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id, _ := json.Marshal("2")
	resp := d.Handle(context.Background(), protocol.RevNew, &protocol.Envelope{Protocol: "2.0", ID: id, Method: "tools/list", Params: json.RawMessage(`{}`)})
	require.Nil(t, resp.Error)

	var decoded struct {
		Tools []map[string]any `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &decoded))
	require.Len(t, decoded.Tools, 1)
	assert.Equal(t, "mcp__proxy__alpha__echo", decoded.Tools[0]["name"])
}

func TestHandleCallResolvesPublicNameAndForwards(t *testing.T) {
	d, reg := newTestDispatcher(t)

	// Prime the registry the way a prior tools/list would.
	reg.Register(router.Tools, "mcp__proxy__alpha__echo", "alpha", "echo")

	id, _ := json.Marshal("3")
	params, _ := json.Marshal(map[string]any{"name": "mcp__proxy__alpha__echo", "arguments": map[string]any{"text": "hi"}})
	resp := d.Handle(context.Background(), protocol.RevNew, &protocol.Envelope{Protocol: "2.0", ID: id, Method: "tools/call", Params: params})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "hi")
}

func TestHandleCallUnknownPublicNameReturnsNamespaceMiss(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id, _ := json.Marshal("4")
	params, _ := json.Marshal(map[string]any{"name": "mcp__proxy__nobody__echo"})
	resp := d.Handle(context.Background(), protocol.RevNew, &protocol.Envelope{Protocol: "2.0", ID: id, Method: "tools/call", Params: params})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestHandleResourceTemplatesListBroadcastsEmpty(t *testing.T) {
	sup := upstream.NewSupervisor(zap.NewNop(), busruntime.NewBus(), nil, 2*time.Second)
	require.NoError(t, sup.Start(context.Background(), nil))
	t.Cleanup(sup.Stop)

	d := New(sup, router.New(), nil, nil, zap.NewNop(), 2*time.Second)
	id, _ := json.Marshal("6")
	resp := d.Handle(context.Background(), protocol.RevNew, &protocol.Envelope{Protocol: "2.0", ID: id, Method: "resources/templates/list", Params: json.RawMessage(`{}`)})
	require.Nil(t, resp.Error)

	var decoded struct {
		ResourceTemplates []map[string]any `json:"resourceTemplates"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &decoded))
	assert.Len(t, decoded.ResourceTemplates, 0)
}

func TestHandleUnsupportedMethodReturnsMethodNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id, _ := json.Marshal("5")
	resp := d.Handle(context.Background(), protocol.RevNew, &protocol.Envelope{Protocol: "2.0", ID: id, Method: "nonexistent/method"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}
