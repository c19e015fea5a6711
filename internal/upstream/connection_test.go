package upstream

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/protocol"
	"github.com/mcp-multiplex/muxproxy/internal/upstream/state"
)

// writeFakeBackend writes a POSIX shell script that speaks just enough
// line-delimited JSON-RPC to exercise the initialize handshake and a
// ping, without depending on any real MCP server binary.
func writeFakeBackend(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
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
    ping)
      printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
      ;;
    notifications/initialized)
      ;;
  esac
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestConnectCompletesHandshakeToReady(t *testing.T) {
	path := writeFakeBackend(t)
	desc := &config.BackendDescriptor{
		Name:          "alpha",
		CommandSpec:   []string{path},
		TransportKind: config.TransportStdio,
		Enabled:       true,
	}

	conn, err := Connect(context.Background(), desc, nil, zap.NewNop(), 2*time.Second, nil)
	require.NoError(t, err)
	defer conn.Stop()

	info := conn.State()
	assert.Equal(t, state.Ready, info.Phase)
	assert.Equal(t, "2025-06-18", string(info.Revision))
}

func TestConnectionPingSucceeds(t *testing.T) {
	path := writeFakeBackend(t)
	desc := &config.BackendDescriptor{
		Name:          "alpha",
		CommandSpec:   []string{path},
		TransportKind: config.TransportStdio,
		Enabled:       true,
	}

	conn, err := Connect(context.Background(), desc, nil, zap.NewNop(), 2*time.Second, nil)
	require.NoError(t, err)
	defer conn.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, conn.Ping(ctx))
}

func TestConnectFailsFastOnMissingExecutable(t *testing.T) {
	desc := &config.BackendDescriptor{
		Name:          "missing",
		CommandSpec:   []string{filepath.Join(t.TempDir(), "does-not-exist")},
		TransportKind: config.TransportStdio,
		Enabled:       true,
	}
	_, err := Connect(context.Background(), desc, nil, zap.NewNop(), time.Second, nil)
	assert.Error(t, err)
}

func TestSendTimesOutWhenBackendNeverReplies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.sh")
	// Answers initialize once, then ignores every subsequent request.
	script := `#!/bin/sh
read -r line
id=$(printf '%s' "$line" | sed -n 's/.*"id":\([^,}]*\).*/\1/p')
printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2025-06-18"}}\n' "$id"
read -r line
cat >/dev/null
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	desc := &config.BackendDescriptor{
		Name:          "silent",
		CommandSpec:   []string{path},
		TransportKind: config.TransportStdio,
		Enabled:       true,
	}
	conn, err := Connect(context.Background(), desc, nil, zap.NewNop(), 2*time.Second, nil)
	require.NoError(t, err)
	defer conn.Stop()

	id, _ := json.Marshal("req-1")
	req := &protocol.Envelope{Protocol: "2.0", ID: id, Method: "tools/list"}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = conn.Send(ctx, req)
	assert.Error(t, err)
}
