package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/runtime"
)

func TestSupervisorStartAndSnapshot(t *testing.T) {
	path := writeFakeBackend(t)
	desc := &config.BackendDescriptor{
		Name:          "alpha",
		CommandSpec:   []string{path},
		TransportKind: config.TransportStdio,
		Enabled:       true,
		HealthCheck:   config.HealthCheck{Enabled: false},
	}

	sup := NewSupervisor(zap.NewNop(), runtime.NewBus(), nil, 2*time.Second)
	require.NoError(t, sup.Start(context.Background(), []*config.BackendDescriptor{desc}))
	defer sup.Stop()

	snaps := sup.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "alpha", snaps[0].Name)
	assert.Equal(t, "Ready", snaps[0].Phase)
}

func TestSupervisorRequiredBackendFailureReturnsError(t *testing.T) {
	desc := &config.BackendDescriptor{
		Name:          "missing",
		CommandSpec:   []string{"/no/such/executable"},
		TransportKind: config.TransportStdio,
		Enabled:       true,
		Required:      true,
	}
	sup := NewSupervisor(zap.NewNop(), runtime.NewBus(), nil, time.Second)
	err := sup.Start(context.Background(), []*config.BackendDescriptor{desc})
	assert.Error(t, err)
}

func TestSupervisorSendUnknownBackend(t *testing.T) {
	sup := NewSupervisor(zap.NewNop(), runtime.NewBus(), nil, time.Second)
	_, err := sup.Send(context.Background(), "nobody", nil)
	assert.Error(t, err)
}
