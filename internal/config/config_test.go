package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsDuplicateBackendNames(t *testing.T) {
	cfg := Defaults()
	cfg.Backends = []*BackendDescriptor{
		{Name: "alpha", TransportKind: TransportStdio},
		{Name: "alpha", TransportKind: TransportStdio},
	}
	err := Validate(cfg)
	assert.Error(t, err)
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := Defaults()
	cfg.Backends = []*BackendDescriptor{{Name: "alpha", TransportKind: "carrier-pigeon"}}
	assert.Error(t, Validate(cfg))
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Backends = []*BackendDescriptor{
		{Name: "alpha", TransportKind: TransportStdio},
		{Name: "beta", TransportKind: TransportHTTPSSE},
	}
	assert.NoError(t, Validate(cfg))
}

func TestDisabledBackendsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disabled.json")

	loaded, err := LoadDisabledBackends(path)
	require.NoError(t, err)
	assert.Empty(t, loaded.Disabled)

	state := &DisabledBackends{Disabled: []string{"alpha", "gamma"}}
	require.NoError(t, SaveDisabledBackends(path, state))

	reloaded, err := LoadDisabledBackends(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "gamma"}, reloaded.Disabled)
}

func TestInstallationStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "installation.json")

	state, err := LoadInstallationState(path)
	require.NoError(t, err)
	require.NotNil(t, state.PluginChains)

	state.PluginChains["alpha"] = &PluginChainConfig{
		Request: []PluginAssignment{{PluginName: "redact", Order: 1, Enabled: true}},
	}
	state.MaxConcurrentPluginExecutions = 8
	require.NoError(t, SaveInstallationState(path, state))

	reloaded, err := LoadInstallationState(path)
	require.NoError(t, err)
	assert.Equal(t, 8, reloaded.MaxConcurrentPluginExecutions)
	require.Contains(t, reloaded.PluginChains, "alpha")
	assert.Equal(t, "redact", reloaded.PluginChains["alpha"].Request[0].PluginName)
}
