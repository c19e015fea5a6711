package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DisabledBackends is the per-project persisted-state file from spec.md
// section 6: which backends an operator has administratively disabled.
// It is intentionally separate from the static Config so "disable
// backend" (spec.md section 3, NamespaceEntry lifecycle) survives a
// config reload without round-tripping through the config file.
type DisabledBackends struct {
	Disabled []string `json:"disabled"`
}

// InstallationState is the per-installation persisted-state file from
// spec.md section 6: plugin assignments, concurrency caps, and per-backend
// restart policies, independent of any one project's backend list.
type InstallationState struct {
	PluginChains                  map[string]*PluginChainConfig `json:"plugin_chains"`
	MaxConcurrentPluginExecutions int                            `json:"max_concurrent_plugin_executions"`
	PluginPoolSizePerPlugin       int                            `json:"plugin_pool_size_per_plugin"`
	RestartPolicies                map[string]RestartPolicy      `json:"restart_policies"`
}

// atomicWriteJSON writes v to path via a temp file in the same directory
// followed by rename, so a crash mid-write never leaves a truncated file
// behind, mirroring the teacher's atomic persisted-state writes in
// internal/storage/manager.go.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file into %s: %w", path, err)
	}
	return nil
}

// LoadDisabledBackends reads the per-project disabled-backends file,
// returning an empty set if it does not yet exist.
func LoadDisabledBackends(path string) (*DisabledBackends, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &DisabledBackends{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var out DisabledBackends
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &out, nil
}

// SaveDisabledBackends persists the disabled-backend set atomically.
func SaveDisabledBackends(path string, state *DisabledBackends) error {
	return atomicWriteJSON(path, state)
}

// LoadInstallationState reads the per-installation plugin/restart state,
// returning sensible defaults if it does not yet exist.
func LoadInstallationState(path string) (*InstallationState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &InstallationState{
			PluginChains:    map[string]*PluginChainConfig{},
			RestartPolicies: map[string]RestartPolicy{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var out InstallationState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &out, nil
}

// SaveInstallationState persists installation state atomically.
func SaveInstallationState(path string, state *InstallationState) error {
	return atomicWriteJSON(path, state)
}
