package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/viper"
)

// Load reads the proxy configuration from path (YAML) layered over
// Defaults(), the way the teacher's internal/config/loader.go layers
// viper over compiled-in defaults. Environment variables prefixed
// MUXPROXY_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("muxproxy")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	durationHook := func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(Duration(0)) {
			return data, nil
		}
		parsed, err := time.ParseDuration(reflect.ValueOf(data).String())
		if err != nil {
			return nil, err
		}
		return Duration(parsed), nil
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg, viper.DecodeHook(durationHook)); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the structural invariants spec.md assumes of a loaded
// Config: unique backend names, known transport kinds, and a positive
// plugin concurrency cap and per-plugin pool size.
func Validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true

		switch b.TransportKind {
		case TransportStdio, TransportHTTPSSE, TransportWebSocket:
		default:
			return fmt.Errorf("backend %q: unknown transport kind %q", b.Name, b.TransportKind)
		}
	}
	if cfg.MaxConcurrentPluginExecutions <= 0 {
		return fmt.Errorf("max_concurrent_plugin_executions must be positive")
	}
	if cfg.PluginPoolSizePerPlugin <= 0 {
		return fmt.Errorf("plugin_pool_size_per_plugin must be positive")
	}
	return nil
}
