// Package config holds the data model shared by the supervisor, router
// and plugin chain: BackendDescriptor, PluginAssignment, and the proxy's
// top-level Config, loaded with viper the way the teacher's
// internal/config/loader.go does.
package config

import "time"

// Duration wraps time.Duration so it is written as a human string
// ("30s", "5m") in YAML config files, matching the teacher's
// config.Duration (internal/config/config.go). The JSON persisted-state
// files encode it as integer nanoseconds.
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// TransportKind is the mechanism the supervisor uses to reach a backend
// (spec.md section 3, BackendDescriptor.transport_kind).
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTPSSE   TransportKind = "http-sse"
	TransportWebSocket TransportKind = "websocket"
)

// RestartPolicy bounds the supervisor's restart attempts for a backend.
type RestartPolicy struct {
	MaxRestarts int      `yaml:"max_restarts" mapstructure:"max_restarts"`
	Delay       Duration `yaml:"delay" mapstructure:"delay"`
}

// HealthCheck configures periodic liveness pings to a Ready backend.
type HealthCheck struct {
	Enabled  bool     `yaml:"enabled" mapstructure:"enabled"`
	Interval Duration `yaml:"interval" mapstructure:"interval"`
	Timeout  Duration `yaml:"timeout" mapstructure:"timeout"`
}

// BackendDescriptor is the static configuration for one backend MCP
// server (spec.md section 3). Overrides holds extra environment entries
// that the serve command merges over Env before the backend is spawned;
// HTTP-SSE and WebSocket backends take their URL from CommandSpec[0].
type BackendDescriptor struct {
	Name          string            `yaml:"name" mapstructure:"name"`
	CommandSpec   []string          `yaml:"command" mapstructure:"command"`
	TransportKind TransportKind     `yaml:"transport" mapstructure:"transport"`
	Env           map[string]string `yaml:"env" mapstructure:"env"`
	WorkingDir    string            `yaml:"working_dir" mapstructure:"working_dir"`
	RestartPolicy RestartPolicy     `yaml:"restart_policy" mapstructure:"restart_policy"`
	HealthCheck   HealthCheck       `yaml:"health_check" mapstructure:"health_check"`
	Enabled       bool              `yaml:"enabled" mapstructure:"enabled"`
	Required      bool              `yaml:"required" mapstructure:"required"`
	Overrides     map[string]string `yaml:"overrides,omitempty" mapstructure:"overrides"`
}

// Phase distinguishes the request-phase and response-phase plugin chains
// held per backend (spec.md section 3, PluginAssignment).
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// PluginAssignment binds one plugin into a backend's ordered chain for a
// given phase.
type PluginAssignment struct {
	PluginName     string   `yaml:"plugin_name" mapstructure:"plugin_name"`
	Order          int      `yaml:"order" mapstructure:"order"`
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	TimeoutOverride Duration `yaml:"timeout_override,omitempty" mapstructure:"timeout_override"`
}

// PluginChainConfig is the full set of assignments for one backend,
// keyed by phase.
type PluginChainConfig struct {
	Request  []PluginAssignment `yaml:"request" mapstructure:"request"`
	Response []PluginAssignment `yaml:"response" mapstructure:"response"`
}

// Config is the proxy's top-level configuration. The serve command loads
// it once at startup; there is no reload path and no lock around it.
type Config struct {
	Listen       string                         `yaml:"listen" mapstructure:"listen"`
	DataDir      string                          `yaml:"data_dir" mapstructure:"data_dir"`
	PluginDir    string                          `yaml:"plugin_dir" mapstructure:"plugin_dir"`
	Backends     []*BackendDescriptor            `yaml:"backends" mapstructure:"backends"`
	PluginChains map[string]*PluginChainConfig   `yaml:"plugin_chains" mapstructure:"plugin_chains"` // keyed by backend name
	Logging      *LogConfig                      `yaml:"logging,omitempty" mapstructure:"logging"`

	MaxConcurrentPluginExecutions int      `yaml:"max_concurrent_plugin_executions" mapstructure:"max_concurrent_plugin_executions"`
	PluginPoolSizePerPlugin       int      `yaml:"plugin_pool_size_per_plugin" mapstructure:"plugin_pool_size_per_plugin"`
	DefaultPluginTimeout          Duration `yaml:"default_plugin_timeout" mapstructure:"default_plugin_timeout"`
	RequestTimeout                Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	InitializeTimeout              Duration `yaml:"initialize_timeout" mapstructure:"initialize_timeout"`
}

// LogConfig mirrors the teacher's internal/config LogConfig: console +
// rotating file output driven by zap/lumberjack.
type LogConfig struct {
	Level         string `yaml:"level" mapstructure:"level"`
	EnableConsole bool   `yaml:"enable_console" mapstructure:"enable_console"`
	EnableFile    bool   `yaml:"enable_file" mapstructure:"enable_file"`
	Filename      string `yaml:"filename" mapstructure:"filename"`
	MaxSizeMB     int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups    int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays    int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress      bool   `yaml:"compress" mapstructure:"compress"`
	JSONFormat    bool   `yaml:"json_format" mapstructure:"json_format"`
}

// Defaults returns a Config with the operator-facing defaults named
// throughout spec.md (30s initialize timeout, etc.).
func Defaults() *Config {
	return &Config{
		Listen:                         "127.0.0.1:8899",
		MaxConcurrentPluginExecutions:  16,
		PluginPoolSizePerPlugin:        4,
		DefaultPluginTimeout:           Duration(10 * time.Second),
		RequestTimeout:                 Duration(60 * time.Second),
		InitializeTimeout:              Duration(30 * time.Second),
		PluginChains:                   map[string]*PluginChainConfig{},
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			Filename:      "muxproxyd.log",
			MaxSizeMB:     10,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
		},
	}
}
