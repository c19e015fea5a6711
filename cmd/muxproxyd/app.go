package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/dispatcher"
	"github.com/mcp-multiplex/muxproxy/internal/logs"
	"github.com/mcp-multiplex/muxproxy/internal/plugin"
	"github.com/mcp-multiplex/muxproxy/internal/procenv"
	"github.com/mcp-multiplex/muxproxy/internal/protocol"
	"github.com/mcp-multiplex/muxproxy/internal/router"
	"github.com/mcp-multiplex/muxproxy/internal/runtime"
	"github.com/mcp-multiplex/muxproxy/internal/statestore"
	"github.com/mcp-multiplex/muxproxy/internal/upstream"
)

// requiredBackendError is returned by newApp when a BackendDescriptor
// marked Required never reaches Ready within its restart budget, the
// condition spec.md section 6 ties to a non-zero exit code.
type requiredBackendError struct {
	Cause error
}

func (e *requiredBackendError) Error() string {
	return fmt.Sprintf("required backend never became ready: %v", e.Cause)
}

func (e *requiredBackendError) Unwrap() error { return e.Cause }

// app bundles every long-lived component the serve command wires
// together: the supervisor owns backends, the dispatcher is the
// stateless per-request pipeline, and everything else is a shared
// dependency between the two (spec.md section 9, "Cyclic ownership").
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	bus        *runtime.Bus
	supervisor *upstream.Supervisor
	registry   *router.Registry
	executor   *plugin.Executor
	pluginMgr  *plugin.Manager
	store      *statestore.Store
}

func resolveDataDir(cfg *config.Config, flagDataDir string) string {
	if flagDataDir != "" {
		return flagDataDir
	}
	if cfg.DataDir != "" {
		return cfg.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muxproxy"
	}
	return filepath.Join(home, ".muxproxy")
}

// newApp loads configuration, builds logging, the namespace registry,
// the plugin pool/executor, and the backend supervisor, then starts
// every enabled backend (spec.md sections 4.4-4.8).
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Defaults()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if logLevel != "" {
		if cfg.Logging == nil {
			cfg.Logging = &config.LogConfig{EnableConsole: true}
		}
		cfg.Logging.Level = logLevel
	}
	cfg.DataDir = resolveDataDir(cfg, dataDir)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	logger, err := logs.Setup(cfg.Logging, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	disabled, err := config.LoadDisabledBackends(filepath.Join(cfg.DataDir, "disabled_backends.json"))
	if err != nil {
		return nil, fmt.Errorf("load disabled backends: %w", err)
	}
	disabledSet := make(map[string]bool, len(disabled.Disabled))
	for _, name := range disabled.Disabled {
		disabledSet[name] = true
	}

	installState, err := config.LoadInstallationState(filepath.Join(cfg.DataDir, "plugins.json"))
	if err != nil {
		return nil, fmt.Errorf("load installation state: %w", err)
	}
	if len(installState.PluginChains) > 0 {
		cfg.PluginChains = installState.PluginChains
	}
	if installState.MaxConcurrentPluginExecutions > 0 {
		cfg.MaxConcurrentPluginExecutions = installState.MaxConcurrentPluginExecutions
	}
	if installState.PluginPoolSizePerPlugin > 0 {
		cfg.PluginPoolSizePerPlugin = installState.PluginPoolSizePerPlugin
	}

	store, err := statestore.Open(filepath.Join(cfg.DataDir, "supervisor.db"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	bus := runtime.NewBus()
	bus.Subscribe(func(ev runtime.Event) {
		logger.Info("lifecycle event",
			zap.String("kind", string(ev.Kind)),
			zap.String("backend", ev.Backend),
			zap.String("reason", ev.Reason))
		if ev.Backend == "" {
			return
		}
		rec, _, _ := store.GetBackend(ev.Backend)
		rec.Name = ev.Backend
		if ev.ToPhase != "" {
			rec.LastPhase = ev.ToPhase
		}
		if ev.Reason != "" {
			rec.LastFailure = ev.Reason
		}
		if ev.Kind == runtime.EventBackendRestarting {
			rec.RestartCount++
		}
		_ = store.PutBackend(rec)
	})

	registry := router.New()
	bus.Subscribe(func(ev runtime.Event) {
		// A failed backend has departed per spec.md section 3,
		// "NamespaceEntries ... are purged on its departure"; the next
		// successful tools/resources/prompts list from this backend
		// (after it reconnects) repopulates its entries.
		if ev.Kind == runtime.EventBackendFailed {
			registry.UnregisterBackend(ev.Backend)
		}
	})

	envBuilder := procenv.NewBuilder(nil)
	pluginMgr := plugin.NewManager(cfg.PluginDir, cfg.PluginPoolSizePerPlugin, func(name string) []string {
		return envBuilder.Build(name, nil)
	}, logger)
	gate := plugin.NewGate(cfg.MaxConcurrentPluginExecutions)
	executor := plugin.NewExecutor(pluginMgr, gate, cfg.DefaultPluginTimeout.Duration())

	initTimeout := cfg.InitializeTimeout.Duration()
	backendEnv := map[string]map[string]string{}
	supervisor := upstream.NewSupervisor(logger, bus, func(backendName string) []string {
		return envBuilder.Build(backendName, backendEnv[backendName])
	}, initTimeout)

	var enabled []*config.BackendDescriptor
	for _, b := range cfg.Backends {
		if disabledSet[b.Name] {
			continue
		}
		if b.Overrides != nil {
			if b.Env == nil {
				b.Env = map[string]string{}
			}
			for k, v := range b.Overrides {
				b.Env[k] = v
			}
		}
		backendEnv[b.Name] = b.Env
		enabled = append(enabled, b)
	}

	if err := supervisor.Start(ctx, enabled); err != nil {
		return nil, &requiredBackendError{Cause: err}
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		supervisor: supervisor,
		registry:   registry,
		executor:   executor,
		pluginMgr:  pluginMgr,
		store:      store,
	}, nil
}

func (a *app) shutdown() {
	a.supervisor.Stop()
	a.pluginMgr.Shutdown()
	_ = a.store.Close()
	_ = a.logger.Sync()
}

// serveStdio runs the dispatcher against line-delimited JSON-RPC on
// stdin/stdout, the simplest and most common client transport for a
// locally-spawned MCP proxy (spec.md section 6).
func (a *app) serveStdio(ctx context.Context) error {
	d := dispatcher.New(a.supervisor, a.registry, a.executor, a.cfg.PluginChains, a.logger, a.cfg.RequestTimeout.Duration())

	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	clientRev := protocol.Latest()
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			a.logger.Warn("discarding malformed client line", zap.Error(err))
			continue
		}

		if env.Method == "initialize" {
			clientRev = dispatcher.NegotiateRevision(env.Params)
		}
		resp := d.Handle(ctx, clientRev, &env)
		if resp == nil {
			continue
		}
		buf, err := json.Marshal(resp)
		if err != nil {
			a.logger.Error("failed to encode response envelope", zap.Error(err))
			continue
		}
		buf = append(buf, '\n')
		if _, err := out.Write(buf); err != nil {
			return fmt.Errorf("write client response: %w", err)
		}
		if err := out.Flush(); err != nil {
			return fmt.Errorf("flush client response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("read client request: %w", err)
	}
	return nil
}
