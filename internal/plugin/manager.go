package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Manager creates plugin subprocesses lazily per plugin identity, pools
// them, and destroys them on shutdown or when observed unhealthy (spec.md
// section 3, "Lifecycle").
type Manager struct {
	dir         string
	poolSize    int
	logger      *zap.Logger
	envBuilder  func(pluginName string) []string

	mu        sync.Mutex
	pools     map[string]*Pool
	manifests map[string]*Manifest
}

// NewManager returns a Manager that resolves plugin executables under
// dir, pools up to poolSize subprocesses per plugin, and builds each
// subprocess's environment with envBuilder (adapting the teacher's
// secure-environment construction to plugin subprocesses as well as
// backends).
func NewManager(dir string, poolSize int, envBuilder func(string) []string, logger *zap.Logger) *Manager {
	return &Manager{
		dir:        dir,
		poolSize:   poolSize,
		logger:     logger,
		envBuilder: envBuilder,
		pools:      make(map[string]*Pool),
		manifests:  make(map[string]*Manifest),
	}
}

func (m *Manager) poolFor(name string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[name]; ok {
		return p, nil
	}

	if manifest, err := LoadManifest(m.dir, name); err != nil {
		m.logger.Warn("ignoring unreadable plugin manifest", zap.String("plugin", name), zap.Error(err))
	} else if manifest != nil {
		m.manifests[name] = manifest
	}

	path := filepath.Join(m.dir, name)
	spawn := func(ctx context.Context) (*Subprocess, error) {
		var env []string
		if m.envBuilder != nil {
			env = m.envBuilder(name)
		}
		return Spawn(ctx, name, path, nil, env, m.logger)
	}

	p, err := NewPool(name, m.poolSize, spawn, m.logger)
	if err != nil {
		return nil, fmt.Errorf("create pool for plugin %s: %w", name, err)
	}
	m.pools[name] = p
	return p, nil
}

// ManifestFor returns the cached manifest for a plugin, or nil if it
// carries none (or hasn't been acquired yet).
func (m *Manager) ManifestFor(name string) *Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifests[name]
}

// Acquire gets a pooled or freshly-spawned subprocess for pluginName.
func (m *Manager) Acquire(ctx context.Context, pluginName string) (*Subprocess, error) {
	p, err := m.poolFor(pluginName)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns sp to its plugin's pool.
func (m *Manager) Release(pluginName string, sp *Subprocess) {
	m.mu.Lock()
	p, ok := m.pools[pluginName]
	m.mu.Unlock()
	if !ok {
		sp.Kill()
		return
	}
	p.Release(sp)
}

// Shutdown drains every known plugin pool, killing every held subprocess.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Drain()
	}
}
