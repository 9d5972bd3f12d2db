package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/client"
)

// BusyFunc reports whether the session owning a sandbox key currently
// has a running task. Busy sandboxes are never evicted.
type BusyFunc func(key string) bool

// PrepareFunc provisions the host workspace directory for a sandbox key
// and returns its path. Lets the workspace layer (local or S3-mirrored)
// own directory layout and restore.
type PrepareFunc func(ctx context.Context, key string) (string, error)

// ManagerConfig configures the sandbox pool.
type ManagerConfig struct {
	Image         string
	PoolSize      int
	MemoryMB      int
	CPUs          float64
	Network       bool
	WorkspaceRoot string
	// Prepare overrides the default workspace provisioning under
	// WorkspaceRoot when set.
	Prepare PrepareFunc
}

type entry struct {
	sb       Sandbox
	lastUsed time.Time
}

// Manager is a keyed pool of sandboxes with a soft size cap. When the
// pool is full the least recently used idle sandbox is evicted to make
// room.
type Manager struct {
	cfg    ManagerConfig
	cli    *client.Client
	busy   BusyFunc
	logger *slog.Logger

	// newSandbox builds the container; swapped out in tests.
	newSandbox func(ctx context.Context, cli *client.Client, name string, opts DockerOptions, logger *slog.Logger) (Sandbox, error)

	mu   sync.Mutex
	pool map[string]*entry
}

// NewManager creates a sandbox pool. busy may be nil, in which case all
// sandboxes are considered evictable.
func NewManager(cfg ManagerConfig, busy BusyFunc, logger *slog.Logger) (*Manager, error) {
	cli, err := NewDockerClient()
	if err != nil {
		return nil, err
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if busy == nil {
		busy = func(string) bool { return false }
	}
	return &Manager{
		cfg:    cfg,
		cli:    cli,
		busy:   busy,
		logger: logger,
		newSandbox: func(ctx context.Context, cli *client.Client, name string, opts DockerOptions, logger *slog.Logger) (Sandbox, error) {
			return CreateDockerSandbox(ctx, cli, name, opts, logger)
		},
		pool: make(map[string]*entry),
	}, nil
}

// SetBusyFunc replaces the busy predicate. Called once the task
// registry exists; the manager is constructed before it.
func (m *Manager) SetBusyFunc(busy BusyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if busy != nil {
		m.busy = busy
	}
}

// Get returns the sandbox for key, or ErrNotFound.
func (m *Manager) Get(key string) (Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[key]
	if !ok {
		return nil, ErrNotFound
	}
	e.lastUsed = time.Now()
	return e.sb, nil
}

// Create builds a sandbox for key, evicting an idle one if the pool is
// full. An existing sandbox for the same key is returned as-is. The
// lock drops during container creation, so the cap and the same-key
// check are re-verified before insert; a racing duplicate is closed.
func (m *Manager) Create(ctx context.Context, key string) (Sandbox, error) {
	m.mu.Lock()
	if e, ok := m.pool[key]; ok {
		e.lastUsed = time.Now()
		m.mu.Unlock()
		return e.sb, nil
	}

	if len(m.pool) >= m.cfg.PoolSize {
		if err := m.evictLocked(ctx); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	m.mu.Unlock()

	var hostDir string
	if m.cfg.Prepare != nil {
		var err error
		hostDir, err = m.cfg.Prepare(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("prepare workspace: %w", err)
		}
	} else {
		hostDir = filepath.Join(m.cfg.WorkspaceRoot, key)
		for _, sub := range []string{"project_files", "agent_workspace", "out"} {
			if err := os.MkdirAll(filepath.Join(hostDir, sub), 0o755); err != nil {
				return nil, fmt.Errorf("create workspace dir: %w", err)
			}
		}
	}

	sb, err := m.newSandbox(ctx, m.cli, "agentd-"+key, DockerOptions{
		Image:    m.cfg.Image,
		HostDir:  hostDir,
		MemoryMB: m.cfg.MemoryMB,
		CPUs:     m.cfg.CPUs,
		Network:  m.cfg.Network,
	}, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if e, ok := m.pool[key]; ok {
		// Lost a same-key race; keep the pooled container.
		e.lastUsed = time.Now()
		m.mu.Unlock()
		if cerr := sb.Close(ctx); cerr != nil {
			m.logger.Warn("duplicate sandbox close failed", "key", key, "error", cerr)
		}
		return e.sb, nil
	}
	if len(m.pool) >= m.cfg.PoolSize {
		if err := m.evictLocked(ctx); err != nil {
			m.mu.Unlock()
			if cerr := sb.Close(ctx); cerr != nil {
				m.logger.Warn("sandbox close failed", "key", key, "error", cerr)
			}
			return nil, err
		}
	}
	m.pool[key] = &entry{sb: sb, lastUsed: time.Now()}
	m.mu.Unlock()
	return sb, nil
}

// evictLocked removes the least recently used idle sandbox. Caller
// holds m.mu.
func (m *Manager) evictLocked(ctx context.Context) error {
	var victimKey string
	var victimTime time.Time
	for key, e := range m.pool {
		if m.busy(key) {
			continue
		}
		if victimKey == "" || e.lastUsed.Before(victimTime) {
			victimKey = key
			victimTime = e.lastUsed
		}
	}
	if victimKey == "" {
		return ErrPoolFull
	}

	victim := m.pool[victimKey]
	delete(m.pool, victimKey)
	if err := victim.sb.Close(ctx); err != nil {
		m.logger.Warn("sandbox eviction close failed", "key", victimKey, "error", err)
	}
	m.logger.Info("sandbox evicted", "key", victimKey)
	return nil
}

// Destroy removes the sandbox for key. Missing keys are a no-op.
func (m *Manager) Destroy(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.pool[key]
	delete(m.pool, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.sb.Close(ctx)
}

// Size returns the number of live sandboxes.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// Shutdown removes every sandbox in the pool.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.pool))
	for k, e := range m.pool {
		entries[k] = e
	}
	m.pool = make(map[string]*entry)
	m.mu.Unlock()

	for key, e := range entries {
		if err := e.sb.Close(ctx); err != nil {
			m.logger.Warn("sandbox shutdown close failed", "key", key, "error", err)
		}
	}
}
