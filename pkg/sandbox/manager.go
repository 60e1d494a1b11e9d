package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/harun/capsule/pkg/manifest"
	"github.com/harun/capsule/pkg/storage"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Config holds sandbox manager configuration
type Config struct {
	// Dir holds one <id>/data and <id>/tmp pair per plugin
	Dir string
}

// Grants is the slice of the permission store the manager needs
type Grants interface {
	Seed(id string) error
	List(id string) []manifest.Permission
}

// Observer is notified on every lifecycle state a plugin enters
type Observer func(id string, state State)

type instance struct {
	ctx        *PluginContext
	window     Window
	state      State
	packageDir string
	done       chan struct{}
}

// Manager owns the mapping between running plugin identities, their
// contexts and their windows. It is the only writer of that registry.
type Manager struct {
	config  Config
	backend Backend
	storage *storage.Store
	grants  Grants
	logger  zerolog.Logger

	mu        sync.RWMutex
	caller    Caller
	observer  Observer
	instances map[string]*instance
	handles   map[string]string
	shutdown  bool

	supervisors sync.WaitGroup
}

// NewManager creates a sandbox manager
func NewManager(cfg Config, backend Backend, store *storage.Store, grants Grants, logger zerolog.Logger) *Manager {
	return &Manager{
		config:    cfg,
		backend:   backend,
		storage:   store,
		grants:    grants,
		logger:    logger.With().Str("component", "sandbox").Logger(),
		instances: make(map[string]*instance),
		handles:   make(map[string]string),
	}
}

// AttachCaller sets the capability entry point handed to new windows
func (m *Manager) AttachCaller(caller Caller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caller = caller
}

// SetObserver sets the lifecycle observer
func (m *Manager) SetObserver(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Dirs returns the private data and temp directories for id
func (m *Manager) Dirs(id string) (dataDir, tempDir string) {
	root := filepath.Join(m.config.Dir, id)
	return filepath.Join(root, "data"), filepath.Join(root, "tmp")
}

// CreateSandbox prepares the private directories and context for id and
// opens its window. The window stays hidden until LoadPlugin succeeds.
func (m *Manager) CreateSandbox(ctx context.Context, id string, man *manifest.Manifest) (*PluginContext, error) {
	if man == nil {
		return nil, errors.New("manifest is required")
	}
	if m.backend == nil {
		return nil, ErrNoBackend
	}

	m.mu.RLock()
	shutdown := m.shutdown
	_, running := m.instances[id]
	caller := m.caller
	m.mu.RUnlock()
	if shutdown {
		return nil, ErrShutdown
	}
	if running {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	dataDir, tempDir := m.Dirs(id)
	for _, dir := range []string{dataDir, tempDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
		}
	}

	kv := storage.Record{}
	if m.storage != nil {
		loaded, err := m.storage.Load(id)
		if err != nil {
			return nil, err
		}
		kv = loaded
	}

	pc := newPluginContext(id, man, m.storage, kv)
	pc.DataDir = dataDir
	pc.TempDir = tempDir
	pc.Geometry = GeometryFromHints(man.Window)

	if m.grants != nil {
		if err := m.grants.Seed(id); err != nil {
			return nil, fmt.Errorf("failed to seed default permissions: %w", err)
		}
		for _, perm := range m.grants.List(id) {
			pc.AddPermission(perm)
		}
	}

	handle, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate window handle: %w", err)
	}
	pc.Handle = handle

	window, err := m.backend.Open(ctx, WindowSpec{
		Handle:   handle,
		PluginID: id,
		Title:    man.Name,
		Geometry: pc.Geometry,
		Caller:   caller,
		DataDir:  dataDir,
		TempDir:  tempDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open window: %w", err)
	}

	inst := &instance{
		ctx:    pc,
		window: window,
		state:  StateRunning,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, raced := m.instances[id]; raced || m.shutdown {
		m.mu.Unlock()
		_ = window.Close()
		if raced {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		return nil, ErrShutdown
	}
	m.instances[id] = inst
	m.handles[handle] = id
	m.supervisors.Add(1)
	m.mu.Unlock()

	go m.supervise(id, inst)
	m.notify(id, StateRunning)

	m.logger.Info().
		Str("plugin_id", id).
		Str("backend", m.backend.Name()).
		Int("width", pc.Geometry.Width).
		Int("height", pc.Geometry.Height).
		Msg("Sandbox created")

	return pc, nil
}

// LoadPlugin reads the package manifest, resolves its entry point, loads the
// document into id's window and reveals the window once loading completes.
func (m *Manager) LoadPlugin(ctx context.Context, id, packageDir string) error {
	inst, ok := m.instance(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	man, err := manifest.LoadDir(packageDir, manifest.Options{})
	if err != nil {
		return err
	}
	if man.ID() != id {
		return fmt.Errorf("package declares plugin %s, not %s", man.ID(), id)
	}

	doc, err := BuildDocument(packageDir, man)
	if err != nil {
		return err
	}

	if err := inst.window.Load(ctx, doc); err != nil {
		return fmt.Errorf("failed to load plugin %s: %w", id, err)
	}
	if err := inst.window.Show(); err != nil {
		return fmt.Errorf("failed to show plugin %s: %w", id, err)
	}

	m.mu.Lock()
	inst.packageDir = doc.BaseDir
	m.mu.Unlock()

	m.logger.Info().
		Str("plugin_id", id).
		Str("entry", man.Main).
		Str("mime", doc.MimeType).
		Bool("wrapped", doc.Wrapped).
		Msg("Plugin loaded")
	return nil
}

// Launch creates a sandbox for the package in packageDir and loads it.
// A failed load closes the new window again.
func (m *Manager) Launch(ctx context.Context, packageDir string) (*PluginContext, error) {
	man, err := manifest.LoadDir(packageDir, manifest.Options{})
	if err != nil {
		return nil, err
	}

	id := man.ID()
	pc, err := m.CreateSandbox(ctx, id, man)
	if err != nil {
		return nil, err
	}
	if err := m.LoadPlugin(ctx, id, packageDir); err != nil {
		_ = m.ClosePlugin(id)
		return nil, err
	}
	return pc, nil
}

// Reload loads the package again into a running plugin's window
func (m *Manager) Reload(ctx context.Context, id string) error {
	inst, ok := m.instance(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	m.mu.RLock()
	dir := inst.packageDir
	m.mu.RUnlock()
	if dir == "" {
		return fmt.Errorf("plugin %s has no loaded package", id)
	}
	return m.LoadPlugin(ctx, id, dir)
}

// ClosePlugin closes id's window. Closing an unknown or closed plugin is a no-op.
func (m *Manager) ClosePlugin(id string) error {
	inst, ok := m.instance(id)
	if !ok {
		return nil
	}
	if !m.deregister(id, inst.ctx.Handle, StateClosed) {
		return nil
	}
	if err := inst.window.Close(); err != nil && !errors.Is(err, ErrWindowClosed) {
		return fmt.Errorf("failed to close window for %s: %w", id, err)
	}
	return nil
}

// RunningPlugins returns the identities with an open window
func (m *Manager) RunningPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether id has an open window
func (m *Manager) IsRunning(id string) bool {
	_, ok := m.instance(id)
	return ok
}

// State returns id's lifecycle state
func (m *Manager) State(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return StateDeregistered, false
	}
	return inst.state, true
}

// Resolve maps a window handle to the context of the plugin that owns it
func (m *Manager) Resolve(handle string) (*PluginContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.handles[handle]
	if !ok {
		return nil, false
	}
	inst, ok := m.instances[id]
	if !ok || inst.ctx.Handle != handle {
		return nil, false
	}
	return inst.ctx, true
}

// Context returns the context of a running plugin
func (m *Manager) Context(id string) (*PluginContext, bool) {
	inst, ok := m.instance(id)
	if !ok {
		return nil, false
	}
	return inst.ctx, true
}

// Deliver hands payload to the running plugin to. It reports false when the
// recipient is not running.
func (m *Manager) Deliver(from, to string, payload json.RawMessage) bool {
	inst, ok := m.instance(to)
	if !ok {
		return false
	}
	if err := inst.window.Deliver(Message{From: from, Payload: payload}); err != nil {
		m.logger.Warn().Err(err).Str("from", from).Str("to", to).Msg("Message delivery failed")
		return false
	}
	return true
}

// Broadcast delivers payload to every running plugin except from and
// returns the number of recipients
func (m *Manager) Broadcast(from string, payload json.RawMessage) int {
	m.mu.RLock()
	targets := make([]string, 0, len(m.instances))
	for id := range m.instances {
		if id != from {
			targets = append(targets, id)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, id := range targets {
		if m.Deliver(from, id, payload) {
			delivered++
		}
	}
	return delivered
}

// Wait returns a channel closed when id's window is deregistered
func (m *Manager) Wait(id string) <-chan struct{} {
	inst, ok := m.instance(id)
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	return inst.done
}

// Shutdown closes every window and waits for their supervisors to exit
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	for _, id := range m.RunningPlugins() {
		if err := m.ClosePlugin(id); err != nil {
			m.logger.Warn().Err(err).Str("plugin_id", id).Msg("Failed to close plugin during shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		m.supervisors.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("Sandbox manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) instance(id string) (*instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// deregister removes id from the registry if handle still owns it. The
// handle check keeps a stale supervisor from removing a relaunched plugin.
func (m *Manager) deregister(id, handle string, final State) bool {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || inst.ctx.Handle != handle {
		m.mu.Unlock()
		return false
	}
	delete(m.instances, id)
	delete(m.handles, handle)
	inst.state = final
	close(inst.done)
	m.mu.Unlock()

	m.notify(id, final)
	m.notify(id, StateDeregistered)

	m.logger.Info().
		Str("plugin_id", id).
		Str("reason", string(final)).
		Msg("Sandbox deregistered")
	return true
}

func (m *Manager) notify(id string, state State) {
	m.mu.RLock()
	observer := m.observer
	m.mu.RUnlock()
	if observer != nil {
		observer(id, state)
	}
}
