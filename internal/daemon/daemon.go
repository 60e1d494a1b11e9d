package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/harun/capsule/internal/config"
	"github.com/harun/capsule/internal/logger"
	"github.com/harun/capsule/internal/metrics"
	"github.com/harun/capsule/internal/observability"
	"github.com/harun/capsule/pkg/bridge"
	"github.com/harun/capsule/pkg/catalog"
	"github.com/harun/capsule/pkg/installer"
	"github.com/harun/capsule/pkg/janitor"
	"github.com/harun/capsule/pkg/manifest"
	"github.com/harun/capsule/pkg/permission"
	"github.com/harun/capsule/pkg/sandbox"
	"github.com/harun/capsule/pkg/sandbox/browserwin"
	"github.com/harun/capsule/pkg/sandbox/scriptwin"
	"github.com/harun/capsule/pkg/storage"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Daemon wires the plugin host together: catalog, permission store, storage,
// sandbox manager, capability bridge and its server, installer and janitor.
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	catalog     catalog.Catalog
	permissions *permission.Store
	storage     *storage.Store
	backend     sandbox.Backend
	manager     *sandbox.Manager
	bridge      *bridge.Bridge
	server      *bridge.Server
	installer   *installer.Installer
	janitor     *janitor.Janitor
	lifecycle   *LifecycleManager

	prompter  permission.Prompter
	clipboard bridge.Clipboard

	// plugin id -> window handle of the current sandbox
	handles   map[string]string
	handlesMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	closed    bool
	auditOpen bool
	mu        sync.RWMutex
}

// Option customizes a daemon before its components are built
type Option func(*Daemon)

// WithPrompter replaces the prompter chosen from the configuration
func WithPrompter(p permission.Prompter) Option {
	return func(d *Daemon) {
		d.prompter = p
	}
}

// WithClipboard replaces the system clipboard
func WithClipboard(c bridge.Clipboard) Option {
	return func(d *Daemon) {
		d.clipboard = c
	}
}

// New builds every component from cfg. Nothing is started; Start brings up
// the bridge server and janitor, and the short-lived CLI commands use the
// installer and catalog directly before calling Close.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Sandbox.Backend == "browser" && cfg.Bridge.Port == 0 && cfg.Sandbox.Browser.ControlURL == "" {
		return nil, fmt.Errorf("browser backend needs a fixed bridge port")
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:  cfg,
		logger:  log,
		metrics: metrics.NewMetrics(),
		handles: make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.initialize(); err != nil {
		cancel()
		d.release()
		return nil, err
	}
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if cfg.Audit.Enabled && cfg.Audit.File != "" {
		if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit log, continuing without it")
		} else {
			d.auditOpen = true
		}
	}

	for _, dir := range []string{cfg.DataDir, cfg.PluginsDir, cfg.SandboxDir, cfg.StorageDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// Catalog
	switch cfg.Catalog.Driver {
	case "memory":
		d.catalog = catalog.NewMemoryCatalog()
	default:
		cat, err := catalog.OpenSQLite(cfg.Catalog.Path, zl)
		if err != nil {
			return fmt.Errorf("failed to open catalog: %w", err)
		}
		d.catalog = cat
	}

	// Permission store
	if d.prompter == nil {
		if cfg.Permissions.AutoDeny {
			d.prompter = permission.StaticPrompter{}
		} else {
			d.prompter = permission.NewCLIPrompter(os.Stdin, os.Stderr)
		}
	}
	perms, err := permission.NewStore(permission.Config{
		Path:          cfg.PermissionsFile,
		PromptTimeout: time.Duration(cfg.Permissions.PromptTimeout) * time.Second,
	}, d.prompter, zl)
	if err != nil {
		return fmt.Errorf("failed to open permission store: %w", err)
	}
	perms.SetObserver(func(perm manifest.Permission, outcome string) {
		d.metrics.ObservePrompt(string(perm), outcome)
	})
	perms.SetNamer(d.pluginName)
	d.permissions = perms

	d.storage = storage.NewStore(cfg.StorageDir, zl)

	// Sandbox
	switch cfg.Sandbox.Backend {
	case "browser":
		bcfg := browserwin.DefaultConfig()
		bcfg.Bin = cfg.Sandbox.Browser.Bin
		bcfg.ControlURL = cfg.Sandbox.Browser.ControlURL
		bcfg.Headless = cfg.Sandbox.Browser.Headless
		bcfg.NoSandbox = cfg.Sandbox.Browser.NoSandbox
		bcfg.BridgeURL = "ws://" + d.bridgeAddr() + "/bridge"
		if cfg.Sandbox.Browser.HeartbeatInterval > 0 {
			bcfg.HeartbeatInterval = time.Duration(cfg.Sandbox.Browser.HeartbeatInterval) * time.Second
		}
		if cfg.Sandbox.Browser.UnresponsiveAfter > 0 {
			bcfg.UnresponsiveAfter = time.Duration(cfg.Sandbox.Browser.UnresponsiveAfter) * time.Second
		}
		d.backend = browserwin.NewBackend(bcfg, zl)
	default:
		d.backend = scriptwin.NewBackend(scriptwin.DefaultConfig(), zl)
	}

	d.manager = sandbox.NewManager(sandbox.Config{Dir: cfg.SandboxDir}, d.backend, d.storage, d.permissions, zl)

	// Bridge
	bcfg := bridge.Config{
		RateLimit:     cfg.Bridge.RateLimit,
		Burst:         cfg.Bridge.Burst,
		FetchTimeout:  time.Duration(cfg.Bridge.FetchTimeout) * time.Second,
		MaxFetchBytes: cfg.Bridge.MaxFetchBytes,
		MaxFileBytes:  cfg.Bridge.MaxFileBytes,
	}
	var clip bridge.Clipboard = bridge.SystemClipboard{}
	if d.clipboard != nil {
		clip = d.clipboard
	}
	d.bridge = bridge.New(bcfg, d.manager, d.permissions, zl,
		bridge.WithNotifier(bridge.NewLogNotifier(zl)),
		bridge.WithClipboard(clip),
	)
	d.bridge.SetObserver(d.metrics.ObserveBridgeCall)
	d.manager.AttachCaller(d.bridge)
	d.manager.SetObserver(d.onTransition)

	scfg := bridge.ServerConfig{
		Addr:            d.bridgeAddr(),
		ShutdownTimeout: shutdownTimeout,
	}
	if cfg.Metrics.Enabled {
		scfg.Metrics = d.metrics.Handler()
	}
	d.server = bridge.NewServer(scfg, d.bridge, zl)

	// Installer
	icfg := installer.DefaultConfig(cfg.PluginsDir)
	if len(cfg.Installer.Excludes) > 0 {
		icfg.Excludes = cfg.Installer.Excludes
	}
	if cfg.Installer.MaxArchiveBytes > 0 {
		icfg.MaxArchiveBytes = cfg.Installer.MaxArchiveBytes
	}
	d.installer = installer.New(icfg, d.catalog, d.permissions, d.storage, zl)
	d.installer.SetObserver(d.metrics.ObserveInstaller)

	// Janitor
	jcfg := janitor.DefaultConfig(cfg.PluginsDir, cfg.SandboxDir)
	if cfg.Janitor.Schedule != "" {
		jcfg.Schedule = cfg.Janitor.Schedule
	}
	if cfg.Janitor.Grace > 0 {
		jcfg.Grace = time.Duration(cfg.Janitor.Grace) * time.Minute
	}
	d.janitor = janitor.New(jcfg, d.manager, zl)
	d.janitor.SetObserver(func(r janitor.Report) {
		d.metrics.ObserveSweep(r.Backups, r.Staging, r.TempDirs)
	})

	d.logger.Debug().
		Str("catalog", cfg.Catalog.Driver).
		Str("backend", d.backend.Name()).
		Str("plugins_dir", cfg.PluginsDir).
		Msg("Host components initialized")
	return nil
}

func (d *Daemon) bridgeAddr() string {
	return net.JoinHostPort(d.config.Bridge.Host, strconv.Itoa(d.config.Bridge.Port))
}

// pluginName resolves the display name used in permission prompts
func (d *Daemon) pluginName(id string) string {
	if pc, ok := d.manager.Context(id); ok {
		return pc.Name
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if rec, err := d.catalog.Get(ctx, id); err == nil {
		return rec.Name
	}
	return id
}

// onTransition keeps metrics current and tears down the bridge side of a
// plugin once its sandbox is gone.
func (d *Daemon) onTransition(id string, state sandbox.State) {
	d.metrics.ObserveSandbox(string(state), len(d.manager.RunningPlugins()))

	switch state {
	case sandbox.StateRunning:
		if pc, ok := d.manager.Context(id); ok {
			d.handlesMu.Lock()
			d.handles[id] = pc.Handle
			d.handlesMu.Unlock()
		}
	case sandbox.StateDeregistered:
		d.handlesMu.Lock()
		handle, ok := d.handles[id]
		delete(d.handles, id)
		d.handlesMu.Unlock()

		d.bridge.Forget(id)
		if ok {
			if n := d.server.Disconnect(handle); n > 0 {
				d.logger.Debug().Str("plugin_id", id).Int("connections", n).Msg("Closed bridge connections")
			}
		}
	}
}

// Start starts the bridge server and the janitor
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Msg("Starting capsule host")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.server.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start bridge server: %w", err)
	}
	d.logger.Info().Str("url", d.server.URL()).Msg("Bridge server started")

	if d.config.Janitor.Enabled {
		if err := d.janitor.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to start janitor")
		} else {
			d.janitor.Sweep(d.ctx)
		}
	}

	d.logger.Info().Str("backend", d.backend.Name()).Msg("Host started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop closes every sandbox, stops the services and releases resources
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping capsule host")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.manager.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shut down sandbox manager")
	}
	if err := d.janitor.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop janitor")
	}
	if err := d.server.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop bridge server")
	}
	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.cancel()
	d.release()

	d.logger.Info().Msg("Host stopped")
	return nil
}

// Close releases resources of a daemon that was never started. A running
// daemon is stopped first.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}

	if d.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.manager.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shut down sandbox manager")
		}
	}
	d.cancel()
	d.release()
	return nil
}

// release closes the backend, the catalog and the audit log once
func (d *Daemon) release() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	if closer, ok := d.backend.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close window backend")
		}
	}
	if closer, ok := d.catalog.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close catalog")
		}
	}
	if d.auditOpen {
		// swapping in a no-op logger closes the audit file
		observability.SetAuditLogger(observability.NewAuditLogger(zerolog.Nop()))
	}
}

// Status represents daemon status
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"startTime"`
	Bridge    string        `json:"bridge,omitempty"`
	Plugins   []string      `json:"plugins"`
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Plugins: d.manager.RunningPlugins(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Bridge = d.server.URL()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM arrives, then stops the daemon. It
// also returns once the daemon is stopped by other means.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
		if err := d.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop daemon")
		}
	case <-d.ctx.Done():
	}
}

// Install installs the package at source and returns its catalog record
func (d *Daemon) Install(ctx context.Context, source string) (*catalog.PluginRecord, error) {
	return d.installer.Install(ctx, source)
}

// Update replaces an installed plugin with the package at source. A running
// plugin is reloaded from the new files.
func (d *Daemon) Update(ctx context.Context, id, source string) (*catalog.PluginRecord, error) {
	rec, err := d.installer.Update(ctx, id, source)
	if err != nil {
		return nil, err
	}
	if d.manager.IsRunning(id) {
		if err := d.manager.Reload(ctx, id); err != nil {
			d.logger.Warn().Err(err).Str("plugin_id", id).Msg("Failed to reload updated plugin")
		}
	}
	return rec, nil
}

// Uninstall closes a running plugin and removes it
func (d *Daemon) Uninstall(ctx context.Context, id string) error {
	if d.manager.IsRunning(id) {
		if err := d.manager.ClosePlugin(id); err != nil && !errors.Is(err, sandbox.ErrNotRunning) {
			return fmt.Errorf("failed to close plugin %s: %w", id, err)
		}
		select {
		case <-d.manager.Wait(id):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return d.installer.Uninstall(ctx, id)
}

// List returns every installed plugin
func (d *Daemon) List(ctx context.Context) ([]*catalog.PluginRecord, error) {
	return d.catalog.List(ctx)
}

// Launch opens a sandbox for the installed plugin id
func (d *Daemon) Launch(ctx context.Context, id string) (*sandbox.PluginContext, error) {
	rec, err := d.catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", installer.ErrNotFound, id)
		}
		return nil, err
	}
	return d.manager.Launch(ctx, rec.InstallPath)
}

// LaunchDir opens a sandbox for an uninstalled package directory
func (d *Daemon) LaunchDir(ctx context.Context, dir string) (*sandbox.PluginContext, error) {
	return d.manager.Launch(ctx, dir)
}

// Watch reloads id whenever its package files change
func (d *Daemon) Watch(ctx context.Context, id string) error {
	return d.manager.Watch(ctx, id, time.Duration(d.config.Sandbox.DevDebounce)*time.Millisecond)
}

// Sweep runs one janitor pass immediately
func (d *Daemon) Sweep(ctx context.Context) janitor.Report {
	return d.janitor.Sweep(ctx)
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetCatalog returns the plugin catalog
func (d *Daemon) GetCatalog() catalog.Catalog {
	return d.catalog
}

// GetPermissionStore returns the permission store
func (d *Daemon) GetPermissionStore() *permission.Store {
	return d.permissions
}

// GetSandboxManager returns the sandbox manager
func (d *Daemon) GetSandboxManager() *sandbox.Manager {
	return d.manager
}

// GetBridge returns the capability bridge
func (d *Daemon) GetBridge() *bridge.Bridge {
	return d.bridge
}

// GetBridgeServer returns the bridge websocket server
func (d *Daemon) GetBridgeServer() *bridge.Server {
	return d.server
}

// GetMetrics returns the metrics registry wrapper
func (d *Daemon) GetMetrics() *metrics.Metrics {
	return d.metrics
}
