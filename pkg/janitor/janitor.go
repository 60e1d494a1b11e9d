package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/capsule/pkg/installer"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Running reports whether a plugin currently has a sandbox
type Running interface {
	IsRunning(id string) bool
}

// Config holds janitor settings
type Config struct {
	// Schedule is a robfig/cron spec, e.g. "@every 1h"
	Schedule string
	// PluginsDir is the installer's managed store
	PluginsDir string
	// SandboxDir holds the per-plugin data and tmp directories
	SandboxDir string
	// Grace is how old a backup or staging directory must be before removal
	Grace time.Duration
}

// DefaultConfig returns the default janitor configuration
func DefaultConfig(pluginsDir, sandboxDir string) Config {
	return Config{
		Schedule:   "@every 1h",
		PluginsDir: pluginsDir,
		SandboxDir: sandboxDir,
		Grace:      time.Hour,
	}
}

// Report counts what one sweep removed
type Report struct {
	Backups  int `json:"backups"`
	Staging  int `json:"staging"`
	TempDirs int `json:"tempDirs"`
}

// Total returns the number of directories removed
func (r Report) Total() int {
	return r.Backups + r.Staging + r.TempDirs
}

// Observer receives the report of every sweep
type Observer func(Report)

// Janitor periodically removes leftovers of interrupted installer
// transactions and temp directories of plugins that are no longer running.
type Janitor struct {
	config  Config
	running Running
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	cron     *cron.Cron
	observer Observer
	sweep    sync.Mutex
}

// New creates a janitor. running may be nil, in which case every plugin is
// treated as stopped.
func New(cfg Config, running Running, logger zerolog.Logger) *Janitor {
	return &Janitor{
		config:  cfg,
		running: running,
		logger:  logger.With().Str("component", "janitor").Logger(),
		now:     time.Now,
	}
}

// SetObserver sets the sweep observer
func (j *Janitor) SetObserver(fn Observer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observer = fn
}

// Start schedules sweeps. It returns an error for an invalid schedule.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.config.Schedule, func() {
		j.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.config.Schedule, err)
	}
	c.Start()
	j.cron = c

	j.logger.Info().Str("schedule", j.config.Schedule).Msg("Janitor started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one cleanup pass
func (j *Janitor) Sweep(ctx context.Context) Report {
	j.sweep.Lock()
	defer j.sweep.Unlock()

	var report Report
	if j.config.PluginsDir != "" {
		report.Backups, report.Staging = j.sweepPlugins(ctx)
	}
	if j.config.SandboxDir != "" {
		report.TempDirs = j.sweepTemp(ctx)
	}

	if report.Total() > 0 {
		j.logger.Info().
			Int("backups", report.Backups).
			Int("staging", report.Staging).
			Int("temp_dirs", report.TempDirs).
			Msg("Sweep removed stale directories")
	} else {
		j.logger.Debug().Msg("Sweep found nothing to remove")
	}

	j.mu.Lock()
	observer := j.observer
	j.mu.Unlock()
	if observer != nil {
		observer(report)
	}
	return report
}

func (j *Janitor) sweepPlugins(ctx context.Context) (backups, staging int) {
	entries, err := os.ReadDir(j.config.PluginsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn().Err(err).Str("dir", j.config.PluginsDir).Msg("Failed to read plugins directory")
		}
		return 0, 0
	}

	cutoff := j.now().Add(-j.config.Grace)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		isBackup := strings.HasSuffix(name, installer.BackupSuffix)
		isStaging := installer.IsStagingDir(name)
		if !isBackup && !isStaging {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if isBackup && !j.hasLiveCopy(strings.TrimSuffix(name, installer.BackupSuffix)) {
			j.logger.Warn().Str("path", name).Msg("Keeping backup of a plugin with no installed directory")
			continue
		}

		path := filepath.Join(j.config.PluginsDir, name)
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove stale directory")
			continue
		}
		if isBackup {
			backups++
		} else {
			staging++
		}
	}
	return backups, staging
}

// hasLiveCopy reports whether the plugin directory a backup belongs to
// exists. A backup without one is the only copy left.
func (j *Janitor) hasLiveCopy(id string) bool {
	info, err := os.Stat(filepath.Join(j.config.PluginsDir, id))
	return err == nil && info.IsDir()
}

func (j *Janitor) sweepTemp(ctx context.Context) int {
	entries, err := os.ReadDir(j.config.SandboxDir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn().Err(err).Str("dir", j.config.SandboxDir).Msg("Failed to read sandbox directory")
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if j.running != nil && j.running.IsRunning(id) {
			continue
		}

		tmp := filepath.Join(j.config.SandboxDir, id, "tmp")
		if _, err := os.Stat(tmp); err != nil {
			continue
		}
		if err := os.RemoveAll(tmp); err != nil {
			j.logger.Warn().Err(err).Str("plugin_id", id).Msg("Failed to remove temp directory")
			continue
		}
		removed++
	}
	return removed
}
