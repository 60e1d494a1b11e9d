package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/harun/capsule/internal/observability"
	"github.com/harun/capsule/pkg/catalog"
	"github.com/harun/capsule/pkg/manifest"
	"github.com/rs/zerolog"
)

// BackupSuffix is appended to a plugin directory while an update is in flight
const BackupSuffix = ".backup"

// stagingPrefix names the directories archives are extracted into
const stagingPrefix = ".staging-"

// IsStagingDir reports whether name is an archive staging directory
func IsStagingDir(name string) bool {
	return strings.HasPrefix(name, stagingPrefix)
}

// Permissions is the grant store the installer keeps in step with the catalog
type Permissions interface {
	Retain(id string, declared []manifest.Permission) ([]manifest.Permission, error)
	RevokeAll(id string) error
}

// Storage is the per-plugin key-value store removed on uninstall
type Storage interface {
	Delete(id string) error
}

// Observer receives the outcome of every install, update and uninstall
type Observer func(op, status string)

// Config holds installer settings
type Config struct {
	// Dir is the managed plugin store; each plugin lives in Dir/<id>
	Dir string
	// Excludes are doublestar patterns, relative to the package root, that are not copied
	Excludes []string
	// MaxArchiveBytes caps the uncompressed size of an archive source
	MaxArchiveBytes int64
}

// DefaultConfig returns the default installer configuration for dir
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		Excludes:        append([]string(nil), DefaultExcludes...),
		MaxArchiveBytes: 256 << 20,
	}
}

// Installer copies plugin packages into the managed store and keeps the
// catalog in step. Operations are serialized.
type Installer struct {
	config      Config
	catalog     catalog.Catalog
	permissions Permissions
	storage     Storage
	observer    Observer
	copyFile    copyFunc
	now         func() time.Time
	logger      zerolog.Logger
	mu          sync.Mutex
}

// New creates an installer. permissions and storage may be nil.
func New(cfg Config, cat catalog.Catalog, permissions Permissions, storage Storage, logger zerolog.Logger) *Installer {
	return &Installer{
		config:      cfg,
		catalog:     cat,
		permissions: permissions,
		storage:     storage,
		copyFile:    copyRegular,
		now:         time.Now,
		logger:      logger.With().Str("component", "installer").Logger(),
	}
}

// SetObserver registers a callback for operation outcomes
func (i *Installer) SetObserver(fn Observer) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.observer = fn
}

// Dir returns the managed plugin store
func (i *Installer) Dir() string {
	return i.config.Dir
}

// Install validates the package at source and copies it into the store.
// source is a package directory, a .zip or a .tar.gz.
func (i *Installer) Install(ctx context.Context, source string) (*catalog.PluginRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	record, err := i.install(ctx, source)
	i.finish(ctx, "install", idOf(record), source, err)
	return record, err
}

func (i *Installer) install(ctx context.Context, source string) (*catalog.PluginRecord, error) {
	pkgDir, cleanup, err := i.stage(source)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	m, err := manifest.LoadDir(pkgDir, manifest.Options{})
	if err != nil {
		return nil, fmt.Errorf("invalid plugin package: %w", err)
	}
	id := m.ID()

	if _, err := i.catalog.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInstalled, id)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}

	dest := filepath.Join(i.config.Dir, id)
	if found, err := exists(dest); err != nil {
		return nil, err
	} else if found {
		i.logger.Warn().Str("plugin_id", id).Str("path", dest).Msg("Removing orphaned plugin directory")
		if err := os.RemoveAll(dest); err != nil {
			return nil, fmt.Errorf("failed to remove orphaned directory: %w", err)
		}
	}

	i.logger.Info().Str("plugin_id", id).Str("version", m.Version).Str("source", source).Msg("Installing plugin")

	rollback := func(cause error) error {
		txErr := &TransactionError{Op: "install", ID: id, Err: cause}
		if err := os.RemoveAll(dest); err != nil {
			txErr.RollbackErr = err
			i.logger.Error().Err(err).Str("plugin_id", id).Msg("Failed to remove partial install")
		}
		return txErr
	}

	if err := copyTree(pkgDir, dest, i.config.Excludes, i.copyFile, i.logger); err != nil {
		return nil, rollback(err)
	}
	digest, err := Digest(dest)
	if err != nil {
		return nil, rollback(err)
	}

	now := i.now()
	record := &catalog.PluginRecord{
		ID:          id,
		Name:        m.Name,
		Description: m.Description,
		Author:      m.Author,
		Category:    m.Category,
		Version:     m.Version,
		Main:        m.Main,
		Icon:        m.Icon,
		Permissions: append([]manifest.Permission(nil), m.Permissions...),
		InstallPath: dest,
		Size:        DirSize(dest, i.logger),
		Digest:      digest,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := i.catalog.Create(ctx, record); err != nil {
		return nil, rollback(fmt.Errorf("failed to record plugin: %w", err))
	}

	i.logger.Info().Str("plugin_id", id).Int64("size", record.Size).Msg("Plugin installed")
	return record, nil
}

// Update replaces an installed plugin with the package at source. Either
// the new version is fully in place or the previous one is restored.
func (i *Installer) Update(ctx context.Context, id, source string) (*catalog.PluginRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	record, err := i.update(ctx, id, source)
	i.finish(ctx, "update", id, source, err)
	return record, err
}

func (i *Installer) update(ctx context.Context, id, source string) (*catalog.PluginRecord, error) {
	pkgDir, cleanup, err := i.stage(source)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	m, err := manifest.LoadDir(pkgDir, manifest.Options{})
	if err != nil {
		return nil, fmt.Errorf("invalid plugin package: %w", err)
	}

	existing, err := i.catalog.Get(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	if m.ID() != id {
		return nil, fmt.Errorf("%w: %s is not %s", ErrIdentityMismatch, m.ID(), id)
	}
	i.checkVersion(id, existing.Version, m.Version)

	dest := existing.InstallPath
	if dest == "" {
		dest = filepath.Join(i.config.Dir, id)
	}
	backup := dest + BackupSuffix

	if err := os.RemoveAll(backup); err != nil {
		return nil, fmt.Errorf("failed to clear stale backup: %w", err)
	}
	hadPrevious, err := exists(dest)
	if err != nil {
		return nil, err
	}
	if hadPrevious {
		if err := os.Rename(dest, backup); err != nil {
			return nil, fmt.Errorf("failed to back up current version: %w", err)
		}
		// Rename keeps the old mtime; refresh it so a sweep does not take
		// the backup for a leftover while the update is in flight.
		stamp := time.Now()
		if err := os.Chtimes(backup, stamp, stamp); err != nil {
			i.logger.Warn().Err(err).Str("path", backup).Msg("Failed to refresh backup timestamp")
		}
	} else {
		i.logger.Warn().Str("plugin_id", id).Str("path", dest).Msg("Installed directory missing, updating without backup")
	}

	i.logger.Info().Str("plugin_id", id).Str("from", existing.Version).Str("to", m.Version).Msg("Updating plugin")

	rollback := func(cause error) error {
		txErr := &TransactionError{Op: "update", ID: id, Err: cause}
		if err := os.RemoveAll(dest); err != nil {
			txErr.RollbackErr = err
		} else if hadPrevious {
			if err := os.Rename(backup, dest); err != nil {
				txErr.RollbackErr = err
			}
		}
		if txErr.RollbackErr != nil {
			i.logger.Error().Err(txErr.RollbackErr).Str("plugin_id", id).Msg("Rollback failed")
		} else {
			i.logger.Warn().Err(cause).Str("plugin_id", id).Msg("Update rolled back")
		}
		return txErr
	}

	if err := copyTree(pkgDir, dest, i.config.Excludes, i.copyFile, i.logger); err != nil {
		return nil, rollback(err)
	}
	digest, err := Digest(dest)
	if err != nil {
		return nil, rollback(err)
	}

	record := existing.Clone()
	record.Name = m.Name
	record.Description = m.Description
	record.Author = m.Author
	record.Category = m.Category
	record.Version = m.Version
	record.Main = m.Main
	record.Icon = m.Icon
	record.Permissions = append([]manifest.Permission(nil), m.Permissions...)
	record.InstallPath = dest
	record.Size = DirSize(dest, i.logger)
	record.Digest = digest
	record.UpdatedAt = i.now()

	if err := i.catalog.Update(ctx, record); err != nil {
		return nil, rollback(fmt.Errorf("failed to record plugin: %w", err))
	}

	if hadPrevious {
		if err := os.RemoveAll(backup); err != nil {
			i.logger.Warn().Err(err).Str("path", backup).Msg("Failed to remove backup")
		}
	}

	if i.permissions != nil {
		revoked, err := i.permissions.Retain(id, m.Permissions)
		if err != nil {
			i.logger.Warn().Err(err).Str("plugin_id", id).Msg("Failed to prune permission grants")
		} else if len(revoked) > 0 {
			i.logger.Info().Str("plugin_id", id).Interface("revoked", revoked).Msg("Revoked undeclared permissions")
		}
	}

	i.logger.Info().Str("plugin_id", id).Str("version", record.Version).Msg("Plugin updated")
	return record, nil
}

// Uninstall removes the plugin's directory, record, grants and storage.
// A directory that cannot be removed is logged; the record is still deleted.
func (i *Installer) Uninstall(ctx context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	err := i.uninstall(ctx, id)
	i.finish(ctx, "uninstall", id, "", err)
	return err
}

func (i *Installer) uninstall(ctx context.Context, id string) error {
	existing, err := i.catalog.Get(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to query catalog: %w", err)
	}

	dest := existing.InstallPath
	if dest == "" {
		dest = filepath.Join(i.config.Dir, id)
	}
	if err := os.RemoveAll(dest); err != nil {
		i.logger.Warn().Err(err).Str("plugin_id", id).Str("path", dest).Msg("Failed to remove plugin directory")
	}

	if err := i.catalog.Delete(ctx, id); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	if i.permissions != nil {
		if err := i.permissions.RevokeAll(id); err != nil {
			i.logger.Warn().Err(err).Str("plugin_id", id).Msg("Failed to revoke permissions")
		}
	}
	if i.storage != nil {
		if err := i.storage.Delete(id); err != nil {
			i.logger.Warn().Err(err).Str("plugin_id", id).Msg("Failed to delete plugin storage")
		}
	}

	i.logger.Info().Str("plugin_id", id).Msg("Plugin uninstalled")
	return nil
}

// stage returns the package directory for source, extracting archives into
// a staging directory that cleanup removes.
func (i *Installer) stage(source string) (string, func(), error) {
	noop := func() {}

	info, err := os.Stat(source)
	if err != nil {
		return "", noop, fmt.Errorf("failed to read source: %w", err)
	}
	if info.IsDir() {
		return source, noop, nil
	}

	kind := archiveKind(source)
	if kind == "" {
		return "", noop, fmt.Errorf("unsupported package source %s: expected a directory, .zip or .tar.gz", source)
	}

	if err := os.MkdirAll(i.config.Dir, 0755); err != nil {
		return "", noop, fmt.Errorf("failed to create plugin directory: %w", err)
	}
	staging := filepath.Join(i.config.Dir, stagingPrefix+uuid.NewString())
	if err := os.Mkdir(staging, 0700); err != nil {
		return "", noop, fmt.Errorf("failed to create staging directory: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(staging); err != nil {
			i.logger.Warn().Err(err).Str("path", staging).Msg("Failed to remove staging directory")
		}
	}

	maxBytes := i.config.MaxArchiveBytes
	if maxBytes <= 0 {
		maxBytes = DefaultConfig("").MaxArchiveBytes
	}
	switch kind {
	case "zip":
		err = extractZip(source, staging, maxBytes)
	case "tar.gz":
		err = extractTarGz(source, staging, maxBytes)
	}
	if err != nil {
		cleanup()
		return "", noop, err
	}

	root, err := packageRoot(staging)
	if err != nil {
		cleanup()
		return "", noop, err
	}
	return root, cleanup, nil
}

// checkVersion logs a warning when an update moves to an older version
func (i *Installer) checkVersion(id, current, next string) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return
	}
	nv, err := semver.NewVersion(next)
	if err != nil {
		return
	}
	if nv.LessThan(cur) {
		i.logger.Warn().Str("plugin_id", id).Str("from", current).Str("to", next).Msg("Update installs an older version")
	}
}

func (i *Installer) finish(ctx context.Context, op, id, source string, err error) {
	status := "success"
	metadata := map[string]interface{}{}
	if source != "" {
		metadata["source"] = source
	}
	if err != nil {
		status = "failure"
		metadata["error"] = err.Error()
		i.logger.Error().Err(err).Str("op", op).Str("plugin_id", id).Msg("Installer operation failed")
	}
	observability.RecordInstallAudit(ctx, op, id, status, metadata)
	if i.observer != nil {
		i.observer(op, status)
	}
}

func idOf(record *catalog.PluginRecord) string {
	if record == nil {
		return ""
	}
	return record.ID
}

// Outcome is the result shape reported to callers outside the process
type Outcome struct {
	Success  bool   `json:"success" yaml:"success"`
	PluginID string `json:"pluginId,omitempty" yaml:"pluginId,omitempty"`
	Message  string `json:"message" yaml:"message"`
}

// NewOutcome summarizes an operation result
func NewOutcome(op, id string, err error) Outcome {
	if err != nil {
		return Outcome{Success: false, PluginID: id, Message: fmt.Sprintf("%s failed: %v", op, err)}
	}
	return Outcome{Success: true, PluginID: id, Message: fmt.Sprintf("%s succeeded", op)}
}
