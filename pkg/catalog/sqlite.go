package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/capsule/pkg/manifest"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS plugins (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL,
		main TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		permissions TEXT NOT NULL DEFAULT '[]',
		install_path TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		digest TEXT NOT NULL DEFAULT '',
		is_verified INTEGER NOT NULL DEFAULT 0,
		download_count INTEGER NOT NULL DEFAULT 0,
		average_rating REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
`

const selectColumns = `id, name, description, author, category, version, main, icon, permissions,
	install_path, size, digest, is_verified, download_count, average_rating, created_at, updated_at`

// SQLiteCatalog stores plugin records in a SQLite database
type SQLiteCatalog struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (and migrates) the catalog database at path
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteCatalog, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	c := &SQLiteCatalog{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
	c.logger.Debug().Str("path", path).Msg("Catalog opened")
	return c, nil
}

// Close closes the underlying database
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

func (c *SQLiteCatalog) Get(ctx context.Context, id string) (*PluginRecord, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM plugins WHERE id = ?", id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin %s: %w", id, err)
	}
	return record, nil
}

func (c *SQLiteCatalog) Create(ctx context.Context, record *PluginRecord) error {
	perms, err := json.Marshal(record.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO plugins (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Name, record.Description, record.Author, record.Category,
		record.Version, record.Main, record.Icon, string(perms), record.InstallPath,
		record.Size, record.Digest, record.IsVerified, record.DownloadCount,
		record.AverageRating, record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrExists, record.ID)
		}
		return fmt.Errorf("failed to create plugin %s: %w", record.ID, err)
	}
	return nil
}

func (c *SQLiteCatalog) Update(ctx context.Context, record *PluginRecord) error {
	perms, err := json.Marshal(record.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE plugins SET
			name = ?, description = ?, author = ?, category = ?, version = ?, main = ?,
			icon = ?, permissions = ?, install_path = ?, size = ?, digest = ?,
			is_verified = ?, download_count = ?, average_rating = ?, updated_at = ?
		WHERE id = ?`,
		record.Name, record.Description, record.Author, record.Category, record.Version,
		record.Main, record.Icon, string(perms), record.InstallPath, record.Size,
		record.Digest, record.IsVerified, record.DownloadCount, record.AverageRating,
		record.UpdatedAt.UnixNano(), record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update plugin %s: %w", record.ID, err)
	}
	return requireAffected(res, record.ID)
}

func (c *SQLiteCatalog) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, "DELETE FROM plugins WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete plugin %s: %w", id, err)
	}
	return requireAffected(res, id)
}

func (c *SQLiteCatalog) List(ctx context.Context) ([]*PluginRecord, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM plugins ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	defer rows.Close()

	var records []*PluginRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*PluginRecord, error) {
	var (
		r         PluginRecord
		perms     string
		createdAt int64
		updatedAt int64
	)
	err := s.Scan(&r.ID, &r.Name, &r.Description, &r.Author, &r.Category, &r.Version,
		&r.Main, &r.Icon, &perms, &r.InstallPath, &r.Size, &r.Digest, &r.IsVerified,
		&r.DownloadCount, &r.AverageRating, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &r.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}
	if r.Permissions == nil {
		r.Permissions = []manifest.Permission{}
	}
	r.CreatedAt = time.Unix(0, createdAt)
	r.UpdatedAt = time.Unix(0, updatedAt)
	return &r, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
