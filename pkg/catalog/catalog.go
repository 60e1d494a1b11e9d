package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/harun/capsule/pkg/manifest"
)

var (
	// ErrNotFound is returned when no record exists for an identity
	ErrNotFound = errors.New("plugin not found")

	// ErrExists is returned when creating a record whose identity is taken
	ErrExists = errors.New("plugin already exists")
)

// PluginRecord is the catalog entry for an installed plugin
type PluginRecord struct {
	ID            string                `json:"id" yaml:"id"`
	Name          string                `json:"name" yaml:"name"`
	Description   string                `json:"description,omitempty" yaml:"description,omitempty"`
	Author        string                `json:"author" yaml:"author"`
	Category      string                `json:"category,omitempty" yaml:"category,omitempty"`
	Version       string                `json:"version" yaml:"version"`
	Main          string                `json:"main" yaml:"main"`
	Icon          string                `json:"icon,omitempty" yaml:"icon,omitempty"`
	Permissions   []manifest.Permission `json:"permissions" yaml:"permissions"`
	InstallPath   string                `json:"installPath" yaml:"installPath"`
	Size          int64                 `json:"size" yaml:"size"`
	Digest        string                `json:"digest,omitempty" yaml:"digest,omitempty"`
	IsVerified    bool                  `json:"isVerified" yaml:"isVerified"`
	DownloadCount int                   `json:"downloadCount" yaml:"downloadCount"`
	AverageRating float64               `json:"averageRating" yaml:"averageRating"`
	CreatedAt     time.Time             `json:"createdAt" yaml:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt" yaml:"updatedAt"`
}

// Clone returns a deep copy of the record
func (r *PluginRecord) Clone() *PluginRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Permissions = append([]manifest.Permission(nil), r.Permissions...)
	return &c
}

// Catalog is the persistence boundary for plugin records
type Catalog interface {
	// Get returns the record for id or ErrNotFound
	Get(ctx context.Context, id string) (*PluginRecord, error)

	// Create stores a new record or returns ErrExists
	Create(ctx context.Context, record *PluginRecord) error

	// Update replaces an existing record or returns ErrNotFound
	Update(ctx context.Context, record *PluginRecord) error

	// Delete removes a record or returns ErrNotFound
	Delete(ctx context.Context, id string) error

	// List returns all records ordered by identity
	List(ctx context.Context) ([]*PluginRecord, error)
}
