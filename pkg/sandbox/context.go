package sandbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/capsule/pkg/manifest"
	"github.com/harun/capsule/pkg/storage"
)

// PluginContext is the runtime state of one running plugin. It is owned by
// the Manager; other components hold the pointer and use its accessors.
type PluginContext struct {
	ID        string
	Name      string
	Version   string
	Handle    string
	DataDir   string
	TempDir   string
	Geometry  Geometry
	StartedAt time.Time

	mu          sync.Mutex
	permissions map[manifest.Permission]bool
	kv          storage.Record
	store       *storage.Store
}

func newPluginContext(id string, m *manifest.Manifest, store *storage.Store, kv storage.Record) *PluginContext {
	c := &PluginContext{
		ID:          id,
		Name:        m.Name,
		Version:     m.Version,
		permissions: make(map[manifest.Permission]bool),
		kv:          kv,
		store:       store,
		StartedAt:   time.Now(),
	}
	for _, perm := range m.Permissions {
		c.permissions[perm] = true
	}
	return c
}

// Permissions returns the declared permissions plus any granted at runtime
func (c *PluginContext) Permissions() []manifest.Permission {
	c.mu.Lock()
	defer c.mu.Unlock()

	perms := make([]manifest.Permission, 0, len(c.permissions))
	for perm := range c.permissions {
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// AddPermission records a runtime grant
func (c *PluginContext) AddPermission(perm manifest.Permission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissions[perm] = true
}

// StorageGet reads key from the cache primed at registration
func (c *PluginContext) StorageGet(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.kv[key]
	return v, ok
}

// StorageKeys lists the stored keys in sorted order
func (c *PluginContext) StorageKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.kv))
	for k := range c.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StorageSet stores value under key and persists before returning
func (c *PluginContext) StorageSet(key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("storage value for %q is not valid JSON", key)
	}
	return c.mutate(func(r storage.Record) { r[key] = value })
}

// StorageRemove deletes key and persists before returning
func (c *PluginContext) StorageRemove(key string) error {
	return c.mutate(func(r storage.Record) { delete(r, key) })
}

// StorageClear empties the store and persists before returning
func (c *PluginContext) StorageClear() error {
	return c.mutate(func(r storage.Record) { clear(r) })
}

// mutate applies fn to a copy of the cache, writes it through and only then
// swaps it in, so a failed write leaves cache and file in agreement.
func (c *PluginContext) mutate(fn func(storage.Record)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.kv.Clone()
	fn(next)
	if c.store != nil {
		if err := c.store.Save(c.ID, next); err != nil {
			return err
		}
	}
	c.kv = next
	return nil
}
