package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryCatalog is an in-process Catalog used by tests and ephemeral hosts
type MemoryCatalog struct {
	records map[string]*PluginRecord
	mu      sync.RWMutex
}

// NewMemoryCatalog creates an empty in-memory catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		records: make(map[string]*PluginRecord),
	}
}

func (c *MemoryCatalog) Get(ctx context.Context, id string) (*PluginRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, exists := c.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record.Clone(), nil
}

func (c *MemoryCatalog) Create(ctx context.Context, record *PluginRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[record.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, record.ID)
	}
	c.records[record.ID] = record.Clone()
	return nil
}

func (c *MemoryCatalog) Update(ctx context.Context, record *PluginRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[record.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, record.ID)
	}
	c.records[record.ID] = record.Clone()
	return nil
}

func (c *MemoryCatalog) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(c.records, id)
	return nil
}

func (c *MemoryCatalog) List(ctx context.Context) ([]*PluginRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	records := make([]*PluginRecord, 0, len(c.records))
	for _, record := range c.records {
		records = append(records, record.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}
