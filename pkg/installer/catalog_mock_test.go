package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/capsule/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCatalog is a mock implementation of catalog.Catalog
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) Get(ctx context.Context, id string) (*catalog.PluginRecord, error) {
	args := m.Called(ctx, id)
	if rec := args.Get(0); rec != nil {
		return rec.(*catalog.PluginRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCatalog) Create(ctx context.Context, record *catalog.PluginRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *MockCatalog) Update(ctx context.Context, record *catalog.PluginRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *MockCatalog) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockCatalog) List(ctx context.Context) ([]*catalog.PluginRecord, error) {
	args := m.Called(ctx)
	if recs := args.Get(0); recs != nil {
		return recs.([]*catalog.PluginRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestInstall_CatalogFailureRollsBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plugins")
	cat := new(MockCatalog)
	cat.On("Get", mock.Anything, "tool").Return(nil, catalog.ErrNotFound)
	cat.On("Create", mock.Anything, mock.MatchedBy(func(r *catalog.PluginRecord) bool {
		return r.ID == "tool" && r.Version == "1.0.0"
	})).Return(errors.New("database is locked"))

	inst := New(DefaultConfig(dir), cat, &fakePermissions{}, &fakeStorage{}, quiet)
	src := writePackage(t, "Tool", "1.0.0", nil)

	_, err := inst.Install(context.Background(), src)
	require.Error(t, err)

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "install", txErr.Op)
	assert.Contains(t, err.Error(), "database is locked")

	_, statErr := os.Stat(filepath.Join(dir, "tool"))
	assert.True(t, os.IsNotExist(statErr))
	cat.AssertExpectations(t)
}

func TestInstall_CatalogQueryFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plugins")
	cat := new(MockCatalog)
	cat.On("Get", mock.Anything, "tool").Return(nil, errors.New("connection reset"))

	inst := New(DefaultConfig(dir), cat, &fakePermissions{}, &fakeStorage{}, quiet)
	src := writePackage(t, "Tool", "1.0.0", nil)

	_, err := inst.Install(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query catalog")

	cat.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	cat.AssertExpectations(t)
}
