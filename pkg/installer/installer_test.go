package installer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/harun/capsule/pkg/catalog"
	"github.com/harun/capsule/pkg/manifest"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = zerolog.New(os.Stdout).Level(zerolog.Disabled)

type fakePermissions struct {
	mu       sync.Mutex
	retained map[string][]manifest.Permission
	revoked  []string
}

func (f *fakePermissions) Retain(id string, declared []manifest.Permission) ([]manifest.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retained == nil {
		f.retained = make(map[string][]manifest.Permission)
	}
	f.retained[id] = declared
	return nil, nil
}

func (f *fakePermissions) RevokeAll(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return nil
}

type fakeStorage struct {
	deleted []string
}

func (f *fakeStorage) Delete(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fixture struct {
	inst    *Installer
	catalog *catalog.MemoryCatalog
	perms   *fakePermissions
	storage *fakeStorage
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "plugins")
	f := &fixture{
		catalog: catalog.NewMemoryCatalog(),
		perms:   &fakePermissions{},
		storage: &fakeStorage{},
		dir:     dir,
	}
	f.inst = New(DefaultConfig(dir), f.catalog, f.perms, f.storage, quiet)
	return f
}

func writePackage(t *testing.T, name, version string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	manifestJSON := fmt.Sprintf(`{"name":%q,"version":%q,"author":"Test","main":"index.html","permissions":["storage"]}`, name, version)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(manifestJSON), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>"+version+"</h1>"), 0644))
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

// snapshot maps every regular file under root to its contents
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		rel, _ := filepath.Rel(root, path)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestInstall(t *testing.T) {
	f := newFixture(t)
	src := writePackage(t, "My Cool Tool!", "1.0.0", map[string]string{"js/app.js": "console.log(1)"})

	record, err := f.inst.Install(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, "my-cool-tool-", record.ID)
	assert.Equal(t, "My Cool Tool!", record.Name)
	assert.Equal(t, "1.0.0", record.Version)
	assert.Equal(t, filepath.Join(f.dir, "my-cool-tool-"), record.InstallPath)
	assert.False(t, record.IsVerified)
	assert.Zero(t, record.DownloadCount)
	assert.Zero(t, record.AverageRating)
	assert.NotEmpty(t, record.Digest)
	assert.False(t, record.CreatedAt.IsZero())
	assert.Equal(t, []manifest.Permission{manifest.PermissionStorage}, record.Permissions)

	assert.Equal(t, snapshot(t, src), snapshot(t, record.InstallPath))

	var want int64
	for _, content := range snapshot(t, src) {
		want += int64(len(content))
	}
	assert.Equal(t, want, record.Size)

	stored, err := f.catalog.Get(context.Background(), "my-cool-tool-")
	require.NoError(t, err)
	assert.Equal(t, record.Digest, stored.Digest)
}

func TestInstall_AlreadyInstalled(t *testing.T) {
	f := newFixture(t)
	src := writePackage(t, "My Cool Tool!", "1.0.0", nil)

	_, err := f.inst.Install(context.Background(), src)
	require.NoError(t, err)

	_, err = f.inst.Install(context.Background(), src)
	assert.ErrorIs(t, err, ErrAlreadyInstalled)
}

func TestInstall_InvalidManifest(t *testing.T) {
	f := newFixture(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, manifest.FileName), []byte(`{"name":"x"}`), 0644))

	_, err := f.inst.Install(context.Background(), src)
	require.Error(t, err)

	var verrs manifest.ValidationErrors
	assert.True(t, errors.As(err, &verrs))

	records, err := f.catalog.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestInstall_Excludes(t *testing.T) {
	f := newFixture(t)
	src := writePackage(t, "Tool", "1.0.0", map[string]string{
		".git/HEAD":        "ref: refs/heads/main",
		"assets/.DS_Store": "junk",
		"assets/logo.svg":  "<svg/>",
	})

	record, err := f.inst.Install(context.Background(), src)
	require.NoError(t, err)

	files := snapshot(t, record.InstallPath)
	assert.Contains(t, files, "assets/logo.svg")
	assert.NotContains(t, files, ".git/HEAD")
	assert.NotContains(t, files, "assets/.DS_Store")
}

func TestInstall_CopyFailureRemovesPartialTree(t *testing.T) {
	f := newFixture(t)
	src := writePackage(t, "Tool", "1.0.0", map[string]string{"a.js": "a", "b.js": "b", "c.js": "c"})

	var calls atomic.Int32
	f.inst.copyFile = func(s, d string, mode fs.FileMode) error {
		if calls.Add(1) == 2 {
			return errors.New("disk full")
		}
		return copyRegular(s, d, mode)
	}

	_, err := f.inst.Install(context.Background(), src)
	require.Error(t, err)

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "install", txErr.Op)
	assert.NoError(t, txErr.RollbackErr)

	_, statErr := os.Stat(filepath.Join(f.dir, "tool"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = f.catalog.Get(context.Background(), "tool")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := writePackage(t, "Tool", "1.0.0", map[string]string{"old.js": "old"})
	installed, err := f.inst.Install(ctx, v1)
	require.NoError(t, err)

	v2 := writePackage(t, "Tool", "2.0.0", map[string]string{"new.js": "new"})
	updated, err := f.inst.Update(ctx, "tool", v2)
	require.NoError(t, err)

	assert.Equal(t, "2.0.0", updated.Version)
	assert.Equal(t, installed.CreatedAt, updated.CreatedAt)
	assert.NotEqual(t, installed.Digest, updated.Digest)
	assert.Equal(t, snapshot(t, v2), snapshot(t, updated.InstallPath))

	_, err = os.Stat(updated.InstallPath + BackupSuffix)
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []manifest.Permission{manifest.PermissionStorage}, f.perms.retained["tool"])

	stored, err := f.catalog.Get(ctx, "tool")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", stored.Version)
}

func TestUpdate_FailureRestoresPreviousVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := writePackage(t, "Tool", "1.0.0", map[string]string{"lib/a.js": "a1", "lib/b.js": "b1"})
	installed, err := f.inst.Install(ctx, v1)
	require.NoError(t, err)
	before := snapshot(t, installed.InstallPath)

	v2 := writePackage(t, "Tool", "2.0.0", map[string]string{
		"lib/a.js": "a2", "lib/b.js": "b2", "lib/c.js": "c2", "lib/d.js": "d2",
	})

	var calls atomic.Int32
	f.inst.copyFile = func(s, d string, mode fs.FileMode) error {
		if calls.Add(1) == 3 {
			return errors.New("disk full")
		}
		return copyRegular(s, d, mode)
	}

	_, err = f.inst.Update(ctx, "tool", v2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.NoError(t, txErr.RollbackErr)

	assert.Equal(t, before, snapshot(t, installed.InstallPath))
	_, err = os.Stat(installed.InstallPath + BackupSuffix)
	assert.True(t, os.IsNotExist(err))

	stored, err := f.catalog.Get(ctx, "tool")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", stored.Version)
	assert.Equal(t, installed.Digest, stored.Digest)
	assert.Nil(t, f.perms.retained)
}

func TestUpdate_StaleBackupIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	installed, err := f.inst.Install(ctx, writePackage(t, "Tool", "1.0.0", nil))
	require.NoError(t, err)

	stale := installed.InstallPath + BackupSuffix
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "leftover"), []byte("x"), 0644))

	_, err = f.inst.Update(ctx, "tool", writePackage(t, "Tool", "1.1.0", nil))
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestUpdate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.inst.Update(ctx, "tool", writePackage(t, "Tool", "1.0.0", nil))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.inst.Install(ctx, writePackage(t, "Tool", "1.0.0", nil))
	require.NoError(t, err)

	_, err = f.inst.Update(ctx, "tool", writePackage(t, "Other Tool", "2.0.0", nil))
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestUpdate_ValidatesBeforeLookup(t *testing.T) {
	f := newFixture(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, manifest.FileName), []byte(`{"name":"ghost"}`), 0644))

	_, err := f.inst.Update(context.Background(), "ghost", src)
	require.Error(t, err)

	var verrs manifest.ValidationErrors
	assert.True(t, errors.As(err, &verrs))
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestUninstall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.inst.Install(ctx, writePackage(t, "Tool", "1.0.0", nil))
	require.NoError(t, err)

	require.NoError(t, f.inst.Uninstall(ctx, "tool"))

	_, err = os.Stat(record.InstallPath)
	assert.True(t, os.IsNotExist(err))
	_, err = f.catalog.Get(ctx, "tool")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.Equal(t, []string{"tool"}, f.perms.revoked)
	assert.Equal(t, []string{"tool"}, f.storage.deleted)

	assert.ErrorIs(t, f.inst.Uninstall(ctx, "tool"), ErrNotFound)
}

func TestUninstall_MissingDirectoryStillDeletesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.inst.Install(ctx, writePackage(t, "Tool", "1.0.0", nil))
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(record.InstallPath))

	require.NoError(t, f.inst.Uninstall(ctx, "tool"))
	_, err = f.catalog.Get(ctx, "tool")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestObserver(t *testing.T) {
	f := newFixture(t)
	var got []string
	f.inst.SetObserver(func(op, status string) {
		got = append(got, op+":"+status)
	})

	src := writePackage(t, "Tool", "1.0.0", nil)
	_, _ = f.inst.Install(context.Background(), src)
	_, _ = f.inst.Install(context.Background(), src)
	_ = f.inst.Uninstall(context.Background(), "tool")

	assert.Equal(t, []string{"install:success", "install:failure", "uninstall:success"}, got)
}

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	return path
}

func TestInstall_Zip(t *testing.T) {
	f := newFixture(t)
	path := writeZip(t, map[string]string{
		"tool/plugin.json": `{"name":"Zipped","version":"1.0.0","author":"A","main":"index.html"}`,
		"tool/index.html":  "<p>hi</p>",
	})

	record, err := f.inst.Install(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "zipped", record.ID)
	assert.Equal(t, map[string]string{
		"plugin.json": `{"name":"Zipped","version":"1.0.0","author":"A","main":"index.html"}`,
		"index.html":  "<p>hi</p>",
	}, snapshot(t, record.InstallPath))

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), stagingPrefix), "staging dir left behind: %s", e.Name())
	}
}

func TestInstall_ZipSlip(t *testing.T) {
	f := newFixture(t)
	path := writeZip(t, map[string]string{
		"plugin.json":   `{"name":"Evil","version":"1.0.0","author":"A","main":"index.html"}`,
		"index.html":    "x",
		"../../evil.sh": "rm -rf /",
	})

	_, err := f.inst.Install(context.Background(), path)
	assert.ErrorIs(t, err, ErrUnsafeArchive)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(f.dir), "evil.sh"))
	assert.True(t, os.IsNotExist(statErr))
	_, err = f.catalog.Get(context.Background(), "evil")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestInstall_TarGz(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "plugin.tar.gz")

	out, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, content := range map[string]string{
		"plugin.json": `{"name":"Tarred","version":"0.1.0","author":"A","main":"main.js"}`,
		"main.js":     "capsule.storage.set('k', 1)",
	} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, out.Close())

	record, err := f.inst.Install(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "tarred", record.ID)
	assert.FileExists(t, filepath.Join(record.InstallPath, "main.js"))
}

func TestInstall_UnsupportedSource(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "plugin.rar")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	_, err := f.inst.Install(context.Background(), path)
	assert.ErrorContains(t, err, "unsupported package source")
}

func TestDirSize_UnreadableSubtree(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("12345"), 0644))
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Mkdir(locked, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, "b"), []byte("1234567890"), 0644))
	require.NoError(t, os.Chmod(locked, 0))
	t.Cleanup(func() { _ = os.Chmod(locked, 0755) })

	assert.Equal(t, int64(5), DirSize(root, quiet))
}

func TestDigest(t *testing.T) {
	a := writePackage(t, "Tool", "1.0.0", map[string]string{"x/y.js": "y"})
	b := writePackage(t, "Tool", "1.0.0", map[string]string{"x/y.js": "y"})
	c := writePackage(t, "Tool", "1.0.0", map[string]string{"x/y.js": "z"})

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	dc, err := Digest(c)
	require.NoError(t, err)

	assert.Len(t, da, 64)
	assert.Equal(t, da, db)
	assert.NotEqual(t, da, dc)
}

func TestNewOutcome(t *testing.T) {
	ok := NewOutcome("install", "tool", nil)
	assert.True(t, ok.Success)
	assert.Equal(t, "tool", ok.PluginID)

	failed := NewOutcome("update", "tool", ErrNotFound)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Message, "plugin not installed")
}
