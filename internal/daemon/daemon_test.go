package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/capsule/internal/config"
	"github.com/harun/capsule/internal/logger"
	"github.com/harun/capsule/pkg/catalog"
	"github.com/harun/capsule/pkg/installer"
	"github.com/harun/capsule/pkg/manifest"
	"github.com/harun/capsule/pkg/permission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memClipboard struct {
	mu   sync.Mutex
	text string
}

func (c *memClipboard) ReadText() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

func (c *memClipboard) WriteText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Catalog.Driver = "memory"
	cfg.Bridge.Port = 0
	cfg.Audit.Enabled = false
	require.NoError(t, cfg.ApplyPathDefaults())
	cfg.Logging.File = ""
	return cfg
}

// createTestDaemon creates a daemon whose permission prompts are answered by allow
func createTestDaemon(t *testing.T, cfg *config.Config, allow bool, opts ...Option) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	opts = append([]Option{WithPrompter(permission.StaticPrompter{Allow: allow})}, opts...)
	d, err := New(cfg, log, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func writePackage(t *testing.T, name, script string, perms ...string) string {
	t.Helper()
	dir := t.TempDir()

	m := map[string]any{
		"name":        name,
		"version":     "1.0.0",
		"author":      "Test",
		"main":        "index.html",
		"permissions": perms,
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), data, 0644))

	html := "<html><head><title>" + name + "</title></head><body><script>" + script + "</script></body></html>"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(html), 0644))
	return dir
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), false)

	assert.NotNil(t, d.GetCatalog())
	assert.NotNil(t, d.GetPermissionStore())
	assert.NotNil(t, d.GetSandboxManager())
	assert.NotNil(t, d.GetBridge())
	assert.NotNil(t, d.GetBridgeServer())
	assert.NotNil(t, d.GetMetrics())
	assert.NotNil(t, d.lifecycle)
	assert.Equal(t, "script", d.backend.Name())
	assert.DirExists(t, d.GetConfig().PluginsDir)
}

func TestNew_InvalidConfig(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	cfg := testConfig(t)
	cfg.Sandbox.Backend = "electron"
	_, err = New(cfg, log)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Sandbox.Backend = "browser"
	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "fixed bridge port")
}

func TestNew_SQLiteCatalogPersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Driver = "sqlite"

	d := createTestDaemon(t, cfg, false)
	rec, err := d.Install(context.Background(), writePackage(t, "Persisted", ""))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	reopened := createTestDaemon(t, cfg, false)
	got, err := reopened.GetCatalog().Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Persisted", got.Name)
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), false)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status = d.Status()
	assert.True(t, status.Running)
	assert.Contains(t, status.Bridge, "ws://127.0.0.1:")
	assert.FileExists(t, PIDFilePath(d.GetConfig().DataDir))

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.NoFileExists(t, PIDFilePath(d.GetConfig().DataDir))
	assert.Error(t, d.Stop())
}

func TestDaemon_Wait_ReturnsAfterStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), false)
	require.NoError(t, d.Start())

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()

	require.NoError(t, d.Stop())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}

func TestDaemon_PluginLifecycle(t *testing.T) {
	clip := &memClipboard{}
	d := createTestDaemon(t, testConfig(t), true, WithClipboard(clip))
	ctx := context.Background()

	script := `
		capsule.storage.set("greeting", "hi").then(function () { console.log("saved"); });
		capsule.permissions.request("clipboard").then(function (ok) {
			if (ok) { capsule.clipboard.writeText("copied"); }
		});
	`
	rec, err := d.Install(ctx, writePackage(t, "Hello Tool", script, "storage", "clipboard"))
	require.NoError(t, err)
	assert.Equal(t, "hello-tool", rec.ID)

	pc, err := d.Launch(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello Tool", pc.Name)
	assert.Equal(t, []string{"hello-tool"}, d.Status().Plugins)

	require.Eventually(t, func() bool {
		v, ok := pc.StorageGet("greeting")
		return ok && string(v) == `"hi"`
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		text, _ := clip.ReadText()
		return text == "copied"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, d.GetPermissionStore().Check(rec.ID, manifest.PermissionClipboard))

	_, err = d.Launch(ctx, rec.ID)
	assert.Error(t, err, "a running plugin cannot be launched twice")

	require.NoError(t, d.Uninstall(ctx, rec.ID))
	assert.False(t, d.GetSandboxManager().IsRunning(rec.ID))
	assert.Empty(t, d.GetPermissionStore().List(rec.ID))

	_, err = d.GetCatalog().Get(ctx, rec.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	path, err := d.storage.Path(rec.ID)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestDaemon_DeniedPrompt(t *testing.T) {
	clip := &memClipboard{text: "untouched"}
	d := createTestDaemon(t, testConfig(t), false, WithClipboard(clip))
	ctx := context.Background()

	script := `
		capsule.clipboard.writeText("direct").catch(function (e) { console.log(e.code); });
		capsule.permissions.request("clipboard");
	`
	rec, err := d.Install(ctx, writePackage(t, "Sneaky", script, "clipboard"))
	require.NoError(t, err)
	_, err = d.Launch(ctx, rec.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.GetPermissionStore().State(rec.ID, manifest.PermissionClipboard) == permission.StateDenied
	}, 2*time.Second, 10*time.Millisecond)

	text, _ := clip.ReadText()
	assert.Equal(t, "untouched", text)
}

func TestDaemon_LaunchUnknown(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), false)
	_, err := d.Launch(context.Background(), "ghost")
	assert.ErrorIs(t, err, installer.ErrNotFound)
}

func TestDaemon_UpdateReloadsRunningPlugin(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), true)
	ctx := context.Background()

	rec, err := d.Install(ctx, writePackage(t, "Counter", `capsule.storage.set("v", 1);`))
	require.NoError(t, err)
	pc, err := d.Launch(ctx, rec.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, ok := pc.StorageGet("v")
		return ok && string(v) == "1"
	}, 2*time.Second, 10*time.Millisecond)

	updated, err := d.Update(ctx, rec.ID, writePackage(t, "Counter", `capsule.storage.set("v", 2);`))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, updated.ID)

	require.Eventually(t, func() bool {
		v, ok := pc.StorageGet("v")
		return ok && string(v) == "2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemon_ClosedPluginReleasesBridgeState(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), true)
	ctx := context.Background()

	rec, err := d.Install(ctx, writePackage(t, "Short Lived", ""))
	require.NoError(t, err)
	pc, err := d.Launch(ctx, rec.ID)
	require.NoError(t, err)

	d.handlesMu.Lock()
	assert.Equal(t, pc.Handle, d.handles[rec.ID])
	d.handlesMu.Unlock()

	require.NoError(t, d.GetSandboxManager().ClosePlugin(rec.ID))
	<-d.GetSandboxManager().Wait(rec.ID)

	require.Eventually(t, func() bool {
		d.handlesMu.Lock()
		defer d.handlesMu.Unlock()
		_, ok := d.handles[rec.ID]
		return !ok
	}, time.Second, 10*time.Millisecond)

	_, ok := d.GetSandboxManager().Resolve(pc.Handle)
	assert.False(t, ok)
}

func TestDaemon_Sweep(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), false)

	stale := filepath.Join(d.GetConfig().PluginsDir, "old"+installer.BackupSuffix)
	require.NoError(t, os.MkdirAll(stale, 0755))
	past := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	report := d.Sweep(context.Background())
	assert.Equal(t, 1, report.Backups)
	assert.NoDirExists(t, stale)
}
