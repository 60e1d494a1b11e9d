package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = zerolog.New(os.Stdout).Level(zerolog.Disabled)

type runningSet map[string]bool

func (r runningSet) IsRunning(id string) bool { return r[id] }

func mkdirAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "f"), []byte("x"), 0644))
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func TestSweep_PluginsDir(t *testing.T) {
	plugins := t.TempDir()

	mkdirAged(t, filepath.Join(plugins, "old.backup"), 2*time.Hour)
	mkdirAged(t, filepath.Join(plugins, "old"), 2*time.Hour)
	mkdirAged(t, filepath.Join(plugins, "fresh.backup"), time.Minute)
	mkdirAged(t, filepath.Join(plugins, ".staging-abc"), 3*time.Hour)
	mkdirAged(t, filepath.Join(plugins, "tool"), 5*time.Hour)

	j := New(Config{PluginsDir: plugins, Grace: time.Hour}, nil, quiet)
	report := j.Sweep(context.Background())

	assert.Equal(t, Report{Backups: 1, Staging: 1}, report)
	assert.NoDirExists(t, filepath.Join(plugins, "old.backup"))
	assert.NoDirExists(t, filepath.Join(plugins, ".staging-abc"))
	assert.DirExists(t, filepath.Join(plugins, "fresh.backup"))
	assert.DirExists(t, filepath.Join(plugins, "tool"))
}

func TestSweep_KeepsBackupWithoutInstalledCopy(t *testing.T) {
	plugins := t.TempDir()
	mkdirAged(t, filepath.Join(plugins, "tool.backup"), 5*time.Hour)

	j := New(Config{PluginsDir: plugins, Grace: time.Hour}, nil, quiet)
	report := j.Sweep(context.Background())

	assert.Zero(t, report.Backups)
	assert.DirExists(t, filepath.Join(plugins, "tool.backup"))
}

func TestSweep_TempDirsOfStoppedPlugins(t *testing.T) {
	sandbox := t.TempDir()
	for _, id := range []string{"running", "stopped"} {
		mkdirAged(t, filepath.Join(sandbox, id, "tmp"), 0)
		mkdirAged(t, filepath.Join(sandbox, id, "data"), 0)
	}
	mkdirAged(t, filepath.Join(sandbox, "no-tmp", "data"), 0)

	j := New(Config{SandboxDir: sandbox, Grace: time.Hour}, runningSet{"running": true}, quiet)
	report := j.Sweep(context.Background())

	assert.Equal(t, 1, report.TempDirs)
	assert.DirExists(t, filepath.Join(sandbox, "running", "tmp"))
	assert.NoDirExists(t, filepath.Join(sandbox, "stopped", "tmp"))
	assert.DirExists(t, filepath.Join(sandbox, "stopped", "data"))
}

func TestSweep_MissingDirs(t *testing.T) {
	root := t.TempDir()
	j := New(DefaultConfig(filepath.Join(root, "nope"), filepath.Join(root, "nada")), nil, quiet)
	assert.Zero(t, j.Sweep(context.Background()).Total())
}

func TestSweep_Observer(t *testing.T) {
	plugins := t.TempDir()
	mkdirAged(t, filepath.Join(plugins, "old.backup"), 2*time.Hour)

	var reports []Report
	j := New(Config{PluginsDir: plugins, Grace: time.Hour}, nil, quiet)
	j.SetObserver(func(r Report) { reports = append(reports, r) })

	j.Sweep(context.Background())
	j.Sweep(context.Background())

	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Backups)
	assert.Zero(t, reports[1].Total())
}

func TestStartStop(t *testing.T) {
	j := New(DefaultConfig(t.TempDir(), t.TempDir()), nil, quiet)

	require.NoError(t, j.Start())
	assert.Error(t, j.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, j.Stop(ctx))
	require.NoError(t, j.Stop(ctx))
}

func TestStart_InvalidSchedule(t *testing.T) {
	cfg := DefaultConfig(t.TempDir(), t.TempDir())
	cfg.Schedule = "every now and then"
	assert.Error(t, New(cfg, nil, quiet).Start())
}
