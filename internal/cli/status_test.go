package cli

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/harun/capsule/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "", "status", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "plugin host is running")
	})

	t.Run("stopped", func(t *testing.T) {
		setupEnv(t)
		output, err := execute(t, "", "status")
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
	})

	t.Run("running", func(t *testing.T) {
		dataDir := setupEnv(t)
		t.Setenv("CAPSULE_BRIDGE_PORT", "1")
		pidFile := daemon.PIDFilePath(dataDir)
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600))

		output, err := execute(t, "", "status")
		require.NoError(t, err)
		assert.Contains(t, output, "Status: running")
		assert.Contains(t, output, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, output, "Bridge: unreachable")
	})
}

func TestProbeBridge(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthy.Close()

	addr := strings.TrimPrefix(healthy.URL, "http://")
	assert.Equal(t, "ok (ws://"+addr+"/bridge)", probeBridge(addr))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	assert.Contains(t, probeBridge(strings.TrimPrefix(failing.URL, "http://")), "unhealthy")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m3s", formatDuration(2*time.Minute+3*time.Second))
	assert.Equal(t, "1h0m1s", formatDuration(time.Hour+time.Second))
}

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "", "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "Stop a running plugin host")
		assert.Contains(t, output, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		dataDir := setupEnv(t)
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, daemon.PIDFileName), []byte("garbage"), 0600))

		output, err := execute(t, "", "stop")
		require.NoError(t, err)
		assert.Contains(t, output, "Host is not running")
	})
}
