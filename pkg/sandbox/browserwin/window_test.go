package browserwin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/harun/capsule/pkg/sandbox"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeClientURL(t *testing.T) {
	tests := []struct {
		name      string
		bridgeURL string
		handle    string
		want      string
	}{
		{"plain", "ws://127.0.0.1:7777/bridge", "abc", "ws://127.0.0.1:7777/bridge?handle=abc"},
		{"existing query", "ws://localhost/bridge?v=1", "h-1", "ws://localhost/bridge?handle=h-1&v=1"},
		{"escaped handle", "ws://localhost/bridge", "a b", "ws://localhost/bridge?handle=a+b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bridgeClientURL(tt.bridgeURL, tt.handle))
		})
	}
}

func TestFileURL(t *testing.T) {
	assert.Equal(t, "file:///tmp/plugins/a%20b/index.html", fileURL("/tmp/plugins/a b/index.html"))
}

func TestComposeDocument(t *testing.T) {
	doc := sandbox.Document{
		PluginID: "p1",
		BaseDir:  "/opt/plugins/p1",
		HTML: `<html><head><base href="https://evil.example/"><title>T</title></head>` +
			`<body><script>window.pluginRan = true;</script></body></html>`,
	}

	html, err := composeDocument(doc, "ws://127.0.0.1:7777/bridge?handle=h1")
	require.NoError(t, err)

	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	bases := parsed.Find("base")
	require.Equal(t, 1, bases.Length(), "plugin base elements are replaced")
	assert.Equal(t, "file:///opt/plugins/p1/", bases.AttrOr("href", ""))

	first := parsed.Find("head").Children().Eq(1)
	_, isBridge := first.Attr("data-capsule-bridge")
	assert.True(t, isBridge, "bridge client precedes plugin content")
	assert.Contains(t, first.Text(), `"ws://127.0.0.1:7777/bridge?handle=h1"`)
	assert.Contains(t, first.Text(), `Object.defineProperty(window, "capsule"`)

	scripts := parsed.Find("script")
	require.Equal(t, 2, scripts.Length())
	assert.Contains(t, scripts.Last().Text(), "window.pluginRan")
	assert.Equal(t, "T", parsed.Find("title").Text())
}

func TestComposeDocument_NoBaseDir(t *testing.T) {
	html, err := composeDocument(sandbox.Document{HTML: "<p>hi</p>"}, "ws://x/bridge?handle=h")
	require.NoError(t, err)
	assert.NotContains(t, html, "<base")
	assert.Contains(t, html, "data-capsule-bridge")
	assert.Contains(t, html, "<p>hi</p>")
}

func TestBackend_Name(t *testing.T) {
	b := NewBackend(DefaultConfig(), zerolog.New(os.Stdout).Level(zerolog.Disabled))
	assert.Equal(t, "browser", b.Name())
	assert.NoError(t, b.Close())
}

func TestWindow_Chromium(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	if _, ok := launcher.LookPath(); !ok {
		t.Skip("no Chromium binary available")
	}

	cfg := DefaultConfig()
	cfg.NoSandbox = true
	cfg.HeartbeatInterval = 0
	backend := NewBackend(cfg, zerolog.New(os.Stdout).Level(zerolog.Disabled))
	t.Cleanup(func() { _ = backend.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := t.TempDir()
	win, err := backend.Open(ctx, sandbox.WindowSpec{
		Handle:   "h1",
		PluginID: "p1",
		Geometry: sandbox.Geometry{Width: 640, Height: 480},
		TempDir:  filepath.Join(dir, "tmp"),
	})
	require.NoError(t, err)

	err = win.Load(ctx, sandbox.Document{
		PluginID: "p1",
		BaseDir:  dir,
		HTML:     `<html><head><title>Chromium</title></head><body></body></html>`,
	})
	require.NoError(t, err)
	require.NoError(t, win.Show())

	w := win.(*Window)
	res, err := w.page.Eval(`() => typeof window.capsule.storage.get`)
	require.NoError(t, err)
	assert.Equal(t, "function", res.Value.Str())

	require.NoError(t, win.Close())
	assert.ErrorIs(t, win.Close(), sandbox.ErrWindowClosed)

	var kinds []sandbox.EventKind
	for ev := range win.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, sandbox.EventClosed)
}
