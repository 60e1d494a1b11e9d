package scriptwin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/capsule/pkg/sandbox"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	handle string
	method string
	params string
}

type codedError struct{ code string }

func (e codedError) Error() string { return "refused: " + e.code }
func (e codedError) Code() string  { return e.code }

type fakeCaller struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (c *fakeCaller) Invoke(ctx context.Context, handle, method string, params json.RawMessage) (any, error) {
	c.mu.Lock()
	c.calls = append(c.calls, recordedCall{handle: handle, method: method, params: string(params)})
	c.mu.Unlock()

	switch method {
	case "storage.get":
		return "stored-value", nil
	case "network.fetch":
		return nil, codedError{code: "PERMISSION_DENIED"}
	default:
		return map[string]any{"ok": true}, nil
	}
}

func (c *fakeCaller) recorded() []recordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedCall(nil), c.calls...)
}

func openWindow(t *testing.T, cfg Config, caller sandbox.Caller) *Window {
	t.Helper()
	backend := NewBackend(cfg, zerolog.New(os.Stdout).Level(zerolog.Disabled))
	win, err := backend.Open(context.Background(), sandbox.WindowSpec{
		Handle:   "handle-1",
		PluginID: "p1",
		Title:    "Plugin One",
		Caller:   caller,
	})
	require.NoError(t, err)
	w := win.(*Window)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func shell(script string) sandbox.Document {
	return sandbox.Document{
		PluginID: "p1",
		HTML:     "<html><head><title>Test Doc</title></head><body><p id=\"greeting\" class=\"big\">hello</p><script>" + script + "</script></body></html>",
	}
}

func waitForConsole(t *testing.T, w *Window, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, entry := range w.Console() {
			if strings.Contains(entry.Message, want) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "console never contained %q: %+v", want, w.Console())
}

func TestWindow_LoadRunsScripts(t *testing.T) {
	w := openWindow(t, DefaultConfig(), &fakeCaller{})

	err := w.Load(context.Background(), shell(`
		console.log("typeof require:", typeof require);
		console.log("typeof process:", typeof process);
		console.warn("title:", document.title);
		var el = document.querySelector("#greeting");
		console.log("el:", el.tagName, el.className, el.textContent);
		console.log("missing:", document.querySelector(".nope"));
	`))
	require.NoError(t, err)
	require.NoError(t, w.Show())
	assert.True(t, w.Visible())

	console := w.Console()
	require.Len(t, console, 5)
	assert.Equal(t, "typeof require: undefined", console[0].Message)
	assert.Equal(t, "typeof process: undefined", console[1].Message)
	assert.Equal(t, "warn", console[2].Level)
	assert.Equal(t, "title: Test Doc", console[2].Message)
	assert.Equal(t, "el: P big hello", console[3].Message)
	assert.Equal(t, "missing: null", console[4].Message)
}

func TestWindow_ScriptErrorsDoNotFailLoad(t *testing.T) {
	w := openWindow(t, DefaultConfig(), &fakeCaller{})

	err := w.Load(context.Background(), shell(`throw new Error("boom");`))
	require.NoError(t, err)
	waitForConsole(t, w, "boom")
}

func TestWindow_CapabilityCalls(t *testing.T) {
	caller := &fakeCaller{}
	w := openWindow(t, DefaultConfig(), caller)

	err := w.Load(context.Background(), shell(`
		capsule.storage.get("k").then(function (v) { console.log("got", v); });
		capsule.network.fetch("https://example.com").catch(function (e) { console.log("denied", e.code); });
	`))
	require.NoError(t, err)

	waitForConsole(t, w, "got stored-value")
	waitForConsole(t, w, "denied PERMISSION_DENIED")

	calls := caller.recorded()
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.Equal(t, "handle-1", call.handle, "calls carry the window handle, not a plugin-chosen id")
	}
	methods := []string{calls[0].method, calls[1].method}
	assert.ElementsMatch(t, []string{"storage.get", "network.fetch"}, methods)
	for _, call := range calls {
		if call.method == "storage.get" {
			assert.JSONEq(t, `{"key":"k"}`, call.params)
		}
	}
}

func TestWindow_CapsuleIsFrozen(t *testing.T) {
	caller := &fakeCaller{}
	w := openWindow(t, DefaultConfig(), caller)

	err := w.Load(context.Background(), shell(`
		"use strict";
		try { capsule.storage = null; } catch (e) { console.log("frozen"); }
	`))
	require.NoError(t, err)
	waitForConsole(t, w, "frozen")
}

func TestWindow_NoCaller(t *testing.T) {
	w := openWindow(t, DefaultConfig(), nil)

	err := w.Load(context.Background(), shell(`
		capsule.storage.keys().catch(function (e) { console.log("rejected:", e.message); });
	`))
	require.NoError(t, err)
	waitForConsole(t, w, "rejected: window has no capability caller")
}

func TestWindow_Deliver(t *testing.T) {
	w := openWindow(t, DefaultConfig(), &fakeCaller{})

	// Messages before load have no handler and are dropped.
	require.NoError(t, w.Deliver(sandbox.Message{From: "early", Payload: json.RawMessage(`1`)}))

	err := w.Load(context.Background(), shell(`
		capsule.communication.onMessage(function (payload, from) {
			console.log("from", from, "n", payload.n);
		});
	`))
	require.NoError(t, err)

	require.NoError(t, w.Deliver(sandbox.Message{From: "p2", Payload: json.RawMessage(`{"n":7}`)}))
	waitForConsole(t, w, "from p2 n 7")
}

func TestWindow_Timers(t *testing.T) {
	w := openWindow(t, DefaultConfig(), &fakeCaller{})

	err := w.Load(context.Background(), shell(`
		setTimeout(function (x) { console.log("timeout", x); }, 5, "fired");
		var cancelled = setTimeout(function () { console.log("should not run"); }, 5);
		clearTimeout(cancelled);
		var n = 0;
		var iv = setInterval(function () {
			n++;
			if (n === 3) { clearInterval(iv); console.log("interval done"); }
		}, 1);
	`))
	require.NoError(t, err)

	waitForConsole(t, w, "timeout fired")
	waitForConsole(t, w, "interval done")
	for _, entry := range w.Console() {
		assert.NotContains(t, entry.Message, "should not run")
	}
}

func TestWindow_ReloadDropsOldHandlers(t *testing.T) {
	w := openWindow(t, DefaultConfig(), &fakeCaller{})
	ctx := context.Background()

	require.NoError(t, w.Load(ctx, shell(`capsule.communication.onMessage(function () { console.log("old"); });`)))
	require.NoError(t, w.Load(ctx, shell(`capsule.communication.onMessage(function () { console.log("new"); });`)))

	require.NoError(t, w.Deliver(sandbox.Message{From: "p2", Payload: json.RawMessage(`{}`)}))
	waitForConsole(t, w, "new")
	for _, entry := range w.Console() {
		assert.NotEqual(t, "old", entry.Message)
	}
}

func TestWindow_ExternalScripts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "js"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "js", "app.js"), []byte(`console.log("external ran");`), 0644))

	t.Run("local source", func(t *testing.T) {
		w := openWindow(t, DefaultConfig(), &fakeCaller{})
		err := w.Load(context.Background(), sandbox.Document{
			BaseDir: dir,
			HTML:    `<html><body><script src="js/app.js"></script><script type="application/json">{"x":1}</script></body></html>`,
		})
		require.NoError(t, err)
		waitForConsole(t, w, "external ran")
		assert.Len(t, w.Console(), 1)
	})

	t.Run("escaping source", func(t *testing.T) {
		w := openWindow(t, DefaultConfig(), &fakeCaller{})
		err := w.Load(context.Background(), sandbox.Document{
			BaseDir: dir,
			HTML:    `<script src="../../etc/passwd"></script>`,
		})
		assert.Error(t, err)
	})

	t.Run("remote source is skipped", func(t *testing.T) {
		w := openWindow(t, DefaultConfig(), &fakeCaller{})
		err := w.Load(context.Background(), sandbox.Document{
			BaseDir: dir,
			HTML:    `<script src="https://cdn.example.com/x.js"></script>`,
		})
		require.NoError(t, err)
		assert.Empty(t, w.Console())
	})
}

func TestWindow_UnresponsiveThenInterrupted(t *testing.T) {
	cfg := Config{Timeout: 300 * time.Millisecond, UnresponsiveAfter: 40 * time.Millisecond}
	w := openWindow(t, cfg, &fakeCaller{})

	loadErr := make(chan error, 1)
	go func() {
		loadErr <- w.Load(context.Background(), shell(`while (true) {}`))
	}()

	var kinds []sandbox.EventKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-w.Events():
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("expected unresponsive and responsive events, got %v", kinds)
		}
	}
	assert.Equal(t, []sandbox.EventKind{sandbox.EventUnresponsive, sandbox.EventResponsive}, kinds)

	require.NoError(t, <-loadErr)
	waitForConsole(t, w, "script timeout")
}

func TestWindow_PanicIsCrash(t *testing.T) {
	w := openWindow(t, Config{}, &fakeCaller{})

	require.NoError(t, w.enqueue(func() { panic("native failure") }))

	select {
	case ev := <-w.Events():
		assert.Equal(t, sandbox.EventCrashed, ev.Kind)
		assert.Contains(t, ev.Err.Error(), "native failure")
	case <-time.After(2 * time.Second):
		t.Fatal("no crash event")
	}
}

func TestWindow_Close(t *testing.T) {
	w := openWindow(t, Config{}, &fakeCaller{})

	require.NoError(t, w.Close())
	assert.True(t, errors.Is(w.Close(), sandbox.ErrWindowClosed))

	var kinds []sandbox.EventKind
	for ev := range w.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []sandbox.EventKind{sandbox.EventClosed}, kinds)

	assert.ErrorIs(t, w.Deliver(sandbox.Message{}), sandbox.ErrWindowClosed)
	assert.ErrorIs(t, w.Load(context.Background(), shell("")), sandbox.ErrWindowClosed)
	assert.ErrorIs(t, w.Show(), sandbox.ErrWindowClosed)
}
