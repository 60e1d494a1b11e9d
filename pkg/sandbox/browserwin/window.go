package browserwin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/capsule/pkg/sandbox"
	"github.com/rs/zerolog"
)

// documentName is the file the composed document is written to inside the
// window's temp directory
const documentName = "capsule-document.html"

const outboxSize = 64

var errOutboxFull = errors.New("message queue full")

// Window is a sandbox window backed by a Chromium page
type Window struct {
	spec   sandbox.WindowSpec
	config Config
	logger zerolog.Logger

	browser *rod.Browser
	page    *rod.Page

	ctx    context.Context
	cancel context.CancelFunc

	outbox    chan sandbox.Message
	events    chan sandbox.WindowEvent
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWindow(spec sandbox.WindowSpec, cfg Config, browser *rod.Browser, page *rod.Page, logger zerolog.Logger) *Window {
	ctx, cancel := context.WithCancel(context.Background())
	return &Window{
		spec:    spec,
		config:  cfg,
		logger:  logger,
		browser: browser,
		page:    page.Context(ctx),
		ctx:     ctx,
		cancel:  cancel,
		outbox:  make(chan sandbox.Message, outboxSize),
		events:  make(chan sandbox.WindowEvent, 8),
		closed:  make(chan struct{}),
	}
}

func (w *Window) start() {
	w.wg.Add(3)
	go w.watchTarget()
	go w.heartbeat()
	go w.sender()
}

// Load implements sandbox.Window. The document is written next to the
// window's temp data with the bridge client injected ahead of any plugin
// script, then navigated to.
func (w *Window) Load(ctx context.Context, doc sandbox.Document) error {
	if w.isClosed() {
		return sandbox.ErrWindowClosed
	}

	html, err := composeDocument(doc, w.clientURL())
	if err != nil {
		return err
	}

	dir := w.spec.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}
	path := filepath.Join(dir, documentName)
	if err := os.WriteFile(path, []byte(html), 0600); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}

	page := w.page.Context(ctx)
	if err := page.Navigate(fileURL(path)); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for document load: %w", err)
	}

	w.logger.Debug().Str("document", path).Msg("Document loaded")
	return nil
}

// Show implements sandbox.Window
func (w *Window) Show() error {
	if w.isClosed() {
		return sandbox.ErrWindowClosed
	}
	if _, err := w.page.Activate(); err != nil {
		return fmt.Errorf("failed to activate page: %w", err)
	}
	return nil
}

// Deliver implements sandbox.Window. Delivery is asynchronous and ordered.
func (w *Window) Deliver(msg sandbox.Message) error {
	if w.isClosed() {
		return sandbox.ErrWindowClosed
	}
	select {
	case w.outbox <- msg:
		return nil
	default:
		return errOutboxFull
	}
}

// Close implements sandbox.Window
func (w *Window) Close() error {
	err := sandbox.ErrWindowClosed
	w.closeOnce.Do(func() {
		err = nil
		close(w.closed)
		w.cancel()

		if closeErr := w.page.Context(context.Background()).Close(); closeErr != nil {
			w.logger.Debug().Err(closeErr).Msg("Page close failed")
		}
		if closeErr := w.browser.Close(); closeErr != nil {
			w.logger.Debug().Err(closeErr).Msg("Browser context close failed")
		}
		w.wg.Wait()

		select {
		case w.events <- sandbox.WindowEvent{Kind: sandbox.EventClosed}:
		default:
		}
		close(w.events)
		w.logger.Debug().Msg("Window closed")
	})
	return err
}

// Events implements sandbox.Window
func (w *Window) Events() <-chan sandbox.WindowEvent {
	return w.events
}

func (w *Window) clientURL() string {
	return bridgeClientURL(w.config.BridgeURL, w.spec.Handle)
}

func (w *Window) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

func (w *Window) emit(ev sandbox.WindowEvent) {
	select {
	case w.events <- ev:
	case <-w.closed:
	}
}

// watchTarget turns renderer crashes and detaches into window events
func (w *Window) watchTarget() {
	defer w.wg.Done()

	wait := w.page.EachEvent(
		func(e *proto.InspectorTargetCrashed) bool {
			w.emit(sandbox.WindowEvent{Kind: sandbox.EventCrashed, Err: errors.New("renderer crashed")})
			return true
		},
		func(e *proto.InspectorDetached) bool {
			w.logger.Info().Str("reason", e.Reason).Msg("Page detached")
			w.emit(sandbox.WindowEvent{Kind: sandbox.EventCrashed, Err: fmt.Errorf("page detached: %s", e.Reason)})
			return true
		},
	)
	wait()
}

// heartbeat evaluates a trivial expression on an interval; a page that cannot
// answer within UnresponsiveAfter is reported unresponsive
func (w *Window) heartbeat() {
	defer w.wg.Done()
	if w.config.HeartbeatInterval <= 0 || w.config.UnresponsiveAfter <= 0 {
		<-w.closed
		return
	}

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	unresponsive := false
	for {
		select {
		case <-w.closed:
			return
		case <-ticker.C:
			_, err := w.page.Timeout(w.config.UnresponsiveAfter).Eval(`() => true`)
			if w.isClosed() {
				return
			}
			switch {
			case err != nil && errors.Is(err, context.DeadlineExceeded) && !unresponsive:
				unresponsive = true
				w.emit(sandbox.WindowEvent{Kind: sandbox.EventUnresponsive})
			case err == nil && unresponsive:
				unresponsive = false
				w.emit(sandbox.WindowEvent{Kind: sandbox.EventResponsive})
			case err != nil && !errors.Is(err, context.DeadlineExceeded):
				w.logger.Debug().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

func (w *Window) sender() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closed:
			return
		case msg := <-w.outbox:
			var payload any
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				payload = string(msg.Payload)
			}
			_, err := w.page.Timeout(w.config.UnresponsiveAfter+time.Second).Eval(deliverScript, payload, msg.From)
			if err != nil && !w.isClosed() {
				w.logger.Warn().Err(err).Str("from", msg.From).Msg("Message delivery failed")
			}
		}
	}
}

const deliverScript = `(payload, from) => {
	if (typeof window.__capsuleDeliver === "function") {
		window.__capsuleDeliver(payload, from);
	}
}`

// bridgeClient is injected before any plugin script. It exposes the capsule
// API over the bridge websocket bound to this window's handle.
const bridgeClient = `(function (endpoint) {
	var seq = 0;
	var pending = {};
	var backlog = [];
	var handlers = [];
	var socket = new WebSocket(endpoint);

	socket.onopen = function () {
		backlog.splice(0).forEach(function (frame) { socket.send(frame); });
	};
	socket.onmessage = function (event) {
		var msg = JSON.parse(event.data);
		var entry = pending[msg.id];
		if (!entry) { return; }
		delete pending[msg.id];
		if (msg.error) {
			var err = new Error(msg.error.message);
			err.code = msg.error.data && msg.error.data.code;
			entry.reject(err);
		} else {
			entry.resolve(msg.result);
		}
	};
	socket.onclose = function () {
		Object.keys(pending).forEach(function (id) {
			pending[id].reject(new Error("bridge disconnected"));
			delete pending[id];
		});
	};

	function call(method, params) {
		return new Promise(function (resolve, reject) {
			var id = String(++seq);
			pending[id] = { resolve: resolve, reject: reject };
			var frame = JSON.stringify({ jsonrpc: "2.0", id: id, method: method, params: params === undefined ? {} : params });
			if (socket.readyState === WebSocket.OPEN) { socket.send(frame); } else { backlog.push(frame); }
		});
	}

	Object.defineProperty(window, "__capsuleDeliver", {
		value: function (payload, from) {
			handlers.forEach(function (handler) {
				try { handler(payload, from); } catch (e) { console.error("onMessage:", e); }
			});
		}
	});

	Object.defineProperty(window, "capsule", {
		enumerable: true,
		value: Object.freeze({
			call: call,
			storage: Object.freeze({
				get: function (key) { return call("storage.get", { key: key }); },
				set: function (key, value) { return call("storage.set", { key: key, value: value }); },
				remove: function (key) { return call("storage.remove", { key: key }); },
				clear: function () { return call("storage.clear"); },
				keys: function () { return call("storage.keys"); }
			}),
			notifications: Object.freeze({
				show: function (title, body, options) {
					return call("notifications.show", { title: title, body: body, options: options || {} });
				}
			}),
			network: Object.freeze({
				fetch: function (url, options) { return call("network.fetch", { url: url, options: options || {} }); }
			}),
			filesystem: Object.freeze({
				readFile: function (path) { return call("filesystem.readFile", { path: path }); },
				writeFile: function (path, content) { return call("filesystem.writeFile", { path: path, content: content }); },
				exists: function (path) { return call("filesystem.exists", { path: path }); }
			}),
			communication: Object.freeze({
				sendMessage: function (target, payload) {
					return call("communication.sendMessage", { target: target, payload: payload });
				},
				broadcastMessage: function (payload) {
					return call("communication.broadcastMessage", { payload: payload });
				},
				onMessage: function (handler) { handlers.push(handler); }
			}),
			permissions: Object.freeze({
				check: function (name) { return call("permissions.check", { name: name }); },
				request: function (name) { return call("permissions.request", { name: name }); }
			}),
			clipboard: Object.freeze({
				readText: function () { return call("clipboard.readText"); },
				writeText: function (text) { return call("clipboard.writeText", { text: text }); }
			})
		})
	});
})`

// composeDocument injects a base element pointing at the package directory
// and the bridge client ahead of every other head child
func composeDocument(doc sandbox.Document, clientURL string) (string, error) {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse document: %w", err)
	}

	endpoint, err := json.Marshal(clientURL)
	if err != nil {
		return "", err
	}

	var injected strings.Builder
	if doc.BaseDir != "" {
		base := fileURL(doc.BaseDir)
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		parsed.Find("base").Remove()
		injected.WriteString(`<base href="` + base + `"/>`)
	}
	injected.WriteString(`<script data-capsule-bridge>`)
	injected.WriteString(bridgeClient)
	injected.WriteString("(")
	injected.Write(endpoint)
	injected.WriteString(");</script>")

	parsed.Find("head").First().PrependHtml(injected.String())

	html, err := parsed.Html()
	if err != nil {
		return "", fmt.Errorf("failed to render document: %w", err)
	}
	return html, nil
}

func bridgeClientURL(bridgeURL, handle string) string {
	u, err := url.Parse(bridgeURL)
	if err != nil {
		return bridgeURL + "?handle=" + url.QueryEscape(handle)
	}
	q := u.Query()
	q.Set("handle", handle)
	u.RawQuery = q.Encode()
	return u.String()
}

func fileURL(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}
