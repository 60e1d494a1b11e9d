// Package scriptwin runs plugin documents in an embedded JavaScript engine.
// Each window owns one goja runtime driven by a single event-loop goroutine;
// the runtime has no host access beyond the capsule object, whose calls all
// go through the window's Caller.
package scriptwin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"github.com/harun/capsule/pkg/sandbox"
	"github.com/rs/zerolog"
)

var errNoCaller = errors.New("window has no capability caller")

// Config holds script window configuration
type Config struct {
	// Timeout interrupts a single script run or callback. Zero disables it.
	Timeout time.Duration

	// UnresponsiveAfter is how long the loop may stay busy before the window
	// reports itself unresponsive. Zero disables the watchdog.
	UnresponsiveAfter time.Duration
}

// DefaultConfig returns the default script window configuration
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		UnresponsiveAfter: 5 * time.Second,
	}
}

// ConsoleEntry is one captured console call
type ConsoleEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Backend opens script windows
type Backend struct {
	config Config
	logger zerolog.Logger
}

// NewBackend creates a script window backend
func NewBackend(cfg Config, logger zerolog.Logger) *Backend {
	return &Backend{
		config: cfg,
		logger: logger.With().Str("component", "scriptwin").Logger(),
	}
}

// Name implements sandbox.Backend
func (b *Backend) Name() string {
	return "script"
}

// Open implements sandbox.Backend
func (b *Backend) Open(ctx context.Context, spec sandbox.WindowSpec) (sandbox.Window, error) {
	w := newWindow(spec, b.config, b.logger.With().Str("plugin_id", spec.PluginID).Logger())
	go w.loop()
	go w.watchdog()
	return w, nil
}

// Window is a sandbox window backed by a goja runtime
type Window struct {
	spec   sandbox.WindowSpec
	config Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	events       chan sandbox.WindowEvent
	closed       chan struct{}
	loopDone     chan struct{}
	watchdogDone chan struct{}
	closeOnce    sync.Once

	busySince atomic.Int64
	visible   atomic.Bool

	consoleMu sync.Mutex
	console   []ConsoleEntry

	timerMu  sync.Mutex
	timerSeq int64
	timers   map[int64]*time.Timer

	vmMu sync.Mutex
	vm   *goja.Runtime

	// loop goroutine only
	gen      int
	handlers []goja.Callable
}

func newWindow(spec sandbox.WindowSpec, cfg Config, logger zerolog.Logger) *Window {
	ctx, cancel := context.WithCancel(context.Background())
	return &Window{
		spec:         spec,
		config:       cfg,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		events:       make(chan sandbox.WindowEvent, 8),
		closed:       make(chan struct{}),
		loopDone:     make(chan struct{}),
		watchdogDone: make(chan struct{}),
		timers:       make(map[int64]*time.Timer),
	}
}

// Load implements sandbox.Window. Every load starts from a fresh runtime.
func (w *Window) Load(ctx context.Context, doc sandbox.Document) error {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	scripts, err := extractScripts(parsed, doc.BaseDir, w.logger)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	if err := w.enqueue(func() { result <- w.load(parsed, scripts) }); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closed:
		return sandbox.ErrWindowClosed
	}
}

// Show implements sandbox.Window
func (w *Window) Show() error {
	select {
	case <-w.closed:
		return sandbox.ErrWindowClosed
	default:
	}
	w.visible.Store(true)
	w.logger.Debug().
		Str("title", w.spec.Title).
		Int("width", w.spec.Geometry.Width).
		Int("height", w.spec.Geometry.Height).
		Msg("Window shown")
	return nil
}

// Visible reports whether Show was called
func (w *Window) Visible() bool {
	return w.visible.Load()
}

// Deliver implements sandbox.Window
func (w *Window) Deliver(msg sandbox.Message) error {
	return w.enqueue(func() {
		if len(w.handlers) == 0 {
			return
		}
		var payload any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			payload = string(msg.Payload)
		}
		vm := w.vm
		for _, handler := range w.handlers {
			err := w.guard(vm, func() error {
				_, err := handler(goja.Undefined(), vm.ToValue(payload), vm.ToValue(msg.From))
				return err
			})
			if err != nil {
				w.record("error", fmt.Sprintf("onMessage: %v", err))
			}
		}
	})
}

// Close implements sandbox.Window
func (w *Window) Close() error {
	err := sandbox.ErrWindowClosed
	w.closeOnce.Do(func() {
		err = nil
		close(w.closed)
		w.cancel()
		w.stopTimers()
		if vm := w.currentVM(); vm != nil {
			vm.Interrupt("window closed")
		}
		<-w.loopDone
		<-w.watchdogDone

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

// Console returns the captured console output
func (w *Window) Console() []ConsoleEntry {
	w.consoleMu.Lock()
	defer w.consoleMu.Unlock()
	return append([]ConsoleEntry(nil), w.console...)
}

func (w *Window) enqueue(task func()) error {
	select {
	case <-w.closed:
		return sandbox.ErrWindowClosed
	default:
	}

	w.mu.Lock()
	w.queue = append(w.queue, task)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *Window) loop() {
	defer close(w.loopDone)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-w.closed:
				return
			}
		}
		task := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case <-w.closed:
			return
		default:
		}
		if !w.exec(task) {
			return
		}
	}
}

// exec runs one task. A Go panic escaping the runtime is a crash: the loop
// stops and the supervisor is told.
func (w *Window) exec(task func()) (ok bool) {
	w.busySince.Store(time.Now().UnixNano())
	defer func() {
		w.busySince.Store(0)
		if r := recover(); r != nil {
			w.emit(sandbox.WindowEvent{
				Kind: sandbox.EventCrashed,
				Err:  fmt.Errorf("script runtime panic: %v", r),
			})
			ok = false
		}
	}()
	task()
	return true
}

// guard runs fn against vm with the configured interrupt deadline
func (w *Window) guard(vm *goja.Runtime, fn func() error) error {
	if w.config.Timeout > 0 {
		timer := time.AfterFunc(w.config.Timeout, func() { vm.Interrupt("script timeout") })
		defer timer.Stop()
	}
	err := fn()
	vm.ClearInterrupt()

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		w.logger.Warn().Interface("reason", interrupted.Value()).Msg("Script interrupted")
	}
	return err
}

func (w *Window) watchdog() {
	defer close(w.watchdogDone)
	if w.config.UnresponsiveAfter <= 0 {
		<-w.closed
		return
	}

	interval := w.config.UnresponsiveAfter / 2
	if interval <= 0 {
		interval = w.config.UnresponsiveAfter
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	unresponsive := false
	for {
		select {
		case <-w.closed:
			return
		case <-ticker.C:
			since := w.busySince.Load()
			stuck := since != 0 && time.Since(time.Unix(0, since)) >= w.config.UnresponsiveAfter
			switch {
			case stuck && !unresponsive:
				unresponsive = true
				w.emit(sandbox.WindowEvent{Kind: sandbox.EventUnresponsive})
			case !stuck && unresponsive:
				unresponsive = false
				w.emit(sandbox.WindowEvent{Kind: sandbox.EventResponsive})
			}
		}
	}
}

func (w *Window) emit(ev sandbox.WindowEvent) {
	select {
	case w.events <- ev:
	case <-w.closed:
	}
}

func (w *Window) currentVM() *goja.Runtime {
	w.vmMu.Lock()
	defer w.vmMu.Unlock()
	return w.vm
}

func (w *Window) record(level, message string) {
	w.consoleMu.Lock()
	w.console = append(w.console, ConsoleEntry{Level: level, Message: message, Time: time.Now()})
	w.consoleMu.Unlock()

	w.logger.Debug().Str("level", level).Str("message", message).Msg("Plugin console")
}
