package scriptwin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// prelude builds the capsule API from the two host primitives
const prelude = `(function (host) {
	function call(method, params) {
		return new Promise(function (resolve, reject) {
			host.invoke(method, JSON.stringify(params === undefined ? {} : params), resolve, reject);
		});
	}
	return Object.freeze({
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
			onMessage: function (handler) { host.onMessage(handler); }
		}),
		permissions: Object.freeze({
			check: function (name) { return call("permissions.check", { name: name }); },
			request: function (name) { return call("permissions.request", { name: name }); }
		}),
		clipboard: Object.freeze({
			readText: function () { return call("clipboard.readText"); },
			writeText: function (text) { return call("clipboard.writeText", { text: text }); }
		})
	});
})`

var runnableTypes = map[string]bool{
	"":                       true,
	"text/javascript":        true,
	"application/javascript": true,
	"module":                 true,
}

type script struct {
	name   string
	source string
}

// extractScripts collects the runnable scripts of a document in order.
// External sources must live inside baseDir; remote sources are skipped.
func extractScripts(doc *goquery.Document, baseDir string, logger zerolog.Logger) ([]script, error) {
	var (
		scripts []script
		failure error
	)
	doc.Find("script").EachWithBreak(func(i int, sel *goquery.Selection) bool {
		typ := strings.ToLower(strings.TrimSpace(sel.AttrOr("type", "")))
		if !runnableTypes[typ] {
			return true
		}

		src, external := sel.Attr("src")
		if !external {
			name := sel.AttrOr("data-entry", fmt.Sprintf("inline-%d", i))
			scripts = append(scripts, script{name: name, source: sel.Text()})
			return true
		}

		if strings.Contains(src, "://") || strings.HasPrefix(src, "//") {
			logger.Warn().Str("src", src).Msg("Skipping remote script")
			return true
		}
		path, err := resolveLocal(baseDir, src)
		if err != nil {
			failure = err
			return false
		}
		data, err := os.ReadFile(path)
		if err != nil {
			failure = fmt.Errorf("failed to read script %s: %w", src, err)
			return false
		}
		scripts = append(scripts, script{name: src, source: string(data)})
		return true
	})
	return scripts, failure
}

func resolveLocal(baseDir, src string) (string, error) {
	if baseDir == "" {
		return "", fmt.Errorf("script %s has no package directory to resolve against", src)
	}
	clean := strings.TrimPrefix(filepath.FromSlash(src), string(filepath.Separator))
	path := filepath.Join(baseDir, clean)
	rel, err := filepath.Rel(baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("script %s escapes the package directory", src)
	}
	return path, nil
}

// load replaces the runtime and runs the document's scripts. Script errors
// land on the console like they would in a browser; they do not fail the load.
func (w *Window) load(doc *goquery.Document, scripts []script) error {
	w.stopTimers()
	w.gen++
	w.handlers = nil

	vm := goja.New()
	vm.SetMaxCallStackSize(1024)
	if err := w.setupGlobals(vm, doc, w.gen); err != nil {
		return fmt.Errorf("failed to prepare runtime: %w", err)
	}

	w.vmMu.Lock()
	w.vm = vm
	w.vmMu.Unlock()

	for _, s := range scripts {
		err := w.guard(vm, func() error {
			_, err := vm.RunScript(s.name, s.source)
			return err
		})
		if err != nil {
			w.record("error", fmt.Sprintf("%s: %v", s.name, err))
		}
	}

	w.logger.Debug().Int("scripts", len(scripts)).Msg("Document loaded")
	return nil
}

func (w *Window) setupGlobals(vm *goja.Runtime, doc *goquery.Document, gen int) error {
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			w.record(level, strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	timers := map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":    func(call goja.FunctionCall) goja.Value { return w.setTimer(vm, gen, call, false) },
		"setInterval":   func(call goja.FunctionCall) goja.Value { return w.setTimer(vm, gen, call, true) },
		"clearTimeout":  func(call goja.FunctionCall) goja.Value { w.clearTimer(call.Argument(0).ToInteger()); return goja.Undefined() },
		"clearInterval": func(call goja.FunctionCall) goja.Value { w.clearTimer(call.Argument(0).ToInteger()); return goja.Undefined() },
	}
	for name, fn := range timers {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}

	if err := vm.Set("document", newDocument(vm, doc)); err != nil {
		return err
	}

	host := vm.NewObject()
	_ = host.Set("invoke", func(call goja.FunctionCall) goja.Value {
		method := call.Argument(0).String()
		params := call.Argument(1).String()
		resolve, okResolve := goja.AssertFunction(call.Argument(2))
		reject, okReject := goja.AssertFunction(call.Argument(3))
		if !okResolve || !okReject {
			panic(vm.NewTypeError("invoke requires resolve and reject callbacks"))
		}
		go w.invoke(gen, method, json.RawMessage(params), resolve, reject)
		return goja.Undefined()
	})
	_ = host.Set("onMessage", func(call goja.FunctionCall) goja.Value {
		handler, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("onMessage requires a function"))
		}
		w.handlers = append(w.handlers, handler)
		return goja.Undefined()
	})

	factory, err := vm.RunString(prelude)
	if err != nil {
		return err
	}
	build, ok := goja.AssertFunction(factory)
	if !ok {
		return errors.New("capsule prelude is not a function")
	}
	api, err := build(goja.Undefined(), host)
	if err != nil {
		return err
	}
	return vm.Set("capsule", api)
}

// invoke performs one capability call off the loop and settles the promise
// back on it. Results from a runtime replaced by a reload are dropped.
func (w *Window) invoke(gen int, method string, params json.RawMessage, resolve, reject goja.Callable) {
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("capability call panicked: %v", r)
			}
		}()
		if w.spec.Caller == nil {
			err = errNoCaller
			return
		}
		result, err = w.spec.Caller.Invoke(w.ctx, w.spec.Handle, method, params)
	}()

	var decoded any
	if err == nil && result != nil {
		data, merr := json.Marshal(result)
		if merr == nil {
			merr = json.Unmarshal(data, &decoded)
		}
		if merr != nil {
			err = fmt.Errorf("failed to encode result: %w", merr)
		}
	}

	_ = w.enqueue(func() {
		if w.gen != gen {
			return
		}
		vm := w.vm
		settleErr := w.guard(vm, func() error {
			if err != nil {
				_, callErr := reject(goja.Undefined(), errorValue(vm, err))
				return callErr
			}
			_, callErr := resolve(goja.Undefined(), vm.ToValue(decoded))
			return callErr
		})
		if settleErr != nil {
			w.record("error", fmt.Sprintf("%s: %v", method, settleErr))
		}
	})
}

// errorValue converts a Go error into a JS Error carrying the error code
func errorValue(vm *goja.Runtime, err error) goja.Value {
	obj := vm.NewGoError(err)
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		_ = obj.Set("code", coded.Code())
	}
	return obj
}

func (w *Window) setTimer(vm *goja.Runtime, gen int, call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return goja.Undefined()
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < time.Millisecond {
		delay = time.Millisecond
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	w.timerSeq++
	id := w.timerSeq
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		_ = w.enqueue(func() {
			if w.gen != gen || !w.timerActive(id) {
				return
			}
			if !repeat {
				w.clearTimer(id)
			}
			err := w.guard(vm, func() error {
				_, err := fn(goja.Undefined(), args...)
				return err
			})
			if err != nil {
				w.record("error", fmt.Sprintf("timer: %v", err))
			}
			if repeat && w.timerActive(id) {
				timer.Reset(delay)
			}
		})
	})
	w.timers[id] = timer
	return vm.ToValue(id)
}

func (w *Window) timerActive(id int64) bool {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	_, ok := w.timers[id]
	return ok
}

func (w *Window) clearTimer(id int64) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if timer, ok := w.timers[id]; ok {
		timer.Stop()
		delete(w.timers, id)
	}
}

func (w *Window) stopTimers() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	for id, timer := range w.timers {
		timer.Stop()
		delete(w.timers, id)
	}
}

// newDocument exposes a read-only view of the loaded document
func newDocument(vm *goja.Runtime, doc *goquery.Document) *goja.Object {
	document := vm.NewObject()
	_ = document.Set("title", strings.TrimSpace(doc.Find("title").First().Text()))
	_ = document.Set("querySelector", func(selector string) goja.Value {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			return goja.Null()
		}
		return vm.ToValue(elementValue(sel))
	})
	_ = document.Set("querySelectorAll", func(selector string) goja.Value {
		var elements []map[string]any
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			elements = append(elements, elementValue(sel))
		})
		return vm.ToValue(elements)
	})
	return document
}

func elementValue(sel *goquery.Selection) map[string]any {
	return map[string]any{
		"tagName":     strings.ToUpper(goquery.NodeName(sel)),
		"id":          sel.AttrOr("id", ""),
		"className":   sel.AttrOr("class", ""),
		"textContent": sel.Text(),
		"getAttribute": func(name string) any {
			if v, ok := sel.Attr(name); ok {
				return v
			}
			return nil
		},
	}
}
