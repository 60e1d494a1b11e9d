// Package bridge is the single route from sandboxed plugin code to privileged
// operations. Every call is attributed to a plugin by its window handle, never
// by anything the plugin says about itself.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/harun/capsule/internal/observability"
	"github.com/harun/capsule/pkg/manifest"
	"github.com/harun/capsule/pkg/sandbox"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Windows is the part of the sandbox manager the bridge reads
type Windows interface {
	Resolve(handle string) (*sandbox.PluginContext, bool)
	Deliver(from, to string, payload json.RawMessage) bool
	Broadcast(from string, payload json.RawMessage) int
}

// Permissions is the part of the permission store the bridge reads
type Permissions interface {
	Check(id string, perm manifest.Permission) bool
	Request(ctx context.Context, id string, perm manifest.Permission) (bool, error)
}

// Notifier displays notifications on behalf of plugins
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Clipboard is the system clipboard
type Clipboard interface {
	ReadText() (string, error)
	WriteText(text string) error
}

// Observer receives one call per completed Invoke with the result code
type Observer func(method, code string, elapsed time.Duration)

// Config holds bridge configuration
type Config struct {
	// RateLimit is the sustained calls per second allowed per plugin. Zero disables limiting.
	RateLimit float64
	Burst     int

	FetchTimeout  time.Duration
	MaxFetchBytes int64
	MaxFileBytes  int64
}

// DefaultConfig returns the default bridge configuration
func DefaultConfig() Config {
	return Config{
		RateLimit:     50,
		Burst:         100,
		FetchTimeout:  30 * time.Second,
		MaxFetchBytes: 10 << 20,
		MaxFileBytes:  10 << 20,
	}
}

type call struct {
	ctx    context.Context
	method string
	plugin *sandbox.PluginContext
	params json.RawMessage
	// path is the contained absolute path for filesystem methods
	path string
}

type handlerFunc func(c *call) (any, error)

type method struct {
	// permission required before the handler runs; empty means none
	permission manifest.Permission
	filesystem bool
	handler    handlerFunc
}

// Bridge dispatches capability calls
type Bridge struct {
	config      Config
	windows     Windows
	permissions Permissions
	notifier    Notifier
	clipboard   Clipboard
	client      *resty.Client
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger

	methods map[string]method

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	observer Observer
}

// Option customizes a Bridge
type Option func(*Bridge)

// WithNotifier replaces the default logging notifier
func WithNotifier(n Notifier) Option {
	return func(b *Bridge) { b.notifier = n }
}

// WithClipboard replaces the system clipboard
func WithClipboard(c Clipboard) Option {
	return func(b *Bridge) { b.clipboard = c }
}

// WithHTTPClient replaces the resty client used by network.fetch
func WithHTTPClient(c *resty.Client) Option {
	return func(b *Bridge) { b.client = c }
}

// New creates a Bridge
func New(cfg Config, windows Windows, permissions Permissions, logger zerolog.Logger, opts ...Option) *Bridge {
	logger = logger.With().Str("component", "bridge").Logger()
	b := &Bridge{
		config:      cfg,
		windows:     windows,
		permissions: permissions,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.notifier == nil {
		b.notifier = &LogNotifier{logger: logger}
	}
	if b.clipboard == nil {
		b.clipboard = SystemClipboard{}
	}
	if b.client == nil {
		b.client = resty.New().
			SetTimeout(cfg.FetchTimeout).
			SetHeader("User-Agent", "capsule-plugin-host/1.0")
	}
	b.registerMethods()
	return b
}

// SetObserver registers fn to receive call outcomes
func (b *Bridge) SetObserver(fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = fn
}

// Methods lists the exposed method names
func (b *Bridge) Methods() []string {
	names := make([]string, 0, len(b.methods))
	for name := range b.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Forget drops per-plugin state kept by the bridge
func (b *Bridge) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.limiters, id)
}

// Invoke implements sandbox.Caller. Checks run in a fixed order: caller
// identity, path containment, permission, rate limit; nothing executes
// until all pass.
func (b *Bridge) Invoke(ctx context.Context, handle, name string, params json.RawMessage) (result any, err error) {
	start := time.Now()
	defer func() {
		code := "OK"
		if err != nil {
			code = CodeOf(err)
		}
		b.observe(name, code, time.Since(start))
	}()

	plugin, ok := b.windows.Resolve(handle)
	if !ok {
		b.logger.Warn().Str("method", name).Msg("Refused call from unregistered handle")
		observability.RecordSecurityAudit(ctx, "bridge:unknown_caller", "", "refused", map[string]interface{}{
			"method": name,
		})
		return nil, &Error{Method: name, Err: ErrUnknownCaller}
	}

	m, ok := b.methods[name]
	if !ok {
		return nil, &Error{Method: name, Err: ErrUnknownMethod}
	}

	c := &call{ctx: ctx, method: name, plugin: plugin, params: params}

	if m.filesystem {
		var p struct {
			Path string `json:"path"`
		}
		if err := decode(params, &p); err != nil {
			return nil, &Error{Method: name, Err: err}
		}
		path, err := ContainPath(plugin.DataDir, p.Path)
		if err != nil {
			b.logger.Warn().Str("plugin_id", plugin.ID).Str("method", name).Str("path", p.Path).Msg("Refused path outside data directory")
			observability.RecordSecurityAudit(ctx, "bridge:path_escape", plugin.ID, "refused", map[string]interface{}{
				"method": name,
				"path":   p.Path,
			})
			return nil, &Error{Method: name, Err: err}
		}
		c.path = path
	}

	if m.permission != "" && !b.permissions.Check(plugin.ID, m.permission) {
		b.logger.Debug().Str("plugin_id", plugin.ID).Str("method", name).Str("permission", string(m.permission)).Msg("Permission denied")
		return nil, &Error{Method: name, Err: fmt.Errorf("%w: %s", ErrPermissionDenied, m.permission)}
	}

	if !b.limiter(plugin.ID).Allow() {
		return nil, &Error{Method: name, Err: ErrRateLimited}
	}

	result, err = m.handler(c)
	if err != nil {
		return nil, refuse(name, err)
	}
	return result, nil
}

func (b *Bridge) limiter(id string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.limiters[id]
	if !ok {
		if b.config.RateLimit <= 0 {
			l = rate.NewLimiter(rate.Inf, 0)
		} else {
			burst := b.config.Burst
			if burst <= 0 {
				burst = int(b.config.RateLimit)
			}
			l = rate.NewLimiter(rate.Limit(b.config.RateLimit), max(burst, 1))
		}
		b.limiters[id] = l
	}
	return l
}

func (b *Bridge) observe(name, code string, elapsed time.Duration) {
	b.mu.Lock()
	fn := b.observer
	b.mu.Unlock()
	if fn != nil {
		fn(name, code, elapsed)
	}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
