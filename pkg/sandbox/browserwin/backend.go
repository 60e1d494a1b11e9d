// Package browserwin hosts plugin documents in Chromium pages driven over
// the DevTools protocol. Each window is an incognito page; its only route to
// the host is a websocket to the capability bridge bound to the window handle.
package browserwin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/capsule/pkg/sandbox"
	"github.com/rs/zerolog"
)

// Config holds browser window configuration
type Config struct {
	// Bin is the Chromium binary. Empty uses the launcher's lookup.
	Bin string

	// ControlURL attaches to a running browser instead of launching one
	ControlURL string

	Headless  bool
	NoSandbox bool

	// BridgeURL is the websocket endpoint of the capability bridge
	BridgeURL string

	HeartbeatInterval time.Duration
	UnresponsiveAfter time.Duration
}

// DefaultConfig returns the default browser window configuration
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		BridgeURL:         "ws://127.0.0.1:7777/bridge",
		HeartbeatInterval: 2 * time.Second,
		UnresponsiveAfter: 5 * time.Second,
	}
}

// Backend opens windows in a shared Chromium process
type Backend struct {
	config Config
	logger zerolog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewBackend creates a browser window backend. The browser starts lazily
// on the first Open.
func NewBackend(cfg Config, logger zerolog.Logger) *Backend {
	return &Backend{
		config: cfg,
		logger: logger.With().Str("component", "browserwin").Logger(),
	}
}

// Name implements sandbox.Backend
func (b *Backend) Name() string {
	return "browser"
}

// Open implements sandbox.Backend
func (b *Backend) Open(ctx context.Context, spec sandbox.WindowSpec) (sandbox.Window, error) {
	browser, err := b.connect()
	if err != nil {
		return nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create isolated browser context: %w", err)
	}

	page, err := incognito.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             spec.Geometry.Width,
		Height:            spec.Geometry.Height,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("failed to size page: %w", err)
	}

	w := newWindow(spec, b.config, incognito, page.Context(context.Background()),
		b.logger.With().Str("plugin_id", spec.PluginID).Logger())
	w.start()
	return w, nil
}

// Close shuts down the browser and the launched process
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher = nil
	}
	return err
}

func (b *Backend) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}

	controlURL := b.config.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(b.config.Headless)
		if b.config.NoSandbox {
			l = l.NoSandbox(true)
		}
		if b.config.Bin != "" {
			l = l.Bin(b.config.Bin)
		}

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		b.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if b.launcher != nil {
			b.launcher.Kill()
			b.launcher = nil
		}
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	b.browser = browser

	b.logger.Info().Str("control_url", controlURL).Bool("headless", b.config.Headless).Msg("Browser connected")
	return browser, nil
}
