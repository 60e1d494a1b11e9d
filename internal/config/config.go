package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the capsule host configuration
type Config struct {
	// Data directory; every other path defaults to a location under it
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Plugin store, catalog and permission files
	PluginsDir      string `json:"plugins_dir" mapstructure:"plugins_dir"`
	SandboxDir      string `json:"sandbox_dir" mapstructure:"sandbox_dir"`
	StorageDir      string `json:"storage_dir" mapstructure:"storage_dir"`
	PermissionsFile string `json:"permissions_file" mapstructure:"permissions_file"`

	Catalog     CatalogConfig     `json:"catalog" mapstructure:"catalog"`
	Permissions PermissionsConfig `json:"permissions" mapstructure:"permissions"`
	Sandbox     SandboxConfig     `json:"sandbox" mapstructure:"sandbox"`
	Bridge      BridgeConfig      `json:"bridge" mapstructure:"bridge"`
	Installer   InstallerConfig   `json:"installer" mapstructure:"installer"`
	Janitor     JanitorConfig     `json:"janitor" mapstructure:"janitor"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Audit       AuditConfig       `json:"audit" mapstructure:"audit"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
}

// CatalogConfig selects the catalog backend
type CatalogConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, memory
	Path   string `json:"path" mapstructure:"path"`
}

// PermissionsConfig holds permission prompt settings
type PermissionsConfig struct {
	PromptTimeout int  `json:"prompt_timeout" mapstructure:"prompt_timeout"` // seconds
	AutoDeny      bool `json:"auto_deny" mapstructure:"auto_deny"`           // refuse every prompt without asking
}

// SandboxConfig selects and tunes the window backend
type SandboxConfig struct {
	Backend string        `json:"backend" mapstructure:"backend"` // script, browser
	Browser BrowserConfig `json:"browser" mapstructure:"browser"`
	// DevDebounce is the reload debounce for run --dev, in milliseconds
	DevDebounce int `json:"dev_debounce" mapstructure:"dev_debounce"`
}

// BrowserConfig holds Chromium settings for the browser backend
type BrowserConfig struct {
	Bin               string `json:"bin" mapstructure:"bin"`
	ControlURL        string `json:"control_url" mapstructure:"control_url"`
	Headless          bool   `json:"headless" mapstructure:"headless"`
	NoSandbox         bool   `json:"no_sandbox" mapstructure:"no_sandbox"`
	HeartbeatInterval int    `json:"heartbeat_interval" mapstructure:"heartbeat_interval"` // seconds
	UnresponsiveAfter int    `json:"unresponsive_after" mapstructure:"unresponsive_after"` // seconds
}

// BridgeConfig holds capability bridge and bridge server settings
type BridgeConfig struct {
	Host          string  `json:"host" mapstructure:"host"`
	Port          int     `json:"port" mapstructure:"port"`
	RateLimit     float64 `json:"rate_limit" mapstructure:"rate_limit"` // calls per second per plugin, 0 disables
	Burst         int     `json:"burst" mapstructure:"burst"`
	FetchTimeout  int     `json:"fetch_timeout" mapstructure:"fetch_timeout"` // seconds
	MaxFetchBytes int64   `json:"max_fetch_bytes" mapstructure:"max_fetch_bytes"`
	MaxFileBytes  int64   `json:"max_file_bytes" mapstructure:"max_file_bytes"`
}

// InstallerConfig holds installer settings
type InstallerConfig struct {
	Excludes        []string `json:"excludes" mapstructure:"excludes"`
	MaxArchiveBytes int64    `json:"max_archive_bytes" mapstructure:"max_archive_bytes"`
}

// JanitorConfig holds the stale directory sweeper settings
type JanitorConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
	Grace    int    `json:"grace" mapstructure:"grace"` // minutes
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AuditConfig holds the security audit log settings
type AuditConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	File    string `json:"file" mapstructure:"file"`
}

// MetricsConfig controls the /metrics endpoint on the bridge server
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Driver: "sqlite",
		},
		Permissions: PermissionsConfig{
			PromptTimeout: 60,
		},
		Sandbox: SandboxConfig{
			Backend:     "script",
			DevDebounce: 300,
			Browser: BrowserConfig{
				Headless:          true,
				HeartbeatInterval: 2,
				UnresponsiveAfter: 5,
			},
		},
		Bridge: BridgeConfig{
			Host:          "127.0.0.1",
			Port:          7777,
			RateLimit:     50,
			Burst:         100,
			FetchTimeout:  30,
			MaxFetchBytes: 10 << 20,
			MaxFileBytes:  10 << 20,
		},
		Installer: InstallerConfig{
			Excludes:        []string{".git", ".git/**", "**/.DS_Store", "**/Thumbs.db"},
			MaxArchiveBytes: 256 << 20,
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "@every 1h",
			Grace:    60,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Catalog.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid catalog driver %q (must be: sqlite, memory)", c.Catalog.Driver)
	}

	switch c.Sandbox.Backend {
	case "script", "browser":
	default:
		return fmt.Errorf("invalid sandbox backend %q (must be: script, browser)", c.Sandbox.Backend)
	}

	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge port %d out of range", c.Bridge.Port)
	}
	if c.Bridge.RateLimit < 0 {
		return fmt.Errorf("bridge rate_limit must be >= 0")
	}
	if c.Bridge.RateLimit > 0 && c.Bridge.Burst <= 0 {
		return fmt.Errorf("bridge burst must be positive when rate_limit is set")
	}

	if c.Permissions.PromptTimeout <= 0 {
		return fmt.Errorf("permissions prompt_timeout must be positive")
	}

	if c.Janitor.Enabled && c.Janitor.Schedule == "" {
		return fmt.Errorf("janitor schedule is required when the janitor is enabled")
	}

	return nil
}
