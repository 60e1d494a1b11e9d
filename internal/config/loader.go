package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. CAPSULE_BRIDGE_PORT
const EnvPrefix = "CAPSULE"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment. A missing file
// yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.ApplyPathDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv can override values the
// file does not mention
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("plugins_dir", cfg.PluginsDir)
	v.SetDefault("sandbox_dir", cfg.SandboxDir)
	v.SetDefault("storage_dir", cfg.StorageDir)
	v.SetDefault("permissions_file", cfg.PermissionsFile)

	v.SetDefault("catalog.driver", cfg.Catalog.Driver)
	v.SetDefault("catalog.path", cfg.Catalog.Path)

	v.SetDefault("permissions.prompt_timeout", cfg.Permissions.PromptTimeout)
	v.SetDefault("permissions.auto_deny", cfg.Permissions.AutoDeny)

	v.SetDefault("sandbox.backend", cfg.Sandbox.Backend)
	v.SetDefault("sandbox.dev_debounce", cfg.Sandbox.DevDebounce)
	v.SetDefault("sandbox.browser.bin", cfg.Sandbox.Browser.Bin)
	v.SetDefault("sandbox.browser.control_url", cfg.Sandbox.Browser.ControlURL)
	v.SetDefault("sandbox.browser.headless", cfg.Sandbox.Browser.Headless)
	v.SetDefault("sandbox.browser.no_sandbox", cfg.Sandbox.Browser.NoSandbox)
	v.SetDefault("sandbox.browser.heartbeat_interval", cfg.Sandbox.Browser.HeartbeatInterval)
	v.SetDefault("sandbox.browser.unresponsive_after", cfg.Sandbox.Browser.UnresponsiveAfter)

	v.SetDefault("bridge.host", cfg.Bridge.Host)
	v.SetDefault("bridge.port", cfg.Bridge.Port)
	v.SetDefault("bridge.rate_limit", cfg.Bridge.RateLimit)
	v.SetDefault("bridge.burst", cfg.Bridge.Burst)
	v.SetDefault("bridge.fetch_timeout", cfg.Bridge.FetchTimeout)
	v.SetDefault("bridge.max_fetch_bytes", cfg.Bridge.MaxFetchBytes)
	v.SetDefault("bridge.max_file_bytes", cfg.Bridge.MaxFileBytes)

	v.SetDefault("installer.excludes", cfg.Installer.Excludes)
	v.SetDefault("installer.max_archive_bytes", cfg.Installer.MaxArchiveBytes)

	v.SetDefault("janitor.enabled", cfg.Janitor.Enabled)
	v.SetDefault("janitor.schedule", cfg.Janitor.Schedule)
	v.SetDefault("janitor.grace", cfg.Janitor.Grace)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("audit.enabled", cfg.Audit.Enabled)
	v.SetDefault("audit.file", cfg.Audit.File)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
}

// ApplyPathDefaults fills every unset path from DataDir
func (c *Config) ApplyPathDefaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".capsule")
	}

	defaults := []struct {
		field *string
		path  string
	}{
		{&c.PluginsDir, "plugins"},
		{&c.SandboxDir, "sandbox"},
		{&c.StorageDir, "storage"},
		{&c.PermissionsFile, "permissions.json"},
		{&c.Catalog.Path, "catalog.db"},
		{&c.Logging.File, "capsule.log"},
		{&c.Audit.File, filepath.Join("logs", "audit.log")},
	}
	for _, d := range defaults {
		if *d.field == "" {
			*d.field = filepath.Join(c.DataDir, d.path)
		}
	}
	return nil
}

// Save writes the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("plugins_dir", cfg.PluginsDir)
	v.Set("sandbox_dir", cfg.SandboxDir)
	v.Set("storage_dir", cfg.StorageDir)
	v.Set("permissions_file", cfg.PermissionsFile)
	v.Set("catalog", cfg.Catalog)
	v.Set("permissions", cfg.Permissions)
	v.Set("sandbox", cfg.Sandbox)
	v.Set("bridge", cfg.Bridge)
	v.Set("installer", cfg.Installer)
	v.Set("janitor", cfg.Janitor)
	v.Set("logging", cfg.Logging)
	v.Set("audit", cfg.Audit)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".capsule", "capsule.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
