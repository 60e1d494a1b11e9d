package config

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/robfig/cron/v3"
)

// Validator validates individual configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(kind, value string, valid []string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", kind, value, strings.Join(valid, ", "))
}

// ValidateBackend validates a sandbox backend name
func (v *Validator) ValidateBackend(backend string) error {
	return oneOf("sandbox backend", backend, []string{"script", "browser"})
}

// ValidateCatalogDriver validates a catalog driver name
func (v *Validator) ValidateCatalogDriver(driver string) error {
	return oneOf("catalog driver", driver, []string{"sqlite", "memory"})
}

// ValidatePort validates a TCP port; 0 picks a free port
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateHost validates the bridge listen host. The bridge carries
// capability calls and must stay on loopback.
func (v *Validator) ValidateHost(host string) error {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return nil
	}
	return fmt.Errorf("bridge host must be a loopback address, got %q", host)
}

// ValidateSchedule validates a janitor cron spec
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateExcludes validates installer exclude patterns
func (v *Validator) ValidateExcludes(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid exclude pattern: %q", p)
		}
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"debug", "info", "warn", "error"})
}

// ValidateConfig performs comprehensive validation and returns every problem
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateHost(cfg.Bridge.Host); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateExcludes(cfg.Installer.Excludes); err != nil {
		errors = append(errors, err)
	}
	if cfg.Janitor.Enabled && cfg.Janitor.Schedule != "" {
		if err := v.ValidateSchedule(cfg.Janitor.Schedule); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Janitor.Grace < 0 {
		errors = append(errors, fmt.Errorf("janitor grace must be >= 0"))
	}
	if cfg.Bridge.FetchTimeout < 0 {
		errors = append(errors, fmt.Errorf("bridge fetch_timeout must be >= 0"))
	}
	if cfg.Bridge.MaxFetchBytes < 0 || cfg.Bridge.MaxFileBytes < 0 {
		errors = append(errors, fmt.Errorf("bridge byte limits must be >= 0"))
	}
	if cfg.Sandbox.Browser.HeartbeatInterval < 0 || cfg.Sandbox.Browser.UnresponsiveAfter < 0 {
		errors = append(errors, fmt.Errorf("browser heartbeat settings must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
