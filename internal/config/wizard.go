package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard on stdin and stdout
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard reading answers from in
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== Capsule Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "Sandbox backend options:")
	fmt.Fprintln(w.out, "  script  - embedded script runtime, no browser required (default)")
	fmt.Fprintln(w.out, "  browser - headless Chromium window per plugin")
	for {
		answer, err := w.ask(fmt.Sprintf("Sandbox backend [%s]: ", cfg.Sandbox.Backend))
		if err != nil {
			return nil, err
		}
		if answer == "" {
			break
		}
		if err := validator.ValidateBackend(answer); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Sandbox.Backend = answer
		break
	}

	if cfg.Sandbox.Backend == "browser" {
		answer, err := w.ask("Chromium binary (press Enter to download or auto-detect): ")
		if err != nil {
			return nil, err
		}
		cfg.Sandbox.Browser.Bin = answer
	}

	fmt.Fprintln(w.out)
	for {
		answer, err := w.ask(fmt.Sprintf("Bridge port [%d]: ", cfg.Bridge.Port))
		if err != nil {
			return nil, err
		}
		if answer == "" {
			break
		}
		port, err := strconv.Atoi(answer)
		if err == nil {
			err = validator.ValidatePort(port)
		}
		if err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Bridge.Port = port
		break
	}

	answer, err := w.ask(fmt.Sprintf("Permission prompt timeout in seconds [%d]: ", cfg.Permissions.PromptTimeout))
	if err != nil {
		return nil, err
	}
	if answer != "" {
		if secs, err := strconv.Atoi(answer); err == nil && secs > 0 {
			cfg.Permissions.PromptTimeout = secs
		} else {
			fmt.Fprintf(w.out, "Warning: invalid timeout %q, keeping %d\n", answer, cfg.Permissions.PromptTimeout)
		}
	}

	fmt.Fprintln(w.out)
	answer, err = w.ask(fmt.Sprintf("Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level))
	if err != nil {
		return nil, err
	}
	if answer != "" {
		if err := validator.ValidateLogLevel(answer); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = answer
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
