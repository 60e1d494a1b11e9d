package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/harun/capsule/pkg/manifest"
	"github.com/rs/zerolog/log"
)

// Prompt is a user-facing confirmation for a single (plugin, permission) pair
type Prompt struct {
	ID          string              `json:"id"`
	PluginID    string              `json:"pluginId"`
	PluginName  string              `json:"pluginName"`
	Permission  manifest.Permission `json:"permission"`
	Description string              `json:"description"`
	RequestedAt time.Time           `json:"requestedAt"`
}

// Prompter asks the user to confirm a permission request
type Prompter interface {
	Confirm(ctx context.Context, prompt Prompt) (bool, error)
}

// PrompterFunc adapts a function to the Prompter interface
type PrompterFunc func(ctx context.Context, prompt Prompt) (bool, error)

// Confirm implements Prompter
func (f PrompterFunc) Confirm(ctx context.Context, prompt Prompt) (bool, error) {
	return f(ctx, prompt)
}

// StaticPrompter answers every prompt the same way. Used for headless hosts.
type StaticPrompter struct {
	Allow bool
}

// Confirm implements Prompter
func (s StaticPrompter) Confirm(ctx context.Context, prompt Prompt) (bool, error) {
	log.Debug().
		Str("plugin_id", prompt.PluginID).
		Str("permission", string(prompt.Permission)).
		Bool("allow", s.Allow).
		Msg("Permission answered by static policy")
	return s.Allow, nil
}

// CLIPrompter asks for confirmation on a terminal.
// Prompts are serialized so concurrent requests never interleave on screen.
type CLIPrompter struct {
	writer io.Writer

	mu       sync.Mutex
	lines    chan string
	startOne sync.Once
	reader   *bufio.Reader
}

// NewCLIPrompter creates a prompter reading answers from reader
func NewCLIPrompter(reader io.Reader, writer io.Writer) *CLIPrompter {
	return &CLIPrompter{
		writer: writer,
		reader: bufio.NewReader(reader),
		lines:  make(chan string),
	}
}

// Confirm implements Prompter
func (c *CLIPrompter) Confirm(ctx context.Context, prompt Prompt) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startOne.Do(func() { go c.readLoop() })
	c.display(prompt)

	select {
	case line, ok := <-c.lines:
		if !ok {
			fmt.Fprintln(c.writer, "\n  No input, permission DENIED")
			return false, nil
		}
		return c.interpret(prompt, line), nil
	case <-ctx.Done():
		fmt.Fprintln(c.writer, "\n  Permission request TIMED OUT")
		return false, ctx.Err()
	}
}

func (c *CLIPrompter) readLoop() {
	defer close(c.lines)
	for {
		line, err := c.reader.ReadString('\n')
		if line != "" || err == nil {
			c.lines <- line
		}
		if err != nil {
			return
		}
	}
}

func (c *CLIPrompter) display(prompt Prompt) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "  PERMISSION REQUEST")
	fmt.Fprintf(c.writer, "  Plugin:      %s (%s)\n", prompt.PluginName, prompt.PluginID)
	fmt.Fprintf(c.writer, "  Permission:  %s\n", prompt.Permission)
	fmt.Fprintf(c.writer, "  Details:     %s\n", prompt.Description)
	fmt.Fprint(c.writer, "  Allow? [y/N]: ")
}

func (c *CLIPrompter) interpret(prompt Prompt, line string) bool {
	input := strings.TrimSpace(strings.ToLower(line))
	switch input {
	case "y", "yes":
		fmt.Fprintln(c.writer, "  Permission GRANTED")
		log.Info().
			Str("plugin_id", prompt.PluginID).
			Str("permission", string(prompt.Permission)).
			Msg("Permission approved via CLI")
		return true
	case "n", "no", "":
		fmt.Fprintln(c.writer, "  Permission DENIED")
	default:
		fmt.Fprintf(c.writer, "  Invalid input: %s (defaulting to DENY)\n", input)
		log.Warn().
			Str("plugin_id", prompt.PluginID).
			Str("input", input).
			Msg("Invalid input for permission prompt")
	}
	return false
}
