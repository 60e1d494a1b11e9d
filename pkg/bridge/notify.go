package bridge

import (
	"context"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog"
)

// LogNotifier writes notifications to the host log
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	n.logger.Info().
		Str("plugin_id", note.PluginID).
		Str("plugin_name", note.PluginName).
		Str("title", note.Title).
		Str("body", note.Body).
		Msg("Plugin notification")
	return nil
}

// SystemClipboard is the host clipboard
type SystemClipboard struct{}

// ReadText implements Clipboard
func (SystemClipboard) ReadText() (string, error) {
	return clipboard.ReadAll()
}

// WriteText implements Clipboard
func (SystemClipboard) WriteText(text string) error {
	return clipboard.WriteAll(text)
}
