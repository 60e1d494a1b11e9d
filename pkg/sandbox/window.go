package sandbox

import (
	"context"
	"encoding/json"
)

// Document is the resolved, loadable surface of a plugin
type Document struct {
	PluginID  string
	BaseDir   string
	EntryPath string
	MimeType  string
	HTML      string

	// Wrapped is set when a bare script entry was embedded in the HTML shell
	Wrapped bool
}

// Message is an inter-plugin payload delivered to a window
type Message struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// EventKind identifies a lifecycle signal raised by a window
type EventKind string

const (
	EventUnresponsive EventKind = "unresponsive"
	EventResponsive   EventKind = "responsive"
	EventCrashed      EventKind = "crashed"
	EventClosed       EventKind = "closed"
)

// WindowEvent is a lifecycle signal consumed by the supervisor
type WindowEvent struct {
	Kind EventKind
	Err  error
}

// Window is one isolated execution context hosting a plugin.
// A window has no privileged access of its own; every capability call goes
// through the Caller given in its WindowSpec.
type Window interface {
	// Load replaces the window's content with doc
	Load(ctx context.Context, doc Document) error

	// Show reveals the window. Called only after Load succeeds.
	Show() error

	// Deliver queues a message for the plugin's onMessage handlers. It never blocks.
	Deliver(msg Message) error

	// Close tears the window down. Events is closed afterwards.
	Close() error

	// Events reports lifecycle signals until the window is gone
	Events() <-chan WindowEvent
}

// Caller is the capability entry point a window routes plugin calls through.
// The handle identifies the calling window and is never chosen by plugin code.
type Caller interface {
	Invoke(ctx context.Context, handle, method string, params json.RawMessage) (any, error)
}

// WindowSpec configures a new window
type WindowSpec struct {
	Handle   string
	PluginID string
	Title    string
	Geometry Geometry
	Caller   Caller
	DataDir  string
	TempDir  string
}

// Backend creates windows
type Backend interface {
	Name() string
	Open(ctx context.Context, spec WindowSpec) (Window, error)
}
