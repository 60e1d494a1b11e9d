package sandbox

import "errors"

var (
	// ErrAlreadyRunning is returned when a plugin already owns a sandbox window
	ErrAlreadyRunning = errors.New("plugin is already running")

	// ErrNotRunning is returned when an operation needs a running plugin
	ErrNotRunning = errors.New("plugin is not running")

	// ErrNoBackend is returned when the manager has no window backend
	ErrNoBackend = errors.New("no window backend configured")

	// ErrBinaryEntry is returned when the entry point is not textual content
	ErrBinaryEntry = errors.New("entry point is not text content")

	// ErrWindowClosed is returned by windows that were already closed
	ErrWindowClosed = errors.New("window is closed")

	// ErrShutdown is returned once the manager has been shut down
	ErrShutdown = errors.New("sandbox manager is shut down")
)
