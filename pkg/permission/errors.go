package permission

import "errors"

var (
	// ErrUnknownPermission is returned for names outside the enumerated permission set
	ErrUnknownPermission = errors.New("unknown permission")

	// ErrNoPrompter is returned when a request needs confirmation but no prompter is configured
	ErrNoPrompter = errors.New("no permission prompter configured")
)
