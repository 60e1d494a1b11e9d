package manifest

import (
	"errors"
	"strings"
)

// ErrInvalidManifest is matched by every ValidationErrors value via errors.Is
var ErrInvalidManifest = errors.New("invalid manifest")

// ValidationError describes one problem found in a manifest
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ValidationErrors is the accumulated list of manifest problems
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "invalid manifest: " + strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidManifest) match
func (v ValidationErrors) Is(target error) bool {
	return target == ErrInvalidManifest
}

// Err returns nil when there are no errors
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Fields returns the field names that failed, in order
func (v ValidationErrors) Fields() []string {
	fields := make([]string, len(v))
	for i, e := range v {
		fields[i] = e.Field
	}
	return fields
}

func (v *ValidationErrors) add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}
