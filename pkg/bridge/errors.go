package bridge

import (
	"errors"
)

var (
	// ErrUnknownCaller is returned when a handle maps to no registered window
	ErrUnknownCaller = errors.New("unknown caller")

	// ErrPermissionDenied is returned when the caller lacks the required grant
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPathEscape is returned when a filesystem path resolves outside the data directory
	ErrPathEscape = errors.New("path escapes plugin data directory")

	// ErrRateLimited is returned when a plugin exceeds its call budget
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnknownMethod is returned for methods the bridge does not expose
	ErrUnknownMethod = errors.New("unknown method")

	// ErrInvalidParams is returned when call parameters cannot be decoded
	ErrInvalidParams = errors.New("invalid params")
)

// Error is a refused or failed capability call
type Error struct {
	Method string
	Err    error
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Method + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the stable error code exposed to plugin code
func (e *Error) Code() string {
	return CodeOf(e.Err)
}

// CodeOf maps an error to the code string plugins see
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCaller):
		return "UNKNOWN_CALLER"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrPathEscape):
		return "PATH_ESCAPE"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrUnknownMethod):
		return "UNKNOWN_METHOD"
	case errors.Is(err, ErrInvalidParams):
		return "INVALID_PARAMS"
	default:
		return "OPERATION_FAILED"
	}
}

// RPCCode maps an error to a JSON-RPC error code
func RPCCode(err error) int {
	switch {
	case errors.Is(err, ErrUnknownCaller):
		return UnknownCaller
	case errors.Is(err, ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, ErrPathEscape):
		return PathEscape
	case errors.Is(err, ErrRateLimited):
		return RateLimitExceeded
	case errors.Is(err, ErrUnknownMethod):
		return MethodNotFound
	case errors.Is(err, ErrInvalidParams):
		return InvalidParams
	default:
		return InternalError
	}
}

func refuse(method string, err error) error {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return err
	}
	return &Error{Method: method, Err: err}
}
