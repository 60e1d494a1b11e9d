package installer

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInstalled is returned when installing an identity the catalog already holds
	ErrAlreadyInstalled = errors.New("plugin already installed")

	// ErrNotFound is returned when updating or removing an identity the catalog does not hold
	ErrNotFound = errors.New("plugin not installed")

	// ErrUnsafeArchive is returned for archives with entries that would land outside the staging directory
	ErrUnsafeArchive = errors.New("archive entry escapes extraction directory")

	// ErrIdentityMismatch is returned when an update package declares a different plugin
	ErrIdentityMismatch = errors.New("package declares a different plugin")
)

// TransactionError is an install or update that failed after it started
// writing. Rollback has already run; RollbackErr holds its failure, if any.
type TransactionError struct {
	Op          string
	ID          string
	Err         error
	RollbackErr error
}

// Error implements the error interface
func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

// Unwrap returns the original failure
func (e *TransactionError) Unwrap() error {
	return e.Err
}
