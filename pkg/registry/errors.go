package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNilBuilder is returned by Register when no builder is given.
	ErrNilBuilder = errors.New("registry: nil builder")
	// ErrEmptyKey is returned by Register for an empty key.
	ErrEmptyKey = errors.New("registry: empty key")
)

// NotRegisteredError is returned for keys that were never registered.
type NotRegisteredError struct {
	Key string
}

// Error implements the error interface.
func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("registry: no builder registered for %q", e.Key)
}

// Build stages reported by BuildError.
const (
	StageTransport = "transport"
	StageBuild     = "build"
)

// BuildError wraps a failure while creating the transport or the client of a key.
// The previously built client, if any, stays in place.
type BuildError struct {
	// Key is the registry key being built
	Key string

	// Stage is StageTransport or StageBuild
	Stage string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("registry: %s stage failed for %q: %v", e.Stage, e.Key, e.Cause)
}

// Unwrap returns the underlying error for error chain support.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// IsNotRegistered reports whether err is a NotRegisteredError.
func IsNotRegistered(err error) bool {
	var nr *NotRegisteredError
	return errors.As(err, &nr)
}
