package extractcache

import (
	"errors"
	"fmt"
)

// Kind classifies cache errors for propagation policy and error counters.
type Kind string

const (
	// KindPermissionDenied means path validation failed.
	KindPermissionDenied Kind = "permission_denied"
	// KindSourceMissing means the input file does not exist.
	KindSourceMissing Kind = "source_missing"
	// KindIntegrityFault means stored blob content could not be read back
	// intact.
	KindIntegrityFault Kind = "integrity_fault"
	// KindStorageFailure means a metadata or blob I/O error.
	KindStorageFailure Kind = "storage_failure"
	// KindProcessingError means the user processor failed.
	KindProcessingError Kind = "processing_error"
	// KindConfigInvalid means a construction-time configuration violation.
	KindConfigInvalid Kind = "config_invalid"
)

// Error is a cache error carrying its taxonomy kind.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error of the given kind. The format string supports %w
// wrapping.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or the empty string if err carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
