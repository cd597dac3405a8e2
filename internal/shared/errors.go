package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrPrecondition marks failures the operator must fix before retrying,
	// such as a missing warehouse registry.
	ErrPrecondition = errors.New("precondition failed")
	// ErrValidation marks malformed input rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks concurrent-access collisions (held lines, stale versions).
	ErrConflict = errors.New("conflict")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Precondition tags err as a precondition failure.
func Precondition(err error) error { return &kindError{kind: ErrPrecondition, err: err} }

// Validation tags err as a validation failure.
func Validation(err error) error { return &kindError{kind: ErrValidation, err: err} }

// Conflict tags err as a concurrency conflict.
func Conflict(err error) error { return &kindError{kind: ErrConflict, err: err} }

// NotFound tags err as a missing resource.
func NotFound(err error) error { return &kindError{kind: ErrNotFound, err: err} }

// IsUserError reports whether err carries one of the operator-facing kinds.
func IsUserError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound)
}

// UserSafeMessage returns a message that may be shown to station operators.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUserError(err):
		return err.Error()
	default:
		return "internal error, please retry"
	}
}
