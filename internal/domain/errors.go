package domain

import "errors"

// Error kinds shared by every pipeline component. Concrete errors wrap one of
// these so callers can branch with errors.Is.
var (
	// ErrValidation marks malformed input; never retried.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a create for an order id that already exists.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks a failure that may succeed on retry.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks a failure that will never succeed on retry.
	ErrPermanent = errors.New("permanent failure")
	// ErrCapacity marks an oversized payload or a full queue.
	ErrCapacity = errors.New("capacity exceeded")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

func wrapKind(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, err: err}
}

// Transient tags err as retryable. A nil err stays nil.
func Transient(err error) error { return wrapKind(ErrTransient, err) }

// Permanent tags err as not retryable. A nil err stays nil.
func Permanent(err error) error { return wrapKind(ErrPermanent, err) }

// IsRetryable reports whether err is worth retrying. Validation, conflict,
// capacity and permanent errors are not; untagged errors are treated as
// transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, k := range []error{ErrValidation, ErrConflict, ErrCapacity, ErrPermanent} {
		if errors.Is(err, k) {
			return false
		}
	}
	return true
}
