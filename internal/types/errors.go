package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies quality errors so callers can decide whether to
// fix their input, refresh and retry, or report a fault, without parsing
// message text.
type ErrorKind string

const (
	// KindValidation means the request itself is malformed: bad
	// thresholds, missing notes, a primary outside the selection.
	KindValidation ErrorKind = "validation"

	// KindConflict means the request was well formed but the current
	// state forbids it, typically a group someone already decided.
	KindConflict ErrorKind = "conflict"

	// KindNotFound means a referenced ticket, group or audit entry
	// does not exist.
	KindNotFound ErrorKind = "not_found"

	// KindReferenceIntegrity means the operation would break the
	// reversal chain: evicting a referenced entry, reversing an entry
	// that is not reversible.
	KindReferenceIntegrity ErrorKind = "reference_integrity"

	// KindStorage means the persistent store failed. Nothing was
	// committed.
	KindStorage ErrorKind = "storage"
)

// QualityError is a classified error returned by the engine. It wraps
// the underlying error so errors.Is and errors.As still reach it.
type QualityError struct {
	Kind ErrorKind
	Err  error
}

func (e *QualityError) Error() string { return e.Err.Error() }

func (e *QualityError) Unwrap() error { return e.Err }

// ValidationError creates a validation error.
func ValidationError(format string, args ...any) *QualityError {
	return &QualityError{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// ConflictError creates a conflict error.
func ConflictError(format string, args ...any) *QualityError {
	return &QualityError{Kind: KindConflict, Err: fmt.Errorf(format, args...)}
}

// NotFoundError creates a not-found error.
func NotFoundError(format string, args ...any) *QualityError {
	return &QualityError{Kind: KindNotFound, Err: fmt.Errorf(format, args...)}
}

// ReferenceIntegrityError creates a reference-integrity error.
func ReferenceIntegrityError(format string, args ...any) *QualityError {
	return &QualityError{Kind: KindReferenceIntegrity, Err: fmt.Errorf(format, args...)}
}

// StorageError wraps a store failure. A nil err returns nil, and an err
// that is already a QualityError is returned as is.
func StorageError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var qe *QualityError
	if errors.As(err, &qe) {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	return &QualityError{Kind: KindStorage, Err: fmt.Errorf("%s: %w", msg, err)}
}

// ErrorKindOf returns the kind of the first QualityError in err's chain.
// Unclassified errors report KindStorage since they can only come from
// below the engine.
func ErrorKindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var qe *QualityError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindStorage
}

// IsKind reports whether err is a QualityError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var qe *QualityError
	return errors.As(err, &qe) && qe.Kind == kind
}
