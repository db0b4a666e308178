// Package errs defines the error taxonomy the coordinator exposes to
// callers. Store-specific errors are wrapped into one of these kinds at the
// adapter boundary so that user-visible failures are never raw store errors.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers deciding on retry and status mapping.
type Kind int

const (
	// KindUnknown is the zero value for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindValidation marks bad input; never retried.
	KindValidation
	// KindNotFound marks a missing or non-active record.
	KindNotFound
	// KindAccessDenied marks a failed ACL check.
	KindAccessDenied
	// KindIntegrity marks a hash or ledger mismatch; always fatal to the
	// operation and logged for audit.
	KindIntegrity
	// KindBlobUnavailable marks a transient blob store failure; retryable.
	KindBlobUnavailable
	// KindBlobMissing marks content absent from the blob store; data loss,
	// not retryable.
	KindBlobMissing
	// KindLedgerUnavailable marks a transient ledger failure; retryable.
	KindLedgerUnavailable
	// KindLedgerRejected marks a ledger rejection, e.g. a malformed
	// payload; not retryable.
	KindLedgerRejected
	// KindConflict marks an optimistic-concurrency loser that did not
	// converge after re-reading.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAccessDenied:
		return "access_denied"
	case KindIntegrity:
		return "integrity_violation"
	case KindBlobUnavailable:
		return "blob_unavailable"
	case KindBlobMissing:
		return "blob_missing"
	case KindLedgerUnavailable:
		return "ledger_unavailable"
	case KindLedgerRejected:
		return "ledger_rejected"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and the operation that produced it.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, unwrapping as needed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindBlobUnavailable, KindLedgerUnavailable, KindConflict:
		return true
	default:
		return false
	}
}
