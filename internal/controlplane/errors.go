package controlplane

import (
	"context"
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/imamik/customapp-operator/internal/util/retry"
)

// ErrorClass is the retry category of a failed attempt.
type ErrorClass int

const (
	// ClassNone is returned for a nil error.
	ClassNone ErrorClass = iota
	// ClassTransient failures are retried with backoff.
	ClassTransient
	// ClassConflict failures mean our view was stale; retried immediately after a fresh read.
	ClassConflict
	// ClassTerminal failures will not be fixed by retrying the same input.
	ClassTerminal
	// ClassFatal failures indicate a bug or a broken invariant.
	ClassFatal
	// ClassCanceled attempts were stopped by shutdown or loss of leadership.
	ClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassConflict:
		return "conflict"
	case ClassTerminal:
		return "terminal"
	case ClassFatal:
		return "fatal"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ErrConflict is returned when a conditional write is rejected locally
// because the cached object is already newer than the expected version.
var ErrConflict = errors.New("resource version conflict")

// unresolvedConflict is a conflict that a fresh read did not explain: the
// server holds the same version the write was computed from.
type unresolvedConflict struct {
	err error
}

func (e *unresolvedConflict) Error() string {
	return e.err.Error() + " (no newer state to retry from)"
}

func (e *unresolvedConflict) Unwrap() error {
	return e.err
}

// UnresolvedConflict marks err as a conflict that retrying at once would
// only repeat. Classify reports it as transient so it is retried with backoff.
func UnresolvedConflict(err error) error {
	if err == nil {
		return nil
	}
	return &unresolvedConflict{err: err}
}

// Classify maps an error to its retry category.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case retry.IsFatal(err):
		return ClassFatal
	case isUnresolvedConflict(err):
		return ClassTransient
	case errors.Is(err, ErrConflict), apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return ClassConflict
	case retry.IsTerminal(err),
		apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsMethodNotSupported(err),
		apierrors.IsRequestEntityTooLargeError(err):
		return ClassTerminal
	default:
		return ClassTransient
	}
}

func isUnresolvedConflict(err error) bool {
	var u *unresolvedConflict
	return errors.As(err, &u)
}
