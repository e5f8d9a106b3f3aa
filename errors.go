package optcache

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNoFetcher is returned by Fetch/Refresh when no Fetcher is wired.
	ErrNoFetcher = errors.New("optcache: no fetcher configured")

	// ErrNoSubmitter is returned by Run when no Submitter is wired.
	ErrNoSubmitter = errors.New("optcache: no submitter configured")

	// ErrNoSource is returned by Subscribe when no Source is wired.
	ErrNoSource = errors.New("optcache: no source configured")

	// ErrClosed is returned for operations on a closed cache.
	ErrClosed = errors.New("optcache: closed")
)

// FetchError wraps a remote query failure. Transient: the cache keeps its
// last-known value and the caller owns the retry policy (see the retry
// package).
type FetchError struct {
	Key Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q failed: %v", e.Key.String(), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SubmitError wraps a remote submission failure. The mutation's speculation
// has already been rolled back when this is returned.
type SubmitError struct {
	ID   uuid.UUID
	Kind string
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s (%s) failed: %v", e.ID, e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// RegistrationError wraps a push-feed setup failure, surfaced synchronously
// at Subscribe time. Falling back to polling is the caller's choice.
type RegistrationError struct {
	Key Key
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("feed registration %q failed: %v", e.Key.String(), e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// RollbackError reports per-key restore failures during a rollback. The
// rollback still restored every key it could.
type RollbackError struct {
	ID   uuid.UUID
	Errs []error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback %s: %d key(s) failed to restore: %v", e.ID, len(e.Errs), errors.Join(e.Errs...))
}

func (e *RollbackError) Unwrap() []error { return e.Errs }
