package engine

import (
	"errors"
	"fmt"

	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

var (
	// ErrNotBound is returned by operations on an engine with no bound user.
	ErrNotBound = errors.New("engine: not bound to a user")

	// ErrStaleFetchDiscarded marks a fetch whose result arrived after its
	// period was invalidated or refreshed by a newer fetch. It never reaches
	// callers; it is only logged.
	ErrStaleFetchDiscarded = errors.New("engine: stale fetch discarded")

	errMissingSessionID = errors.New("payment event without session id")
	errUndatedSession   = errors.New("session has no valid date")
)

// RemoteFetchError wraps a failure of the remote data source. The cache is
// left unchanged when one is returned.
type RemoteFetchError struct {
	// Op is one of fetch, mutate, delete, get.
	Op     string
	Period model.Period
	ID     string
	Err    error
}

func (e *RemoteFetchError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("remote %s %s: %v", e.Op, e.ID, e.Err)
	case !e.Period.IsZero():
		return fmt.Sprintf("remote %s %s: %v", e.Op, e.Period, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }

// PersistenceError wraps a failure of the snapshot store. It is reported
// through Options.OnDiagnostic and never fails the operation that caused it.
type PersistenceError struct {
	// Op is one of save, load, delete.
	Op     string
	UserID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s (user=%s): %v", e.Op, e.UserID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ChangeFeedDesyncError reports a payment event whose owning session could
// not be placed in a period. Guess is the period that was refetched instead.
type ChangeFeedDesyncError struct {
	SessionID string
	Guess     model.Period
	Err       error
}

func (e *ChangeFeedDesyncError) Error() string {
	return fmt.Sprintf("change feed desync: session %s unresolved, refetching %s: %v", e.SessionID, e.Guess, e.Err)
}

func (e *ChangeFeedDesyncError) Unwrap() error { return e.Err }

// IsRemoteFetchError returns true if err wraps a *RemoteFetchError.
func IsRemoteFetchError(err error) bool {
	var re *RemoteFetchError
	return errors.As(err, &re)
}

// IsPersistenceError returns true if err wraps a *PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsDesyncError returns true if err wraps a *ChangeFeedDesyncError.
func IsDesyncError(err error) bool {
	var de *ChangeFeedDesyncError
	return errors.As(err, &de)
}
