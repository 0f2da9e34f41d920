package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Per-entity kinds (fetch, empty history) are recorded and the
// run continues; storage and schema kinds abort the run.
var (
	ErrFetchFailed  = errors.New("fetch failed")
	ErrEmptyHistory = errors.New("empty history")
	ErrSampleTooFar = errors.New("sample too far from midnight")
	ErrPersistence  = errors.New("persistence error")
	ErrSchema       = errors.New("schema error")
)

// FetchError is returned by the market-data gateway once its internal retries
// are exhausted.
type FetchError struct {
	EntityID   string
	StatusCode int // last HTTP status, 0 for transport errors
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d after %d attempt(s): %v", e.EntityID, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s after %d attempt(s): %v", e.EntityID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches ErrFetchFailed.
func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }

// PersistenceError wraps a failure of the backing medium.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// SchemaError reports required columns missing from a loaded source.
type SchemaError struct {
	Source  string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: missing required column(s): %s", e.Source, strings.Join(e.Missing, ", "))
}

// Is matches ErrSchema.
func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrSchema)
}
