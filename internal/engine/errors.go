package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrPathUnavailable means a sync root is missing, unreadable, or
	// not writable. It is fatal for the run.
	ErrPathUnavailable = errors.New("sync root unavailable")

	// ErrSyncInFlight is returned when a group already has a run in
	// progress. Callers decide whether to drop, report, or retry later.
	ErrSyncInFlight = errors.New("sync already in flight for group")

	// ErrConflictUnresolved is returned by ResolveConflict when the
	// named path no longer carries the conflict it is asked to settle.
	ErrConflictUnresolved = errors.New("path is not in conflict")
)

// FileError records a single file's failure without aborting the run.
type FileError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Status is the terminal state of a run.
type Status int

const (
	StatusCompleted Status = iota + 1
	StatusCompletedWithErrors
	StatusAborted
	StatusCancelled
)

var statusNames = [...]string{
	StatusCompleted:           "completed",
	StatusCompletedWithErrors: "completed-with-errors",
	StatusAborted:             "aborted",
	StatusCancelled:           "cancelled",
}

func (s Status) String() string {
	if s > 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// aggregate folds per-file errors into one, keeping the first and the
// count of the rest.
func aggregate(errs []FileError) error {
	if len(errs) == 0 {
		return nil
	}
	first := &errs[0]
	if len(errs) == 1 {
		return first
	}
	return fmt.Errorf("%w (and %d more errors)", first, len(errs)-1)
}
