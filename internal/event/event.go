// Package event defines the progress events a synchronization run
// emits to observers.
package event

import (
	"time"

	"github.com/keepsakefs/keepsake/internal/stats"
)

// Type identifies the kind of event.
type Type int

const (
	SyncStarted Type = iota + 1
	FileCopied
	FileDeleted
	FileSkipped
	FileFailed
	ConflictDetected
	ConflictResolved
	SyncCompleted
	SyncFailed
	VerifyMismatch
)

var typeNames = [...]string{
	SyncStarted:      "SyncStarted",
	FileCopied:       "FileCopied",
	FileDeleted:      "FileDeleted",
	FileSkipped:      "FileSkipped",
	FileFailed:       "FileFailed",
	ConflictDetected: "ConflictDetected",
	ConflictResolved: "ConflictResolved",
	SyncCompleted:    "SyncCompleted",
	SyncFailed:       "SyncFailed",
	VerifyMismatch:   "VerifyMismatch",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Direction reports which way a file moved.
type Direction int

const (
	ToBackup Direction = iota + 1
	ToMaster
)

func (d Direction) String() string {
	switch d {
	case ToBackup:
		return "master→backup"
	case ToMaster:
		return "backup→master"
	}
	return "?"
}

// Event is a single progress notification. Delivery is best-effort:
// emitters never block on a slow observer.
type Event struct {
	Type      Type
	Timestamp time.Time
	Group     string
	Path      string // relative path
	Direction Direction
	Bytes     int64 // bytes moved (FileCopied) or file size
	Conflict  string
	Error     error
	Stats     *stats.Snapshot // set on SyncCompleted and SyncFailed
}
