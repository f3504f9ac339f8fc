// Package stats tracks synchronization run statistics with lock-free
// atomic counters safe for concurrent workers.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector accumulates one run's counters.
type Collector struct {
	filesScanned      atomic.Int64
	copiedToBackup    atomic.Int64
	copiedToMaster    atomic.Int64
	filesDeleted      atomic.Int64
	filesSkipped      atomic.Int64
	filesFailed       atomic.Int64
	conflictsSeen     atomic.Int64
	conflictsResolved atomic.Int64
	bytesCopied       atomic.Int64
	startTime         time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) AddFilesScanned(n int64)      { c.filesScanned.Add(n) }
func (c *Collector) AddCopiedToBackup(n int64)    { c.copiedToBackup.Add(n) }
func (c *Collector) AddCopiedToMaster(n int64)    { c.copiedToMaster.Add(n) }
func (c *Collector) AddFilesDeleted(n int64)      { c.filesDeleted.Add(n) }
func (c *Collector) AddFilesSkipped(n int64)      { c.filesSkipped.Add(n) }
func (c *Collector) AddFilesFailed(n int64)       { c.filesFailed.Add(n) }
func (c *Collector) AddConflictsSeen(n int64)     { c.conflictsSeen.Add(n) }
func (c *Collector) AddConflictsResolved(n int64) { c.conflictsResolved.Add(n) }
func (c *Collector) AddBytesCopied(n int64)       { c.bytesCopied.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesScanned      int64
	CopiedToBackup    int64
	CopiedToMaster    int64
	FilesDeleted      int64
	FilesSkipped      int64
	FilesFailed       int64
	ConflictsSeen     int64
	ConflictsResolved int64
	BytesCopied       int64
	Elapsed           time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesScanned:      c.filesScanned.Load(),
		CopiedToBackup:    c.copiedToBackup.Load(),
		CopiedToMaster:    c.copiedToMaster.Load(),
		FilesDeleted:      c.filesDeleted.Load(),
		FilesSkipped:      c.filesSkipped.Load(),
		FilesFailed:       c.filesFailed.Load(),
		ConflictsSeen:     c.conflictsSeen.Load(),
		ConflictsResolved: c.conflictsResolved.Load(),
		BytesCopied:       c.bytesCopied.Load(),
		Elapsed:           c.Elapsed(),
	}
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// FilesCopied is the total moved in either direction.
func (s Snapshot) FilesCopied() int64 {
	return s.CopiedToBackup + s.CopiedToMaster
}

// Changed reports whether the run altered either tree.
func (s Snapshot) Changed() bool {
	return s.FilesCopied() > 0 || s.FilesDeleted > 0
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"scanned=%d copied=%d deleted=%d skipped=%d conflicts=%d failed=%d bytes=%d",
		s.FilesScanned, s.FilesCopied(), s.FilesDeleted, s.FilesSkipped,
		s.ConflictsSeen, s.FilesFailed, s.BytesCopied,
	)
}
