package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range opsPerGoroutine {
				c.AddFilesScanned(1)
				c.AddCopiedToBackup(1)
				c.AddFilesFailed(1)
				c.AddFilesSkipped(1)
				c.AddBytesCopied(256)
				c.AddConflictsSeen(1)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	expected := int64(goroutines * opsPerGoroutine)
	assert.Equal(t, expected, s.FilesScanned)
	assert.Equal(t, expected, s.CopiedToBackup)
	assert.Equal(t, expected, s.FilesFailed)
	assert.Equal(t, expected, s.FilesSkipped)
	assert.Equal(t, expected*256, s.BytesCopied)
	assert.Equal(t, expected, s.ConflictsSeen)
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.AddFilesScanned(10)
	c.AddCopiedToBackup(3)
	c.AddCopiedToMaster(1)
	c.AddFilesDeleted(2)
	c.AddConflictsResolved(1)

	s := c.Snapshot()
	assert.Equal(t, int64(4), s.FilesCopied())
	assert.Equal(t, int64(1), s.ConflictsResolved)
	assert.True(t, s.Changed())
	assert.GreaterOrEqual(t, s.Elapsed, time.Duration(0))
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{
		FilesScanned:   10,
		CopiedToBackup: 7,
		CopiedToMaster: 1,
		FilesDeleted:   1,
		FilesSkipped:   1,
		ConflictsSeen:  2,
		FilesFailed:    1,
		BytesCopied:    4096,
	}
	expected := "scanned=10 copied=8 deleted=1 skipped=1 conflicts=2 failed=1 bytes=4096"
	assert.Equal(t, expected, s.String())
}

func TestChangedFalseForNoOpRun(t *testing.T) {
	c := NewCollector()
	c.AddFilesScanned(100)
	c.AddFilesSkipped(100)
	assert.False(t, c.Snapshot().Changed())
}
