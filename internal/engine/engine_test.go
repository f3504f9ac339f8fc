package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsakefs/keepsake/internal/event"
	"github.com/keepsakefs/keepsake/internal/group"
)

func TestSynchronize_NewFile(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFile(t, g.MasterRoot, "docs/report.txt", "quarterly numbers")

	events := make(chan event.Event, 64)
	res, err := s.Synchronize(context.Background(), g, Config{Events: events})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(1), res.Stats.CopiedToBackup)
	assert.Equal(t, "quarterly numbers", readFile(t, g.BackupRoot, "docs/report.txt"))

	entry, ok, err := s.Store().Lookup(g.ID, "docs/report.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, entry.Checksum, 64)
	assert.Equal(t, int64(len("quarterly numbers")), entry.Size)

	evs := drainEvents(events)
	require.NotEmpty(t, evs)
	assert.Equal(t, event.SyncStarted, evs[0].Type)
	assert.Equal(t, event.SyncCompleted, evs[len(evs)-1].Type)
	copied := eventsOfType(evs, event.FileCopied)
	require.Len(t, copied, 1)
	assert.Equal(t, "docs/report.txt", copied[0].Path)
	assert.Equal(t, event.ToBackup, copied[0].Direction)

	assert.Empty(t, findTmpFiles(t, g.BackupRoot))
}

func TestSynchronize_UnchangedFileSkipped(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFile(t, g.MasterRoot, "a.txt", "stable content")

	_, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Zero(t, res.Stats.CopiedToBackup)
	assert.Equal(t, int64(1), res.Stats.FilesSkipped)
}

func TestSynchronize_MasterEdit(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFileAt(t, g.MasterRoot, "a.txt", "first draft", diffBase)

	_, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	writeFileAt(t, g.MasterRoot, "a.txt", "second draft, longer", diffBase.Add(time.Hour))
	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Stats.CopiedToBackup)
	assert.Equal(t, "second draft, longer", readFile(t, g.BackupRoot, "a.txt"))
}

func TestSynchronize_BackupDriftRepaired(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFileAt(t, g.MasterRoot, "a.txt", "authoritative", diffBase)

	_, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	// Someone edits the replica directly; the mirror puts it back.
	writeFileAt(t, g.BackupRoot, "a.txt", "tampered copy!!", diffBase.Add(time.Hour))
	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Stats.CopiedToBackup)
	assert.Equal(t, "authoritative", readFile(t, g.BackupRoot, "a.txt"))
	assert.Empty(t, res.Conflicts)
}

func TestSynchronize_Excludes(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	g.Excludes = []string{"*.log", "cache/"}
	writeFile(t, g.MasterRoot, "keep.txt", "kept")
	writeFile(t, g.MasterRoot, "debug.log", "noise")
	writeFile(t, g.MasterRoot, "cache/blob", "noise")

	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Stats.CopiedToBackup)
	assert.True(t, fileExists(t, g.BackupRoot, "keep.txt"))
	assert.False(t, fileExists(t, g.BackupRoot, "debug.log"))
	assert.False(t, fileExists(t, g.BackupRoot, "cache"))
}

func TestSynchronize_DeletionPropagation(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	g.PropagateDeletes = true
	writeFile(t, g.MasterRoot, "sub/old.txt", "doomed")
	writeFile(t, g.MasterRoot, "keep.txt", "stays")

	_, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)
	require.True(t, fileExists(t, g.BackupRoot, "sub/old.txt"))

	require.NoError(t, os.RemoveAll(filepath.Join(g.MasterRoot, "sub")))
	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Stats.FilesDeleted)
	assert.False(t, fileExists(t, g.BackupRoot, "sub/old.txt"))
	assert.False(t, fileExists(t, g.BackupRoot, "sub"), "emptied directory should be pruned")
	assert.True(t, fileExists(t, g.BackupRoot, "keep.txt"))

	_, ok, err := s.Store().Lookup(g.ID, "sub/old.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSynchronize_DeletionKeptWithoutPropagation(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFile(t, g.MasterRoot, "old.txt", "kept on backup")

	_, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(g.MasterRoot, "old.txt")))
	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	assert.Zero(t, res.Stats.FilesDeleted)
	assert.True(t, fileExists(t, g.BackupRoot, "old.txt"))

	// The stale row is dropped so the stray copy stops being tracked.
	_, ok, err := s.Store().Lookup(g.ID, "old.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSynchronize_BidirectionalNewBackupFile(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	g.Mode = group.Bidirectional
	writeFile(t, g.BackupRoot, "notes/from-backup.txt", "written on the far side")

	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Stats.CopiedToMaster)
	assert.Equal(t, "written on the far side", readFile(t, g.MasterRoot, "notes/from-backup.txt"))
}

func TestSynchronize_ConflictKeepMaster(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	g.Mode = group.Bidirectional
	g.Policy = group.KeepMaster
	writeFileAt(t, g.MasterRoot, "doc.txt", "base version", diffBase)

	_, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	writeFileAt(t, g.MasterRoot, "doc.txt", "master's edit wins", diffBase.Add(time.Hour))
	writeFileAt(t, g.BackupRoot, "doc.txt", "backup edit", diffBase.Add(2*time.Hour))

	events := make(chan event.Event, 64)
	res, err := s.Synchronize(context.Background(), g, Config{Events: events})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ConflictModifiedBoth, res.Conflicts[0].Kind)
	assert.Equal(t, int64(1), res.Stats.ConflictsResolved)
	assert.Equal(t, "master's edit wins", readFile(t, g.BackupRoot, "doc.txt"))
	assert.Equal(t, "master's edit wins", readFile(t, g.MasterRoot, "doc.txt"))

	evs := drainEvents(events)
	assert.Len(t, eventsOfType(evs, event.ConflictDetected), 1)
	assert.Len(t, eventsOfType(evs, event.ConflictResolved), 1)
}

func TestSynchronize_ConflictManualThenResolve(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	g.Mode = group.Bidirectional
	g.Policy = group.Manual
	writeFileAt(t, g.MasterRoot, "doc.txt", "base version", diffBase)

	_, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	writeFileAt(t, g.MasterRoot, "doc.txt", "master change", diffBase.Add(time.Hour))
	writeFileAt(t, g.BackupRoot, "doc.txt", "backup change, longer", diffBase.Add(2*time.Hour))

	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompletedWithErrors, res.Status)
	require.Len(t, res.Conflicts, 1)
	// Manual policy leaves both sides untouched.
	assert.Equal(t, "master change", readFile(t, g.MasterRoot, "doc.txt"))
	assert.Equal(t, "backup change, longer", readFile(t, g.BackupRoot, "doc.txt"))

	require.NoError(t, s.ResolveConflict(context.Background(), g, "doc.txt", group.KeepBackup))
	assert.Equal(t, "backup change, longer", readFile(t, g.MasterRoot, "doc.txt"))

	// Once settled, resolving again reports nothing to do.
	err = s.ResolveConflict(context.Background(), g, "doc.txt", group.KeepBackup)
	assert.ErrorIs(t, err, ErrConflictUnresolved)
}

func TestSynchronize_ConflictKeepBoth(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	g.Mode = group.Bidirectional
	g.Policy = group.KeepBoth
	writeFileAt(t, g.MasterRoot, "doc.txt", "base version", diffBase)

	_, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	writeFileAt(t, g.MasterRoot, "doc.txt", "master side change", diffBase.Add(time.Hour))
	writeFileAt(t, g.BackupRoot, "doc.txt", "backup side change!", diffBase.Add(2*time.Hour))

	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	// Canonical path carries the master version on both sides.
	assert.Equal(t, "master side change", readFile(t, g.MasterRoot, "doc.txt"))
	assert.Equal(t, "master side change", readFile(t, g.BackupRoot, "doc.txt"))

	// The backup's divergent copy survives under a conflict name in
	// both trees.
	matches, err := filepath.Glob(filepath.Join(g.BackupRoot, "doc.txt.conflict-*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	conflictRel := filepath.Base(matches[0])
	assert.Equal(t, "backup side change!", readFile(t, g.BackupRoot, conflictRel))
	assert.Equal(t, "backup side change!", readFile(t, g.MasterRoot, conflictRel))
}

func TestSynchronize_TypeMismatchMirror(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFile(t, g.MasterRoot, "thing", "now a file")
	writeFile(t, g.BackupRoot, "thing/leftover.txt", "old layout")

	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "now a file", readFile(t, g.BackupRoot, "thing"))
}

func TestSynchronize_PerFileErrorsDoNotAbort(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFile(t, g.MasterRoot, "readable.txt", "fine")
	writeFile(t, g.MasterRoot, "locked.txt", "no access")
	require.NoError(t, os.Chmod(filepath.Join(g.MasterRoot, "locked.txt"), 0o000))

	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompletedWithErrors, res.Status)
	assert.Equal(t, int64(1), res.Stats.FilesFailed)
	require.Len(t, res.FileErrors, 1)
	assert.Equal(t, "locked.txt", res.FileErrors[0].Path)
	assert.True(t, fileExists(t, g.BackupRoot, "readable.txt"))
	assert.Error(t, res.Err)
}

func TestSynchronize_PathUnavailable(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	require.NoError(t, os.RemoveAll(g.MasterRoot))

	res, err := s.Synchronize(context.Background(), g, Config{})
	require.ErrorIs(t, err, ErrPathUnavailable)
	assert.Equal(t, StatusAborted, res.Status)
}

func TestSynchronize_SingleFlight(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)

	require.True(t, s.flights.tryAcquire(g.ID))
	defer s.flights.release(g.ID)

	_, err := s.Synchronize(context.Background(), g, Config{})
	assert.ErrorIs(t, err, ErrSyncInFlight)
	assert.True(t, s.Busy(g.ID))
}

func TestSynchronize_Cancellation(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	g.Workers = 1
	g.BandwidthLimit = 64 * 1024
	payload := strings.Repeat("x", 64*1024)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		writeFile(t, g.MasterRoot, name+".bin", payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := s.Synchronize(ctx, g, Config{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Less(t, res.Stats.CopiedToBackup, int64(6), "run should stop before finishing")
	assert.Empty(t, findTmpFiles(t, g.BackupRoot), "no partial files after cancellation")
}

func TestSynchronize_DryRun(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFile(t, g.MasterRoot, "pending.txt", "not yet copied")

	res, err := s.Synchronize(context.Background(), g, Config{DryRun: true})
	require.NoError(t, err)

	require.Len(t, res.Planned, 1)
	assert.Equal(t, OpCopyToBackup, res.Planned[0].Op)
	assert.Equal(t, "pending.txt", res.Planned[0].Path)
	assert.False(t, fileExists(t, g.BackupRoot, "pending.txt"))

	// Ledger only records real runs.
	runs, err := s.Store().Runs(g.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSynchronize_TmpFilesIgnored(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFile(t, g.MasterRoot, "real.txt", "content")
	writeFile(t, g.MasterRoot, ".stale.abc12345"+TmpSuffix, "leftover")

	res, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Stats.CopiedToBackup)
	assert.False(t, fileExists(t, g.BackupRoot, ".stale.abc12345"+TmpSuffix))
}

func TestSynchronize_RunLedger(t *testing.T) {
	s := newTestSync(t)
	g := newTestGroup(t)
	writeFile(t, g.MasterRoot, "a.txt", "content")

	_, err := s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)
	_, err = s.Synchronize(context.Background(), g, Config{})
	require.NoError(t, err)

	runs, err := s.Store().Runs(g.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// Newest first.
	assert.Equal(t, int64(0), runs[0].Copied)
	assert.Equal(t, int64(1), runs[1].Copied)
	assert.Equal(t, "completed", runs[0].Status)
}
