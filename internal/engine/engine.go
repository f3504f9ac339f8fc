// Package engine implements the synchronization core: it diffs a
// group's master and backup trees against the tracking store, plans the
// minimal set of operations, and executes them with a bounded worker
// pool, atomic writes, and optional pipeline transforms.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sys/unix"

	"github.com/keepsakefs/keepsake/internal/checksum"
	"github.com/keepsakefs/keepsake/internal/event"
	"github.com/keepsakefs/keepsake/internal/filter"
	"github.com/keepsakefs/keepsake/internal/group"
	"github.com/keepsakefs/keepsake/internal/pipeline"
	"github.com/keepsakefs/keepsake/internal/stats"
	"github.com/keepsakefs/keepsake/internal/throttle"
	"github.com/keepsakefs/keepsake/internal/tracking"
)

// Synchronizer runs sync passes for storage groups against a shared
// tracking store. At most one run per group is in flight at a time.
type Synchronizer struct {
	store   *tracking.Store
	log     *slog.Logger
	flights flightTable
}

// New creates a Synchronizer. A nil logger falls back to slog.Default.
func New(store *tracking.Store, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{store: store, log: log}
}

// Busy reports whether a run for the group is currently in flight.
func (s *Synchronizer) Busy(groupID string) bool {
	return s.flights.busy(groupID)
}

// Store exposes the tracking store backing this synchronizer.
func (s *Synchronizer) Store() *tracking.Store {
	return s.store
}

// Config adjusts a single run.
type Config struct {
	// Events receives progress notifications; sends never block, so a
	// slow consumer loses events rather than stalling the run. Nil
	// disables delivery.
	Events chan<- event.Event

	// DryRun plans the run and returns it without touching either tree.
	DryRun bool

	// Force re-copies every master file even when its signature matches
	// the tracked state, e.g. after changing pipeline settings.
	Force bool
}

// Result is the outcome of one run.
type Result struct {
	Group      string
	Status     Status
	Stats      stats.Snapshot
	Conflicts  []Conflict
	FileErrors []FileError

	// Planned holds the dry-run plan; empty for real runs.
	Planned []Action

	// Err aggregates per-file failures, or carries the fatal error for
	// aborted and cancelled runs.
	Err error
}

// Synchronize brings the group's backup tree in line with its master
// tree (and the reverse, in bidirectional mode). Fatal conditions come
// back as errors; per-file failures land in Result.FileErrors and do
// not stop the run.
func (s *Synchronizer) Synchronize(ctx context.Context, g *group.Group, cfg Config) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if !s.flights.tryAcquire(g.ID) {
		return nil, fmt.Errorf("%w: %s", ErrSyncInFlight, g.ID)
	}
	defer s.flights.release(g.ID)

	r := &runner{
		sync:       s,
		group:      g,
		cfg:        cfg,
		log:        s.log.With("group", g.ID),
		stats:      stats.NewCollector(),
		started:    time.Now(),
		unresolved: make(map[string]struct{}),
	}
	return r.run(ctx)
}

// runner is the per-run state of one Synchronize call.
type runner struct {
	sync    *Synchronizer
	group   *group.Group
	cfg     Config
	log     *slog.Logger
	stats   *stats.Collector
	started time.Time

	enc   *pipeline.Pipeline
	thr   *throttle.Throttler
	rules *filter.Rules

	mu         sync.Mutex
	conflicts  []Conflict
	fileErrors []FileError
	unresolved map[string]struct{}
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	g := r.group

	if err := r.preflight(); err != nil {
		return r.finish(ctx, StatusAborted, err)
	}

	rules, err := filter.Compile(g.Excludes)
	if err != nil {
		return r.finish(ctx, StatusAborted, fmt.Errorf("exclude patterns: %w", err))
	}
	r.rules = rules

	if opts := pipeline.OptionsFor(g); opts.Enabled() {
		if g.Mode == group.Bidirectional {
			return r.finish(ctx, StatusAborted, errors.New("pipeline transforms require mirror mode"))
		}
		if r.enc, err = pipeline.New(opts); err != nil {
			return r.finish(ctx, StatusAborted, err)
		}
	}
	r.thr = throttle.New(g.BandwidthLimit)

	r.emit(event.Event{Type: event.SyncStarted})
	r.log.Info("sync started",
		"mode", string(g.Mode),
		"master", g.MasterRoot,
		"backup", g.BackupRoot,
		"dry_run", r.cfg.DryRun)

	master, backup, err := r.scanTrees(ctx)
	if err != nil {
		return r.finish(ctx, StatusCancelled, err)
	}
	r.stats.AddFilesScanned(int64(len(master.files) + len(backup.files)))
	r.addFileErrors(master.errs)
	r.addFileErrors(backup.errs)

	tracked, err := r.sync.store.Entries(g.ID)
	if err != nil {
		return r.finish(ctx, StatusAborted, fmt.Errorf("load tracked state: %w", err))
	}

	dopts := diffOptions{
		Mode:             g.Mode,
		PropagateDeletes: g.PropagateDeletes,
		Transforming:     r.enc != nil,
		Force:            r.cfg.Force,
	}
	plan := classifyTree(master, backup, tracked, dopts)
	if plan, err = r.resolveHashes(ctx, plan, dopts); err != nil {
		return r.finish(ctx, StatusCancelled, err)
	}

	if r.cfg.DryRun {
		r.collectConflicts(plan, false)
		res, _ := r.finish(ctx, StatusCompleted, nil)
		res.Planned = plannedActions(plan)
		return res, nil
	}

	exec := r.collectConflicts(plan, true)

	var renames, deletes, copies, forgets []Action
	for _, a := range exec {
		switch a.Op {
		case OpRenameBackup:
			renames = append(renames, a)
		case OpDeleteBackup, OpDeleteMaster:
			deletes = append(deletes, a)
		case OpCopyToBackup, OpCopyToMaster, OpRecord:
			copies = append(copies, a)
		case OpForget:
			forgets = append(forgets, a)
		case OpNone:
			r.stats.AddFilesSkipped(1)
		}
	}

	r.checkFreeSpace(copies)

	for _, a := range renames {
		if ctx.Err() != nil {
			break
		}
		r.execRename(a)
	}
	for _, a := range deletes {
		if ctx.Err() != nil {
			break
		}
		r.execDelete(a)
	}
	r.createDirs(ctx, master, backup)
	r.executeParallel(ctx, copies)
	r.removeOrphanDirs(ctx, master, backup)
	for _, a := range forgets {
		if ctx.Err() != nil {
			break
		}
		if err := r.sync.store.Forget(g.ID, a.Path); err != nil {
			r.fail(a.Path, "forget", err)
		}
	}

	return r.finish(ctx, StatusCompleted, nil)
}

// collectConflicts records every OpConflict in the plan and, when apply
// is set and the group's policy is automatic, expands them into
// resolution actions appended to the returned executable plan.
func (r *runner) collectConflicts(plan []Action, apply bool) []Action {
	g := r.group
	exec := make([]Action, 0, len(plan))
	for _, act := range plan {
		if act.Op != OpConflict {
			exec = append(exec, act)
			continue
		}
		c := *act.Conflict
		r.conflicts = append(r.conflicts, c)
		r.stats.AddConflictsSeen(1)
		r.emit(event.Event{Type: event.ConflictDetected, Path: c.Path, Conflict: string(c.Kind)})
		r.log.Warn("conflict detected", "path", c.Path, "kind", string(c.Kind), "policy", string(g.Policy))

		if !apply || g.Policy == "" || g.Policy == group.Manual {
			r.unresolved[c.Path] = struct{}{}
			continue
		}
		exec = append(exec, resolutionActions(&c, g.Policy, g.BackupRoot, time.Now())...)
		r.stats.AddConflictsResolved(1)
		r.emit(event.Event{Type: event.ConflictResolved, Path: c.Path, Conflict: string(c.Kind)})
	}
	return exec
}

func (r *runner) preflight() error {
	g := r.group
	if err := checkRoot(g.MasterRoot); err != nil {
		return err
	}
	if err := checkRoot(g.BackupRoot); err != nil {
		return err
	}
	if err := unix.Access(g.BackupRoot, unix.W_OK); err != nil {
		return fmt.Errorf("%w: %s not writable: %v", ErrPathUnavailable, g.BackupRoot, err)
	}
	if g.Mode == group.Bidirectional {
		if err := unix.Access(g.MasterRoot, unix.W_OK); err != nil {
			return fmt.Errorf("%w: %s not writable: %v", ErrPathUnavailable, g.MasterRoot, err)
		}
	}
	return nil
}

func checkRoot(root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPathUnavailable, root, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrPathUnavailable, root)
	}
	return nil
}

func (r *runner) scanTrees(ctx context.Context) (master, backup *treeSnapshot, err error) {
	g := r.group
	var mErr, bErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		master, mErr = newScanner(g.MasterRoot, r.rules, g.EffectiveWorkers(), r.log).scan(ctx)
	}()
	go func() {
		defer wg.Done()
		backup, bErr = newScanner(g.BackupRoot, r.rules, g.EffectiveWorkers(), r.log).scan(ctx)
	}()
	wg.Wait()
	if mErr != nil {
		return master, backup, mErr
	}
	return master, backup, bErr
}

// resolveHashes settles OpNeedHash actions by checksumming both sides.
// Unreadable files downgrade to per-file errors.
func (r *runner) resolveHashes(ctx context.Context, plan []Action, dopts diffOptions) ([]Action, error) {
	var pending []int
	for i, a := range plan {
		if a.Op == OpNeedHash {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return plan, nil
	}

	g := r.group
	tasks := make(chan int)
	var wg sync.WaitGroup
	for range min(g.EffectiveWorkers(), len(pending)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				if ctx.Err() != nil {
					continue
				}
				act := plan[i]
				mSum, err := checksum.File(filepath.Join(g.MasterRoot, filepath.FromSlash(act.Path)))
				if err != nil {
					r.fail(act.Path, "hash", err)
					plan[i].Op = OpNone
					continue
				}
				bSum, err := checksum.File(filepath.Join(g.BackupRoot, filepath.FromSlash(act.Path)))
				if err != nil {
					r.fail(act.Path, "hash", err)
					plan[i].Op = OpNone
					continue
				}
				plan[i] = resolveHash(act, mSum, bSum, dopts)
			}
		}()
	}
feed:
	for _, i := range pending {
		select {
		case tasks <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()
	return plan, ctx.Err()
}

func (r *runner) checkFreeSpace(copies []Action) {
	var planned int64
	for _, a := range copies {
		if a.Op == OpCopyToBackup && a.Master != nil {
			planned += a.Master.Size
		}
	}
	if planned == 0 {
		return
	}
	usage, err := disk.Usage(r.group.BackupRoot)
	if err != nil {
		r.log.Debug("free space check unavailable", "error", err)
		return
	}
	if usage.Free < uint64(planned) {
		r.log.Warn("backup filesystem short on space",
			"needed_bytes", planned,
			"free_bytes", usage.Free)
	}
}

// createDirs materializes directories that exist on one side only.
// Paths with an unresolved conflict are left alone.
func (r *runner) createDirs(ctx context.Context, master, backup *treeSnapshot) {
	g := r.group
	create := func(snap, other *treeSnapshot, otherRoot string) {
		paths := make([]string, 0, len(snap.dirs))
		for p := range snap.dirs {
			if _, ok := other.dirs[p]; ok {
				continue
			}
			if _, ok := r.unresolved[p]; ok {
				continue
			}
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			if ctx.Err() != nil {
				return
			}
			rec := snap.dirs[p]
			if err := os.MkdirAll(filepath.Join(otherRoot, filepath.FromSlash(p)), rec.Mode); err != nil {
				r.fail(p, "mkdir", err)
			}
		}
	}
	create(master, backup, g.BackupRoot)
	if g.Mode == group.Bidirectional {
		create(backup, master, g.MasterRoot)
	}
}

// removeOrphanDirs prunes backup directories with no master counterpart
// once deletions have propagated. Mirror mode only; non-empty
// directories are kept.
func (r *runner) removeOrphanDirs(ctx context.Context, master, backup *treeSnapshot) {
	g := r.group
	if g.Mode != group.Mirror || !g.PropagateDeletes {
		return
	}
	var orphans []string
	for p := range backup.dirs {
		if _, ok := master.dirs[p]; ok {
			continue
		}
		if _, ok := master.files[p]; ok {
			continue // replaced by a file this run
		}
		if _, ok := r.unresolved[p]; ok {
			continue
		}
		orphans = append(orphans, p)
	}
	// Children before parents.
	sort.Slice(orphans, func(i, j int) bool {
		return strings.Count(orphans[i], "/") > strings.Count(orphans[j], "/")
	})
	for _, p := range orphans {
		if ctx.Err() != nil {
			return
		}
		err := os.Remove(filepath.Join(g.BackupRoot, filepath.FromSlash(p)))
		if err == nil {
			r.emit(event.Event{Type: event.FileDeleted, Path: p})
			continue
		}
		var errno syscall.Errno
		if errors.Is(err, os.ErrNotExist) || (errors.As(err, &errno) && errno == unix.ENOTEMPTY) {
			continue
		}
		r.fail(p, "rmdir", err)
	}
}

// executeParallel runs copy and record actions on the worker pool. The
// bandwidth throttler is shared, so concurrent transfers split the
// configured rate between them.
func (r *runner) executeParallel(ctx context.Context, acts []Action) {
	if len(acts) == 0 {
		return
	}
	tasks := make(chan Action)
	var wg sync.WaitGroup
	for range min(r.group.EffectiveWorkers(), len(acts)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for act := range tasks {
				if ctx.Err() != nil {
					continue
				}
				switch act.Op {
				case OpCopyToBackup:
					r.execCopy(ctx, act, event.ToBackup)
				case OpCopyToMaster:
					r.execCopy(ctx, act, event.ToMaster)
				case OpRecord:
					r.execRecord(act)
				}
			}
		}()
	}
feed:
	for _, act := range acts {
		select {
		case tasks <- act:
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()
}

func (r *runner) execCopy(ctx context.Context, act Action, dir event.Direction) {
	g := r.group
	var src, dst string
	var rec *FileRecord
	var enc *pipeline.Pipeline
	if dir == event.ToBackup {
		src = filepath.Join(g.MasterRoot, filepath.FromSlash(act.Path))
		dst = filepath.Join(g.BackupRoot, filepath.FromSlash(act.Path))
		rec = act.Master
		enc = r.enc
	} else {
		src = filepath.Join(g.BackupRoot, filepath.FromSlash(act.Path))
		dst = filepath.Join(g.MasterRoot, filepath.FromSlash(act.Path))
		rec = act.Backup
	}
	if rec == nil {
		r.fail(act.Path, "copy", errors.New("no source record"))
		return
	}

	res, err := copyFile(ctx, src, dst, *rec, enc, r.thr, act.Replace)
	if err != nil {
		r.fail(act.Path, "copy", err)
		return
	}

	e := tracking.Entry{GroupID: g.ID, Path: act.Path, Checksum: res.Checksum}
	if dir == event.ToBackup {
		e.Size, e.ModTime = res.Bytes, rec.ModTime
		e.BackupSize, e.BackupModTime = res.DstInfo.Size(), res.DstInfo.ModTime()
	} else {
		e.Size, e.ModTime = res.Bytes, res.DstInfo.ModTime()
		e.BackupSize, e.BackupModTime = rec.Size, rec.ModTime
	}
	if err := r.sync.store.Record(e); err != nil {
		r.fail(act.Path, "record", err)
		return
	}

	if dir == event.ToBackup {
		r.stats.AddCopiedToBackup(1)
	} else {
		r.stats.AddCopiedToMaster(1)
	}
	r.stats.AddBytesCopied(res.Bytes)
	r.emit(event.Event{Type: event.FileCopied, Path: act.Path, Direction: dir, Bytes: res.Bytes})
	r.log.Debug("copied", "path", act.Path, "direction", dir.String(), "bytes", res.Bytes)
}

// execRecord refreshes the tracking row for a pair that turned out to
// hold identical content. No bytes move.
func (r *runner) execRecord(act Action) {
	e := tracking.Entry{
		GroupID:       r.group.ID,
		Path:          act.Path,
		Checksum:      act.Checksum,
		Size:          act.Master.Size,
		ModTime:       act.Master.ModTime,
		BackupSize:    act.Backup.Size,
		BackupModTime: act.Backup.ModTime,
	}
	if err := r.sync.store.Record(e); err != nil {
		r.fail(act.Path, "record", err)
		return
	}
	r.stats.AddFilesSkipped(1)
	r.emit(event.Event{Type: event.FileSkipped, Path: act.Path})
}

func (r *runner) execDelete(act Action) {
	g := r.group
	root, side := g.BackupRoot, event.ToBackup
	rec := act.Backup
	if act.Op == OpDeleteMaster {
		root, side = g.MasterRoot, event.ToMaster
		rec = act.Master
	}
	isDir := rec != nil && rec.IsDir
	if err := removeFile(filepath.Join(root, filepath.FromSlash(act.Path)), isDir); err != nil {
		r.fail(act.Path, "delete", err)
		return
	}
	if act.Tracked != nil {
		if err := r.sync.store.Forget(g.ID, act.Path); err != nil {
			r.fail(act.Path, "forget", err)
			return
		}
	}
	r.stats.AddFilesDeleted(1)
	r.emit(event.Event{Type: event.FileDeleted, Path: act.Path, Direction: side})
	r.log.Debug("deleted", "path", act.Path, "side", side.String())
}

func (r *runner) execRename(act Action) {
	g := r.group
	from := filepath.Join(g.BackupRoot, filepath.FromSlash(act.Path))
	to := filepath.Join(g.BackupRoot, filepath.FromSlash(act.RenameTo))
	if err := os.Rename(from, to); err != nil {
		r.fail(act.Path, "rename", err)
		return
	}
	r.log.Info("conflicting copy kept aside", "path", act.Path, "renamed", act.RenameTo)
}

func (r *runner) finish(ctx context.Context, status Status, fatal error) (*Result, error) {
	if fatal == nil && ctx.Err() != nil {
		status, fatal = StatusCancelled, ctx.Err()
	}
	if fatal == nil && (len(r.fileErrors) > 0 || len(r.unresolved) > 0) {
		status = StatusCompletedWithErrors
	}

	snap := r.stats.Snapshot()
	res := &Result{
		Group:      r.group.ID,
		Status:     status,
		Stats:      snap,
		Conflicts:  r.conflicts,
		FileErrors: r.fileErrors,
		Err:        fatal,
	}
	if res.Err == nil {
		res.Err = aggregate(r.fileErrors)
	}

	if !r.cfg.DryRun {
		run := tracking.Run{
			ID:         uuid.NewString(),
			GroupID:    r.group.ID,
			Status:     status.String(),
			StartedAt:  r.started,
			FinishedAt: time.Now(),
			Copied:     snap.FilesCopied(),
			Deleted:    snap.FilesDeleted,
			Failed:     snap.FilesFailed,
			Conflicts:  snap.ConflictsSeen,
			Bytes:      snap.BytesCopied,
		}
		if err := r.sync.store.RecordRun(run); err != nil {
			r.log.Warn("record run", "error", err)
		}
	}

	ev := event.Event{Type: event.SyncCompleted, Stats: &snap}
	if status == StatusAborted || status == StatusCancelled {
		ev.Type = event.SyncFailed
		ev.Error = fatal
		r.log.Error("sync failed", "status", status.String(), "error", fatal)
	} else {
		r.log.Info("sync finished", "status", status.String(), "stats", snap.String())
	}
	r.emit(ev)
	return res, fatal
}

func (r *runner) fail(path, op string, err error) {
	r.mu.Lock()
	r.fileErrors = append(r.fileErrors, FileError{Path: path, Op: op, Err: err})
	r.mu.Unlock()
	r.stats.AddFilesFailed(1)
	r.emit(event.Event{Type: event.FileFailed, Path: path, Error: err})
	r.log.Warn("file failed", "path", path, "op", op, "error", err)
}

func (r *runner) addFileErrors(errs []FileError) {
	for _, e := range errs {
		r.fail(e.Path, e.Op, e.Err)
	}
}

func (r *runner) emit(ev event.Event) {
	if r.cfg.Events == nil {
		return
	}
	ev.Group = r.group.ID
	ev.Timestamp = time.Now()
	select {
	case r.cfg.Events <- ev:
	default:
	}
}

func plannedActions(plan []Action) []Action {
	out := make([]Action, 0, len(plan))
	for _, a := range plan {
		if a.Op != OpNone {
			out = append(out, a)
		}
	}
	return out
}
