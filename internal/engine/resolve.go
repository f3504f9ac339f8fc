package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keepsakefs/keepsake/internal/checksum"
	"github.com/keepsakefs/keepsake/internal/event"
	"github.com/keepsakefs/keepsake/internal/group"
	"github.com/keepsakefs/keepsake/internal/pipeline"
	"github.com/keepsakefs/keepsake/internal/stats"
	"github.com/keepsakefs/keepsake/internal/throttle"
	"github.com/keepsakefs/keepsake/internal/tracking"
)

// ResolveConflict settles one conflicted path with an explicit policy.
// The divergence is re-checked first: if the trees have moved on and the
// path no longer conflicts, ErrConflictUnresolved is returned and
// nothing is touched.
func (s *Synchronizer) ResolveConflict(ctx context.Context, g *group.Group, relPath string, policy group.Policy) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if policy == "" || policy == group.Manual {
		return errors.New("resolving a conflict needs a concrete policy")
	}
	if !s.flights.tryAcquire(g.ID) {
		return fmt.Errorf("%w: %s", ErrSyncInFlight, g.ID)
	}
	defer s.flights.release(g.ID)

	r := &runner{
		sync:       s,
		group:      g,
		log:        s.log.With("group", g.ID),
		stats:      stats.NewCollector(),
		started:    time.Now(),
		unresolved: make(map[string]struct{}),
	}
	if opts := pipeline.OptionsFor(g); opts.Enabled() {
		var err error
		if r.enc, err = pipeline.New(opts); err != nil {
			return err
		}
	}
	r.thr = throttle.New(g.BandwidthLimit)

	masterPath := filepath.Join(g.MasterRoot, filepath.FromSlash(relPath))
	backupPath := filepath.Join(g.BackupRoot, filepath.FromSlash(relPath))
	m := statRecord(masterPath, relPath)
	b := statRecord(backupPath, relPath)
	var t *tracking.Entry
	if e, ok, err := s.store.Lookup(g.ID, relPath); err != nil {
		return err
	} else if ok {
		t = &e
	}

	dopts := diffOptions{
		Mode:             g.Mode,
		PropagateDeletes: g.PropagateDeletes,
		Transforming:     r.enc != nil,
	}
	act := classifyPath(relPath, m, b, t, dopts)
	if act.Op == OpNeedHash {
		mSum, err := checksum.File(masterPath)
		if err != nil {
			return fmt.Errorf("hash %s: %w", masterPath, err)
		}
		bSum, err := checksum.File(backupPath)
		if err != nil {
			return fmt.Errorf("hash %s: %w", backupPath, err)
		}
		act = resolveHash(act, mSum, bSum, dopts)
		if act.Op == OpRecord {
			return r.sync.store.Record(tracking.Entry{
				GroupID:       g.ID,
				Path:          relPath,
				Checksum:      act.Checksum,
				Size:          m.Size,
				ModTime:       m.ModTime,
				BackupSize:    b.Size,
				BackupModTime: b.ModTime,
			})
		}
	}
	if act.Op != OpConflict {
		return fmt.Errorf("%w: %s", ErrConflictUnresolved, relPath)
	}

	c := act.Conflict
	r.log.Info("resolving conflict", "path", relPath, "kind", string(c.Kind), "policy", string(policy))
	for _, ra := range resolutionActions(c, policy, g.BackupRoot, time.Now()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch ra.Op {
		case OpRenameBackup:
			r.execRename(ra)
		case OpDeleteBackup, OpDeleteMaster:
			r.execDelete(ra)
		case OpCopyToBackup, OpCopyToMaster:
			r.execCopy(ctx, ra, eventDirection(ra.Op))
		case OpForget:
			if err := s.store.Forget(g.ID, ra.Path); err != nil {
				r.fail(ra.Path, "forget", err)
			}
		}
	}

	// A directory form that won the mismatch has no copy action; put the
	// directory in place so the next run can fill it.
	if c.Kind == ConflictTypeMismatch {
		switch {
		case policy == group.KeepMaster && c.Master != nil && c.Master.IsDir:
			if err := os.MkdirAll(backupPath, c.Master.Mode); err != nil {
				r.fail(relPath, "mkdir", err)
			}
		case policy == group.KeepBackup && c.Backup != nil && c.Backup.IsDir:
			if err := os.MkdirAll(masterPath, c.Backup.Mode); err != nil {
				r.fail(relPath, "mkdir", err)
			}
		}
	}
	return aggregate(r.fileErrors)
}

// statRecord captures the current state of one path, or nil when it is
// absent or not a regular file or directory.
func statRecord(abs, rel string) *FileRecord {
	fi, err := os.Lstat(abs)
	if err != nil {
		return nil
	}
	switch {
	case fi.IsDir():
		return &FileRecord{RelPath: rel, IsDir: true, ModTime: fi.ModTime(), Mode: fi.Mode().Perm()}
	case fi.Mode().IsRegular():
		return &FileRecord{RelPath: rel, Size: fi.Size(), ModTime: fi.ModTime(), Mode: fi.Mode().Perm()}
	}
	return nil
}

func eventDirection(op Op) event.Direction {
	if op == OpCopyToMaster {
		return event.ToMaster
	}
	return event.ToBackup
}
