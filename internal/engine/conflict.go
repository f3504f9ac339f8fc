package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keepsakefs/keepsake/internal/group"
)

const conflictStamp = "20060102T150405Z"

// conflictName returns relPath with a conflict suffix appended, picking
// a name not yet present under root.
func conflictName(root, relPath string, now time.Time) string {
	base := fmt.Sprintf("%s.conflict-%s", relPath, now.UTC().Format(conflictStamp))
	name := base
	for n := 1; ; n++ {
		if _, err := os.Lstat(filepath.Join(root, filepath.FromSlash(name))); err != nil {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, n)
	}
}

// resolutionActions expands a conflict into the operations the policy
// dictates. The manual policy resolves nothing and returns nil.
func resolutionActions(c *Conflict, policy group.Policy, backupRoot string, now time.Time) []Action {
	switch policy {
	case group.KeepMaster:
		return keepMasterActions(c)
	case group.KeepBackup:
		return keepBackupActions(c)
	case group.KeepBoth:
		return keepBothActions(c, backupRoot, now)
	}
	return nil
}

func keepMasterActions(c *Conflict) []Action {
	switch c.Kind {
	case ConflictModifiedBoth, ConflictDeletedBackup:
		return []Action{{Path: c.Path, Op: OpCopyToBackup, Master: c.Master, Tracked: c.Tracked}}
	case ConflictDeletedMaster:
		return []Action{{Path: c.Path, Op: OpDeleteBackup, Backup: c.Backup, Tracked: c.Tracked}}
	case ConflictTypeMismatch:
		if c.Master != nil && !c.Master.IsDir {
			return []Action{{Path: c.Path, Op: OpCopyToBackup, Master: c.Master, Tracked: c.Tracked, Replace: true}}
		}
		// Master's directory form wins. Clear the backup file; the
		// directory pass recreates the subtree.
		return []Action{{Path: c.Path, Op: OpDeleteBackup, Backup: c.Backup, Tracked: c.Tracked}}
	}
	return nil
}

func keepBackupActions(c *Conflict) []Action {
	switch c.Kind {
	case ConflictModifiedBoth, ConflictDeletedMaster:
		return []Action{{Path: c.Path, Op: OpCopyToMaster, Backup: c.Backup, Tracked: c.Tracked}}
	case ConflictDeletedBackup:
		return []Action{{Path: c.Path, Op: OpDeleteMaster, Master: c.Master, Tracked: c.Tracked}}
	case ConflictTypeMismatch:
		if c.Backup != nil && !c.Backup.IsDir {
			return []Action{{Path: c.Path, Op: OpCopyToMaster, Backup: c.Backup, Tracked: c.Tracked, Replace: true}}
		}
		return []Action{{Path: c.Path, Op: OpDeleteMaster, Master: c.Master, Tracked: c.Tracked}}
	}
	return nil
}

// keepBothActions sets the backup's divergent copy aside under a
// conflict name, keeps the master version at the canonical path, and
// carries the renamed copy to the master tree so both survive on both
// sides. A renamed directory's contents reach the master tree on the
// following run, when they surface as new backup files.
func keepBothActions(c *Conflict, backupRoot string, now time.Time) []Action {
	switch c.Kind {
	case ConflictModifiedBoth:
		cp := conflictName(backupRoot, c.Path, now)
		return []Action{
			{Path: c.Path, Op: OpRenameBackup, Backup: c.Backup, RenameTo: cp},
			{Path: c.Path, Op: OpCopyToBackup, Master: c.Master, Tracked: c.Tracked},
			{Path: cp, Op: OpCopyToMaster, Backup: renamedRecord(c.Backup, cp)},
		}
	case ConflictDeletedMaster:
		// The master deletion stands; the backup's edits survive under
		// the conflict name only.
		cp := conflictName(backupRoot, c.Path, now)
		return []Action{
			{Path: c.Path, Op: OpRenameBackup, Backup: c.Backup, RenameTo: cp},
			{Path: cp, Op: OpCopyToMaster, Backup: renamedRecord(c.Backup, cp)},
			{Path: c.Path, Op: OpForget, Tracked: c.Tracked},
		}
	case ConflictDeletedBackup:
		// Nothing survives on the backup side to set aside; the master
		// version is simply restored.
		return []Action{{Path: c.Path, Op: OpCopyToBackup, Master: c.Master, Tracked: c.Tracked}}
	case ConflictTypeMismatch:
		cp := conflictName(backupRoot, c.Path, now)
		acts := []Action{{Path: c.Path, Op: OpRenameBackup, Backup: c.Backup, RenameTo: cp}}
		if c.Master != nil && !c.Master.IsDir {
			acts = append(acts, Action{Path: c.Path, Op: OpCopyToBackup, Master: c.Master, Tracked: c.Tracked})
		} else if c.Tracked != nil {
			acts = append(acts, Action{Path: c.Path, Op: OpForget, Tracked: c.Tracked})
		}
		if c.Backup != nil && !c.Backup.IsDir {
			acts = append(acts, Action{Path: cp, Op: OpCopyToMaster, Backup: renamedRecord(c.Backup, cp)})
		}
		return acts
	}
	return nil
}

func renamedRecord(b *FileRecord, relPath string) *FileRecord {
	if b == nil {
		return nil
	}
	r := *b
	r.RelPath = relPath
	return &r
}
