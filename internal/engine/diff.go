package engine

import (
	"sort"

	"github.com/keepsakefs/keepsake/internal/checksum"
	"github.com/keepsakefs/keepsake/internal/group"
	"github.com/keepsakefs/keepsake/internal/tracking"
)

// Op is the planned operation for one path.
type Op int

const (
	// OpNone means the pair is already synchronized.
	OpNone Op = iota + 1
	// OpCopyToBackup copies the master file over the backup copy.
	OpCopyToBackup
	// OpCopyToMaster copies the backup file over the master copy.
	OpCopyToMaster
	// OpDeleteBackup removes the backup copy and forgets the pair.
	OpDeleteBackup
	// OpDeleteMaster removes the master copy and forgets the pair.
	OpDeleteMaster
	// OpRecord refreshes the tracking row without moving bytes. Used
	// when both sides turn out to hold identical content.
	OpRecord
	// OpForget drops a tracking row whose file is gone from both trees.
	OpForget
	// OpConflict reports a divergence that needs a policy to settle.
	OpConflict
	// OpNeedHash means cheap signatures cannot settle the pair; both
	// sides must be checksummed before the final op is known.
	OpNeedHash
	// OpRenameBackup sets a conflicting backup copy aside under a
	// conflict name. Only conflict resolution emits it.
	OpRenameBackup
)

var opNames = [...]string{
	OpNone:         "none",
	OpCopyToBackup: "copy-to-backup",
	OpCopyToMaster: "copy-to-master",
	OpDeleteBackup: "delete-backup",
	OpDeleteMaster: "delete-master",
	OpRecord:       "record",
	OpForget:       "forget",
	OpConflict:     "conflict",
	OpNeedHash:     "need-hash",
	OpRenameBackup: "rename-backup",
}

func (o Op) String() string {
	if o > 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// ConflictKind names the divergence pattern behind a conflict.
type ConflictKind string

const (
	ConflictModifiedBoth  ConflictKind = "modified_both"
	ConflictDeletedMaster ConflictKind = "deleted_master_modified_backup"
	ConflictDeletedBackup ConflictKind = "deleted_backup_modified_master"
	ConflictTypeMismatch  ConflictKind = "type_mismatch"
)

// Conflict describes a divergence the configured policy must settle.
type Conflict struct {
	Path    string
	Kind    ConflictKind
	Master  *FileRecord
	Backup  *FileRecord
	Tracked *tracking.Entry
}

// Action is one planned operation from the three-way diff.
type Action struct {
	Path    string
	Op      Op
	Master  *FileRecord
	Backup  *FileRecord
	Tracked *tracking.Entry

	// Replace marks a destination occupied by an entry of the wrong
	// type. The executor clears it recursively before writing.
	Replace bool

	// RenameTo is the conflict name for OpRenameBackup actions.
	RenameTo string

	// Checksum is filled during hash resolution for OpRecord actions.
	Checksum string

	// Conflict holds the details when Op is OpConflict.
	Conflict *Conflict
}

// diffOptions carries the group settings the classification depends on.
type diffOptions struct {
	Mode             group.Mode
	PropagateDeletes bool
	Transforming     bool
	Force            bool
}

// classifyTree produces the action plan for one group: every path known
// to the master tree, the backup tree, or the tracking store is compared
// three ways and assigned an Op. The result is sorted by path.
func classifyTree(master, backup *treeSnapshot, tracked map[string]tracking.Entry, opts diffOptions) []Action {
	paths := make(map[string]struct{}, len(master.files)+len(backup.files))
	for p := range master.files {
		paths[p] = struct{}{}
	}
	for p := range backup.files {
		paths[p] = struct{}{}
	}
	for p := range tracked {
		paths[p] = struct{}{}
	}
	// Paths where one side holds a file and the other a directory never
	// meet in the file maps, so pull in directory collisions explicitly.
	for p := range master.files {
		if _, ok := backup.dirs[p]; ok {
			paths[p] = struct{}{}
		}
	}
	for p := range backup.files {
		if _, ok := master.dirs[p]; ok {
			paths[p] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	actions := make([]Action, 0, len(sorted))
	for _, p := range sorted {
		var t *tracking.Entry
		if e, ok := tracked[p]; ok {
			t = &e
		}
		actions = append(actions, classifyPath(p, lookupRecord(master, p), lookupRecord(backup, p), t, opts))
	}
	return actions
}

func lookupRecord(snap *treeSnapshot, p string) *FileRecord {
	if rec, ok := snap.files[p]; ok {
		return &rec
	}
	if rec, ok := snap.dirs[p]; ok {
		return &rec
	}
	return nil
}

// classifyPath assigns the op for a single path. m and b may be nil
// (absent) or directory records (type change); t is nil when untracked.
func classifyPath(p string, m, b *FileRecord, t *tracking.Entry, opts diffOptions) Action {
	act := Action{Path: p, Op: OpNone, Master: m, Backup: b, Tracked: t}
	bidi := opts.Mode == group.Bidirectional

	conflict := func(kind ConflictKind) Action {
		act.Op = OpConflict
		act.Conflict = &Conflict{Path: p, Kind: kind, Master: m, Backup: b, Tracked: t}
		return act
	}

	// Type changes first: a directory now stands where a file is
	// expected, or the reverse.
	switch {
	case m != nil && b != nil && m.IsDir != b.IsDir:
		if bidi {
			return conflict(ConflictTypeMismatch)
		}
		if m.IsDir {
			// Master turned the path into a directory; the backup file
			// gives way and the directory pass recreates it.
			act.Op = OpDeleteBackup
			return act
		}
		act.Op = OpCopyToBackup
		act.Replace = true
		return act

	case m != nil && m.IsDir && b == nil:
		if t == nil {
			return act // plain new directory, handled by the directory pass
		}
		// Tracked file replaced by a directory on master, gone from backup.
		act.Op = OpForget
		return act

	case b != nil && b.IsDir && m == nil:
		if t == nil {
			return act
		}
		// Tracked file gone from master, backup path is now a directory.
		// The pair no longer exists as a file on either side.
		act.Op = OpForget
		return act

	case m != nil && m.IsDir && b != nil && b.IsDir:
		if t != nil {
			// Both sides replaced the tracked file with a directory.
			act.Op = OpForget
		}
		return act
	}

	mPresent := m != nil
	bPresent := b != nil

	switch {
	case mPresent && bPresent && t != nil:
		mc := opts.Force || !fileSig(m).Equal(masterSig(t))
		bc := !fileSig(b).Equal(backupSig(t))
		switch {
		case !mc && !bc:
			act.Op = OpNone
		case mc && !bc:
			act.Op = OpCopyToBackup
		case !mc && bc:
			if bidi {
				act.Op = OpCopyToMaster
			} else {
				// Backup drifted from the replica; master is authoritative.
				act.Op = OpCopyToBackup
			}
		default: // both changed
			if bidi && !opts.Transforming {
				act.Op = OpNeedHash
			} else {
				act.Op = OpCopyToBackup
			}
		}

	case mPresent && bPresent: // untracked pair
		switch {
		case opts.Transforming:
			// Backup bytes are containers; without a tracking row there
			// is no signature to compare against. Re-encode.
			act.Op = OpCopyToBackup
		case m.Size == b.Size:
			act.Op = OpNeedHash
		case bidi:
			return conflict(ConflictModifiedBoth)
		default:
			act.Op = OpCopyToBackup
		}

	case mPresent && t == nil: // new master file
		act.Op = OpCopyToBackup

	case mPresent: // backup copy is gone
		mc := opts.Force || !fileSig(m).Equal(masterSig(t))
		switch {
		case !bidi:
			act.Op = OpCopyToBackup
		case mc:
			return conflict(ConflictDeletedBackup)
		case opts.PropagateDeletes:
			act.Op = OpDeleteMaster
		default:
			act.Op = OpCopyToBackup
		}

	case bPresent && t == nil: // new backup file
		if bidi {
			act.Op = OpCopyToMaster
		} else {
			act.Op = OpNone // mirror never writes toward master
		}

	case bPresent: // master copy is gone
		bc := !fileSig(b).Equal(backupSig(t))
		switch {
		case !bidi:
			if opts.PropagateDeletes {
				act.Op = OpDeleteBackup
			} else {
				act.Op = OpForget // keep the stray copy, drop the stale row
			}
		case bc:
			return conflict(ConflictDeletedMaster)
		case opts.PropagateDeletes:
			act.Op = OpDeleteBackup
		default:
			act.Op = OpCopyToMaster
		}

	case t != nil: // gone from both trees
		act.Op = OpForget
	}

	return act
}

// resolveHash turns an OpNeedHash action into its final op once both
// checksums are known.
func resolveHash(act Action, masterSum, backupSum string, opts diffOptions) Action {
	if masterSum == backupSum {
		act.Op = OpRecord
		act.Checksum = masterSum
		return act
	}
	if opts.Mode == group.Bidirectional {
		act.Op = OpConflict
		act.Conflict = &Conflict{
			Path:    act.Path,
			Kind:    ConflictModifiedBoth,
			Master:  act.Master,
			Backup:  act.Backup,
			Tracked: act.Tracked,
		}
		return act
	}
	act.Op = OpCopyToBackup
	return act
}

func fileSig(r *FileRecord) checksum.Signature {
	if r == nil {
		return checksum.Signature{}
	}
	return checksum.Signature{Size: r.Size, ModTime: r.ModTime}
}

func masterSig(e *tracking.Entry) checksum.Signature {
	return checksum.Signature{Size: e.Size, ModTime: e.ModTime}
}

// backupSig is the signature the backup copy should still carry. Rows
// written before backup signatures were tracked fall back to the master
// signature, which matched byte-identical backups.
func backupSig(e *tracking.Entry) checksum.Signature {
	if e.BackupSize >= 0 {
		return checksum.Signature{Size: e.BackupSize, ModTime: e.BackupModTime}
	}
	return checksum.Signature{Size: e.Size, ModTime: e.ModTime}
}
