package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsakefs/keepsake/internal/group"
	"github.com/keepsakefs/keepsake/internal/tracking"
)

var diffBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func frec(size int64, mtime time.Time) *FileRecord {
	return &FileRecord{RelPath: "docs/a.txt", Size: size, ModTime: mtime, Mode: 0o644}
}

func drec() *FileRecord {
	return &FileRecord{RelPath: "docs/a.txt", IsDir: true, ModTime: diffBase, Mode: 0o755}
}

func trackedEntry(size int64, mtime time.Time) *tracking.Entry {
	return &tracking.Entry{
		GroupID:       "g",
		Path:          "docs/a.txt",
		Checksum:      "abc",
		Size:          size,
		ModTime:       mtime,
		BackupSize:    size,
		BackupModTime: mtime,
	}
}

func transformedEntry(size int64, mtime time.Time, backupSize int64, backupMtime time.Time) *tracking.Entry {
	e := trackedEntry(size, mtime)
	e.BackupSize = backupSize
	e.BackupModTime = backupMtime
	return e
}

func legacyEntry(size int64, mtime time.Time) *tracking.Entry {
	e := trackedEntry(size, mtime)
	e.BackupSize = -1
	e.BackupModTime = time.Time{}
	return e
}

func TestClassifyPath(t *testing.T) {
	later := diffBase.Add(time.Minute)
	mirror := diffOptions{Mode: group.Mirror}
	mirrorProp := diffOptions{Mode: group.Mirror, PropagateDeletes: true}
	bidi := diffOptions{Mode: group.Bidirectional}
	bidiProp := diffOptions{Mode: group.Bidirectional, PropagateDeletes: true}
	transform := diffOptions{Mode: group.Mirror, Transforming: true}

	tests := []struct {
		name    string
		master  *FileRecord
		backup  *FileRecord
		tracked *tracking.Entry
		opts    diffOptions
		want    Op
		kind    ConflictKind
	}{
		{"unchanged pair", frec(5, diffBase), frec(5, diffBase), trackedEntry(5, diffBase), mirror, OpNone, ""},
		{"unchanged pair legacy row", frec(5, diffBase), frec(5, diffBase), legacyEntry(5, diffBase), mirror, OpNone, ""},
		{"master modified", frec(9, later), frec(5, diffBase), trackedEntry(5, diffBase), mirror, OpCopyToBackup, ""},
		{"backup drift repaired in mirror", frec(5, diffBase), frec(7, later), trackedEntry(5, diffBase), mirror, OpCopyToBackup, ""},
		{"backup modified flows back in bidi", frec(5, diffBase), frec(7, later), trackedEntry(5, diffBase), bidi, OpCopyToMaster, ""},
		{"both modified master wins in mirror", frec(9, later), frec(7, later), trackedEntry(5, diffBase), mirror, OpCopyToBackup, ""},
		{"both modified needs hash in bidi", frec(9, later), frec(7, later), trackedEntry(5, diffBase), bidi, OpNeedHash, ""},
		{"new master file", frec(5, diffBase), nil, nil, mirror, OpCopyToBackup, ""},
		{"missing backup copy restored", frec(5, diffBase), nil, trackedEntry(5, diffBase), mirror, OpCopyToBackup, ""},
		{"backup deletion propagates to master", frec(5, diffBase), nil, trackedEntry(5, diffBase), bidiProp, OpDeleteMaster, ""},
		{"backup deletion without propagation restores", frec(5, diffBase), nil, trackedEntry(5, diffBase), bidi, OpCopyToBackup, ""},
		{"backup deleted but master modified", frec(9, later), nil, trackedEntry(5, diffBase), bidiProp, OpConflict, ConflictDeletedBackup},
		{"master deletion propagates", nil, frec(5, diffBase), trackedEntry(5, diffBase), mirrorProp, OpDeleteBackup, ""},
		{"master deletion kept without propagation", nil, frec(5, diffBase), trackedEntry(5, diffBase), mirror, OpForget, ""},
		{"master deletion propagates in bidi", nil, frec(5, diffBase), trackedEntry(5, diffBase), bidiProp, OpDeleteBackup, ""},
		{"master deletion without propagation restores", nil, frec(5, diffBase), trackedEntry(5, diffBase), bidi, OpCopyToMaster, ""},
		{"master deleted but backup modified", nil, frec(7, later), trackedEntry(5, diffBase), bidiProp, OpConflict, ConflictDeletedMaster},
		{"stray backup file ignored in mirror", nil, frec(5, diffBase), nil, mirror, OpNone, ""},
		{"new backup file flows back in bidi", nil, frec(5, diffBase), nil, bidi, OpCopyToMaster, ""},
		{"gone from both trees", nil, nil, trackedEntry(5, diffBase), mirror, OpForget, ""},
		{"untracked pair same size needs hash", frec(5, diffBase), frec(5, later), nil, mirror, OpNeedHash, ""},
		{"untracked pair differs in mirror", frec(5, diffBase), frec(9, later), nil, mirror, OpCopyToBackup, ""},
		{"untracked pair differs in bidi", frec(5, diffBase), frec(9, later), nil, bidi, OpConflict, ConflictModifiedBoth},
		{"untracked pair re-encoded when transforming", frec(5, diffBase), frec(5, diffBase), nil, transform, OpCopyToBackup, ""},
		{"transformed backup intact", frec(5, diffBase), frec(48, diffBase), transformedEntry(5, diffBase, 48, diffBase), transform, OpNone, ""},
		{"transformed backup tampered", frec(5, diffBase), frec(52, later), transformedEntry(5, diffBase, 48, diffBase), transform, OpCopyToBackup, ""},
		{"force re-copies unchanged pair", frec(5, diffBase), frec(5, diffBase), trackedEntry(5, diffBase), diffOptions{Mode: group.Mirror, Force: true}, OpCopyToBackup, ""},
		{"type mismatch conflicts in bidi", frec(5, diffBase), drec(), trackedEntry(5, diffBase), bidi, OpConflict, ConflictTypeMismatch},
		{"master file replaces backup dir in mirror", frec(5, diffBase), drec(), nil, mirror, OpCopyToBackup, ""},
		{"master dir displaces backup file in mirror", drec(), frec(5, diffBase), trackedEntry(5, diffBase), mirror, OpDeleteBackup, ""},
		{"tracked file now dir on both sides", drec(), drec(), trackedEntry(5, diffBase), mirror, OpForget, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act := classifyPath("docs/a.txt", tt.master, tt.backup, tt.tracked, tt.opts)
			assert.Equal(t, tt.want, act.Op, "op")
			if tt.kind != "" {
				require.NotNil(t, act.Conflict)
				assert.Equal(t, tt.kind, act.Conflict.Kind)
			}
		})
	}
}

func TestClassifyPath_ReplaceOnTypeMismatch(t *testing.T) {
	act := classifyPath("docs/a.txt", frec(5, diffBase), drec(), nil, diffOptions{Mode: group.Mirror})
	assert.Equal(t, OpCopyToBackup, act.Op)
	assert.True(t, act.Replace)
}

func TestClassifyPath_SignatureToleratesSubMillisecond(t *testing.T) {
	m := frec(5, diffBase.Add(400*time.Microsecond))
	act := classifyPath("docs/a.txt", m, frec(5, diffBase), trackedEntry(5, diffBase), diffOptions{Mode: group.Mirror})
	assert.Equal(t, OpNone, act.Op)
}

func TestResolveHash(t *testing.T) {
	later := diffBase.Add(time.Minute)
	base := Action{Path: "docs/a.txt", Op: OpNeedHash, Master: frec(5, diffBase), Backup: frec(5, later)}

	got := resolveHash(base, "aaaa", "aaaa", diffOptions{Mode: group.Bidirectional})
	assert.Equal(t, OpRecord, got.Op)
	assert.Equal(t, "aaaa", got.Checksum)

	got = resolveHash(base, "aaaa", "bbbb", diffOptions{Mode: group.Bidirectional})
	require.Equal(t, OpConflict, got.Op)
	assert.Equal(t, ConflictModifiedBoth, got.Conflict.Kind)

	got = resolveHash(base, "aaaa", "bbbb", diffOptions{Mode: group.Mirror})
	assert.Equal(t, OpCopyToBackup, got.Op)
}

func TestClassifyTree(t *testing.T) {
	master := &treeSnapshot{
		files: map[string]FileRecord{
			"a.txt":     {RelPath: "a.txt", Size: 3, ModTime: diffBase},
			"sub/b.txt": {RelPath: "sub/b.txt", Size: 4, ModTime: diffBase},
			"clash":     {RelPath: "clash", Size: 9, ModTime: diffBase},
		},
		dirs: map[string]FileRecord{"sub": {RelPath: "sub", IsDir: true}},
	}
	backup := &treeSnapshot{
		files: map[string]FileRecord{
			"a.txt": {RelPath: "a.txt", Size: 3, ModTime: diffBase},
		},
		dirs: map[string]FileRecord{
			"clash": {RelPath: "clash", IsDir: true},
		},
	}
	tracked := map[string]tracking.Entry{
		"a.txt":    *trackedEntry(3, diffBase),
		"gone.txt": *trackedEntry(7, diffBase),
	}

	acts := classifyTree(master, backup, tracked, diffOptions{Mode: group.Mirror})

	byPath := make(map[string]Action, len(acts))
	var order []string
	for _, a := range acts {
		byPath[a.Path] = a
		order = append(order, a.Path)
	}
	assert.Equal(t, []string{"a.txt", "clash", "gone.txt", "sub/b.txt"}, order)

	assert.Equal(t, OpNone, byPath["a.txt"].Op)
	assert.Equal(t, OpCopyToBackup, byPath["sub/b.txt"].Op)
	assert.Equal(t, OpForget, byPath["gone.txt"].Op)
	// File-over-directory collision is pulled into the plan even though
	// the pair never meets in the file maps.
	clash := byPath["clash"]
	require.Equal(t, OpCopyToBackup, clash.Op)
	assert.True(t, clash.Replace)
}
