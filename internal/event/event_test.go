package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		want string
		typ  Type
	}{
		{want: "SyncStarted", typ: SyncStarted},
		{want: "FileCopied", typ: FileCopied},
		{want: "FileDeleted", typ: FileDeleted},
		{want: "FileSkipped", typ: FileSkipped},
		{want: "FileFailed", typ: FileFailed},
		{want: "ConflictDetected", typ: ConflictDetected},
		{want: "ConflictResolved", typ: ConflictResolved},
		{want: "SyncCompleted", typ: SyncCompleted},
		{want: "SyncFailed", typ: SyncFailed},
		{want: "VerifyMismatch", typ: VerifyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Type(999).String())
	assert.Equal(t, "Unknown", Type(0).String())
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "master→backup", ToBackup.String())
	assert.Equal(t, "backup→master", ToMaster.String())
	assert.Equal(t, "?", Direction(0).String())
}

func TestEventZeroValue(t *testing.T) {
	var e Event
	assert.Equal(t, Type(0), e.Type)
	assert.True(t, e.Timestamp.IsZero())
	assert.Empty(t, e.Group)
	assert.Empty(t, e.Path)
	assert.Zero(t, e.Bytes)
	require.NoError(t, e.Error)
}

func TestEventFields(t *testing.T) {
	now := time.Now()
	e := Event{
		Type:      FileCopied,
		Timestamp: now,
		Group:     "docs",
		Path:      "dir/file.txt",
		Direction: ToBackup,
		Bytes:     1024,
	}
	assert.Equal(t, FileCopied, e.Type)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "docs", e.Group)
	assert.Equal(t, "dir/file.txt", e.Path)
	assert.Equal(t, ToBackup, e.Direction)
	assert.Equal(t, int64(1024), e.Bytes)
}
