package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolRoundTrip(t *testing.T) {
	b := GetBuffer()
	require.NotNil(t, b)
	assert.Len(t, *b, BufferSize)
	PutBuffer(b)

	again := GetBuffer()
	require.NotNil(t, again)
	assert.Len(t, *again, BufferSize)
	PutBuffer(again)
}

func TestPreallocateKeepsLength(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	Preallocate(f, 1<<20)

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestPreallocateIgnoresBadSize(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	Preallocate(f, 0)
	Preallocate(f, -1)

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}
