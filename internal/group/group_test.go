package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validGroup() *Group {
	return &Group{
		ID:         "docs",
		MasterRoot: "/data/docs",
		BackupRoot: "/mnt/backup/docs",
		Mode:       Mirror,
		Policy:     Manual,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, validGroup().Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.ID = ""
		assert.Error(t, g.Validate())
	})

	t.Run("id with separator", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.ID = "a/b"
		assert.Error(t, g.Validate())
	})

	t.Run("relative root", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.BackupRoot = "backup"
		assert.Error(t, g.Validate())
	})

	t.Run("identical roots", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.BackupRoot = g.MasterRoot
		assert.Error(t, g.Validate())
	})

	t.Run("nested roots", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.BackupRoot = "/data/docs/backup"
		assert.Error(t, g.Validate())
	})

	t.Run("bad mode", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.Mode = "both-ways"
		assert.Error(t, g.Validate())
	})

	t.Run("bad policy", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.Policy = "newest-wins"
		assert.Error(t, g.Validate())
	})

	t.Run("bidirectional with passphrase rejected", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.Mode = Bidirectional
		g.Passphrase = "secret"
		assert.Error(t, g.Validate())
	})

	t.Run("bidirectional with compression rejected", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.Mode = Bidirectional
		g.Compression = CompressionZstd
		assert.Error(t, g.Validate())
	})

	t.Run("mirror with pipeline accepted", func(t *testing.T) {
		t.Parallel()
		g := validGroup()
		g.Compression = CompressionS2
		g.Passphrase = "secret"
		assert.NoError(t, g.Validate())
	})
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	m, err := ParseMode("bidirectional")
	require.NoError(t, err)
	assert.Equal(t, Bidirectional, m)
	_, err = ParseMode("")
	assert.Error(t, err)

	p, err := ParsePolicy("keep-both")
	require.NoError(t, err)
	assert.Equal(t, KeepBoth, p)
	_, err = ParsePolicy("ask")
	assert.Error(t, err)

	c, err := ParseCompression("s2")
	require.NoError(t, err)
	assert.Equal(t, CompressionS2, c)
	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

func TestEffectiveDefaults(t *testing.T) {
	t.Parallel()
	g := validGroup()
	assert.Equal(t, DefaultWorkers, g.EffectiveWorkers())
	assert.Equal(t, DefaultDebounce, g.EffectiveDebounce())

	g.Workers = 16
	g.Debounce = 500 * time.Millisecond
	assert.Equal(t, 16, g.EffectiveWorkers())
	assert.Equal(t, 500*time.Millisecond, g.EffectiveDebounce())
}
