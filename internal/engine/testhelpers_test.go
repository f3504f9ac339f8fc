package engine

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keepsakefs/keepsake/internal/event"
	"github.com/keepsakefs/keepsake/internal/group"
	"github.com/keepsakefs/keepsake/internal/tracking"
)

// newTestGroup builds a mirror group over two fresh roots.
func newTestGroup(t *testing.T) *group.Group {
	t.Helper()
	dir := t.TempDir()
	master := filepath.Join(dir, "master")
	backup := filepath.Join(dir, "backup")
	require.NoError(t, os.MkdirAll(master, 0o755))
	require.NoError(t, os.MkdirAll(backup, 0o755))
	return &group.Group{
		ID:         "photos",
		Name:       "test group",
		MasterRoot: master,
		BackupRoot: backup,
		Mode:       group.Mirror,
		Policy:     group.Manual,
		Workers:    2,
	}
}

func newTestSync(t *testing.T) *Synchronizer {
	t.Helper()
	store, err := tracking.Open(filepath.Join(t.TempDir(), "tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, log)
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// writeFileAt writes content and pins the mtime, so signature
// comparisons in tests are deterministic.
func writeFileAt(t *testing.T, root, rel, content string, mtime time.Time) {
	t.Helper()
	writeFile(t, root, rel, content)
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func fileExists(t *testing.T, root, rel string) bool {
	t.Helper()
	_, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		require.ErrorIs(t, err, os.ErrNotExist)
		return false
	}
	return true
}

// findTmpFiles walks root looking for leftover temporary files.
func findTmpFiles(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(d.Name(), TmpSuffix) {
			found = append(found, path)
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

// drainEvents empties a buffered event channel.
func drainEvents(ch chan event.Event) []event.Event {
	var evs []event.Event
	for {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func eventsOfType(evs []event.Event, typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
