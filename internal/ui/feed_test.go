package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/keepsakefs/keepsake/internal/event"
)

func newTestFeed() (*feedPresenter, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	p := &feedPresenter{w: &out, errW: &errOut, started: time.Now()}
	return p, &out, &errOut
}

func TestFeedPresenterFileCopied(t *testing.T) {
	p, out, _ := newTestFeed()

	events := make(chan event.Event, 10)
	events <- event.Event{Type: event.FileCopied, Path: "dir/file.txt", Bytes: 1024}
	events <- event.Event{Type: event.FileCopied, Path: "dir/big.bin", Bytes: 100 * 1024 * 1024}
	close(events)

	err := p.Run(events)
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "dir/file.txt")
	assert.Contains(t, lines[0], "1.0 KiB")
	assert.Contains(t, lines[1], "dir/big.bin")
	assert.Contains(t, lines[1], "100 MiB")
}

func TestFeedPresenterCopyToMaster(t *testing.T) {
	p, out, _ := newTestFeed()

	events := make(chan event.Event, 5)
	events <- event.Event{
		Type: event.FileCopied, Path: "notes.md", Bytes: 512, Direction: event.ToMaster,
	}
	close(events)

	err := p.Run(events)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "notes.md")
	assert.Contains(t, out.String(), "to master")
}

func TestFeedPresenterFileFailed(t *testing.T) {
	p, out, _ := newTestFeed()

	events := make(chan event.Event, 5)
	events <- event.Event{Type: event.FileFailed, Path: "fail.txt", Error: assert.AnError}
	close(events)

	err := p.Run(events)
	assert.NoError(t, err)

	assert.Contains(t, out.String(), "fail.txt")
	assert.Contains(t, out.String(), assert.AnError.Error())
}

func TestFeedPresenterFileDeleted(t *testing.T) {
	p, out, _ := newTestFeed()

	events := make(chan event.Event, 5)
	events <- event.Event{Type: event.FileDeleted, Path: "extra.txt"}
	close(events)

	err := p.Run(events)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "delete: extra.txt")
}

func TestFeedPresenterConflicts(t *testing.T) {
	p, out, _ := newTestFeed()

	events := make(chan event.Event, 5)
	events <- event.Event{Type: event.ConflictDetected, Path: "doc.txt", Conflict: "modified_both"}
	events <- event.Event{Type: event.ConflictResolved, Path: "doc.txt", Conflict: "modified_both"}
	close(events)

	err := p.Run(events)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "conflict: doc.txt (modified_both)")
	assert.Contains(t, out.String(), "resolved: doc.txt (modified_both)")
}

func TestFeedPresenterVerifyMismatch(t *testing.T) {
	p, out, _ := newTestFeed()

	events := make(chan event.Event, 5)
	events <- event.Event{Type: event.VerifyMismatch, Path: "bad/file.txt"}
	close(events)

	err := p.Run(events)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "MISMATCH: bad/file.txt")

	s := p.Summary()
	assert.Contains(t, s, "done ✗")
	assert.Contains(t, s, "mismatched 1")
}

func TestFeedPresenterLifecycleVerboseOnly(t *testing.T) {
	p, out, _ := newTestFeed()

	events := make(chan event.Event, 5)
	events <- event.Event{Type: event.SyncStarted, Group: "photos"}
	events <- event.Event{Type: event.SyncCompleted, Group: "photos"}
	close(events)

	err := p.Run(events)
	assert.NoError(t, err)
	assert.Empty(t, out.String())

	p2, out2, _ := newTestFeed()
	p2.verbose = true

	events = make(chan event.Event, 5)
	events <- event.Event{Type: event.SyncStarted, Group: "photos"}
	events <- event.Event{Type: event.SyncCompleted, Group: "photos"}
	close(events)

	err = p2.Run(events)
	assert.NoError(t, err)
	assert.Contains(t, out2.String(), "photos: starting")
	assert.Contains(t, out2.String(), "photos: done")
}

func TestFeedPresenterSyncFailed(t *testing.T) {
	p, out, _ := newTestFeed()

	events := make(chan event.Event, 5)
	events <- event.Event{
		Type: event.SyncFailed, Group: "photos", Error: errors.New("master root gone"),
	}
	close(events)

	err := p.Run(events)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "photos: sync failed: master root gone")
}

func TestFeedPresenterSummary(t *testing.T) {
	p, _, _ := newTestFeed()
	p.copied = 100
	p.bytes = 1024 * 1024
	p.deleted = 2

	s := p.Summary()
	assert.Contains(t, s, "done ✓")
	assert.Contains(t, s, "files 100")
	assert.Contains(t, s, "1.0 MiB")
	assert.Contains(t, s, "deleted 2")
	assert.Contains(t, s, "errors 0")
}

func TestFeedPresenterSummaryWithFailures(t *testing.T) {
	p, _, _ := newTestFeed()
	p.copied = 3
	p.failed = 1

	s := p.Summary()
	assert.Contains(t, s, "done ✗")
	assert.Contains(t, s, "errors 1")
}
