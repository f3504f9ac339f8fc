package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/keepsakefs/keepsake/internal/event"
)

// feedPresenter prints one line per event to stdout. When stderr is not
// a terminal it also emits a periodic progress line there, so piped and
// scheduled runs stay observable.
type feedPresenter struct {
	w         io.Writer
	errW      io.Writer
	verbose   bool
	heartbeat bool

	started    time.Time
	copied     int64
	deleted    int64
	failed     int64
	conflicts  int64
	mismatched int64
	bytes      int64
}

func (p *feedPresenter) Run(events <-chan event.Event) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			if p.heartbeat {
				p.printProgress()
			}
		}
	}
}

func (p *feedPresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.SyncStarted:
		if p.verbose {
			fmt.Fprintf(p.w, "%s: starting\n", ev.Group)
		}
	case event.FileCopied:
		p.copied++
		p.bytes += ev.Bytes
		if ev.Direction == event.ToMaster {
			fmt.Fprintf(p.w, "%s  %s  to master\n", ev.Path, FormatBytes(ev.Bytes))
		} else {
			fmt.Fprintf(p.w, "%s  %s\n", ev.Path, FormatBytes(ev.Bytes))
		}
	case event.FileDeleted:
		p.deleted++
		fmt.Fprintf(p.w, "delete: %s\n", ev.Path)
	case event.FileSkipped:
		fmt.Fprintf(p.w, "%s  skipped\n", ev.Path)
	case event.FileFailed:
		p.failed++
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "%s  %s\n", ev.Path, errMsg)
	case event.ConflictDetected:
		p.conflicts++
		fmt.Fprintf(p.w, "conflict: %s (%s)\n", ev.Path, ev.Conflict)
	case event.ConflictResolved:
		fmt.Fprintf(p.w, "resolved: %s (%s)\n", ev.Path, ev.Conflict)
	case event.SyncCompleted:
		if p.verbose {
			fmt.Fprintf(p.w, "%s: done\n", ev.Group)
		}
	case event.SyncFailed:
		p.failed++
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "%s: sync failed: %s\n", ev.Group, errMsg)
	case event.VerifyMismatch:
		p.mismatched++
		fmt.Fprintf(p.w, "MISMATCH: %s\n", ev.Path)
	}
}

func (p *feedPresenter) printProgress() {
	fmt.Fprintf(p.errW, "progress: %s copied %s files\n",
		FormatBytes(p.bytes), FormatCount(p.copied))
}

func (p *feedPresenter) Summary() string {
	icon := "✓"
	if p.failed > 0 || p.mismatched > 0 {
		icon = "✗"
	}
	s := fmt.Sprintf("done %s  files %s  size %s  time %s",
		icon,
		FormatCount(p.copied),
		FormatBytes(p.bytes),
		FormatDuration(time.Since(p.started)),
	)
	if p.deleted > 0 {
		s += fmt.Sprintf("  deleted %s", FormatCount(p.deleted))
	}
	if p.conflicts > 0 {
		s += fmt.Sprintf("  conflicts %d", p.conflicts)
	}
	if p.mismatched > 0 {
		s += fmt.Sprintf("  mismatched %d", p.mismatched)
	}
	s += fmt.Sprintf("  errors %d", p.failed)
	return s
}
