package ui

import (
	"fmt"
	"io"

	"github.com/keepsakefs/keepsake/internal/event"
)

// quietPresenter suppresses the feed and reports failures only.
type quietPresenter struct {
	errW io.Writer
}

func (p *quietPresenter) Run(events <-chan event.Event) error {
	for ev := range events {
		p.handleEvent(ev)
	}
	return nil
}

func (p *quietPresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.FileFailed:
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.errW, "%s  %s\n", ev.Path, errMsg)
	case event.SyncFailed:
		if ev.Error != nil {
			fmt.Fprintf(p.errW, "%s: sync failed: %v\n", ev.Group, ev.Error)
		}
	case event.VerifyMismatch:
		fmt.Fprintf(p.errW, "MISMATCH: %s\n", ev.Path)
	}
}

func (p *quietPresenter) Summary() string {
	return ""
}
