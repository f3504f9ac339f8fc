package ui

import (
	"io"
	"time"

	"github.com/keepsakefs/keepsake/internal/event"
)

// Presenter consumes engine events and renders them for the user.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer    io.Writer
	ErrWriter io.Writer
	IsTTY     bool
	Quiet     bool
	Verbose   bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{errW: cfg.ErrWriter}
	}
	return &feedPresenter{
		w:         cfg.Writer,
		errW:      cfg.ErrWriter,
		verbose:   cfg.Verbose,
		heartbeat: !cfg.IsTTY,
		started:   time.Now(),
	}
}
