package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keepsakefs/keepsake/internal/engine"
)

var verifyCmd = &cobra.Command{
	Use:           "verify GROUP",
	Short:         "Re-read every tracked backup copy and check content digests",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runVerifyCmd,
}

func runVerifyCmd(_ *cobra.Command, args []string) error {
	g, err := lookupGroup(args[0])
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, finishPresenter := startPresenter()

	syncer := engine.New(store, slog.Default())
	rep, err := syncer.Verify(ctx, g, engine.Config{Events: events})

	stop()
	finishPresenter()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "verified %d files: %d mismatched, %d missing, %d unreadable\n",
		rep.Checked, len(rep.Mismatched), len(rep.Missing), len(rep.FileErrors))
	if !rep.Clean() {
		return &exitError{code: 1}
	}
	return nil
}
