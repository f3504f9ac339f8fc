package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keepsakefs/keepsake/internal/engine"
	"github.com/keepsakefs/keepsake/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:           "watch GROUP...",
	Short:         "Watch master trees and synchronize on change until interrupted",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWatchCmd,
}

func runWatchCmd(_ *cobra.Command, args []string) error {
	groups, err := selectGroups(args)
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
	defer engine.CleanupTmpFiles()

	events, finishPresenter := startPresenter()
	defer finishPresenter()

	syncer := engine.New(store, slog.Default())
	mgr := watch.New(syncer, engine.Config{Events: events}, slog.Default())
	mgr.OnError = func(groupID string, err error) {
		slog.Error("group dropped from watch", "group", groupID, "error", err)
	}
	defer mgr.Stop()

	for _, g := range groups {
		if err := mgr.Watch(g); err != nil {
			return fmt.Errorf("watch %s: %w", g.ID, err)
		}
	}
	mgr.Start()

	slog.Info("watching for changes", "groups", len(groups))
	<-ctx.Done()
	return nil
}
