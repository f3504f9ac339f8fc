package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keepsakefs/keepsake/internal/config"
	"github.com/keepsakefs/keepsake/internal/engine"
	"github.com/keepsakefs/keepsake/internal/group"
	"github.com/keepsakefs/keepsake/internal/schedule"
)

var cronCmd = &cobra.Command{
	Use:           "cron",
	Short:         "Run the scheduler for every group with a cron schedule",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCronCmd,
}

func runCronCmd(_ *cobra.Command, _ []string) error {
	file, err := config.Load(configPath)
	if err != nil {
		return err
	}
	groups, err := file.Groups()
	if err != nil {
		return err
	}

	scheduled := make([]*group.Group, 0, len(groups))
	for _, g := range groups {
		if g.Schedule != "" {
			scheduled = append(scheduled, g)
		}
	}
	if len(scheduled) == 0 {
		return errors.New("no configured group has a schedule")
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
	mgr := schedule.New(syncer, engine.Config{Events: events}, slog.Default())
	defer mgr.Stop()

	for _, g := range scheduled {
		if err := mgr.Add(g, g.Schedule); err != nil {
			return fmt.Errorf("schedule %s: %w", g.ID, err)
		}
	}
	mgr.Start()

	for _, e := range mgr.List() {
		slog.Info("scheduled", "group", e.GroupID, "expr", e.Expr, "next", e.Next)
	}
	<-ctx.Done()
	return nil
}
