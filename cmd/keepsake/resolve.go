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
	"github.com/keepsakefs/keepsake/internal/group"
)

var resolveCmd = &cobra.Command{
	Use:           "resolve GROUP PATH POLICY",
	Short:         "Settle a conflicted path with an explicit policy",
	Long: `Resolve settles one conflict recorded by an earlier sync. POLICY is one
of keep-master, keep-backup, or keep-both; manual is not accepted here
since resolve is the manual step.`,
	Args:          cobra.ExactArgs(3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runResolveCmd,
}

func runResolveCmd(_ *cobra.Command, args []string) error {
	g, err := lookupGroup(args[0])
	if err != nil {
		return err
	}
	relPath := args[1]
	policy, err := group.ParsePolicy(args[2])
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

	syncer := engine.New(store, slog.Default())
	if err := syncer.ResolveConflict(ctx, g, relPath, policy); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "resolved %s (%s)\n", relPath, policy)
	return nil
}
