package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keepsakefs/keepsake/internal/engine"
)

var restoreCmd = &cobra.Command{
	Use:           "restore GROUP PATH [DEST]",
	Short:         "Restore one file from the backup tree",
	Long: `Restore copies a single tracked file out of the backup tree, decoding
compression and encryption as configured for the group. Without DEST the
file goes back to its place in the master tree; the restored content is
digest-checked against the tracking store before it replaces anything.`,
	Args:          cobra.RangeArgs(2, 3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRestoreCmd,
}

func runRestoreCmd(_ *cobra.Command, args []string) error {
	g, err := lookupGroup(args[0])
	if err != nil {
		return err
	}
	relPath := args[1]
	dest := ""
	if len(args) == 3 {
		dest = args[2]
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
	if err := syncer.Restore(ctx, g, relPath, dest); err != nil {
		return err
	}

	if dest == "" {
		dest = filepath.Join(g.MasterRoot, relPath)
	}
	fmt.Fprintf(os.Stdout, "restored %s -> %s\n", relPath, dest)
	return nil
}
