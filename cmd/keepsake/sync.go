package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/keepsakefs/keepsake/internal/config"
	"github.com/keepsakefs/keepsake/internal/engine"
	"github.com/keepsakefs/keepsake/internal/filter"
)

// excludeFlag is a custom pflag.Value that validates each --exclude
// glob as it is parsed.
type excludeFlag struct {
	globs *[]string
}

var _ pflag.Value = (*excludeFlag)(nil)

func (*excludeFlag) String() string { return "" }
func (*excludeFlag) Type() string   { return "string" }

func (f *excludeFlag) Set(val string) error {
	if _, err := filter.Compile([]string{val}); err != nil {
		return err
	}
	*f.globs = append(*f.globs, val)
	return nil
}

var syncExcludes []string

var syncCmd = &cobra.Command{
	Use:           "sync GROUP...",
	Short:         "Run one synchronization pass for the named groups",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSyncCmd,
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "plan the run without touching either tree")
	syncCmd.Flags().
		Var(&excludeFlag{globs: &syncExcludes}, "exclude", "exclude files matching GLOB (repeatable)")
	syncCmd.Flags().String("bwlimit", "", "bandwidth limit (e.g. 10M, 1G)")
	syncCmd.Flags().Bool("delete", false, "propagate master deletions to the backup")
	syncCmd.Flags().IntP("workers", "n", 0, "number of copy workers")
	syncCmd.Flags().Bool("force", false, "re-copy files even when signatures match")
}

func runSyncCmd(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")       //nolint:errcheck // flag name is hardcoded
	bwLimitStr, _ := cmd.Flags().GetString("bwlimit") //nolint:errcheck // flag name is hardcoded
	deleteFlag, _ := cmd.Flags().GetBool("delete")    //nolint:errcheck // flag name is hardcoded
	workers, _ := cmd.Flags().GetInt("workers")       //nolint:errcheck // flag name is hardcoded
	force, _ := cmd.Flags().GetBool("force")          //nolint:errcheck // flag name is hardcoded

	groups, err := selectGroups(args)
	if err != nil {
		return err
	}

	var bwLimit int64
	if bwLimitStr != "" {
		bwLimit, err = config.ParseSize(bwLimitStr)
		if err != nil {
			return fmt.Errorf("invalid --bwlimit: %w", err)
		}
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
	syncer := engine.New(store, slog.Default())

	exit := 0
	for _, g := range groups {
		g.Excludes = append(g.Excludes, syncExcludes...)
		if cmd.Flags().Changed("bwlimit") {
			g.BandwidthLimit = bwLimit
		}
		if cmd.Flags().Changed("workers") {
			g.Workers = workers
		}
		if deleteFlag {
			g.PropagateDeletes = true
		}

		res, err := syncer.Synchronize(ctx, g, engine.Config{
			Events: events,
			DryRun: dryRun,
			Force:  force,
		})
		if err != nil {
			slog.Error("sync failed", "group", g.ID, "error", err)
			exit = 2
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if dryRun {
			printPlan(res.Planned)
		}
		if res.Status == engine.StatusCompletedWithErrors && exit == 0 {
			exit = 1
		}
	}

	stop()
	finishPresenter()

	if exit != 0 {
		return &exitError{code: exit}
	}
	return nil
}

// printPlan writes the dry-run plan, one action per line.
func printPlan(plan []engine.Action) {
	for _, a := range plan {
		line := fmt.Sprintf("plan: %-16s %s", a.Op, a.Path)
		if a.RenameTo != "" {
			line += "  -> " + a.RenameTo
		}
		fmt.Fprintln(os.Stdout, line)
	}
}
