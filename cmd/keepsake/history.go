package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keepsakefs/keepsake/internal/tracking"
	"github.com/keepsakefs/keepsake/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:           "history GROUP [PATH]",
	Short:         "Show the group's run ledger, or one file's sync history",
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHistoryCmd,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "most recent entries to show")
}

func runHistoryCmd(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit") //nolint:errcheck // flag name is hardcoded

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 2 {
		return printFileHistory(store, args[0], args[1], limit)
	}
	return printRuns(store, args[0], limit)
}

func printRuns(store *tracking.Store, groupID string, limit int) error {
	runs, err := store.Runs(groupID, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(os.Stdout, "no runs recorded for %s\n", groupID)
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tCOPIED\tDELETED\tFAILED\tCONFLICTS\tSIZE\tTIME")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status, r.Copied, r.Deleted, r.Failed, r.Conflicts,
			ui.FormatBytes(r.Bytes),
			ui.FormatDuration(r.FinishedAt.Sub(r.StartedAt)),
		)
	}
	return tw.Flush()
}

func printFileHistory(store *tracking.Store, groupID, relPath string, limit int) error {
	entries, err := store.History(groupID, relPath, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stdout, "no history for %s\n", relPath)
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYNCED\tSIZE\tMODIFIED\tCHECKSUM")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.SyncedAt.Local().Format("2006-01-02 15:04:05"),
			ui.FormatBytes(e.Size),
			e.ModTime.Local().Format("2006-01-02 15:04:05"),
			shortSum(e.Checksum),
		)
	}
	return tw.Flush()
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
