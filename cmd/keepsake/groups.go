package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keepsakefs/keepsake/internal/config"
)

var groupsCmd = &cobra.Command{
	Use:           "groups",
	Short:         "List configured groups",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runGroupsCmd,
}

func runGroupsCmd(_ *cobra.Command, _ []string) error {
	file, err := config.Load(configPath)
	if err != nil {
		return err
	}
	groups, err := file.Groups()
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Fprintln(os.Stdout, "no groups configured")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tMASTER\tBACKUP\tSCHEDULE")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			g.ID, g.Mode, g.MasterRoot, g.BackupRoot, g.Schedule)
	}
	return tw.Flush()
}
