package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-crawler/internal/app"
)

func newExploreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explore",
		Short: "Runs the daily exploration loop",
		Long: `Seeds today's frontier, explores every reachable page on the target host,
registers newly seen entities, and sleeps until the next UTC day.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoles(cmd, app.Roles{Explorer: true})
		},
	}
}
