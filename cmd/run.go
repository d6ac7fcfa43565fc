package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-crawler/internal/app"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the explorer and scanners in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoles(cmd, app.Roles{Explorer: true, Scanners: true})
		},
	}
}
