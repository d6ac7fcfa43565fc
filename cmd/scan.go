package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-crawler/internal/app"
)

func newScanCmd() *cobra.Command {
	var workers []string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Runs the periodic entity scanners",
		Long: `Claims batches of entities not processed since the start of the UTC day,
fetches their pages, and marks them processed. Several processes may run the
same workers; leases keep their batches disjoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(workers) > 0 {
				rt, err := resolveRuntime(cmd.Context())
				if err != nil {
					return err
				}
				rt.cfg.Scanner.Workers = workers
				if err := rt.cfg.Validate(); err != nil {
					return err
				}
			}
			return runRoles(cmd, app.Roles{Scanners: true})
		},
	}
	cmd.Flags().StringSliceVar(&workers, "workers", nil, "override scanner.workers (e.g. scan-apps,aggregate-prices)")
	return cmd
}
