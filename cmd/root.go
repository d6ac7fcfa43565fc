// Package cmd defines the CLI commands for the catalog crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/app"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
)

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what the root command prepared for subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, roles app.Roles, logger *zap.Logger) (application, error) {
	return app.New(ctx, cfg, roles, app.DefaultConnectors(), logger)
}

// migrateSchema applies the entity schema; tests replace it.
var migrateSchema = func(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	return app.Migrate(ctx, cfg, app.DefaultConnectors(), logger)
}

// application is the part of *app.App the commands drive.
type application interface {
	Run(ctx context.Context) error
	Close()
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "catalog-crawler",
		Short: "Discovers and periodically refreshes catalog entities on a storefront.",
		Long: `catalog-crawler explores a storefront once per UTC day, registering every
app, bundle and sub it finds, and runs periodic scanners that re-fetch known
entities in leased batches shared across worker processes.`,
		SilenceUsage: true,

		// Runs before every subcommand: config and logger are shared by all of them.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (env vars use the CRAWLER_ prefix)")

	cmd.AddCommand(newExploreCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger, lerr := logging.New(true, "info")
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "command failed: %v\n", err)
			os.Exit(1)
		}
		logger.Fatal("command execution failed", zap.Error(err))
	}
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// runRoles builds the app for roles and blocks until a signal or a runner failure.
func runRoles(cmd *cobra.Command, roles app.Roles) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), rt.cfg, roles, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close()

	if err := a.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	rt.logger.Info("shutdown complete")
	return nil
}
