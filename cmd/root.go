// Package cmd defines and implements the CLI commands for the regional-access executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/regional-access/internal/config"
	"github.com/JakeFAU/regional-access/internal/server"
)

// appRunner is the slice of *server.App the run commands use.
type appRunner interface {
	Run(ctx context.Context) error
}

// buildApp is the application factory. It's a variable so tests can replace it.
var buildApp = func(ctx context.Context, cfg config.Config, roles server.Roles) (appRunner, error) {
	return server.Build(ctx, cfg, roles)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "regional-access",
		Short: "Regional transit accessibility analysis.",
		Long: `regional-access computes cumulative-opportunity accessibility for every origin of a
regional grid. The API fans a job out into one work item per origin, workers compute a
bootstrapped sample vector for each origin, and the collator assembles the results into an
access grid that can be reduced to a scalar surface.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(
		newRunCmd("serve", "Serve the regional job API", server.Roles{API: true}, loadConfig),
		newRunCmd("worker", "Compute single-origin results from the job transport", server.Roles{Workers: true}, loadConfig),
		newRunCmd("collator", "Assemble origin results into access grids", server.Roles{Collator: true}, loadConfig),
		newRunCmd("all", "Run the API, workers and collator in one process", server.AllRoles, loadConfig),
		newReduceCmd(),
	)
	return cmd
}

func newRunCmd(use, short string, roles server.Roles, loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg, roles)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
