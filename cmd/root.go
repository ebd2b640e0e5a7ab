// Package cmd defines and implements the CLI commands for the adharvest executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/adharvest/internal/app"
	"github.com/JakeFAU/adharvest/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can inject
// collaborators that need no browser or database.
var newApp = func(cfg config.Config) (*app.App, error) {
	return app.New(cfg, app.Options{})
}

type rootOptions struct {
	configPath string
	targets    string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "adharvest",
		Short: "Harvests content records from script-rendered pages through supervised browser sessions.",
		Long: `adharvest drives automated browser sessions against a rotating set of
targets, extracting and deduplicating records into a durable store. Workers
recover from disconnects, recycle under memory pressure and resume from
checkpoints after a restart.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.targets != "" {
				cfg.Targets = config.ParseTargets(opts.targets)
			}
			appInstance, err := newApp(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.targets, "targets", "", "comma-separated target URLs, overriding the config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPoolCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newReconcileCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
