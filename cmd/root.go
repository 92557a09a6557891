// Package cmd defines the stealthfetch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stealth-fetcher/internal/app"
	"github.com/JakeFAU/stealth-fetcher/internal/batch"
	"github.com/JakeFAU/stealth-fetcher/internal/config"
)

// appKeyType is the context key type for the built application.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of the application the commands drive.
type App interface {
	Run(ctx context.Context) error
	Runner() *batch.Runner
	Close(ctx context.Context) error
}

// newApp builds the application. Tests swap it for a fake.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "stealthfetch",
		Short: "Fetch web pages through an escalating cascade of fetch strategies.",
		Long: `stealthfetch retrieves HTML from sites that resist automated clients.
Each URL is tried with a plain HTTP client, then a client that impersonates a
browser TLS fingerprint, then a pooled headless Chrome that can wait out
JavaScript challenges.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return appInstance.Close(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars with the STEALTHFETCH_ prefix override it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFetchCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "stealthfetch:", err)
		os.Exit(1)
	}
}
