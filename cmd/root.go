// Package cmd defines and implements the CLI commands for the casekb
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/app"
	"github.com/caseforge/casekb/internal/batch"
	"github.com/caseforge/casekb/internal/config"
	"github.com/caseforge/casekb/internal/embed"
	"github.com/caseforge/casekb/internal/source"
	"github.com/caseforge/casekb/internal/store"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface commands use. Keeping it an interface
// lets tests inject a fake container.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Tasks() store.TaskRepo
	Pages() store.PageRepo
	Records() store.CaseRecordRepo
	Imports() store.ImportRepo
	Cases() store.CaseRepo
	Batches() *batch.Store
	Ledger() *batch.Ledger
	Source() source.Client
	Encoder() embed.Encoder
}

// newApp is the application factory; a variable so tests can replace it.
var newApp = func(ctx context.Context) (App, error) {
	return app.New(ctx, cfgFile)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "casekb",
		Short: "Ingestion pipeline for the advertising case knowledge base",
		Long: `casekb crawls the remote advertising case library into durable JSON
batches, then imports those batches into the knowledge-base database with
validation and optional embedding vectors. Interrupted runs resume from the
on-disk ledger and per-file checkpoints.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
