package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/importer"
	"github.com/caseforge/casekb/internal/store"
)

type importFlags struct {
	taskID          string
	batches         []string
	skipExisting    bool
	updateExisting  bool
	generateVectors bool
	skipInvalid     bool
	failedOnly      bool
	batchSize       int
}

// newImportCmd creates the 'import' subcommand. It loads batch files into
// the knowledge-base database with validation, dedup and optional vectors.
func newImportCmd() *cobra.Command {
	flags := &importFlags{}
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import crawled batch files into the knowledge base",
		Long: `Imports JSON batch files into the knowledge-base database. Records are
normalized and validated first; existing cases are skipped or refreshed per
the flags; vectors are generated when requested. Progress is checkpointed
per file, so a cancelled import reports exactly how far it got.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImportCommand(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.taskID, "task-id", "", "crawl task whose records this import updates")
	cmd.Flags().StringSliceVar(&flags.batches, "batches", nil, "batch file names to import (default: all)")
	cmd.Flags().BoolVar(&flags.skipExisting, "skip-existing", true, "skip cases already in the knowledge base")
	cmd.Flags().BoolVar(&flags.updateExisting, "update-existing", false, "refresh cases already in the knowledge base")
	cmd.Flags().BoolVar(&flags.generateVectors, "vectors", false, "generate embedding vectors during import")
	cmd.Flags().BoolVar(&flags.skipInvalid, "skip-invalid", false, "drop invalid records silently instead of recording errors")
	cmd.Flags().BoolVar(&flags.failedOnly, "failed-only", false, "only import cases whose previous import failed")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "database write batch size (0 uses config)")

	return cmd
}

func runImportCommand(cmd *cobra.Command, flags *importFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()

	if flags.generateVectors && appInstance.Encoder() == nil {
		return fmt.Errorf("vectors requested but embedding.base_url is not configured")
	}
	if flags.failedOnly && flags.taskID == "" {
		return fmt.Errorf("--failed-only requires --task-id")
	}

	mode := store.ImportModeFull
	if len(flags.batches) > 0 {
		mode = store.ImportModeSelective
	}
	batchSize := flags.batchSize
	if batchSize <= 0 {
		batchSize = cfg.Import.BatchSize
	}

	imp := &store.TaskImport{
		ImportID:        "import_" + uuid.NewString(),
		TaskID:          flags.taskID,
		ImportMode:      mode,
		SelectedBatches: flags.batches,
		SkipExisting:    flags.skipExisting,
		UpdateExisting:  flags.updateExisting,
		GenerateVectors: flags.generateVectors,
		SkipInvalid:     flags.skipInvalid,
		FailedOnly:      flags.failedOnly,
		BatchSize:       batchSize,
		Status:          store.ImportPending,
	}
	if err := appInstance.Imports().Create(cmd.Context(), imp); err != nil {
		return fmt.Errorf("create import run: %w", err)
	}
	logger.Info("import run created",
		zap.String("import_id", imp.ImportID),
		zap.String("mode", string(mode)),
		zap.Strings("batches", flags.batches))

	stage := importer.NewStage(appInstance.Batches(), appInstance.Imports(),
		appInstance.Records(), appInstance.Cases(), appInstance.Encoder(), logger)

	started := time.Now()
	err = stage.Run(cmd.Context(), imp)
	if errors.Is(err, importer.ErrCancelled) {
		logger.Warn("import cancelled",
			zap.String("import_id", imp.ImportID),
			zap.Int("imported", imp.ImportedCases),
			zap.String("last_file", imp.CurrentFile))
		return nil
	}
	if err != nil {
		return fmt.Errorf("import %s: %w", imp.ImportID, err)
	}

	logger.Info("import finished",
		zap.String("import_id", imp.ImportID),
		zap.Int("total", imp.TotalCases),
		zap.Int("loaded", imp.LoadedCases),
		zap.Int("imported", imp.ImportedCases),
		zap.Int("existing", imp.ExistingCases),
		zap.Int("invalid", imp.InvalidCases),
		zap.Int("failed", imp.FailedCases),
		zap.Duration("took", time.Since(started)))
	return nil
}
