package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/reconcile"
)

// newReconcileCmd creates the 'reconcile' subcommand. It repairs state left
// behind by crashed runs: stuck tasks and imports are failed, stale import
// marks are cleared and orphaned error rows removed.
func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair pipeline state left behind by crashed runs",
		RunE:  runReconcileCommand,
	}
}

func runReconcileCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()

	rec := reconcile.New(reconcile.Config{StuckAfter: cfg.StuckAfter()},
		appInstance.Tasks(), appInstance.Imports(), appInstance.Records(),
		appInstance.Cases(), logger)

	report, err := rec.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	logger.Info("reconcile report",
		zap.Int("stuck_tasks_failed", report.StuckTasksFailed),
		zap.Int("stuck_imports_failed", report.StuckImportsFailed),
		zap.Int("import_marks_cleared", report.ImportMarksCleared),
		zap.Int64("orphaned_errors_removed", report.OrphanedErrorsGone))
	return nil
}
