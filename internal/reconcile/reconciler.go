// Package reconcile repairs pipeline state left behind by crashed or
// interrupted runs. Every repair is idempotent: a second pass over a healthy
// system changes nothing.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/metrics"
	"github.com/caseforge/casekb/internal/store"
)

// Config tunes the reconciler.
type Config struct {
	// StuckAfter is how long a task or import may stay running before it
	// is presumed dead.
	StuckAfter time.Duration
}

// Report counts the repairs one pass performed.
type Report struct {
	StuckTasksFailed   int   `json:"stuck_tasks_failed"`
	StuckImportsFailed int   `json:"stuck_imports_failed"`
	ImportMarksCleared int   `json:"import_marks_cleared"`
	OrphanedErrorsGone int64 `json:"orphaned_errors_removed"`
}

// Reconciler runs repair passes over the tracking repositories.
type Reconciler struct {
	cfg     Config
	tasks   store.TaskRepo
	imports store.ImportRepo
	records store.CaseRecordRepo
	cases   store.CaseRepo
	logger  *zap.Logger
}

// New builds a Reconciler.
func New(
	cfg Config,
	tasks store.TaskRepo,
	imports store.ImportRepo,
	records store.CaseRecordRepo,
	cases store.CaseRepo,
	logger *zap.Logger,
) *Reconciler {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 2 * time.Hour
	}
	metrics.Init()
	return &Reconciler{
		cfg:     cfg,
		tasks:   tasks,
		imports: imports,
		records: records,
		cases:   cases,
		logger:  logger,
	}
}

// Run performs one full repair pass.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if err := r.failStuckTasks(ctx, report); err != nil {
		return nil, fmt.Errorf("repair stuck tasks: %w", err)
	}
	if err := r.failStuckImports(ctx, report); err != nil {
		return nil, fmt.Errorf("repair stuck imports: %w", err)
	}
	if err := r.reconcileImportMarks(ctx, report); err != nil {
		return nil, fmt.Errorf("reconcile import marks: %w", err)
	}

	removed, err := r.imports.DeleteOrphanedErrors(ctx)
	if err != nil {
		return nil, fmt.Errorf("clean orphaned import errors: %w", err)
	}
	report.OrphanedErrorsGone = removed
	if removed > 0 {
		metrics.ObserveRepair("orphaned_errors")
	}

	r.logger.Info("reconciliation pass finished",
		zap.Int("stuck_tasks", report.StuckTasksFailed),
		zap.Int("stuck_imports", report.StuckImportsFailed),
		zap.Int("marks_cleared", report.ImportMarksCleared),
		zap.Int64("orphaned_errors", report.OrphanedErrorsGone))
	return report, nil
}

// failStuckTasks marks long-running tasks as failed. A crawl that died with
// the process can never report completion itself.
func (r *Reconciler) failStuckTasks(ctx context.Context, report *Report) error {
	cutoff := time.Now().UTC().Add(-r.cfg.StuckAfter)
	stuck, err := r.tasks.ListStuck(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, task := range stuck {
		from := task.Status
		now := time.Now().UTC()
		task.Status = store.TaskFailed
		task.CompletedAt = &now
		task.ErrorMessage = "crawl run did not finish; marked failed by reconciliation"
		if err := r.tasks.Update(ctx, task); err != nil {
			return err
		}
		if err := r.tasks.RecordTransition(ctx, store.StatusTransition{
			TaskID: task.TaskID,
			From:   from,
			To:     store.TaskFailed,
			At:     now,
		}); err != nil {
			return err
		}
		report.StuckTasksFailed++
		metrics.ObserveRepair("stuck_task")
		r.logger.Warn("stuck crawl task marked failed",
			zap.String("task_id", task.TaskID),
			zap.Timep("started_at", task.StartedAt))
	}
	return nil
}

func (r *Reconciler) failStuckImports(ctx context.Context, report *Report) error {
	cutoff := time.Now().UTC().Add(-r.cfg.StuckAfter)
	stuck, err := r.imports.ListStuck(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, imp := range stuck {
		now := time.Now().UTC()
		imp.Status = store.ImportFailed
		imp.CompletedAt = &now
		imp.ErrorMessage = "import run did not finish; marked failed by reconciliation"
		if err := r.imports.Update(ctx, imp); err != nil {
			return err
		}
		report.StuckImportsFailed++
		metrics.ObserveRepair("stuck_import")
		r.logger.Warn("stuck import marked failed",
			zap.String("import_id", imp.ImportID),
			zap.Timep("started_at", imp.StartedAt))
	}
	return nil
}

// reconcileImportMarks clears the imported mark on crawl records whose case
// row no longer exists, so a later import picks them up again.
func (r *Reconciler) reconcileImportMarks(ctx context.Context, report *Report) error {
	marked, err := r.records.ListImportedIDs(ctx)
	if err != nil {
		return err
	}
	if len(marked) == 0 {
		return nil
	}
	present, err := r.cases.ExistingIDs(ctx, marked)
	if err != nil {
		return err
	}
	var missing []int64
	for _, id := range marked {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := r.records.ClearImported(ctx, missing); err != nil {
		return err
	}
	report.ImportMarksCleared = len(missing)
	metrics.ObserveRepair("import_mark")
	r.logger.Warn("cleared import marks for missing cases",
		zap.Int("count", len(missing)))
	return nil
}
