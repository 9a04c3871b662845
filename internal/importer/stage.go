// Package importer implements the import stage: load batch files, validate
// and normalize their records, dedupe against the case table, embed and
// upsert. Progress is checkpointed per file and cancellation is honored at
// file boundaries, so an interrupted import can be reasoned about from its
// row alone.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/batch"
	"github.com/caseforge/casekb/internal/casekb"
	"github.com/caseforge/casekb/internal/embed"
	"github.com/caseforge/casekb/internal/metrics"
	"github.com/caseforge/casekb/internal/store"
	"github.com/caseforge/casekb/internal/validator"
)

// ErrCancelled is returned when a run stops at a file boundary because the
// import row was marked cancelled.
var ErrCancelled = errors.New("import cancelled")

// Stage runs import tasks.
type Stage struct {
	batches *batch.Store
	imports store.ImportRepo
	records store.CaseRecordRepo
	cases   store.CaseRepo
	encoder embed.Encoder
	logger  *zap.Logger
}

// NewStage builds an import stage. encoder may be nil when no run will ask
// for vectors.
func NewStage(
	batches *batch.Store,
	imports store.ImportRepo,
	records store.CaseRecordRepo,
	cases store.CaseRepo,
	encoder embed.Encoder,
	logger *zap.Logger,
) *Stage {
	metrics.Init()
	return &Stage{
		batches: batches,
		imports: imports,
		records: records,
		cases:   cases,
		encoder: encoder,
		logger:  logger,
	}
}

// Run executes one import to completion, cancellation or failure. The
// import row is the progress checkpoint: counters and current_file are
// persisted after every batch file. At the end the counters satisfy
// imported + failed + existing + invalid == loaded <= total.
func (s *Stage) Run(ctx context.Context, imp *store.TaskImport) error {
	started := time.Now()
	now := started.UTC()
	imp.Status = store.ImportRunning
	imp.StartedAt = &now

	files, err := s.selectFiles(imp)
	if err != nil {
		return s.fail(ctx, imp, started, err)
	}
	total, err := s.countCases(files)
	if err != nil {
		return s.fail(ctx, imp, started, err)
	}
	imp.TotalCases = total
	if err := s.imports.Update(ctx, imp); err != nil {
		return fmt.Errorf("checkpoint import %s: %w", imp.ImportID, err)
	}

	failedOnly, err := s.failedOnlyFilter(ctx, imp)
	if err != nil {
		return s.fail(ctx, imp, started, err)
	}

	var imported []int64
	for _, file := range files {
		cancelled, err := s.isCancelled(ctx, imp)
		if err != nil {
			return s.fail(ctx, imp, started, err)
		}
		if cancelled {
			return s.cancel(ctx, imp, started, imported)
		}

		fileImported, err := s.importFile(ctx, imp, file, failedOnly)
		if err != nil {
			return s.fail(ctx, imp, started, err)
		}
		imported = append(imported, fileImported...)

		imp.CurrentFile = file
		imp.DurationSeconds = time.Since(started).Seconds()
		if err := s.imports.Update(ctx, imp); err != nil {
			return fmt.Errorf("checkpoint import %s: %w", imp.ImportID, err)
		}
	}

	if err := s.verifyImported(ctx, imported); err != nil {
		return s.fail(ctx, imp, started, err)
	}

	imp.Status = store.ImportCompleted
	done := time.Now().UTC()
	imp.CompletedAt = &done
	imp.DurationSeconds = time.Since(started).Seconds()
	if err := s.imports.Update(ctx, imp); err != nil {
		return fmt.Errorf("finish import %s: %w", imp.ImportID, err)
	}
	metrics.ObserveImportRun(string(store.ImportCompleted))

	s.logger.Info("import finished",
		zap.String("import_id", imp.ImportID),
		zap.Int("total", imp.TotalCases),
		zap.Int("loaded", imp.LoadedCases),
		zap.Int("imported", imp.ImportedCases),
		zap.Int("existing", imp.ExistingCases),
		zap.Int("invalid", imp.InvalidCases),
		zap.Int("failed", imp.FailedCases))
	return nil
}

// selectFiles resolves which batch files this run consumes.
func (s *Stage) selectFiles(imp *store.TaskImport) ([]string, error) {
	all, err := s.batches.List()
	if err != nil {
		return nil, err
	}
	if imp.ImportMode != store.ImportModeSelective {
		return all, nil
	}

	known := make(map[string]struct{}, len(all))
	for _, name := range all {
		known[name] = struct{}{}
	}
	for _, name := range imp.SelectedBatches {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("selected batch %s does not exist", name)
		}
	}
	return imp.SelectedBatches, nil
}

func (s *Stage) countCases(files []string) (int, error) {
	total := 0
	for _, file := range files {
		records, err := s.batches.Load(file)
		if err != nil {
			return 0, err
		}
		total += len(records)
	}
	return total, nil
}

// failedOnlyFilter returns the set of case ids eligible for a failed-only
// re-import, or nil when the mode is off.
func (s *Stage) failedOnlyFilter(ctx context.Context, imp *store.TaskImport) (map[int64]struct{}, error) {
	if !imp.FailedOnly {
		return nil, nil
	}
	ids, err := s.records.FailedImportIDs(ctx, imp.TaskID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// isCancelled re-reads the import row; cancellation is requested by setting
// the row's status and only takes effect here, between files.
func (s *Stage) isCancelled(ctx context.Context, imp *store.TaskImport) (bool, error) {
	fresh, err := s.imports.Get(ctx, imp.ImportID)
	if err != nil {
		return false, err
	}
	return fresh.Status == store.ImportCancelled, nil
}

// importFile processes one batch file and returns the ids it upserted.
func (s *Stage) importFile(ctx context.Context, imp *store.TaskImport, file string, failedOnly map[int64]struct{}) ([]int64, error) {
	records, err := s.batches.Load(file)
	if err != nil {
		return nil, err
	}
	imp.LoadedCases += len(records)

	records = validator.NormalizeBatch(records)
	valid, invalid := validator.ValidateBatch(records)
	imp.ValidCases += len(valid)
	imp.InvalidCases += len(invalid)
	if !imp.SkipInvalid {
		for _, rec := range invalid {
			if err := s.recordError(ctx, imp, file, rec.CaseID(), rec.ErrorType(), rec.Reason, nil); err != nil {
				return nil, err
			}
		}
	}

	if failedOnly != nil {
		kept := valid[:0]
		for _, rec := range valid {
			if _, ok := failedOnly[rec.CaseID()]; ok {
				kept = append(kept, rec)
			}
		}
		// Records outside the failed set are simply out of scope for this
		// run; they adjust loaded so the counter identity still holds.
		imp.LoadedCases -= len(valid) - len(kept)
		valid = kept
	}

	ids := make([]int64, 0, len(valid))
	for _, rec := range valid {
		ids = append(ids, rec.CaseID())
	}
	existing, err := s.cases.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var imported []int64
	for _, rec := range valid {
		id := rec.CaseID()
		if _, exists := existing[id]; exists && imp.SkipExisting && !imp.UpdateExisting {
			imp.ExistingCases++
			metrics.ObserveImportedCase("existing")
			continue
		}
		if err := s.importCase(ctx, imp, file, rec); err != nil {
			// Per-case isolation: the failure is recorded and the rest of
			// the file proceeds.
			imp.FailedCases++
			metrics.ObserveImportedCase("failed")
			continue
		}
		imp.ImportedCases++
		imported = append(imported, id)
		metrics.ObserveImportedCase("imported")
	}

	s.logger.Info("batch file imported",
		zap.String("import_id", imp.ImportID),
		zap.String("file", file),
		zap.Int("records", len(records)),
		zap.Int("invalid", len(invalid)))
	return imported, nil
}

// importCase embeds and upserts a single case. Any error is recorded as an
// import error row before being returned.
func (s *Stage) importCase(ctx context.Context, imp *store.TaskImport, file string, rec casekb.Record) error {
	fields := rec.Case
	row := &store.Case{
		CaseID:        fields.CaseID,
		Title:         strings.TrimSpace(fields.Title),
		Description:   strings.TrimSpace(fields.Description),
		SourceURL:     fields.SourceURL,
		MainImage:     fields.MainImage,
		Images:        fields.Images,
		VideoURL:      fields.VideoURL,
		BrandName:     fields.BrandName,
		BrandIndustry: fields.BrandIndustry,
		ActivityType:  fields.ActivityType,
		Location:      fields.Location,
		Tags:          fields.Tags,
		Score:         fields.Score,
		ScoreDecimal:  fields.ScoreDecimal,
		Favourite:     fields.Favourite,
		PublishTime:   fields.PublishTime,
		Author:        fields.Author,
		CompanyName:   fields.CompanyName,
		CompanyLogo:   fields.CompanyLogo,
		AgencyName:    fields.AgencyName,
	}

	if imp.GenerateVectors {
		text := strings.TrimSpace(row.Title + " " + row.Description)
		if text == "" {
			// Nothing to embed; the case is stored without a vector.
			s.logger.Warn("case has no text to embed",
				zap.String("import_id", imp.ImportID),
				zap.Int64("case_id", row.CaseID))
		} else {
			vector, err := s.encoder.Encode(ctx, text)
			if err != nil {
				wrapped := fmt.Errorf("embed case %d: %w", row.CaseID, err)
				if rerr := s.recordError(ctx, imp, file, row.CaseID, casekb.ErrorEmbedding, wrapped.Error(), nil); rerr != nil {
					return rerr
				}
				return wrapped
			}
			row.CombinedVector = vector
		}
	}

	if err := s.cases.Upsert(ctx, row); err != nil {
		wrapped := fmt.Errorf("upsert case %d: %w", row.CaseID, err)
		if rerr := s.recordError(ctx, imp, file, row.CaseID, casekb.ErrorDB, wrapped.Error(), nil); rerr != nil {
			return rerr
		}
		return wrapped
	}
	return nil
}

func (s *Stage) recordError(ctx context.Context, imp *store.TaskImport, file string, caseID int64, errType casekb.ErrorType, msg string, details map[string]any) error {
	return s.imports.RecordError(ctx, &store.ImportError{
		ImportID:     imp.ImportID,
		FileName:     file,
		CaseID:       caseID,
		ErrorType:    errType,
		ErrorMessage: msg,
		ErrorDetails: details,
	})
}

// verifyImported marks the crawl records of upserted cases. Only ids whose
// case row actually exists are marked; validation state is untouched.
func (s *Stage) verifyImported(ctx context.Context, imported []int64) error {
	if len(imported) == 0 {
		return nil
	}
	present, err := s.cases.ExistingIDs(ctx, imported)
	if err != nil {
		return err
	}
	verified := make([]int64, 0, len(present))
	for _, id := range imported {
		if _, ok := present[id]; ok {
			verified = append(verified, id)
		}
	}
	if len(verified) == 0 {
		return nil
	}
	return s.records.MarkImported(ctx, verified, "success", true)
}

func (s *Stage) cancel(ctx context.Context, imp *store.TaskImport, started time.Time, imported []int64) error {
	if err := s.verifyImported(ctx, imported); err != nil {
		return s.fail(ctx, imp, started, err)
	}
	now := time.Now().UTC()
	imp.Status = store.ImportCancelled
	imp.CancelledAt = &now
	imp.DurationSeconds = time.Since(started).Seconds()
	if err := s.imports.Update(ctx, imp); err != nil {
		return fmt.Errorf("mark import %s cancelled: %w", imp.ImportID, err)
	}
	metrics.ObserveImportRun(string(store.ImportCancelled))
	s.logger.Info("import cancelled at file boundary",
		zap.String("import_id", imp.ImportID),
		zap.String("last_file", imp.CurrentFile))
	return ErrCancelled
}

func (s *Stage) fail(ctx context.Context, imp *store.TaskImport, started time.Time, cause error) error {
	now := time.Now().UTC()
	imp.Status = store.ImportFailed
	imp.CompletedAt = &now
	imp.ErrorMessage = cause.Error()
	imp.DurationSeconds = time.Since(started).Seconds()
	if err := s.imports.Update(ctx, imp); err != nil {
		s.logger.Error("failed to mark import failed",
			zap.String("import_id", imp.ImportID), zap.Error(err))
	}
	metrics.ObserveImportRun(string(store.ImportFailed))
	return fmt.Errorf("import %s: %w", imp.ImportID, cause)
}
