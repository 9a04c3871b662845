package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/caseforge/casekb/internal/store"
)

// ImportStore is the Postgres-backed store.ImportRepo.
type ImportStore struct {
	pool dbPool
}

// NewImportStore creates an ImportStore with its own pool.
func NewImportStore(ctx context.Context, cfg Config) (*ImportStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ImportStore{pool: pool}, nil
}

// NewImportStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewImportStoreWithPool(pool dbPool) (*ImportStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ImportStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ImportStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *ImportStore) Create(ctx context.Context, imp *store.TaskImport) error {
	batchesJSON, err := json.Marshal(imp.SelectedBatches)
	if err != nil {
		return fmt.Errorf("marshal selected batches: %w", err)
	}
	query := `
INSERT INTO task_imports (
	import_id, task_id, import_mode, selected_batches, skip_existing,
	update_existing, generate_vectors, skip_invalid, failed_only,
	batch_size, status
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = s.pool.Exec(ctx, query,
		imp.ImportID, imp.TaskID, imp.ImportMode, batchesJSON,
		imp.SkipExisting, imp.UpdateExisting, imp.GenerateVectors,
		imp.SkipInvalid, imp.FailedOnly, imp.BatchSize, imp.Status)
	if err != nil {
		return fmt.Errorf("insert import: %w", err)
	}
	return nil
}

const importColumns = `import_id, task_id, import_mode, selected_batches,
skip_existing, update_existing, generate_vectors, skip_invalid, failed_only,
batch_size, status, started_at, completed_at, cancelled_at, total_cases,
loaded_cases, valid_cases, invalid_cases, existing_cases, imported_cases,
failed_cases, current_file, duration_seconds, error_message`

func (s *ImportStore) Get(ctx context.Context, importID string) (*store.TaskImport, error) {
	query := fmt.Sprintf(`SELECT %s FROM task_imports WHERE import_id = $1`, importColumns)
	imp, err := scanImport(s.pool.QueryRow(ctx, query, importID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("import %s: %w", importID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("select import: %w", err)
	}
	return imp, nil
}

func (s *ImportStore) Update(ctx context.Context, imp *store.TaskImport) error {
	query := `
UPDATE task_imports SET
	status = $2, started_at = $3, completed_at = $4, cancelled_at = $5,
	total_cases = $6, loaded_cases = $7, valid_cases = $8,
	invalid_cases = $9, existing_cases = $10, imported_cases = $11,
	failed_cases = $12, current_file = $13, duration_seconds = $14,
	error_message = $15
WHERE import_id = $1`
	tag, err := s.pool.Exec(ctx, query,
		imp.ImportID, imp.Status, imp.StartedAt, imp.CompletedAt,
		imp.CancelledAt, imp.TotalCases, imp.LoadedCases, imp.ValidCases,
		imp.InvalidCases, imp.ExistingCases, imp.ImportedCases,
		imp.FailedCases, imp.CurrentFile, imp.DurationSeconds,
		imp.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update import: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("import %s: %w", imp.ImportID, store.ErrNotFound)
	}
	return nil
}

func (s *ImportStore) ListStuck(ctx context.Context, cutoff time.Time) ([]*store.TaskImport, error) {
	query := fmt.Sprintf(`
SELECT %s FROM task_imports
WHERE status = 'running' AND started_at < $1
ORDER BY started_at`, importColumns)
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck imports: %w", err)
	}
	defer rows.Close()

	var out []*store.TaskImport
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}

func (s *ImportStore) RecordError(ctx context.Context, ie *store.ImportError) error {
	detailsJSON, err := json.Marshal(ie.ErrorDetails)
	if err != nil {
		return fmt.Errorf("marshal error details: %w", err)
	}
	query := `
INSERT INTO task_import_errors (
	import_id, file_name, case_id, error_type, error_message, error_details
) VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id`
	err = s.pool.QueryRow(ctx, query,
		ie.ImportID, ie.FileName, ie.CaseID, ie.ErrorType, ie.ErrorMessage,
		detailsJSON,
	).Scan(&ie.ID)
	if err != nil {
		return fmt.Errorf("insert import error: %w", err)
	}
	return nil
}

func (s *ImportStore) ListErrors(ctx context.Context, importID string) ([]*store.ImportError, error) {
	query := `
SELECT id, import_id, file_name, case_id, error_type, error_message, error_details
FROM task_import_errors
WHERE import_id = $1
ORDER BY id`
	rows, err := s.pool.Query(ctx, query, importID)
	if err != nil {
		return nil, fmt.Errorf("list import errors: %w", err)
	}
	defer rows.Close()

	var out []*store.ImportError
	for rows.Next() {
		var ie store.ImportError
		var detailsJSON []byte
		err := rows.Scan(&ie.ID, &ie.ImportID, &ie.FileName, &ie.CaseID,
			&ie.ErrorType, &ie.ErrorMessage, &detailsJSON)
		if err != nil {
			return nil, fmt.Errorf("scan import error: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &ie.ErrorDetails); err != nil {
				return nil, fmt.Errorf("decode error details: %w", err)
			}
		}
		out = append(out, &ie)
	}
	return out, rows.Err()
}

func (s *ImportStore) DeleteOrphanedErrors(ctx context.Context) (int64, error) {
	query := `
DELETE FROM task_import_errors e
WHERE NOT EXISTS (
	SELECT 1 FROM task_imports i WHERE i.import_id = e.import_id
)`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned import errors: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanImport(row pgx.Row) (*store.TaskImport, error) {
	var imp store.TaskImport
	var batchesJSON []byte
	err := row.Scan(
		&imp.ImportID, &imp.TaskID, &imp.ImportMode, &batchesJSON,
		&imp.SkipExisting, &imp.UpdateExisting, &imp.GenerateVectors,
		&imp.SkipInvalid, &imp.FailedOnly, &imp.BatchSize, &imp.Status,
		&imp.StartedAt, &imp.CompletedAt, &imp.CancelledAt, &imp.TotalCases,
		&imp.LoadedCases, &imp.ValidCases, &imp.InvalidCases,
		&imp.ExistingCases, &imp.ImportedCases, &imp.FailedCases,
		&imp.CurrentFile, &imp.DurationSeconds, &imp.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if len(batchesJSON) > 0 {
		if err := json.Unmarshal(batchesJSON, &imp.SelectedBatches); err != nil {
			return nil, fmt.Errorf("decode selected batches: %w", err)
		}
	}
	return &imp, nil
}
