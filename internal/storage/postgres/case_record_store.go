package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/caseforge/casekb/internal/store"
)

// CaseRecordStore is the Postgres-backed store.CaseRecordRepo.
type CaseRecordStore struct {
	pool dbPool
}

// NewCaseRecordStore creates a CaseRecordStore with its own pool.
func NewCaseRecordStore(ctx context.Context, cfg Config) (*CaseRecordStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &CaseRecordStore{pool: pool}, nil
}

// NewCaseRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCaseRecordStoreWithPool(pool dbPool) (*CaseRecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CaseRecordStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CaseRecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Record upserts one case tracking row; (task_id, case_id) is unique.
func (s *CaseRecordStore) Record(ctx context.Context, rec *store.CaseCrawlRecord) error {
	validationJSON, err := json.Marshal(rec.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation errors: %w", err)
	}
	query := `
INSERT INTO crawl_case_records (
	task_id, list_page_id, case_id, case_url, case_title, status,
	error_type, error_message, crawled_at, duration_seconds,
	has_detail_data, has_validation_error, validation_errors,
	saved_to_json, batch_file_name, imported, import_status, verified,
	retry_count
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (task_id, case_id) DO UPDATE SET
	list_page_id = EXCLUDED.list_page_id,
	case_url = EXCLUDED.case_url,
	case_title = EXCLUDED.case_title,
	status = EXCLUDED.status,
	error_type = EXCLUDED.error_type,
	error_message = EXCLUDED.error_message,
	crawled_at = EXCLUDED.crawled_at,
	duration_seconds = EXCLUDED.duration_seconds,
	has_detail_data = EXCLUDED.has_detail_data,
	has_validation_error = EXCLUDED.has_validation_error,
	validation_errors = EXCLUDED.validation_errors,
	saved_to_json = EXCLUDED.saved_to_json,
	batch_file_name = EXCLUDED.batch_file_name,
	retry_count = EXCLUDED.retry_count
RETURNING id`
	err = s.pool.QueryRow(ctx, query,
		rec.TaskID, rec.ListPageID, rec.CaseID, rec.CaseURL, rec.CaseTitle,
		rec.Status, rec.ErrorType, rec.ErrorMessage, rec.CrawledAt,
		rec.DurationSeconds, rec.HasDetailData, rec.HasValidationError,
		validationJSON, rec.SavedToJSON, rec.BatchFileName, rec.Imported,
		rec.ImportStatus, rec.Verified, rec.RetryCount,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("upsert case record: %w", err)
	}
	return nil
}

func (s *CaseRecordStore) ListByTask(ctx context.Context, taskID string) ([]*store.CaseCrawlRecord, error) {
	query := `
SELECT id, task_id, list_page_id, case_id, case_url, case_title, status,
	error_type, error_message, crawled_at, duration_seconds,
	has_detail_data, has_validation_error, validation_errors,
	saved_to_json, batch_file_name, imported, import_status, verified,
	retry_count
FROM crawl_case_records
WHERE task_id = $1
ORDER BY case_id`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list case records: %w", err)
	}
	defer rows.Close()
	return collectCaseRecords(rows)
}

func (s *CaseRecordStore) FailedImportIDs(ctx context.Context, taskID string) ([]int64, error) {
	query := `
SELECT case_id FROM crawl_case_records
WHERE task_id = $1 AND import_status IS DISTINCT FROM 'success'
ORDER BY case_id`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list failed-import ids: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *CaseRecordStore) MarkImported(ctx context.Context, caseIDs []int64, status string, verified bool) error {
	if len(caseIDs) == 0 {
		return nil
	}
	query := `
UPDATE crawl_case_records
SET imported = TRUE, import_status = $2, verified = $3
WHERE case_id = ANY($1)`
	if _, err := s.pool.Exec(ctx, query, caseIDs, status, verified); err != nil {
		return fmt.Errorf("mark records imported: %w", err)
	}
	return nil
}

func (s *CaseRecordStore) ListImportedIDs(ctx context.Context) ([]int64, error) {
	query := `
SELECT DISTINCT case_id FROM crawl_case_records
WHERE imported
ORDER BY case_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list imported ids: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *CaseRecordStore) ClearImported(ctx context.Context, caseIDs []int64) error {
	if len(caseIDs) == 0 {
		return nil
	}
	query := `
UPDATE crawl_case_records
SET imported = FALSE, import_status = '', verified = FALSE
WHERE case_id = ANY($1)`
	if _, err := s.pool.Exec(ctx, query, caseIDs); err != nil {
		return fmt.Errorf("clear import marks: %w", err)
	}
	return nil
}

func collectCaseRecords(rows pgx.Rows) ([]*store.CaseCrawlRecord, error) {
	var out []*store.CaseCrawlRecord
	for rows.Next() {
		var rec store.CaseCrawlRecord
		var validationJSON []byte
		err := rows.Scan(
			&rec.ID, &rec.TaskID, &rec.ListPageID, &rec.CaseID, &rec.CaseURL,
			&rec.CaseTitle, &rec.Status, &rec.ErrorType, &rec.ErrorMessage,
			&rec.CrawledAt, &rec.DurationSeconds, &rec.HasDetailData,
			&rec.HasValidationError, &validationJSON, &rec.SavedToJSON,
			&rec.BatchFileName, &rec.Imported, &rec.ImportStatus,
			&rec.Verified, &rec.RetryCount)
		if err != nil {
			return nil, fmt.Errorf("scan case record: %w", err)
		}
		if len(validationJSON) > 0 {
			if err := json.Unmarshal(validationJSON, &rec.ValidationErrors); err != nil {
				return nil, fmt.Errorf("decode validation errors: %w", err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
