package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/caseforge/casekb/internal/store"
)

// PageStore is the Postgres-backed store.PageRepo.
type PageStore struct {
	pool dbPool
}

// NewPageStore creates a PageStore with its own pool.
func NewPageStore(ctx context.Context, cfg Config) (*PageStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PageStore{pool: pool}, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPageStoreWithPool(pool dbPool) (*PageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PageStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Record upserts one page outcome; (task_id, page_number) is unique and a
// retry overwrites the previous attempt's row.
func (s *PageStore) Record(ctx context.Context, page *store.ListPageRecord) error {
	query := `
INSERT INTO crawl_list_pages (
	task_id, page_number, status, error_type, error_message, items_count,
	crawled_at, duration_seconds, retry_count, last_retry_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (task_id, page_number) DO UPDATE SET
	status = EXCLUDED.status,
	error_type = EXCLUDED.error_type,
	error_message = EXCLUDED.error_message,
	items_count = EXCLUDED.items_count,
	crawled_at = EXCLUDED.crawled_at,
	duration_seconds = EXCLUDED.duration_seconds,
	retry_count = EXCLUDED.retry_count,
	last_retry_at = EXCLUDED.last_retry_at
RETURNING id`
	err := s.pool.QueryRow(ctx, query,
		page.TaskID, page.PageNumber, page.Status, page.ErrorType,
		page.ErrorMessage, page.ItemsCount, page.CrawledAt,
		page.DurationSeconds, page.RetryCount, page.LastRetryAt,
	).Scan(&page.ID)
	if err != nil {
		return fmt.Errorf("upsert list page: %w", err)
	}
	return nil
}

const pageColumns = `id, task_id, page_number, status, error_type, error_message,
items_count, crawled_at, duration_seconds, retry_count, last_retry_at`

func (s *PageStore) ListByTask(ctx context.Context, taskID string) ([]*store.ListPageRecord, error) {
	query := fmt.Sprintf(`
SELECT %s FROM crawl_list_pages
WHERE task_id = $1
ORDER BY page_number`, pageColumns)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()
	return collectPages(rows)
}

func (s *PageStore) ListFailed(ctx context.Context, taskID string) ([]*store.ListPageRecord, error) {
	query := fmt.Sprintf(`
SELECT %s FROM crawl_list_pages
WHERE task_id = $1 AND status = 'failed'
ORDER BY page_number`, pageColumns)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list failed pages: %w", err)
	}
	defer rows.Close()
	return collectPages(rows)
}

func collectPages(rows pgx.Rows) ([]*store.ListPageRecord, error) {
	var out []*store.ListPageRecord
	for rows.Next() {
		var page store.ListPageRecord
		err := rows.Scan(
			&page.ID, &page.TaskID, &page.PageNumber, &page.Status,
			&page.ErrorType, &page.ErrorMessage, &page.ItemsCount,
			&page.CrawledAt, &page.DurationSeconds, &page.RetryCount,
			&page.LastRetryAt)
		if err != nil {
			return nil, fmt.Errorf("scan list page: %w", err)
		}
		out = append(out, &page)
	}
	return out, rows.Err()
}
