package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/caseforge/casekb/internal/store"
)

// TaskStore is the Postgres-backed store.TaskRepo.
type TaskStore struct {
	pool dbPool
}

// NewTaskStore creates a TaskStore with its own pool.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &TaskStore{pool: pool}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(pool dbPool) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const taskColumns = `task_id, name, data_source, start_page, end_page, case_type,
search_value, batch_size, delay_min, delay_max, enable_resume, status,
created_at, started_at, completed_at, total_pages, completed_pages,
current_page, total_crawled, total_saved, total_failed, batches_saved,
avg_speed, avg_delay, error_rate, error_message, error_stack`

func (s *TaskStore) Create(ctx context.Context, task *store.CrawlTask) error {
	query := `
INSERT INTO crawl_tasks (
	task_id, name, data_source, start_page, end_page, case_type,
	search_value, batch_size, delay_min, delay_max, enable_resume, status,
	created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := s.pool.Exec(ctx, query,
		task.TaskID, task.Name, task.DataSource, task.StartPage, task.EndPage,
		task.CaseType, task.SearchValue, task.BatchSize, task.DelayMin,
		task.DelayMax, task.EnableResume, task.Status, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert crawl task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, taskID string) (*store.CrawlTask, error) {
	query := fmt.Sprintf(`SELECT %s FROM crawl_tasks WHERE task_id = $1`, taskColumns)
	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("select crawl task: %w", err)
	}
	return task, nil
}

func (s *TaskStore) Update(ctx context.Context, task *store.CrawlTask) error {
	query := `
UPDATE crawl_tasks SET
	status = $2, started_at = $3, completed_at = $4, total_pages = $5,
	completed_pages = $6, current_page = $7, total_crawled = $8,
	total_saved = $9, total_failed = $10, batches_saved = $11,
	avg_speed = $12, avg_delay = $13, error_rate = $14,
	error_message = $15, error_stack = $16
WHERE task_id = $1`
	tag, err := s.pool.Exec(ctx, query,
		task.TaskID, task.Status, task.StartedAt, task.CompletedAt,
		task.TotalPages, task.CompletedPages, task.CurrentPage,
		task.TotalCrawled, task.TotalSaved, task.TotalFailed,
		task.BatchesSaved, task.AvgSpeed, task.AvgDelay, task.ErrorRate,
		task.ErrorMessage, task.ErrorStack)
	if err != nil {
		return fmt.Errorf("update crawl task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.TaskID, store.ErrNotFound)
	}
	return nil
}

func (s *TaskStore) List(ctx context.Context, status store.TaskStatus, limit int) ([]*store.CrawlTask, error) {
	query := fmt.Sprintf(`
SELECT %s FROM crawl_tasks
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2`, taskColumns)
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list crawl tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *TaskStore) ListStuck(ctx context.Context, cutoff time.Time) ([]*store.CrawlTask, error) {
	query := fmt.Sprintf(`
SELECT %s FROM crawl_tasks
WHERE status = 'running' AND started_at < $1
ORDER BY started_at`, taskColumns)
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck crawl tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *TaskStore) RecordTransition(ctx context.Context, tr store.StatusTransition) error {
	query := `
INSERT INTO crawl_task_status_history (task_id, from_status, to_status, at)
VALUES ($1,$2,$3,$4)`
	if _, err := s.pool.Exec(ctx, query, tr.TaskID, tr.From, tr.To, tr.At); err != nil {
		return fmt.Errorf("insert status transition: %w", err)
	}
	return nil
}

func (s *TaskStore) History(ctx context.Context, taskID string) ([]store.StatusTransition, error) {
	query := `
SELECT task_id, from_status, to_status, at
FROM crawl_task_status_history
WHERE task_id = $1
ORDER BY at`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	var out []store.StatusTransition
	for rows.Next() {
		var tr store.StatusTransition
		if err := rows.Scan(&tr.TaskID, &tr.From, &tr.To, &tr.At); err != nil {
			return nil, fmt.Errorf("scan status transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*store.CrawlTask, error) {
	var task store.CrawlTask
	err := row.Scan(
		&task.TaskID, &task.Name, &task.DataSource, &task.StartPage,
		&task.EndPage, &task.CaseType, &task.SearchValue, &task.BatchSize,
		&task.DelayMin, &task.DelayMax, &task.EnableResume, &task.Status,
		&task.CreatedAt, &task.StartedAt, &task.CompletedAt, &task.TotalPages,
		&task.CompletedPages, &task.CurrentPage, &task.TotalCrawled,
		&task.TotalSaved, &task.TotalFailed, &task.BatchesSaved,
		&task.AvgSpeed, &task.AvgDelay, &task.ErrorRate, &task.ErrorMessage,
		&task.ErrorStack)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]*store.CrawlTask, error) {
	var out []*store.CrawlTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
