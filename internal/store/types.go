// Package store defines the persistent entities of the ingestion pipeline
// and the repository interfaces the stages depend on. Implementations live
// in storage/postgres (production) and storage/memory (tests).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/caseforge/casekb/internal/casekb"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// TaskStatus is the lifecycle state of a crawl task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskTerminated TaskStatus = "terminated"
)

// CrawlTask is one crawl run and its accumulated statistics.
type CrawlTask struct {
	TaskID       string     `json:"task_id"`
	Name         string     `json:"name"`
	DataSource   string     `json:"data_source"`
	StartPage    int        `json:"start_page"`
	EndPage      int        `json:"end_page"`
	CaseType     string     `json:"case_type,omitempty"`
	SearchValue  string     `json:"search_value,omitempty"`
	BatchSize    int        `json:"batch_size"`
	DelayMin     float64    `json:"delay_min"`
	DelayMax     float64    `json:"delay_max"`
	EnableResume bool       `json:"enable_resume"`
	Status       TaskStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TotalPages     int `json:"total_pages"`
	CompletedPages int `json:"completed_pages"`
	CurrentPage    int `json:"current_page"`

	TotalCrawled int `json:"total_crawled"`
	TotalSaved   int `json:"total_saved"`
	TotalFailed  int `json:"total_failed"`
	BatchesSaved int `json:"batches_saved"`

	AvgSpeed  float64 `json:"avg_speed"`
	AvgDelay  float64 `json:"avg_delay"`
	ErrorRate float64 `json:"error_rate"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStack   string `json:"error_stack,omitempty"`
}

// StatusTransition is one recorded task status change.
type StatusTransition struct {
	TaskID string     `json:"task_id"`
	From   TaskStatus `json:"from"`
	To     TaskStatus `json:"to"`
	At     time.Time  `json:"at"`
}

// PageStatus is the outcome of fetching one list page.
type PageStatus string

const (
	PagePending PageStatus = "pending"
	PageSuccess PageStatus = "success"
	PageFailed  PageStatus = "failed"
	PageSkipped PageStatus = "skipped"
)

// ListPageRecord tracks one list-page fetch within a task. The pair
// (task_id, page_number) is unique; retries update the existing row.
type ListPageRecord struct {
	ID              int64            `json:"id"`
	TaskID          string           `json:"task_id"`
	PageNumber      int              `json:"page_number"`
	Status          PageStatus       `json:"status"`
	ErrorType       casekb.ErrorType `json:"error_type,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	ItemsCount      int              `json:"items_count"`
	CrawledAt       time.Time        `json:"crawled_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	RetryCount      int              `json:"retry_count"`
	LastRetryAt     *time.Time       `json:"last_retry_at,omitempty"`
}

// RecordStatus is the outcome of crawling one case.
type RecordStatus string

const (
	RecordPending          RecordStatus = "pending"
	RecordSuccess          RecordStatus = "success"
	RecordFailed           RecordStatus = "failed"
	RecordSkipped          RecordStatus = "skipped"
	RecordValidationFailed RecordStatus = "validation_failed"
)

// CaseCrawlRecord tracks one case through crawl and import. Validation state
// and import state are independent axes: the validator owns the former and
// only a successful upsert sets the latter.
type CaseCrawlRecord struct {
	ID              int64            `json:"id"`
	TaskID          string           `json:"task_id"`
	ListPageID      *int64           `json:"list_page_id,omitempty"`
	CaseID          int64            `json:"case_id"`
	CaseURL         string           `json:"case_url,omitempty"`
	CaseTitle       string           `json:"case_title,omitempty"`
	Status          RecordStatus     `json:"status"`
	ErrorType       casekb.ErrorType `json:"error_type,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CrawledAt       time.Time        `json:"crawled_at"`
	DurationSeconds float64          `json:"duration_seconds"`

	HasDetailData      bool     `json:"has_detail_data"`
	HasValidationError bool     `json:"has_validation_error"`
	ValidationErrors   []string `json:"validation_errors,omitempty"`

	SavedToJSON   bool   `json:"saved_to_json"`
	BatchFileName string `json:"batch_file_name,omitempty"`

	Imported     bool   `json:"imported"`
	ImportStatus string `json:"import_status,omitempty"`
	Verified     bool   `json:"verified"`
	RetryCount   int    `json:"retry_count"`
}

// ImportStatus is the lifecycle state of an import run.
type ImportStatus string

const (
	ImportPending   ImportStatus = "pending"
	ImportRunning   ImportStatus = "running"
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
	ImportCancelled ImportStatus = "cancelled"
)

// ImportMode selects which batch files an import run consumes.
type ImportMode string

const (
	ImportModeFull      ImportMode = "full"
	ImportModeSelective ImportMode = "selective"
)

// TaskImport is one import run over a task's batch files, with its
// fine-grained progress counters. At completion the counters satisfy
// imported + failed + existing + invalid == loaded <= total.
type TaskImport struct {
	ImportID        string       `json:"import_id"`
	TaskID          string       `json:"task_id"`
	ImportMode      ImportMode   `json:"import_mode"`
	SelectedBatches []string     `json:"selected_batches,omitempty"`
	SkipExisting    bool         `json:"skip_existing"`
	UpdateExisting  bool         `json:"update_existing"`
	GenerateVectors bool         `json:"generate_vectors"`
	SkipInvalid     bool         `json:"skip_invalid"`
	FailedOnly      bool         `json:"failed_only"`
	BatchSize       int          `json:"batch_size"`
	Status          ImportStatus `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	TotalCases    int `json:"total_cases"`
	LoadedCases   int `json:"loaded_cases"`
	ValidCases    int `json:"valid_cases"`
	InvalidCases  int `json:"invalid_cases"`
	ExistingCases int `json:"existing_cases"`
	ImportedCases int `json:"imported_cases"`
	FailedCases   int `json:"failed_cases"`

	CurrentFile     string  `json:"current_file,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// ImportError is one per-case failure within an import run.
type ImportError struct {
	ID           int64            `json:"id"`
	ImportID     string           `json:"import_id"`
	FileName     string           `json:"file_name"`
	CaseID       int64            `json:"case_id"`
	ErrorType    casekb.ErrorType `json:"error_type"`
	ErrorMessage string           `json:"error_message"`
	ErrorDetails map[string]any   `json:"error_details,omitempty"`
}

// Case is one row of the knowledge-base case table. It carries the full
// crawled record; search vectors over title/description are maintained by
// the database itself.
type Case struct {
	CaseID        int64    `json:"case_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	SourceURL     string   `json:"source_url"`
	MainImage     string   `json:"main_image,omitempty"`
	Images        []string `json:"images,omitempty"`
	VideoURL      string   `json:"video_url,omitempty"`
	BrandName     string   `json:"brand_name,omitempty"`
	BrandIndustry string   `json:"brand_industry,omitempty"`
	ActivityType  string   `json:"activity_type,omitempty"`
	Location      string   `json:"location,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	ScoreDecimal  string   `json:"score_decimal,omitempty"`
	Favourite     int      `json:"favourite"`
	PublishTime   string   `json:"publish_time,omitempty"`
	Author        string   `json:"author,omitempty"`
	CompanyName   string   `json:"company_name,omitempty"`
	CompanyLogo   string   `json:"company_logo,omitempty"`
	AgencyName    string   `json:"agency_name,omitempty"`

	CombinedVector []float32 `json:"combined_vector,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TaskRepo persists crawl tasks and their status history.
type TaskRepo interface {
	Create(ctx context.Context, task *CrawlTask) error
	Get(ctx context.Context, taskID string) (*CrawlTask, error)
	Update(ctx context.Context, task *CrawlTask) error
	List(ctx context.Context, status TaskStatus, limit int) ([]*CrawlTask, error)
	// ListStuck returns running tasks whose run started before cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*CrawlTask, error)
	RecordTransition(ctx context.Context, tr StatusTransition) error
	History(ctx context.Context, taskID string) ([]StatusTransition, error)
}

// PageRepo persists per-list-page outcomes.
type PageRepo interface {
	// Record upserts on (task_id, page_number).
	Record(ctx context.Context, page *ListPageRecord) error
	ListByTask(ctx context.Context, taskID string) ([]*ListPageRecord, error)
	ListFailed(ctx context.Context, taskID string) ([]*ListPageRecord, error)
}

// CaseRecordRepo persists per-case crawl/import tracking rows.
type CaseRecordRepo interface {
	// Record upserts on (task_id, case_id).
	Record(ctx context.Context, rec *CaseCrawlRecord) error
	ListByTask(ctx context.Context, taskID string) ([]*CaseCrawlRecord, error)
	// FailedImportIDs returns case ids whose last import did not succeed.
	FailedImportIDs(ctx context.Context, taskID string) ([]int64, error)
	// MarkImported sets imported/import_status/verified for the given ids.
	MarkImported(ctx context.Context, caseIDs []int64, status string, verified bool) error
	// ListImportedIDs returns every case id currently marked imported.
	ListImportedIDs(ctx context.Context) ([]int64, error)
	// ClearImported resets the import mark for ids whose case row is gone.
	ClearImported(ctx context.Context, caseIDs []int64) error
}

// ImportRepo persists import runs and their per-case errors.
type ImportRepo interface {
	Create(ctx context.Context, imp *TaskImport) error
	Get(ctx context.Context, importID string) (*TaskImport, error)
	Update(ctx context.Context, imp *TaskImport) error
	ListStuck(ctx context.Context, cutoff time.Time) ([]*TaskImport, error)
	RecordError(ctx context.Context, ie *ImportError) error
	ListErrors(ctx context.Context, importID string) ([]*ImportError, error)
	// DeleteOrphanedErrors removes error rows whose import run no longer
	// exists and reports how many were removed.
	DeleteOrphanedErrors(ctx context.Context) (int64, error)
}

// CaseRepo persists the knowledge-base case table.
type CaseRepo interface {
	// ExistingIDs reports which of the given ids already have a case row.
	ExistingIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error)
	// Upsert inserts or updates one case keyed by case_id.
	Upsert(ctx context.Context, c *Case) error
	Get(ctx context.Context, caseID int64) (*Case, error)
}
