// Package memory provides in-memory repository implementations used by the
// stage tests and local development. All stores copy on write and read so
// callers never share mutable state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/caseforge/casekb/internal/store"
)

// TaskStore is an in-memory store.TaskRepo.
type TaskStore struct {
	mu      sync.RWMutex
	tasks   map[string]store.CrawlTask
	history []store.StatusTransition
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]store.CrawlTask)}
}

func (s *TaskStore) Create(_ context.Context, task *store.CrawlTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.TaskID]; exists {
		return fmt.Errorf("task %s already exists", task.TaskID)
	}
	s.tasks[task.TaskID] = *task
	return nil
}

func (s *TaskStore) Get(_ context.Context, taskID string) (*store.CrawlTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	copied := task
	return &copied, nil
}

func (s *TaskStore) Update(_ context.Context, task *store.CrawlTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", task.TaskID, store.ErrNotFound)
	}
	s.tasks[task.TaskID] = *task
	return nil
}

func (s *TaskStore) List(_ context.Context, status store.TaskStatus, limit int) ([]*store.CrawlTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.CrawlTask
	for _, task := range s.tasks {
		if status != "" && task.Status != status {
			continue
		}
		copied := task
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TaskStore) ListStuck(_ context.Context, cutoff time.Time) ([]*store.CrawlTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.CrawlTask
	for _, task := range s.tasks {
		if task.Status != store.TaskRunning || task.StartedAt == nil {
			continue
		}
		if task.StartedAt.Before(cutoff) {
			copied := task
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *TaskStore) RecordTransition(_ context.Context, tr store.StatusTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, tr)
	return nil
}

func (s *TaskStore) History(_ context.Context, taskID string) ([]store.StatusTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.StatusTransition
	for _, tr := range s.history {
		if tr.TaskID == taskID {
			out = append(out, tr)
		}
	}
	return out, nil
}

// PageStore is an in-memory store.PageRepo.
type PageStore struct {
	mu     sync.RWMutex
	nextID int64
	pages  map[string]map[int]store.ListPageRecord
}

// NewPageStore constructs a PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string]map[int]store.ListPageRecord)}
}

func (s *PageStore) Record(_ context.Context, page *store.ListPageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPage, ok := s.pages[page.TaskID]
	if !ok {
		byPage = make(map[int]store.ListPageRecord)
		s.pages[page.TaskID] = byPage
	}
	if existing, ok := byPage[page.PageNumber]; ok {
		page.ID = existing.ID
	} else {
		s.nextID++
		page.ID = s.nextID
	}
	byPage[page.PageNumber] = *page
	return nil
}

func (s *PageStore) ListByTask(_ context.Context, taskID string) ([]*store.ListPageRecord, error) {
	return s.list(taskID, "")
}

func (s *PageStore) ListFailed(_ context.Context, taskID string) ([]*store.ListPageRecord, error) {
	return s.list(taskID, store.PageFailed)
}

func (s *PageStore) list(taskID string, status store.PageStatus) ([]*store.ListPageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.ListPageRecord
	for _, page := range s.pages[taskID] {
		if status != "" && page.Status != status {
			continue
		}
		copied := page
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

// CaseRecordStore is an in-memory store.CaseRecordRepo.
type CaseRecordStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[string]map[int64]store.CaseCrawlRecord
}

// NewCaseRecordStore constructs a CaseRecordStore.
func NewCaseRecordStore() *CaseRecordStore {
	return &CaseRecordStore{records: make(map[string]map[int64]store.CaseCrawlRecord)}
}

func (s *CaseRecordStore) Record(_ context.Context, rec *store.CaseCrawlRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCase, ok := s.records[rec.TaskID]
	if !ok {
		byCase = make(map[int64]store.CaseCrawlRecord)
		s.records[rec.TaskID] = byCase
	}
	if existing, ok := byCase[rec.CaseID]; ok {
		rec.ID = existing.ID
	} else {
		s.nextID++
		rec.ID = s.nextID
	}
	byCase[rec.CaseID] = *rec
	return nil
}

func (s *CaseRecordStore) ListByTask(_ context.Context, taskID string) ([]*store.CaseCrawlRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.CaseCrawlRecord
	for _, rec := range s.records[taskID] {
		copied := rec
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

func (s *CaseRecordStore) FailedImportIDs(_ context.Context, taskID string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for _, rec := range s.records[taskID] {
		if rec.ImportStatus != "success" {
			out = append(out, rec.CaseID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *CaseRecordStore) MarkImported(_ context.Context, caseIDs []int64, status string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[int64]struct{}, len(caseIDs))
	for _, id := range caseIDs {
		wanted[id] = struct{}{}
	}
	for taskID, byCase := range s.records {
		for caseID, rec := range byCase {
			if _, ok := wanted[caseID]; !ok {
				continue
			}
			rec.Imported = true
			rec.ImportStatus = status
			rec.Verified = verified
			s.records[taskID][caseID] = rec
		}
	}
	return nil
}

func (s *CaseRecordStore) ListImportedIDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	for _, byCase := range s.records {
		for caseID, rec := range byCase {
			if rec.Imported {
				seen[caseID] = struct{}{}
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *CaseRecordStore) ClearImported(_ context.Context, caseIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[int64]struct{}, len(caseIDs))
	for _, id := range caseIDs {
		wanted[id] = struct{}{}
	}
	for taskID, byCase := range s.records {
		for caseID, rec := range byCase {
			if _, ok := wanted[caseID]; !ok {
				continue
			}
			rec.Imported = false
			rec.ImportStatus = ""
			rec.Verified = false
			s.records[taskID][caseID] = rec
		}
	}
	return nil
}

// ImportStore is an in-memory store.ImportRepo.
type ImportStore struct {
	mu      sync.RWMutex
	nextID  int64
	imports map[string]store.TaskImport
	errors  []store.ImportError
}

// NewImportStore constructs an ImportStore.
func NewImportStore() *ImportStore {
	return &ImportStore{imports: make(map[string]store.TaskImport)}
}

func (s *ImportStore) Create(_ context.Context, imp *store.TaskImport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.imports[imp.ImportID]; exists {
		return fmt.Errorf("import %s already exists", imp.ImportID)
	}
	s.imports[imp.ImportID] = *imp
	return nil
}

func (s *ImportStore) Get(_ context.Context, importID string) (*store.TaskImport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	imp, ok := s.imports[importID]
	if !ok {
		return nil, fmt.Errorf("import %s: %w", importID, store.ErrNotFound)
	}
	copied := imp
	return &copied, nil
}

func (s *ImportStore) Update(_ context.Context, imp *store.TaskImport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.imports[imp.ImportID]; !ok {
		return fmt.Errorf("import %s: %w", imp.ImportID, store.ErrNotFound)
	}
	s.imports[imp.ImportID] = *imp
	return nil
}

func (s *ImportStore) ListStuck(_ context.Context, cutoff time.Time) ([]*store.TaskImport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.TaskImport
	for _, imp := range s.imports {
		if imp.Status != store.ImportRunning || imp.StartedAt == nil {
			continue
		}
		if imp.StartedAt.Before(cutoff) {
			copied := imp
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImportID < out[j].ImportID })
	return out, nil
}

func (s *ImportStore) RecordError(_ context.Context, ie *store.ImportError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ie.ID = s.nextID
	s.errors = append(s.errors, *ie)
	return nil
}

func (s *ImportStore) ListErrors(_ context.Context, importID string) ([]*store.ImportError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.ImportError
	for _, ie := range s.errors {
		if ie.ImportID == importID {
			copied := ie
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *ImportStore) DeleteOrphanedErrors(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.errors[:0]
	var removed int64
	for _, ie := range s.errors {
		if _, ok := s.imports[ie.ImportID]; ok {
			kept = append(kept, ie)
		} else {
			removed++
		}
	}
	s.errors = kept
	return removed, nil
}

// DeleteImport removes an import run, leaving its error rows behind. Tests
// use it to fabricate the orphaned-error condition the reconciler repairs.
func (s *ImportStore) DeleteImport(importID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.imports, importID)
}

// CaseStore is an in-memory store.CaseRepo.
type CaseStore struct {
	mu    sync.RWMutex
	cases map[int64]store.Case
}

// NewCaseStore constructs a CaseStore.
func NewCaseStore() *CaseStore {
	return &CaseStore{cases: make(map[int64]store.Case)}
}

func (s *CaseStore) ExistingIDs(_ context.Context, ids []int64) (map[int64]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]struct{})
	for _, id := range ids {
		if _, ok := s.cases[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *CaseStore) Upsert(_ context.Context, c *store.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	stored := *c
	if existing, ok := s.cases[c.CaseID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.cases[c.CaseID] = stored
	return nil
}

func (s *CaseStore) Get(_ context.Context, caseID int64) (*store.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("case %d: %w", caseID, store.ErrNotFound)
	}
	copied := c
	return &copied, nil
}

// Delete removes a case row. Tests use it to fabricate the imported-mark
// mismatch the reconciler repairs.
func (s *CaseStore) Delete(caseID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cases, caseID)
}
