package crawl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/batch"
	"github.com/caseforge/casekb/internal/casekb"
	"github.com/caseforge/casekb/internal/source"
	"github.com/caseforge/casekb/internal/storage/memory"
	"github.com/caseforge/casekb/internal/store"
)

// fakeClient serves canned list pages and detail lookups and is safe for
// the stage's concurrent detail fetches.
type fakeClient struct {
	mu          sync.Mutex
	pages       map[int][]source.ListItem
	pageFails   map[int]int
	detailFails map[int64]error
	badTitles   map[int64]bool
	listCalls   int
	detailCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		pages:       make(map[int][]source.ListItem),
		pageFails:   make(map[int]int),
		detailFails: make(map[int64]error),
		badTitles:   make(map[int64]bool),
	}
}

func (f *fakeClient) addPage(page int, ids ...int64) {
	for _, id := range ids {
		f.pages[page] = append(f.pages[page], source.ListItem{
			CaseID: id,
			Title:  fmt.Sprintf("Case %d", id),
			URL:    fmt.Sprintf("https://cases.example.com/%d", id),
		})
	}
}

func (f *fakeClient) ListPage(_ context.Context, page int) (*source.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if remaining := f.pageFails[page]; remaining > 0 {
		f.pageFails[page] = remaining - 1
		return nil, fmt.Errorf("list page %d: connection reset", page)
	}
	return &source.ListResult{Items: f.pages[page]}, nil
}

func (f *fakeClient) FetchDetail(_ context.Context, item source.ListItem) (*source.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if err, ok := f.detailFails[item.CaseID]; ok {
		return nil, err
	}
	title := item.Title
	if f.badTitles[item.CaseID] {
		title = "x"
	}
	return &source.Detail{
		Title:       title,
		Description: "Long form copy",
		SourceURL:   item.URL,
		PublishTime: "2024-06-01",
	}, nil
}

type env struct {
	client  *fakeClient
	batches *batch.Store
	ledger  *batch.Ledger
	tasks   *memory.TaskStore
	pages   *memory.PageStore
	records *memory.CaseRecordStore
	stage   *Stage
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()
	batches, err := batch.NewStore(dir, logger)
	require.NoError(t, err)

	e := &env{
		client:  newFakeClient(),
		batches: batches,
		ledger:  batch.OpenLedger(dir+"/crawl_resume.json", logger),
		tasks:   memory.NewTaskStore(),
		pages:   memory.NewPageStore(),
		records: memory.NewCaseRecordStore(),
	}
	e.stage = NewStage(cfg, e.client, e.batches, e.ledger, e.tasks, e.pages, e.records, logger)
	return e
}

func (e *env) task(t *testing.T, startPage, endPage int, resume bool) *store.CrawlTask {
	t.Helper()
	task := &store.CrawlTask{
		TaskID:       "task_test",
		Name:         "test crawl",
		DataSource:   "cases.example.com",
		StartPage:    startPage,
		EndPage:      endPage,
		EnableResume: resume,
		Status:       store.TaskPending,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, e.tasks.Create(context.Background(), task))
	return task
}

func TestRunHappyPath(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 4, Concurrency: 2})
	e.client.addPage(1, 1, 2, 3)
	e.client.addPage(2, 4, 5, 6)
	task := e.task(t, 1, 2, false)

	stats, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)

	require.Equal(t, 6, stats.TotalCrawled)
	require.Equal(t, 6, stats.TotalSaved)
	require.Equal(t, 0, stats.TotalFailed)
	require.Equal(t, 2, stats.BatchesSaved)

	names, err := e.batches.List()
	require.NoError(t, err)
	require.Equal(t, []string{"cases_batch_0001.json", "cases_batch_0002.json"}, names)

	first, err := e.batches.Load(names[0])
	require.NoError(t, err)
	require.Len(t, first, 4)
	require.Equal(t, int64(1), first[0].CaseID())
	require.Equal(t, int64(4), first[3].CaseID())

	got, err := e.tasks.Get(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, got.Status)
	require.Equal(t, 6, got.TotalCrawled)
	require.NotNil(t, got.CompletedAt)
	require.Zero(t, got.ErrorRate)

	records, err := e.records.ListByTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, records, 6)
	for _, rec := range records {
		require.Equal(t, store.RecordSuccess, rec.Status)
		require.True(t, rec.SavedToJSON)
		require.NotEmpty(t, rec.BatchFileName)
		require.True(t, rec.HasDetailData)
	}

	require.Equal(t, []int64{1, 2, 3, 4, 5, 6}, e.ledger.IDs())

	history, err := e.tasks.History(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, store.TaskRunning, history[0].To)
	require.Equal(t, store.TaskCompleted, history[1].To)
}

func TestRunDetailFailureBecomesFailureRecord(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Concurrency: 1})
	e.client.addPage(1, 1, 2, 3)
	e.client.detailFails[2] = fmt.Errorf("detail fetch: connection reset")
	task := e.task(t, 1, 1, false)

	stats, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)

	require.Equal(t, 3, stats.TotalCrawled)
	require.Equal(t, 2, stats.TotalSaved)
	require.Equal(t, 1, stats.TotalFailed)
	// The failure record is on disk, so the completeness audit must not
	// re-flag it or write an extra batch.
	require.Equal(t, 1, stats.BatchesSaved)
	names, err := e.batches.List()
	require.NoError(t, err)
	require.Equal(t, []string{"cases_batch_0001.json"}, names)

	records, err := e.batches.Load("cases_batch_0001.json")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, casekb.KindCrawlFailure, records[1].Kind)
	require.Equal(t, int64(2), records[1].CaseID())
	require.Contains(t, records[1].Failure.Reason, "connection reset")

	tracked, err := e.records.ListByTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.RecordFailed, tracked[1].Status)
	require.Equal(t, casekb.ErrorNetwork, tracked[1].ErrorType)
	require.False(t, tracked[1].SavedToJSON)

	got, err := e.tasks.Get(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.InDelta(t, 1.0/3.0, got.ErrorRate, 1e-9)
}

func TestRunInvalidRecordStaysInBatch(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Concurrency: 1})
	e.client.addPage(1, 1, 2)
	e.client.badTitles[2] = true
	task := e.task(t, 1, 1, false)

	stats, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalCrawled)
	require.Equal(t, 0, stats.TotalFailed)

	records, err := e.batches.Load("cases_batch_0001.json")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, casekb.KindInvalid, records[1].Kind)
	require.Contains(t, records[1].Reason, "title too short")

	tracked, err := e.records.ListByTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.RecordValidationFailed, tracked[1].Status)
	require.True(t, tracked[1].HasValidationError)
	require.True(t, tracked[1].SavedToJSON)
}

func TestRunSkipExisting(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Concurrency: 1})
	e.client.addPage(1, 1, 2, 3)
	task := e.task(t, 1, 1, true)

	_, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)
	require.Equal(t, 3, e.client.detailCalls)

	task2 := &store.CrawlTask{
		TaskID: "task_second", StartPage: 1, EndPage: 1,
		EnableResume: true, Status: store.TaskPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.tasks.Create(context.Background(), task2))

	stats, err := e.stage.Run(context.Background(), task2, nil)
	require.NoError(t, err)
	require.Equal(t, 3, e.client.detailCalls, "second run must not refetch saved cases")
	require.Equal(t, 0, stats.TotalCrawled)

	tracked, err := e.records.ListByTask(context.Background(), task2.TaskID)
	require.NoError(t, err)
	require.Len(t, tracked, 3)
	for _, rec := range tracked {
		require.Equal(t, store.RecordSkipped, rec.Status)
	}
}

func TestRunRecrawlsLedgeredButUnsavedIDs(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Concurrency: 1})
	e.client.addPage(1, 1, 2)
	// Id 2 is in the ledger but no batch file contains it.
	e.ledger.Add(2)
	require.NoError(t, e.ledger.Save())
	task := e.task(t, 1, 1, true)

	stats, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalCrawled)
	require.Equal(t, 2, e.client.detailCalls)
}

func TestRunRetriesFailedPages(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Concurrency: 1, PageRetries: 3})
	e.client.addPage(1, 1, 2)
	e.client.pageFails[1] = 1
	task := e.task(t, 1, 1, false)

	stats, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalCrawled)

	pages, err := e.pages.ListByTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, store.PageSuccess, pages[0].Status)
	require.NotZero(t, pages[0].RetryCount)
	require.NotNil(t, pages[0].LastRetryAt)
}

func TestRunPageFailureWithoutRetriesIsRecorded(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Concurrency: 1})
	e.client.addPage(1, 1)
	e.client.pageFails[2] = 99
	e.client.addPage(3, 3)
	task := e.task(t, 1, 3, false)

	stats, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalCrawled)

	failed, err := e.pages.ListFailed(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 2, failed[0].PageNumber)
	require.Equal(t, casekb.ErrorNetwork, failed[0].ErrorType)
}

// brokenPageStore refuses writes, standing in for an unreachable database.
type brokenPageStore struct {
	*memory.PageStore
}

func (b *brokenPageStore) Record(context.Context, *store.ListPageRecord) error {
	return fmt.Errorf("connection refused")
}

func TestRunAbortsWhenPageTrackingStoreIsDown(t *testing.T) {
	cfg := Config{BatchSize: 10, Concurrency: 1, PageRetries: 3}
	e := newEnv(t, cfg)
	e.client.addPage(1, 1)
	broken := &brokenPageStore{PageStore: e.pages}
	e.stage = NewStage(cfg, e.client, e.batches, e.ledger, e.tasks, broken, e.records, zap.NewNop())
	task := e.task(t, 1, 2, false)

	_, err := e.stage.Run(context.Background(), task, nil)
	require.Error(t, err)
	require.ErrorContains(t, err, "tracking store unavailable")

	got, err := e.tasks.Get(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, got.Status)
	require.NotEmpty(t, got.ErrorMessage)
	// The run stops on the first failed write instead of treating it like a
	// fetch failure and marching on to later pages or the retry pass.
	require.Equal(t, 1, e.client.listCalls)
}

func TestRunStopsOnEmptyPage(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Concurrency: 1})
	e.client.addPage(1, 1, 2)
	// Page 2 exists but is empty; page 3 must never be requested.
	e.client.pages[2] = nil
	e.client.addPage(3, 9)
	task := e.task(t, 1, 3, false)

	stats, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalCrawled)
	require.Equal(t, 2, e.client.listCalls)
}

func TestRunStopSignalFlushesAndCancels(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 100, Concurrency: 1})
	var ids []int64
	for i := int64(1); i <= 25; i++ {
		ids = append(ids, i)
	}
	e.client.addPage(1, ids...)
	task := e.task(t, 1, 1, false)

	stats, err := e.stage.Run(context.Background(), task, func(p Progress) Signal {
		if p.TotalCrawled >= 10 {
			return SignalStop
		}
		return SignalContinue
	})
	require.NoError(t, err)
	require.Equal(t, 10, stats.TotalCrawled)
	require.Equal(t, 1, stats.BatchesSaved)

	got, err := e.tasks.Get(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, got.Status)

	saved, err := e.batches.SavedCaseIDs()
	require.NoError(t, err)
	require.Len(t, saved, 10)
}

func TestRunPauseSignal(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 100, Concurrency: 1})
	var ids []int64
	for i := int64(1); i <= 12; i++ {
		ids = append(ids, i)
	}
	e.client.addPage(1, ids...)
	task := e.task(t, 1, 1, true)

	_, err := e.stage.Run(context.Background(), task, func(p Progress) Signal {
		return SignalPause
	})
	require.NoError(t, err)

	got, err := e.tasks.Get(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskPaused, got.Status)
}

func TestRunCompletenessAudit(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Concurrency: 1})
	e.client.addPage(1, 1)
	// Resume disabled, so the stale ledger entry is neither discarded nor
	// re-crawled; the audit must surface it as a failure record.
	e.ledger.Add(999)
	task := e.task(t, 1, 1, false)

	stats, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalCrawled)
	require.Equal(t, 1, stats.TotalFailed)
	require.Equal(t, 2, stats.BatchesSaved)

	names, err := e.batches.List()
	require.NoError(t, err)
	final, err := e.batches.Load(names[len(names)-1])
	require.NoError(t, err)
	require.Len(t, final, 1)
	require.Equal(t, casekb.KindCrawlFailure, final[0].Kind)
	require.Equal(t, int64(999), final[0].CaseID())
	require.Contains(t, final[0].Failure.Reason, "missing from every batch file")
}

func TestRunBatchNumbersContinueAcrossRuns(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 2, Concurrency: 1})
	e.client.addPage(1, 1, 2)
	task := e.task(t, 1, 1, false)
	_, err := e.stage.Run(context.Background(), task, nil)
	require.NoError(t, err)

	e.client.addPage(2, 3, 4)
	task2 := &store.CrawlTask{
		TaskID: "task_next", StartPage: 2, EndPage: 2,
		Status: store.TaskPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.tasks.Create(context.Background(), task2))
	_, err = e.stage.Run(context.Background(), task2, nil)
	require.NoError(t, err)

	names, err := e.batches.List()
	require.NoError(t, err)
	require.Equal(t, []string{"cases_batch_0001.json", "cases_batch_0002.json"}, names)
}
