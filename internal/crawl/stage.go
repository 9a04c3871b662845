// Package crawl implements the crawl stage: paginate the remote list API,
// fetch and merge detail pages, buffer records into batch files and track
// every page and case outcome. A run is resumable: the resume ledger plus
// the batch files on disk are the durable state, the tracking rows are
// observability.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/caseforge/casekb/internal/batch"
	"github.com/caseforge/casekb/internal/casekb"
	"github.com/caseforge/casekb/internal/metrics"
	"github.com/caseforge/casekb/internal/source"
	"github.com/caseforge/casekb/internal/store"
	"github.com/caseforge/casekb/internal/validator"
)

// Signal is the progress callback's verdict on whether the run continues.
type Signal int

const (
	SignalContinue Signal = iota
	SignalPause
	SignalStop
)

// Progress is a point-in-time view handed to the progress callback.
type Progress struct {
	Page         int
	TotalCrawled int
	TotalFailed  int
}

// ProgressFunc is invoked periodically during a run. Returning SignalPause
// or SignalStop ends the run at the next item boundary with the buffer
// flushed; a paused task resumes through the ledger on the next run.
type ProgressFunc func(Progress) Signal

// progressEvery is how many items pass between progress callbacks.
const progressEvery = 10

// errTracking marks a failed write to the tracking store. A fetch failure is
// recoverable page by page; with the tracking store unreachable the run
// aborts, otherwise outcomes would vanish without a trace.
var errTracking = errors.New("tracking store unavailable")

// Config tunes a crawl stage.
type Config struct {
	BatchSize   int
	Concurrency int
	PageRetries int
}

// Stats is the outcome of one crawl run.
type Stats struct {
	TotalCrawled    int     `json:"total_crawled"`
	TotalSaved      int     `json:"total_saved"`
	TotalFailed     int     `json:"total_failed"`
	BatchesSaved    int     `json:"batches_saved"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Stage runs crawl tasks.
type Stage struct {
	cfg     Config
	client  source.Client
	batches *batch.Store
	ledger  *batch.Ledger
	tasks   store.TaskRepo
	pages   store.PageRepo
	records store.CaseRecordRepo
	logger  *zap.Logger

	// sleep is swapped out by tests.
	sleep func(context.Context, time.Duration)
}

// NewStage builds a crawl stage.
func NewStage(
	cfg Config,
	client source.Client,
	batches *batch.Store,
	ledger *batch.Ledger,
	tasks store.TaskRepo,
	pages store.PageRepo,
	records store.CaseRecordRepo,
	logger *zap.Logger,
) *Stage {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	metrics.Init()
	return &Stage{
		cfg:     cfg,
		client:  client,
		batches: batches,
		ledger:  ledger,
		tasks:   tasks,
		pages:   pages,
		records: records,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// run carries the mutable state of one crawl run.
type run struct {
	task     *store.CrawlTask
	progress ProgressFunc
	saved    map[int64]struct{}
	buffer   []casekb.Record
	pending  []*store.CaseCrawlRecord
	nextNum  int
	stats    Stats
	started  time.Time
	signal   Signal
}

// Run executes one crawl task to completion, pause or failure. The returned
// stats are also written onto the task row.
func (s *Stage) Run(ctx context.Context, task *store.CrawlTask, progress ProgressFunc) (*Stats, error) {
	if progress == nil {
		progress = func(Progress) Signal { return SignalContinue }
	}
	r := &run{task: task, progress: progress, started: time.Now()}

	if err := s.setStatus(ctx, task, store.TaskRunning); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	task.StartedAt = &now
	task.TotalPages = task.EndPage - task.StartPage + 1

	if err := s.prepareResume(r); err != nil {
		return nil, s.fail(ctx, r, err)
	}

	if err := s.crawlPages(ctx, r); err != nil {
		return nil, s.fail(ctx, r, err)
	}
	if r.signal == SignalContinue {
		if err := s.retryFailedPages(ctx, r); err != nil {
			return nil, s.fail(ctx, r, err)
		}
	}

	if err := s.flush(ctx, r); err != nil {
		return nil, s.fail(ctx, r, err)
	}
	if err := s.auditCompleteness(ctx, r); err != nil {
		return nil, s.fail(ctx, r, err)
	}
	if err := s.ledger.Save(); err != nil {
		return nil, s.fail(ctx, r, err)
	}

	final := store.TaskCompleted
	switch r.signal {
	case SignalPause:
		final = store.TaskPaused
	case SignalStop:
		final = store.TaskCancelled
	}
	s.finishStats(r)
	if err := s.finish(ctx, r, final, ""); err != nil {
		return nil, err
	}

	s.logger.Info("crawl run finished",
		zap.String("task_id", task.TaskID),
		zap.String("status", string(final)),
		zap.Int("crawled", r.stats.TotalCrawled),
		zap.Int("saved", r.stats.TotalSaved),
		zap.Int("failed", r.stats.TotalFailed),
		zap.Int("batches", r.stats.BatchesSaved))
	stats := r.stats
	return &stats, nil
}

// prepareResume loads the saved-id set and drops ledger entries that never
// made it into a batch file, so those cases are crawled again.
func (s *Stage) prepareResume(r *run) error {
	saved, err := s.batches.SavedCaseIDs()
	if err != nil {
		return err
	}
	r.saved = saved

	if r.task.EnableResume {
		var unsaved []int64
		for _, id := range s.ledger.IDs() {
			if _, ok := saved[id]; !ok {
				unsaved = append(unsaved, id)
			}
		}
		if len(unsaved) > 0 {
			s.logger.Info("re-crawling ids recorded but never saved",
				zap.String("task_id", r.task.TaskID),
				zap.Int("count", len(unsaved)))
			s.ledger.Remove(unsaved...)
		}
	}

	r.nextNum, err = s.batches.NextBatchNumber()
	return err
}

func (s *Stage) crawlPages(ctx context.Context, r *run) error {
	for page := r.task.StartPage; page <= r.task.EndPage; page++ {
		if r.signal != SignalContinue {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.task.CurrentPage = page

		result, pageRec, err := s.fetchListPage(ctx, r, page, 0)
		if err != nil {
			if errors.Is(err, errTracking) {
				return err
			}
			// Recorded as a failed page; the retry pass picks it up.
			continue
		}
		if len(result.Items) == 0 {
			s.logger.Info("empty list page, stopping pagination",
				zap.String("task_id", r.task.TaskID), zap.Int("page", page))
			r.task.CompletedPages++
			return nil
		}
		if err := s.processItems(ctx, r, pageRec, result.Items); err != nil {
			return err
		}
		r.task.CompletedPages++
	}
	return nil
}

// fetchListPage fetches one list page and records its outcome. retryCount
// is non-zero when called from the retry pass.
func (s *Stage) fetchListPage(ctx context.Context, r *run, page, retryCount int) (*source.ListResult, *store.ListPageRecord, error) {
	start := time.Now()
	result, err := s.client.ListPage(ctx, page)
	rec := &store.ListPageRecord{
		TaskID:          r.task.TaskID,
		PageNumber:      page,
		CrawledAt:       time.Now().UTC(),
		DurationSeconds: time.Since(start).Seconds(),
		RetryCount:      retryCount,
	}
	if retryCount > 0 {
		now := time.Now().UTC()
		rec.LastRetryAt = &now
	}
	if err != nil {
		rec.Status = store.PageFailed
		rec.ErrorType = casekb.Classify(err)
		rec.ErrorMessage = err.Error()
		metrics.ObservePage("failed")
		s.logger.Warn("list page failed",
			zap.String("task_id", r.task.TaskID),
			zap.Int("page", page),
			zap.String("error_type", string(rec.ErrorType)),
			zap.Error(err))
	} else {
		rec.Status = store.PageSuccess
		rec.ItemsCount = len(result.Items)
		metrics.ObservePage("success")
	}
	if storeErr := s.pages.Record(ctx, rec); storeErr != nil {
		return nil, nil, fmt.Errorf("%w: record page %d: %v", errTracking, page, storeErr)
	}
	return result, rec, err
}

// detailOutcome is one slot of a page's fan-out, assembled back in list
// order after the pool drains.
type detailOutcome struct {
	skipped bool
	record  casekb.Record
	tracker *store.CaseCrawlRecord
}

// processItems crawls one page's items through the bounded detail pool and
// appends the outcomes to the buffer in list order.
func (s *Stage) processItems(ctx context.Context, r *run, pageRec *store.ListPageRecord, items []source.ListItem) error {
	outcomes := make([]detailOutcome, len(items))
	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))

	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(i int, item source.ListItem) {
			defer sem.Release(1)
			outcomes[i] = s.crawlItem(ctx, r, pageRec, item)
		}(i, item)
	}
	// Draining the pool also fences the outcomes slice.
	if err := sem.Acquire(ctx, int64(s.cfg.Concurrency)); err != nil {
		return err
	}
	sem.Release(int64(s.cfg.Concurrency))

	for _, out := range outcomes {
		if out.tracker != nil {
			out.tracker.ListPageID = &pageRec.ID
		}
		if out.skipped {
			if out.tracker != nil {
				if err := s.records.Record(ctx, out.tracker); err != nil {
					return err
				}
			}
			continue
		}

		s.ledger.Add(out.record.CaseID())
		r.stats.TotalCrawled++
		if out.record.Kind == casekb.KindCrawlFailure {
			r.stats.TotalFailed++
		}
		r.buffer = append(r.buffer, out.record)
		r.pending = append(r.pending, out.tracker)

		if len(r.buffer) >= s.cfg.BatchSize {
			if err := s.flush(ctx, r); err != nil {
				return err
			}
		}
		if r.stats.TotalCrawled%progressEvery == 0 {
			r.signal = r.progress(Progress{
				Page:         r.task.CurrentPage,
				TotalCrawled: r.stats.TotalCrawled,
				TotalFailed:  r.stats.TotalFailed,
			})
			if r.signal != SignalContinue {
				return nil
			}
		}
	}
	return nil
}

// crawlItem fetches and merges one case. All failure modes collapse into a
// crawl-failure record; validation problems keep the case in the batch with
// the reason attached.
func (s *Stage) crawlItem(ctx context.Context, r *run, pageRec *store.ListPageRecord, item source.ListItem) detailOutcome {
	tracker := &store.CaseCrawlRecord{
		TaskID:    r.task.TaskID,
		CaseID:    item.CaseID,
		CaseURL:   item.URL,
		CaseTitle: item.Title,
		CrawledAt: time.Now().UTC(),
	}

	if r.task.EnableResume && s.ledger.Has(item.CaseID) {
		if _, ok := r.saved[item.CaseID]; ok {
			tracker.Status = store.RecordSkipped
			metrics.ObserveCase("skipped")
			return detailOutcome{skipped: true, tracker: tracker}
		}
	}

	s.politenessDelay(ctx, r.task)

	start := time.Now()
	detail, err := s.client.FetchDetail(ctx, item)
	tracker.DurationSeconds = time.Since(start).Seconds()

	if err != nil {
		tracker.Status = store.RecordFailed
		tracker.ErrorType = casekb.Classify(err)
		tracker.ErrorMessage = err.Error()
		metrics.ObserveCase("failed")
		s.logger.Warn("detail fetch failed",
			zap.String("task_id", r.task.TaskID),
			zap.Int64("case_id", item.CaseID),
			zap.String("error_type", string(tracker.ErrorType)),
			zap.Error(err))
		return detailOutcome{
			record: casekb.NewCrawlFailure(casekb.CrawlFailure{
				CaseID:    item.CaseID,
				URL:       item.URL,
				Title:     item.Title,
				Reason:    err.Error(),
				CrawledAt: time.Now().UTC(),
			}),
			tracker: tracker,
		}
	}

	tracker.HasDetailData = true
	record := casekb.NewCase(source.Merge(item, detail))
	if verr := validator.Validate(record); verr != nil {
		record = record.Invalidate(verr.Error())
		tracker.Status = store.RecordValidationFailed
		tracker.HasValidationError = true
		tracker.ValidationErrors = []string{verr.Error()}
		metrics.ObserveCase("validation_failed")
	} else {
		tracker.Status = store.RecordSuccess
		metrics.ObserveCase("success")
	}
	return detailOutcome{record: record, tracker: tracker}
}

// retryFailedPages makes a bounded second pass over pages that failed.
func (s *Stage) retryFailedPages(ctx context.Context, r *run) error {
	if s.cfg.PageRetries <= 0 {
		return nil
	}
	failed, err := s.pages.ListFailed(ctx, r.task.TaskID)
	if err != nil {
		return err
	}
	for _, page := range failed {
		if r.signal != SignalContinue {
			return nil
		}
		var result *source.ListResult
		var pageRec *store.ListPageRecord
		attempt := page.RetryCount
		retryErr := retry.Do(
			func() error {
				attempt++
				var ferr error
				result, pageRec, ferr = s.fetchListPage(ctx, r, page.PageNumber, attempt)
				return ferr
			},
			retry.Attempts(uint(s.cfg.PageRetries)),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return !errors.Is(err, errTracking) }),
		)
		if retryErr != nil {
			if errors.Is(retryErr, errTracking) {
				return retryErr
			}
			s.logger.Warn("page retry exhausted",
				zap.String("task_id", r.task.TaskID),
				zap.Int("page", page.PageNumber),
				zap.Error(retryErr))
			continue
		}
		if err := s.processItems(ctx, r, pageRec, result.Items); err != nil {
			return err
		}
		r.task.CompletedPages++
	}
	return nil
}

// flush writes the buffer as the next batch file, persists the ledger and
// marks the buffered case records as saved.
func (s *Stage) flush(ctx context.Context, r *run) error {
	if len(r.buffer) == 0 {
		return nil
	}
	name, err := s.batches.Save(r.nextNum, r.buffer)
	if err != nil {
		return err
	}
	if err := s.ledger.Save(); err != nil {
		return err
	}

	for i, tracker := range r.pending {
		if tracker == nil {
			continue
		}
		if r.buffer[i].Kind != casekb.KindCrawlFailure {
			tracker.SavedToJSON = true
			r.stats.TotalSaved++
		}
		tracker.BatchFileName = name
		if err := s.records.Record(ctx, tracker); err != nil {
			return err
		}
	}

	r.nextNum++
	r.stats.BatchesSaved++
	metrics.ObserveBatchSaved()
	r.buffer = r.buffer[:0]
	r.pending = r.pending[:0]

	r.task.TotalCrawled = r.stats.TotalCrawled
	r.task.TotalSaved = r.stats.TotalSaved
	r.task.TotalFailed = r.stats.TotalFailed
	r.task.BatchesSaved = r.stats.BatchesSaved
	return s.tasks.Update(ctx, r.task)
}

// auditCompleteness finds ids the ledger claims were crawled but no batch
// file contains, writes them out as a final batch of failure records and
// counts them as failed. Failure records count here: their ids are on disk,
// already tallied as failed when they entered the buffer.
func (s *Stage) auditCompleteness(ctx context.Context, r *run) error {
	saved, err := s.batches.AllCaseIDs()
	if err != nil {
		return err
	}
	var missing []casekb.Record
	now := time.Now().UTC()
	for _, id := range s.ledger.IDs() {
		if _, ok := saved[id]; ok {
			continue
		}
		missing = append(missing, casekb.NewCrawlFailure(casekb.CrawlFailure{
			CaseID:    id,
			Reason:    "crawled but missing from every batch file",
			CrawledAt: now,
		}))
	}
	if len(missing) == 0 {
		return nil
	}

	s.logger.Warn("completeness audit found unsaved ids",
		zap.String("task_id", r.task.TaskID),
		zap.Int("count", len(missing)))
	if _, err := s.batches.Save(r.nextNum, missing); err != nil {
		return err
	}
	r.nextNum++
	r.stats.BatchesSaved++
	r.stats.TotalFailed += len(missing)
	return nil
}

func (s *Stage) politenessDelay(ctx context.Context, task *store.CrawlTask) {
	if task.DelayMax <= 0 {
		return
	}
	min := task.DelayMin
	if min < 0 {
		min = 0
	}
	span := task.DelayMax - min
	if span < 0 {
		span = 0
	}
	delay := min + rand.Float64()*span
	s.sleep(ctx, time.Duration(delay*float64(time.Second)))
}

func (s *Stage) finishStats(r *run) {
	r.stats.DurationSeconds = time.Since(r.started).Seconds()
	r.task.TotalCrawled = r.stats.TotalCrawled
	r.task.TotalSaved = r.stats.TotalSaved
	r.task.TotalFailed = r.stats.TotalFailed
	r.task.BatchesSaved = r.stats.BatchesSaved
	if r.stats.DurationSeconds > 0 {
		r.task.AvgSpeed = float64(r.stats.TotalCrawled) / r.stats.DurationSeconds
	}
	if r.stats.TotalCrawled > 0 {
		r.task.ErrorRate = float64(r.stats.TotalFailed) / float64(r.stats.TotalCrawled)
	}
	r.task.AvgDelay = (r.task.DelayMin + r.task.DelayMax) / 2
}

// fail flushes what it can, marks the task failed and returns the original
// error. The buffered records are not lost to a config or storage problem
// further down the run.
func (s *Stage) fail(ctx context.Context, r *run, cause error) error {
	if len(r.buffer) > 0 {
		if _, err := s.batches.Save(r.nextNum, r.buffer); err != nil {
			s.logger.Error("failed to flush buffer during abort", zap.Error(err))
		} else if err := s.ledger.Save(); err != nil {
			s.logger.Error("failed to save ledger during abort", zap.Error(err))
		}
	}
	s.finishStats(r)
	if err := s.finish(ctx, r, store.TaskFailed, cause.Error()); err != nil {
		s.logger.Error("failed to mark task failed", zap.Error(err))
	}
	return fmt.Errorf("crawl task %s: %w", r.task.TaskID, cause)
}

func (s *Stage) finish(ctx context.Context, r *run, status store.TaskStatus, errMsg string) error {
	now := time.Now().UTC()
	r.task.CompletedAt = &now
	r.task.ErrorMessage = errMsg
	if err := s.setStatus(ctx, r.task, status); err != nil {
		return err
	}
	return s.tasks.Update(ctx, r.task)
}

// setStatus updates the task status and records the transition.
func (s *Stage) setStatus(ctx context.Context, task *store.CrawlTask, status store.TaskStatus) error {
	from := task.Status
	task.Status = status
	if err := s.tasks.Update(ctx, task); err != nil {
		return err
	}
	return s.tasks.RecordTransition(ctx, store.StatusTransition{
		TaskID: task.TaskID,
		From:   from,
		To:     status,
		At:     time.Now().UTC(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
