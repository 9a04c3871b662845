package importer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/batch"
	"github.com/caseforge/casekb/internal/casekb"
	"github.com/caseforge/casekb/internal/storage/memory"
	"github.com/caseforge/casekb/internal/store"
)

type fakeEncoder struct {
	mu    sync.Mutex
	calls int
	fail  map[string]error
}

func (f *fakeEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.fail[text]; ok {
		return nil, err
	}
	return []float32{1, 0}, nil
}

// hookedImportStore lets a test flip the import row while a run is between
// files, the way an operator cancels a live import.
type hookedImportStore struct {
	*memory.ImportStore
	afterUpdate func(imp *store.TaskImport)
}

func (h *hookedImportStore) Update(ctx context.Context, imp *store.TaskImport) error {
	if err := h.ImportStore.Update(ctx, imp); err != nil {
		return err
	}
	if h.afterUpdate != nil {
		h.afterUpdate(imp)
	}
	return nil
}

type env struct {
	batches *batch.Store
	imports *hookedImportStore
	records *memory.CaseRecordStore
	cases   *memory.CaseStore
	encoder *fakeEncoder
	stage   *Stage
}

func newEnv(t *testing.T) *env {
	t.Helper()
	batches, err := batch.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	e := &env{
		batches: batches,
		imports: &hookedImportStore{ImportStore: memory.NewImportStore()},
		records: memory.NewCaseRecordStore(),
		cases:   memory.NewCaseStore(),
		encoder: &fakeEncoder{fail: make(map[string]error)},
	}
	e.stage = NewStage(batches, e.imports, e.records, e.cases, e.encoder, zap.NewNop())
	return e
}

func validCase(id int64) casekb.Record {
	return casekb.NewCase(casekb.CaseFields{
		CaseID:      id,
		Title:       fmt.Sprintf("Campaign %d", id),
		Description: "Long form copy",
		SourceURL:   fmt.Sprintf("https://cases.example.com/%d", id),
	})
}

func (e *env) saveBatch(t *testing.T, num int, records ...casekb.Record) {
	t.Helper()
	_, err := e.batches.Save(num, records)
	require.NoError(t, err)
}

func (e *env) newImport(t *testing.T, mutate func(*store.TaskImport)) *store.TaskImport {
	t.Helper()
	imp := &store.TaskImport{
		ImportID:     "import_test",
		TaskID:       "task_test",
		ImportMode:   store.ImportModeFull,
		SkipExisting: true,
		SkipInvalid:  true,
		Status:       store.ImportPending,
	}
	if mutate != nil {
		mutate(imp)
	}
	require.NoError(t, e.imports.Create(context.Background(), imp))
	return imp
}

func (e *env) seedCrawlRecord(t *testing.T, caseID int64, importStatus string) {
	t.Helper()
	require.NoError(t, e.records.Record(context.Background(), &store.CaseCrawlRecord{
		TaskID:       "task_test",
		CaseID:       caseID,
		Status:       store.RecordSuccess,
		ImportStatus: importStatus,
	}))
}

func requireCounterIdentity(t *testing.T, imp *store.TaskImport) {
	t.Helper()
	require.Equal(t, imp.LoadedCases,
		imp.ImportedCases+imp.FailedCases+imp.ExistingCases+imp.InvalidCases,
		"imported+failed+existing+invalid must equal loaded")
	require.LessOrEqual(t, imp.LoadedCases, imp.TotalCases)
}

func TestRunFullImport(t *testing.T) {
	e := newEnv(t)
	e.saveBatch(t, 1, validCase(1), validCase(2), validCase(3))
	e.saveBatch(t, 2, validCase(4), validCase(5))
	for id := int64(1); id <= 5; id++ {
		e.seedCrawlRecord(t, id, "")
	}
	imp := e.newImport(t, nil)

	require.NoError(t, e.stage.Run(context.Background(), imp))

	require.Equal(t, store.ImportCompleted, imp.Status)
	require.Equal(t, 5, imp.TotalCases)
	require.Equal(t, 5, imp.LoadedCases)
	require.Equal(t, 5, imp.ValidCases)
	require.Equal(t, 5, imp.ImportedCases)
	require.Zero(t, imp.InvalidCases)
	require.Zero(t, imp.ExistingCases)
	require.Zero(t, imp.FailedCases)
	require.Equal(t, "cases_batch_0002.json", imp.CurrentFile)
	requireCounterIdentity(t, imp)

	row, err := e.cases.Get(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, "Campaign 3", row.Title)
	require.Nil(t, row.CombinedVector)

	// Post-import verification marks the crawl records.
	tracked, err := e.records.ListByTask(context.Background(), "task_test")
	require.NoError(t, err)
	for _, rec := range tracked {
		require.True(t, rec.Imported)
		require.Equal(t, "success", rec.ImportStatus)
		require.True(t, rec.Verified)
	}
}

func TestRunStoresAllCaseFields(t *testing.T) {
	e := newEnv(t)
	score := 4.0
	rec := casekb.NewCase(casekb.CaseFields{
		CaseID:        7,
		Title:         "  Campaign 7  ",
		Description:   " Long form copy ",
		SourceURL:     "https://cases.example.com/7",
		MainImage:     "https://img.example.com/7.jpg",
		Images:        []string{"https://img.example.com/7a.jpg", "https://img.example.com/7b.jpg"},
		VideoURL:      "https://video.example.com/7.mp4",
		BrandName:     "Acme",
		BrandIndustry: "Beverage",
		ActivityType:  "Launch",
		Location:      "Shanghai",
		Tags:          []string{"social", "video"},
		Score:         &score,
		ScoreDecimal:  "4.0",
		Favourite:     12,
		PublishTime:   "2024-05-01",
		Author:        "jdoe",
		CompanyName:   "Acme Media",
		CompanyLogo:   "https://img.example.com/logo.png",
		AgencyName:    "North Star",
	})
	e.saveBatch(t, 1, rec)
	imp := e.newImport(t, nil)

	require.NoError(t, e.stage.Run(context.Background(), imp))
	require.Equal(t, 1, imp.ImportedCases)

	row, err := e.cases.Get(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "Campaign 7", row.Title)
	require.Equal(t, "Long form copy", row.Description)
	require.Equal(t, "https://cases.example.com/7", row.SourceURL)
	require.Equal(t, "https://img.example.com/7.jpg", row.MainImage)
	require.Equal(t, []string{"https://img.example.com/7a.jpg", "https://img.example.com/7b.jpg"}, row.Images)
	require.Equal(t, "https://video.example.com/7.mp4", row.VideoURL)
	require.Equal(t, "Acme", row.BrandName)
	require.Equal(t, "Beverage", row.BrandIndustry)
	require.Equal(t, "Launch", row.ActivityType)
	require.Equal(t, "Shanghai", row.Location)
	require.Equal(t, []string{"social", "video"}, row.Tags)
	require.NotNil(t, row.Score)
	require.Equal(t, 4.0, *row.Score)
	require.Equal(t, "4.0", row.ScoreDecimal)
	require.Equal(t, 12, row.Favourite)
	require.Equal(t, "2024-05-01", row.PublishTime)
	require.Equal(t, "jdoe", row.Author)
	require.Equal(t, "Acme Media", row.CompanyName)
	require.Equal(t, "https://img.example.com/logo.png", row.CompanyLogo)
	require.Equal(t, "North Star", row.AgencyName)
}

func TestRunIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.saveBatch(t, 1, validCase(1), validCase(2))
	first := e.newImport(t, nil)
	require.NoError(t, e.stage.Run(context.Background(), first))

	second := e.newImport(t, func(imp *store.TaskImport) { imp.ImportID = "import_second" })
	require.NoError(t, e.stage.Run(context.Background(), second))

	require.Equal(t, 2, second.LoadedCases)
	require.Zero(t, second.ImportedCases)
	require.Equal(t, 2, second.ExistingCases)
	requireCounterIdentity(t, second)
}

func TestRunUpdateExisting(t *testing.T) {
	e := newEnv(t)
	e.saveBatch(t, 1, validCase(1))
	first := e.newImport(t, nil)
	require.NoError(t, e.stage.Run(context.Background(), first))

	updated := validCase(1)
	updated.Case.Title = "Campaign 1 refreshed"
	e.saveBatch(t, 1, updated)

	second := e.newImport(t, func(imp *store.TaskImport) {
		imp.ImportID = "import_second"
		imp.UpdateExisting = true
	})
	require.NoError(t, e.stage.Run(context.Background(), second))

	require.Equal(t, 1, second.ImportedCases)
	require.Zero(t, second.ExistingCases)
	row, err := e.cases.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "Campaign 1 refreshed", row.Title)
}

func TestRunCountsInvalidAndRecordsErrors(t *testing.T) {
	e := newEnv(t)
	bad := validCase(2)
	bad.Case.Title = ""
	e.saveBatch(t, 1,
		validCase(1),
		bad,
		casekb.NewCrawlFailure(casekb.CrawlFailure{CaseID: 3, Reason: "timeout"}),
	)
	imp := e.newImport(t, func(imp *store.TaskImport) { imp.SkipInvalid = false })

	require.NoError(t, e.stage.Run(context.Background(), imp))

	require.Equal(t, 3, imp.LoadedCases)
	require.Equal(t, 1, imp.ValidCases)
	require.Equal(t, 1, imp.ImportedCases)
	require.Equal(t, 2, imp.InvalidCases)
	requireCounterIdentity(t, imp)

	errs, err := e.imports.ListErrors(context.Background(), imp.ImportID)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	require.Equal(t, casekb.ErrorValidation, errs[0].ErrorType)
	require.Equal(t, casekb.ErrorCrawl, errs[1].ErrorType)
}

func TestRunSkipInvalidRecordsNoErrors(t *testing.T) {
	e := newEnv(t)
	bad := validCase(2)
	bad.Case.SourceURL = "not-a-url"
	e.saveBatch(t, 1, validCase(1), bad)
	imp := e.newImport(t, nil)

	require.NoError(t, e.stage.Run(context.Background(), imp))

	require.Equal(t, 1, imp.InvalidCases)
	errs, err := e.imports.ListErrors(context.Background(), imp.ImportID)
	require.NoError(t, err)
	require.Empty(t, errs)
}

func TestRunNormalizesBeforeValidation(t *testing.T) {
	e := newEnv(t)
	rec := validCase(1)
	score := 3.6
	rec.Case.Score = &score
	rec.Case.Favourite = -2
	rec.Case.Title = strings.Repeat("t", 600)
	e.saveBatch(t, 1, rec)
	imp := e.newImport(t, nil)

	require.NoError(t, e.stage.Run(context.Background(), imp))

	// Over-length title is truncated, not rejected.
	require.Equal(t, 1, imp.ImportedCases)
	require.Zero(t, imp.InvalidCases)
	row, err := e.cases.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, []rune(row.Title), 500)
}

func TestRunGenerateVectors(t *testing.T) {
	e := newEnv(t)
	empty := validCase(2)
	empty.Case.Title = "  "
	empty.Case.Description = ""
	e.saveBatch(t, 1, validCase(1), empty)
	imp := e.newImport(t, func(imp *store.TaskImport) {
		imp.GenerateVectors = true
		imp.SkipInvalid = true
	})

	require.NoError(t, e.stage.Run(context.Background(), imp))

	require.Equal(t, 1, e.encoder.calls)
	row, err := e.cases.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 0}, row.CombinedVector)
	requireCounterIdentity(t, imp)
}

func TestRunEmbeddingFailureIsolatedPerCase(t *testing.T) {
	e := newEnv(t)
	e.saveBatch(t, 1, validCase(1), validCase(2))
	e.encoder.fail["Campaign 2 Long form copy"] = fmt.Errorf("model overloaded")
	imp := e.newImport(t, func(imp *store.TaskImport) { imp.GenerateVectors = true })

	require.NoError(t, e.stage.Run(context.Background(), imp))

	require.Equal(t, store.ImportCompleted, imp.Status)
	require.Equal(t, 1, imp.ImportedCases)
	require.Equal(t, 1, imp.FailedCases)
	requireCounterIdentity(t, imp)

	errs, err := e.imports.ListErrors(context.Background(), imp.ImportID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, casekb.ErrorEmbedding, errs[0].ErrorType)
	require.Equal(t, int64(2), errs[0].CaseID)

	_, err = e.cases.Get(context.Background(), 2)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunSelectiveMode(t *testing.T) {
	e := newEnv(t)
	e.saveBatch(t, 1, validCase(1))
	e.saveBatch(t, 2, validCase(2))
	imp := e.newImport(t, func(imp *store.TaskImport) {
		imp.ImportMode = store.ImportModeSelective
		imp.SelectedBatches = []string{"cases_batch_0002.json"}
	})

	require.NoError(t, e.stage.Run(context.Background(), imp))

	require.Equal(t, 1, imp.TotalCases)
	require.Equal(t, 1, imp.ImportedCases)
	_, err := e.cases.Get(context.Background(), 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunSelectiveModeUnknownFile(t *testing.T) {
	e := newEnv(t)
	e.saveBatch(t, 1, validCase(1))
	imp := e.newImport(t, func(imp *store.TaskImport) {
		imp.ImportMode = store.ImportModeSelective
		imp.SelectedBatches = []string{"cases_batch_0099.json"}
	})

	err := e.stage.Run(context.Background(), imp)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
	require.Equal(t, store.ImportFailed, imp.Status)
	require.NotEmpty(t, imp.ErrorMessage)
}

func TestRunFailedOnly(t *testing.T) {
	e := newEnv(t)
	e.saveBatch(t, 1, validCase(1), validCase(2))
	e.seedCrawlRecord(t, 1, "success")
	e.seedCrawlRecord(t, 2, "failed")
	imp := e.newImport(t, func(imp *store.TaskImport) { imp.FailedOnly = true })

	require.NoError(t, e.stage.Run(context.Background(), imp))

	require.Equal(t, 1, imp.ImportedCases)
	requireCounterIdentity(t, imp)
	_, err := e.cases.Get(context.Background(), 1)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.cases.Get(context.Background(), 2)
	require.NoError(t, err)
}

func TestRunCancelledBetweenFiles(t *testing.T) {
	e := newEnv(t)
	for n := 1; n <= 5; n++ {
		e.saveBatch(t, n, validCase(int64(n)))
	}
	imp := e.newImport(t, nil)

	var checkpoints int
	e.imports.afterUpdate = func(updated *store.TaskImport) {
		if updated.CurrentFile == "" {
			return
		}
		checkpoints++
		if checkpoints == 2 {
			cancelled, err := e.imports.ImportStore.Get(context.Background(), updated.ImportID)
			require.NoError(t, err)
			cancelled.Status = store.ImportCancelled
			require.NoError(t, e.imports.ImportStore.Update(context.Background(), cancelled))
		}
	}

	err := e.stage.Run(context.Background(), imp)
	require.ErrorIs(t, err, ErrCancelled)

	require.Equal(t, store.ImportCancelled, imp.Status)
	require.NotNil(t, imp.CancelledAt)
	require.Equal(t, 2, imp.LoadedCases)
	require.Equal(t, 2, imp.ImportedCases)
	requireCounterIdentity(t, imp)

	// Files after the cancellation point are untouched.
	_, err = e.cases.Get(context.Background(), 3)
	require.ErrorIs(t, err, store.ErrNotFound)
}
