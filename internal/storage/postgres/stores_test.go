package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/caseforge/casekb/internal/casekb"
	"github.com/caseforge/casekb/internal/store"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestTaskStoreCreate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	taskStore, err := NewTaskStoreWithPool(mock)
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	task := &store.CrawlTask{
		TaskID:       "task_abc",
		Name:         "nightly crawl",
		DataSource:   "cases.example.com",
		StartPage:    1,
		EndPage:      10,
		BatchSize:    50,
		DelayMin:     0.5,
		DelayMax:     1.5,
		EnableResume: true,
		Status:       store.TaskPending,
		CreatedAt:    created,
	}

	mock.ExpectExec("INSERT INTO crawl_tasks").
		WithArgs(task.TaskID, task.Name, task.DataSource, task.StartPage,
			task.EndPage, task.CaseType, task.SearchValue, task.BatchSize,
			task.DelayMin, task.DelayMax, task.EnableResume, task.Status,
			task.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, taskStore.Create(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreUpdateMissingRow(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	taskStore, err := NewTaskStoreWithPool(mock)
	require.NoError(t, err)

	task := &store.CrawlTask{TaskID: "task_missing", Status: store.TaskRunning}
	mock.ExpectExec("UPDATE crawl_tasks SET").
		WithArgs(task.TaskID, task.Status, task.StartedAt, task.CompletedAt,
			task.TotalPages, task.CompletedPages, task.CurrentPage,
			task.TotalCrawled, task.TotalSaved, task.TotalFailed,
			task.BatchesSaved, task.AvgSpeed, task.AvgDelay, task.ErrorRate,
			task.ErrorMessage, task.ErrorStack).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = taskStore.Update(context.Background(), task)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreRecordTransition(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	taskStore, err := NewTaskStoreWithPool(mock)
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO crawl_task_status_history").
		WithArgs("task_abc", store.TaskPending, store.TaskRunning, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = taskStore.RecordTransition(context.Background(), store.StatusTransition{
		TaskID: "task_abc",
		From:   store.TaskPending,
		To:     store.TaskRunning,
		At:     at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPageStoreRecordUpsertsAndSetsID(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	pageStore, err := NewPageStoreWithPool(mock)
	require.NoError(t, err)

	crawled := time.Unix(1700000000, 0).UTC()
	page := &store.ListPageRecord{
		TaskID:          "task_abc",
		PageNumber:      3,
		Status:          store.PageSuccess,
		ItemsCount:      20,
		CrawledAt:       crawled,
		DurationSeconds: 0.42,
	}

	mock.ExpectQuery("INSERT INTO crawl_list_pages").
		WithArgs(page.TaskID, page.PageNumber, page.Status, page.ErrorType,
			page.ErrorMessage, page.ItemsCount, page.CrawledAt,
			page.DurationSeconds, page.RetryCount, page.LastRetryAt).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	require.NoError(t, pageStore.Record(context.Background(), page))
	require.Equal(t, int64(11), page.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseRecordStoreMarkImported(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	recordStore, err := NewCaseRecordStoreWithPool(mock)
	require.NoError(t, err)

	ids := []int64{1, 2, 3}
	mock.ExpectExec("UPDATE crawl_case_records").
		WithArgs(ids, "success", true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	require.NoError(t, recordStore.MarkImported(context.Background(), ids, "success", true))
	require.NoError(t, mock.ExpectationsWereMet())

	// Empty input is a no-op with no round trip.
	require.NoError(t, recordStore.MarkImported(context.Background(), nil, "success", true))
}

func TestCaseRecordStoreFailedImportIDs(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	recordStore, err := NewCaseRecordStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT case_id FROM crawl_case_records").
		WithArgs("task_abc").
		WillReturnRows(pgxmock.NewRows([]string{"case_id"}).
			AddRow(int64(7)).
			AddRow(int64(9)))

	ids, err := recordStore.FailedImportIDs(context.Background(), "task_abc")
	require.NoError(t, err)
	require.Equal(t, []int64{7, 9}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImportStoreCreate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	importStore, err := NewImportStoreWithPool(mock)
	require.NoError(t, err)

	imp := &store.TaskImport{
		ImportID:        "import_abc",
		TaskID:          "task_abc",
		ImportMode:      store.ImportModeSelective,
		SelectedBatches: []string{"cases_batch_0001.json"},
		SkipExisting:    true,
		SkipInvalid:     true,
		Status:          store.ImportPending,
	}

	mock.ExpectExec("INSERT INTO task_imports").
		WithArgs(imp.ImportID, imp.TaskID, imp.ImportMode,
			[]byte(`["cases_batch_0001.json"]`), imp.SkipExisting,
			imp.UpdateExisting, imp.GenerateVectors, imp.SkipInvalid,
			imp.FailedOnly, imp.BatchSize, imp.Status).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, importStore.Create(context.Background(), imp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImportStoreRecordError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	importStore, err := NewImportStoreWithPool(mock)
	require.NoError(t, err)

	ie := &store.ImportError{
		ImportID:     "import_abc",
		FileName:     "cases_batch_0001.json",
		CaseID:       42,
		ErrorType:    casekb.ErrorEmbedding,
		ErrorMessage: "embed case 42: model overloaded",
	}

	mock.ExpectQuery("INSERT INTO task_import_errors").
		WithArgs(ie.ImportID, ie.FileName, ie.CaseID, ie.ErrorType,
			ie.ErrorMessage, []byte(`null`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))

	require.NoError(t, importStore.RecordError(context.Background(), ie))
	require.Equal(t, int64(5), ie.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImportStoreDeleteOrphanedErrors(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	importStore, err := NewImportStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM task_import_errors").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	removed, err := importStore.DeleteOrphanedErrors(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4), removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseStoreUpsert(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	caseStore, err := NewCaseStoreWithPool(mock)
	require.NoError(t, err)

	score := 4.5
	row := &store.Case{
		CaseID:         42,
		Title:          "Campaign 42",
		Description:    "Long form copy",
		SourceURL:      "https://cases.example.com/42",
		MainImage:      "https://img.example.com/42.jpg",
		Images:         []string{"https://img.example.com/42a.jpg"},
		BrandName:      "Acme",
		BrandIndustry:  "Beverage",
		ActivityType:   "Launch",
		Location:       "Shanghai",
		Tags:           []string{"social", "video"},
		Score:          &score,
		ScoreDecimal:   "4.5",
		Favourite:      12,
		PublishTime:    "2024-05-01",
		Author:         "jdoe",
		CompanyName:    "Acme Media",
		AgencyName:     "North Star",
		CombinedVector: []float32{0.6, 0.8},
	}

	mock.ExpectExec("INSERT INTO ad_cases").
		WithArgs(row.CaseID, row.Title, row.Description, row.SourceURL,
			row.MainImage, row.Images, row.VideoURL, row.BrandName,
			row.BrandIndustry, row.ActivityType, row.Location, row.Tags,
			row.Score, row.ScoreDecimal, row.Favourite, row.PublishTime,
			row.Author, row.CompanyName, row.CompanyLogo, row.AgencyName,
			row.CombinedVector).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, caseStore.Upsert(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseStoreExistingIDs(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	caseStore, err := NewCaseStoreWithPool(mock)
	require.NoError(t, err)

	ids := []int64{1, 2, 3}
	mock.ExpectQuery("SELECT case_id FROM ad_cases").
		WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"case_id"}).
			AddRow(int64(1)).
			AddRow(int64(3)))

	existing, err := caseStore.ExistingIDs(context.Background(), ids)
	require.NoError(t, err)
	require.Equal(t, map[int64]struct{}{1: {}, 3: {}}, existing)
	require.NoError(t, mock.ExpectationsWereMet())

	none, err := caseStore.ExistingIDs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestCaseStoreGetNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	caseStore, err := NewCaseStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT case_id, title, description").
		WithArgs(int64(99)).
		WillReturnRows(pgxmock.NewRows([]string{
			"case_id", "title", "description", "source_url", "main_image",
			"images", "video_url", "brand_name", "brand_industry",
			"activity_type", "location", "tags", "score", "score_decimal",
			"favourite", "publish_time", "author", "company_name",
			"company_logo", "agency_name", "combined_vector",
			"created_at", "updated_at",
		}))

	_, err = caseStore.Get(context.Background(), 99)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
