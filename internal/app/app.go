// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/batch"
	"github.com/caseforge/casekb/internal/config"
	"github.com/caseforge/casekb/internal/embed"
	"github.com/caseforge/casekb/internal/logging"
	"github.com/caseforge/casekb/internal/metrics"
	"github.com/caseforge/casekb/internal/source"
	"github.com/caseforge/casekb/internal/storage/memory"
	"github.com/caseforge/casekb/internal/storage/postgres"
	"github.com/caseforge/casekb/internal/store"
)

// App holds all the shared, long-lived services for the pipeline. It is
// initialized once at startup and handed to the commands that need it.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool

	tasks   store.TaskRepo
	pages   store.PageRepo
	records store.CaseRecordRepo
	imports store.ImportRepo
	cases   store.CaseRepo

	batches *batch.Store
	ledger  *batch.Ledger
	source  source.Client
	encoder embed.Encoder
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Tasks returns the crawl task repository.
func (a *App) Tasks() store.TaskRepo { return a.tasks }

// Pages returns the list page repository.
func (a *App) Pages() store.PageRepo { return a.pages }

// Records returns the per-case crawl record repository.
func (a *App) Records() store.CaseRecordRepo { return a.records }

// Imports returns the import run repository.
func (a *App) Imports() store.ImportRepo { return a.imports }

// Cases returns the knowledge-base case repository.
func (a *App) Cases() store.CaseRepo { return a.cases }

// Batches returns the on-disk batch store.
func (a *App) Batches() *batch.Store { return a.batches }

// Ledger returns the crawl resume ledger.
func (a *App) Ledger() *batch.Ledger { return a.ledger }

// Source returns the remote case library client.
func (a *App) Source() source.Client { return a.source }

// Encoder returns the embedding encoder.
func (a *App) Encoder() embed.Encoder { return a.encoder }

// New loads configuration and wires every service the commands share. It is
// the central point for service initialization and fails fast when any
// critical dependency cannot be built.
func New(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	// Tracking repositories live in Postgres when a DSN is configured and in
	// memory otherwise, which keeps local dry runs free of infrastructure.
	if cfg.Database.DSN != "" {
		logger.Info("connecting to postgres")
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		if a.tasks, err = postgres.NewTaskStoreWithPool(pool); err != nil {
			return nil, err
		}
		if a.pages, err = postgres.NewPageStoreWithPool(pool); err != nil {
			return nil, err
		}
		if a.records, err = postgres.NewCaseRecordStoreWithPool(pool); err != nil {
			return nil, err
		}
		if a.imports, err = postgres.NewImportStoreWithPool(pool); err != nil {
			return nil, err
		}
		if a.cases, err = postgres.NewCaseStoreWithPool(pool); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no database DSN configured, using in-memory repositories")
		a.tasks = memory.NewTaskStore()
		a.pages = memory.NewPageStore()
		a.records = memory.NewCaseRecordStore()
		a.imports = memory.NewImportStore()
		a.cases = memory.NewCaseStore()
	}

	a.batches, err = batch.NewStore(cfg.Batch.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("open batch store: %w", err)
	}
	a.ledger = batch.OpenLedger(cfg.Batch.LedgerFile, logger)

	a.source = source.NewHTTPClient(source.ClientConfig{
		BaseURL:     cfg.Source.BaseURL,
		PageSize:    cfg.Source.PageSize,
		CaseType:    cfg.Source.CaseType,
		SearchValue: cfg.Source.SearchValue,
		UserAgent:   cfg.Source.UserAgent,
		Timeout:     cfg.SourceTimeout(),
	}, logger.Named("source"))

	a.encoder, err = buildEncoder(cfg, logger.Named("embed"))
	if err != nil {
		return nil, err
	}

	logger.Info("application services initialized")
	return a, nil
}

// buildEncoder wires the embedding client, wrapped in an LRU cache when one
// is configured. No base URL means vector generation is unavailable, which
// import runs handle by skipping vectors.
func buildEncoder(cfg config.Config, logger *zap.Logger) (embed.Encoder, error) {
	if cfg.Embedding.BaseURL == "" {
		return nil, nil
	}
	enc := embed.NewHTTPEncoder(embed.Config{
		BaseURL: cfg.Embedding.BaseURL,
		Timeout: cfg.EmbeddingTimeout(),
	}, logger)
	if cfg.Embedding.CacheSize <= 0 {
		return enc, nil
	}
	cached, err := embed.NewCachingEncoder(enc, cfg.Embedding.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("build embedding cache: %w", err)
	}
	return cached, nil
}

// Close shuts down every service the container owns. It is called by a Cobra
// hook after the command finishes.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
