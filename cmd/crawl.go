package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/crawl"
	"github.com/caseforge/casekb/internal/store"
)

type crawlFlags struct {
	name      string
	startPage int
	endPage   int
	batchSize int
	delayMin  float64
	delayMax  float64
	resume    bool
}

// newCrawlCmd creates the 'crawl' subcommand. It crawls a page range of the
// remote case library into JSON batch files and records progress in the
// tracking repositories.
func newCrawlCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the remote case library into batch files",
		Long: `Crawls the configured page range of the remote case library. List items
are merged with their detail pages, validated downstream at import time, and
written to numbered JSON batch files. The resume ledger lets an interrupted
run pick up where it left off.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.name, "name", "", "human-readable task name")
	cmd.Flags().IntVar(&flags.startPage, "start-page", 1, "first list page to crawl")
	cmd.Flags().IntVar(&flags.endPage, "end-page", 1, "last list page to crawl")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "cases per batch file (0 uses config)")
	cmd.Flags().Float64Var(&flags.delayMin, "delay-min", -1, "minimum politeness delay in seconds (-1 uses config)")
	cmd.Flags().Float64Var(&flags.delayMax, "delay-max", -1, "maximum politeness delay in seconds (-1 uses config)")
	cmd.Flags().BoolVar(&flags.resume, "resume", true, "skip cases already in the resume ledger")

	return cmd
}

func runCrawlCommand(cmd *cobra.Command, flags *crawlFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()

	if flags.startPage <= 0 || flags.endPage < flags.startPage {
		return fmt.Errorf("invalid page range %d..%d", flags.startPage, flags.endPage)
	}

	batchSize := flags.batchSize
	if batchSize <= 0 {
		batchSize = cfg.Crawl.BatchSize
	}
	delayMin := flags.delayMin
	if delayMin < 0 {
		delayMin = cfg.Crawl.DelayMinSeconds
	}
	delayMax := flags.delayMax
	if delayMax < delayMin {
		delayMax = cfg.Crawl.DelayMaxSeconds
	}
	if delayMax < delayMin {
		delayMax = delayMin
	}

	name := flags.name
	if name == "" {
		name = fmt.Sprintf("crawl pages %d-%d", flags.startPage, flags.endPage)
	}

	task := &store.CrawlTask{
		TaskID:       "task_" + uuid.NewString(),
		Name:         name,
		DataSource:   cfg.Source.BaseURL,
		StartPage:    flags.startPage,
		EndPage:      flags.endPage,
		CaseType:     cfg.Source.CaseType,
		SearchValue:  cfg.Source.SearchValue,
		BatchSize:    batchSize,
		DelayMin:     delayMin,
		DelayMax:     delayMax,
		EnableResume: flags.resume,
		Status:       store.TaskPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := appInstance.Tasks().Create(cmd.Context(), task); err != nil {
		return fmt.Errorf("create crawl task: %w", err)
	}
	logger.Info("crawl task created",
		zap.String("task_id", task.TaskID),
		zap.Int("start_page", task.StartPage),
		zap.Int("end_page", task.EndPage))

	stage := crawl.NewStage(crawl.Config{
		BatchSize:   batchSize,
		Concurrency: cfg.Crawl.Concurrency,
		PageRetries: cfg.Crawl.PageRetries,
	}, appInstance.Source(), appInstance.Batches(), appInstance.Ledger(),
		appInstance.Tasks(), appInstance.Pages(), appInstance.Records(), logger)

	// SIGINT and SIGTERM end the run at the next item boundary with the
	// current buffer flushed, so nothing crawled so far is lost.
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupted)

	progress := func(p crawl.Progress) crawl.Signal {
		select {
		case <-interrupted:
			logger.Warn("interrupt received, stopping after current item")
			return crawl.SignalStop
		default:
		}
		logger.Info("crawl progress",
			zap.Int("page", p.Page),
			zap.Int("crawled", p.TotalCrawled),
			zap.Int("failed", p.TotalFailed))
		return crawl.SignalContinue
	}

	stats, err := stage.Run(cmd.Context(), task, progress)
	if err != nil {
		return fmt.Errorf("crawl task %s: %w", task.TaskID, err)
	}

	logger.Info("crawl finished",
		zap.String("task_id", task.TaskID),
		zap.String("status", string(task.Status)),
		zap.Int("crawled", stats.TotalCrawled),
		zap.Int("saved", stats.TotalSaved),
		zap.Int("failed", stats.TotalFailed),
		zap.Int("batches", stats.BatchesSaved),
		zap.Float64("duration_seconds", stats.DurationSeconds))
	return nil
}
