package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skudata/catalog-crawler/internal/api"
	"github.com/skudata/catalog-crawler/internal/clock/system"
	"github.com/skudata/catalog-crawler/internal/config"
	"github.com/skudata/catalog-crawler/internal/controller"
	"github.com/skudata/catalog-crawler/internal/crawler"
	"github.com/skudata/catalog-crawler/internal/extract"
	collyfetcher "github.com/skudata/catalog-crawler/internal/fetcher/colly"
	"github.com/skudata/catalog-crawler/internal/id/uuid"
	"github.com/skudata/catalog-crawler/internal/logging"
	"github.com/skudata/catalog-crawler/internal/metrics"
	"github.com/skudata/catalog-crawler/internal/policy/ratelimit"
	"github.com/skudata/catalog-crawler/internal/progress"
	"github.com/skudata/catalog-crawler/internal/progress/sinks"
	"github.com/skudata/catalog-crawler/internal/store/postgres"
	"github.com/skudata/catalog-crawler/internal/store/sqlite"
)

// checkpointStore is what the commands need from a store backend.
type checkpointStore interface {
	crawler.CheckpointStore
	crawler.ProductScanner
	crawler.VisitReader
}

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Starts or resumes the catalog crawl",
		Long: `Crawls the configured catalog starting from the root categories page.
Progress is checkpointed after every visit, so the command can be interrupted
and rerun; finished work is never repeated.`,
		RunE: runCrawl,
	}
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync failure is harmless

	metrics.Init()
	clk := system.New()

	store, err := openStore(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer store.Close()

	seed, err := crawler.NormalizeKey(cfg.Site.RootURL)
	if err != nil {
		return fmt.Errorf("site.root_url: %w", err)
	}

	extractor, err := extract.New(extract.Config{
		ListingAPIURL:  cfg.Site.ListingAPIURL,
		ProductBaseURL: cfg.Site.ProductBaseURL,
		PageSize:       cfg.Site.PageSize,
	})
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Site.RequestsPerSec,
		DefaultBurst: cfg.Site.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}, limiter)

	ring := sinks.NewRingSink(256)
	hub := progress.NewHub(
		progress.Config{Logger: logger},
		sinks.NewLogSink(logger.Named("events")),
		ring,
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("progress hub close failed", zap.Error(cerr))
		}
	}()

	ctrl, err := controller.New(controller.Config{
		Store:        store,
		Fetcher:      fetcher,
		Extractor:    extractor,
		Backoff:      crawler.NewBackoffPolicy(cfg.BackoffInitial(), cfg.BackoffMax()),
		Logger:       logger,
		Clock:        clk,
		IDs:          uuid.New(),
		Concurrency:  cfg.Crawler.Concurrency,
		FetchTimeout: cfg.FetchTimeout(),
		Seeds:        []crawler.Visit{{Key: seed, Kind: crawler.KindCatalog}},
		Events:       hub,
	})
	if err != nil {
		return err
	}

	if cfg.Server.Enabled {
		srv := api.NewServer(api.Config{
			Addr:     fmt.Sprintf(":%d", cfg.Server.Port),
			Progress: func() any { return ctrl.Progress() },
			Events:   ring,
			Visits:   store,
			Logger:   logger.Named("api"),
		})
		go func() {
			if serr := srv.Start(); serr != nil {
				logger.Error("api server failed", zap.Error(serr))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("api server shutdown failed", zap.Error(serr))
			}
		}()
	}

	summary, err := ctrl.Run(ctx)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	logger.Info("run summary",
		zap.String("run_id", summary.RunID),
		zap.Int("done", summary.Counts.Done),
		zap.Int("failed", summary.Counts.Failed),
		zap.Int("pending", summary.Counts.Pending),
		zap.Int("products", summary.Counts.Products),
		zap.Int("captured", summary.ProductsCaptured),
		zap.Int("duplicates", summary.DuplicateProducts),
		zap.Int("retries", summary.Retries),
		zap.Duration("elapsed", summary.Elapsed),
	)

	if summary.Counts.Failed > 0 {
		return fmt.Errorf("%w: %d visits", errVisitsFailed, summary.Counts.Failed)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, clk crawler.Clock) (checkpointStore, error) {
	switch cfg.DB.Driver {
	case "postgres":
		return postgres.Open(ctx, postgres.Config{DSN: cfg.DB.DSN}, cfg.Crawler.RetryBudget, clk)
	default:
		return sqlite.Open(ctx, cfg.DB.Path, cfg.Crawler.RetryBudget, clk)
	}
}
