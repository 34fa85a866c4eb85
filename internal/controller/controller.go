// Package controller runs the crawl: it owns the frontier, dispatches fetches
// under a concurrency bound, and serializes every checkpoint write so the
// durable state always matches what actually happened.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skudata/catalog-crawler/internal/crawler"
	"github.com/skudata/catalog-crawler/internal/metrics"
	"github.com/skudata/catalog-crawler/internal/progress"
)

// Config wires the controller's collaborators.
type Config struct {
	Store        crawler.CheckpointStore
	Fetcher      crawler.Fetcher
	Extractor    crawler.Extractor
	Backoff      *crawler.BackoffPolicy
	Logger       *zap.Logger
	Clock        crawler.Clock
	IDs          crawler.IDGenerator
	Concurrency  int
	FetchTimeout time.Duration
	Seeds        []crawler.Visit
	// Events optionally receives crawl milestones; a nil hub discards them.
	Events *progress.Hub
}

// Controller drives a single crawl run.
type Controller struct {
	store        crawler.CheckpointStore
	fetcher      crawler.Fetcher
	extractor    crawler.Extractor
	backoff      *crawler.BackoffPolicy
	logger       *zap.Logger
	clock        crawler.Clock
	ids          crawler.IDGenerator
	concurrency  int
	fetchTimeout time.Duration
	seeds        []crawler.Visit
	events       *progress.Hub

	mu       sync.RWMutex
	progress Progress
}

// Progress is a point-in-time snapshot of the run, served by the API server.
type Progress struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Frontier int       `json:"frontier"`
	Inflight int       `json:"inflight"`
	Done     int       `json:"done"`
	Failed   int       `json:"failed"`
	Products int       `json:"products"`
	Retries  int       `json:"retries"`
	Draining bool      `json:"draining"`
}

// New validates the configuration and builds a controller.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case cfg.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case cfg.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case cfg.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case cfg.Concurrency <= 0:
		return nil, fmt.Errorf("concurrency must be > 0")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = crawler.NewBackoffPolicy(0, 0)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Controller{
		store:        cfg.Store,
		fetcher:      cfg.Fetcher,
		extractor:    cfg.Extractor,
		backoff:      cfg.Backoff,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		ids:          cfg.IDs,
		concurrency:  cfg.Concurrency,
		fetchTimeout: cfg.FetchTimeout,
		seeds:        cfg.Seeds,
		events:       cfg.Events,
	}, nil
}

// Progress returns the latest snapshot. Safe to call from other goroutines.
func (c *Controller) Progress() Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

type fetchResult struct {
	visit      crawler.Visit
	extraction crawler.Extraction
	dur        time.Duration
	err        error
}

type runState struct {
	runID    string
	frontier *frontier
	inflight map[crawler.VisitKey]struct{}
	results  chan fetchResult

	done       int
	failed     int
	products   int
	duplicates int
	retries    int

	draining bool
	fatal    error
}

// Run seeds the store, restores pending work and crawls until the frontier and
// the in-flight set are both empty. Cancelling ctx stops dispatch; fetches
// already in flight are drained and their outcomes recorded, so a clean
// shutdown leaves no in_progress rows behind. Checkpoint failures are fatal:
// dispatch halts, in-flight work drains, and the store error is returned.
func (c *Controller) Run(ctx context.Context) (crawler.Summary, error) {
	started := c.clock.Now()
	runID, err := c.ids.NewID()
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	log := c.logger.With(zap.String("run_id", runID))

	// Store writes must land even while the run context is being torn down.
	opCtx := context.WithoutCancel(ctx)

	if err := c.store.Seed(opCtx, c.seeds); err != nil {
		return crawler.Summary{}, err
	}
	pending, err := c.store.LoadPending(opCtx)
	if err != nil {
		return crawler.Summary{}, err
	}

	st := &runState{
		runID:    runID,
		frontier: newFrontier(),
		inflight: make(map[crawler.VisitKey]struct{}),
		results:  make(chan fetchResult),
	}
	for _, v := range pending {
		st.frontier.add(v, time.Time{})
	}
	log.Info("crawl starting",
		zap.Int("restored", len(pending)),
		zap.Int("concurrency", c.concurrency),
	)
	c.events.Emit(progress.Event{RunID: runID, TS: started, Stage: progress.StageRunStart})

	for {
		for st.fatal == nil && !st.draining && len(st.inflight) < c.concurrency {
			v, ok := st.frontier.popEligible(c.clock.Now())
			if !ok {
				break
			}
			c.startVisit(ctx, opCtx, log, st, v)
		}

		metrics.SetFrontierDepth(st.frontier.len())
		metrics.SetInflight(len(st.inflight))
		c.publish(runID, started, st)

		if len(st.inflight) == 0 {
			if st.draining || st.fatal != nil || st.frontier.len() == 0 {
				break
			}
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if st.fatal == nil && !st.draining && len(st.inflight) < c.concurrency {
			if wait, ok := st.frontier.nextWake(c.clock.Now()); ok {
				timer = time.NewTimer(wait)
				timerC = timer.C
			}
		}
		var cancelC <-chan struct{}
		if !st.draining {
			cancelC = ctx.Done()
		}

		select {
		case res := <-st.results:
			c.handleResult(opCtx, log, st, res)
		case <-cancelC:
			st.draining = true
			log.Info("shutdown requested, draining in-flight fetches",
				zap.Int("inflight", len(st.inflight)))
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}

	metrics.SetFrontierDepth(0)
	metrics.SetInflight(0)

	counts, countsErr := c.store.Counts(opCtx)
	if countsErr != nil && st.fatal == nil {
		st.fatal = countsErr
	}
	summary := crawler.Summary{
		RunID:             runID,
		Counts:            counts,
		ProductsCaptured:  st.products,
		DuplicateProducts: st.duplicates,
		Retries:           st.retries,
		Elapsed:           c.clock.Now().Sub(started),
	}
	c.publish(runID, started, st)

	log.Info("crawl finished",
		zap.Int("done", counts.Done),
		zap.Int("failed", counts.Failed),
		zap.Int("products", st.products),
		zap.Int("retries", st.retries),
		zap.Duration("elapsed", summary.Elapsed),
	)
	c.events.Emit(progress.Event{
		RunID: runID,
		TS:    c.clock.Now(),
		Stage: progress.StageRunDone,
		Dur:   summary.Elapsed,
	})
	return summary, st.fatal
}

// startVisit claims the visit and launches its fetch. Product visits whose
// product was already captured short-circuit without a request.
func (c *Controller) startVisit(
	ctx context.Context,
	opCtx context.Context,
	log *zap.Logger,
	st *runState,
	v crawler.Visit,
) {
	if v.Kind == crawler.KindProduct {
		have, err := c.store.HasProduct(opCtx, crawler.ProductKeyFor(v.Key))
		if err != nil {
			st.fatal = err
			return
		}
		if have {
			if _, err := c.store.MarkDone(opCtx, v.Key, nil, nil); err != nil {
				st.fatal = err
				return
			}
			st.done++
			st.duplicates++
			metrics.ObserveVisit(string(v.Kind), "duplicate")
			metrics.ObserveProduct("duplicate")
			log.Debug("product already captured, skipping fetch", zap.String("key", string(v.Key)))
			return
		}
	}

	if err := c.store.MarkInProgress(opCtx, v.Key); err != nil {
		st.fatal = err
		return
	}
	st.inflight[v.Key] = struct{}{}

	go func() {
		// Give the fetch its own deadline, detached from the run context,
		// so draining records real outcomes instead of cancellations.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		resp, err := c.fetcher.Fetch(fetchCtx, crawler.FetchRequest{URL: string(v.Key), Kind: v.Kind})
		if err != nil {
			st.results <- fetchResult{visit: v, err: err}
			return
		}
		metrics.ObserveFetchDuration(string(v.Kind), resp.Duration)
		if !resp.OK() {
			st.results <- fetchResult{visit: v, err: &crawler.HTTPStatusError{
				URL:        resp.URL,
				StatusCode: resp.StatusCode,
			}}
			return
		}
		ext, err := c.extractor.Extract(v.Kind, resp.URL, resp.Body)
		st.results <- fetchResult{visit: v, extraction: ext, dur: resp.Duration, err: err}
	}()
}

func (c *Controller) handleResult(
	opCtx context.Context,
	log *zap.Logger,
	st *runState,
	res fetchResult,
) {
	delete(st.inflight, res.visit.Key)

	if res.err == nil {
		inserted, err := c.store.MarkDone(opCtx, res.visit.Key, res.extraction.Links, res.extraction.Product)
		if err != nil {
			st.fatal = err
			return
		}
		st.done++
		for _, v := range inserted {
			st.frontier.add(v, time.Time{})
		}
		metrics.ObserveVisit(string(res.visit.Kind), "done")
		c.events.Emit(progress.Event{
			RunID: st.runID,
			TS:    c.clock.Now(),
			Stage: progress.StageVisitDone,
			Key:   res.visit.Key,
			Kind:  res.visit.Kind,
			Dur:   res.dur,
		})
		if res.extraction.Product != nil {
			st.products++
			metrics.ObserveProduct("new")
			c.events.Emit(progress.Event{
				RunID: st.runID,
				TS:    c.clock.Now(),
				Stage: progress.StageProductCaptured,
				Key:   res.visit.Key,
				Kind:  res.visit.Kind,
				Note:  res.extraction.Product.Title,
			})
		}
		log.Debug("visit done",
			zap.String("key", string(res.visit.Key)),
			zap.String("kind", string(res.visit.Kind)),
			zap.Int("discovered", len(inserted)),
		)
		return
	}

	status, attempts, err := c.store.MarkFailed(opCtx, res.visit.Key, res.err)
	if err != nil {
		st.fatal = err
		return
	}
	if status == crawler.StatusPending {
		delay := c.backoff.Delay(attempts)
		st.frontier.add(res.visit, c.clock.Now().Add(delay))
		st.retries++
		metrics.ObserveRetry()
		metrics.ObserveVisit(string(res.visit.Kind), "retry")
		c.events.Emit(progress.Event{
			RunID:   st.runID,
			TS:      c.clock.Now(),
			Stage:   progress.StageVisitRetried,
			Key:     res.visit.Key,
			Kind:    res.visit.Kind,
			Attempt: attempts,
			Note:    res.err.Error(),
		})
		log.Warn("visit failed, will retry",
			zap.String("key", string(res.visit.Key)),
			zap.Int("attempts", attempts),
			zap.Duration("backoff", delay),
			zap.Error(res.err),
		)
		return
	}
	st.failed++
	metrics.ObserveVisit(string(res.visit.Kind), "failed")
	c.events.Emit(progress.Event{
		RunID:   st.runID,
		TS:      c.clock.Now(),
		Stage:   progress.StageVisitFailed,
		Key:     res.visit.Key,
		Kind:    res.visit.Kind,
		Attempt: attempts,
		Note:    res.err.Error(),
	})
	log.Error("visit failed permanently",
		zap.String("key", string(res.visit.Key)),
		zap.Int("attempts", attempts),
		zap.Error(res.err),
	)
}

func (c *Controller) publish(runID string, started time.Time, st *runState) {
	c.mu.Lock()
	c.progress = Progress{
		RunID:    runID,
		Started:  started,
		Frontier: st.frontier.len(),
		Inflight: len(st.inflight),
		Done:     st.done,
		Failed:   st.failed,
		Products: st.products,
		Retries:  st.retries,
		Draining: st.draining,
	}
	c.mu.Unlock()
}
