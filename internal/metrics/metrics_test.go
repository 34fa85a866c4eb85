package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerVisitsTotal == nil || crawlerProductsTotal == nil ||
		crawlerRetriesTotal == nil || crawlerFetchSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveVisit("product", "done")
	if val := testutil.ToFloat64(crawlerVisitsTotal.WithLabelValues("product", "done")); val != 1 {
		t.Errorf("expected crawler_visits_total{product,done} to be 1, got %f", val)
	}

	ObserveProduct("new")
	if val := testutil.ToFloat64(crawlerProductsTotal.WithLabelValues("new")); val != 1 {
		t.Errorf("expected crawler_products_total{new} to be 1, got %f", val)
	}

	ObserveRetry()
	if val := testutil.ToFloat64(crawlerRetriesTotal); val != 1 {
		t.Errorf("expected crawler_retries_total to be 1, got %f", val)
	}

	SetFrontierDepth(7)
	if val := testutil.ToFloat64(crawlerFrontierDepth); val != 7 {
		t.Errorf("expected frontier depth 7, got %f", val)
	}

	SetInflight(3)
	if val := testutil.ToFloat64(crawlerInflightFetches); val != 3 {
		t.Errorf("expected inflight 3, got %f", val)
	}

	ObserveFetchDuration("listing", 120*time.Millisecond)
	ObserveRateLimitDelay("catalog.test", 10*time.Millisecond)
}

func TestObserversAreNilSafe(t *testing.T) {
	// Observers must not panic before Init runs; package state may already be
	// initialized by another test, so this only exercises the guard paths.
	ObserveVisit("catalog", "failed")
	ObserveProduct("duplicate")
	ObserveRetry()
	ObserveFetchDuration("product", time.Second)
	SetFrontierDepth(0)
	SetInflight(0)
	ObserveRateLimitDelay("catalog.test", 0)
}
