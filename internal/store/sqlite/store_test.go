package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skudata/catalog-crawler/internal/crawler"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func openTestStore(t *testing.T, budget int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	s, err := Open(context.Background(), path, budget, &fakeClock{now: time.Unix(1000, 0).UTC()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func visit(key string, kind crawler.PageKind) crawler.Visit {
	return crawler.Visit{Key: crawler.VisitKey(key), Kind: kind}
}

func TestSeedAndLoadPending(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 3)
	ctx := context.Background()

	root := visit("https://catalog.test/c/root", crawler.KindCatalog)
	require.NoError(t, s.Seed(ctx, []crawler.Visit{root}))
	// Seeding again must not duplicate.
	require.NoError(t, s.Seed(ctx, []crawler.Visit{root}))

	pending, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.Visit{root}, pending)
}

func TestLoadPendingRequeuesInterruptedWork(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 3)
	ctx := context.Background()

	v := visit("https://catalog.test/p/a/1", crawler.KindProduct)
	require.NoError(t, s.Seed(ctx, []crawler.Visit{v}))
	require.NoError(t, s.MarkInProgress(ctx, v.Key))

	// Simulates a crash: the next run finds the in_progress row and requeues it.
	pending, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.Visit{v}, pending)

	rec, err := s.GetVisit(ctx, v.Key)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, rec.Status)
}

func TestGetVisitUnknownKey(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 3)
	_, err := s.GetVisit(context.Background(), crawler.VisitKey("https://catalog.test/p/never-seen"))
	require.ErrorIs(t, err, crawler.ErrVisitNotFound)
}

func TestMarkDoneCommitsVisitLinksAndProduct(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 3)
	ctx := context.Background()

	listing := visit("https://api.catalog.test/v1/products?page=1", crawler.KindListing)
	productVisit := visit("https://catalog.test/p/a/1", crawler.KindProduct)
	require.NoError(t, s.Seed(ctx, []crawler.Visit{listing}))
	require.NoError(t, s.MarkInProgress(ctx, listing.Key))

	inserted, err := s.MarkDone(ctx, listing.Key, []crawler.Visit{productVisit}, nil)
	require.NoError(t, err)
	require.Equal(t, []crawler.Visit{productVisit}, inserted)

	require.NoError(t, s.MarkInProgress(ctx, productVisit.Key))
	record := &crawler.ProductRecord{
		Key:        crawler.ProductKey(productVisit.Key),
		Title:      "Produkt A",
		Price:      "9,99 €",
		Attributes: map[string]string{"ean": "401"},
		SourceURL:  string(productVisit.Key),
	}
	_, err = s.MarkDone(ctx, productVisit.Key, nil, record)
	require.NoError(t, err)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StoreCounts{Done: 2, Products: 1}, counts)

	products, err := s.AllProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, "Produkt A", products[0].Title)
	require.Equal(t, map[string]string{"ean": "401"}, products[0].Attributes)
	require.False(t, products[0].ExtractedAt.IsZero())
}

func TestMarkDoneIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 3)
	ctx := context.Background()

	v := visit("https://catalog.test/p/a/1", crawler.KindProduct)
	link := visit("https://catalog.test/p/b/2", crawler.KindProduct)
	record := &crawler.ProductRecord{
		Key:        crawler.ProductKey(v.Key),
		Title:      "Produkt A",
		Attributes: map[string]string{},
		SourceURL:  string(v.Key),
	}

	require.NoError(t, s.Seed(ctx, []crawler.Visit{v}))
	inserted, err := s.MarkDone(ctx, v.Key, []crawler.Visit{link}, record)
	require.NoError(t, err)
	require.Len(t, inserted, 1)

	countsAfterFirst, err := s.Counts(ctx)
	require.NoError(t, err)

	// The identical call again must not change store state, and the link is
	// reported as already known.
	inserted, err = s.MarkDone(ctx, v.Key, []crawler.Visit{link}, record)
	require.NoError(t, err)
	require.Empty(t, inserted)

	countsAfterSecond, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, countsAfterFirst, countsAfterSecond)
}

func TestMarkDoneNeverDemotesKnownKeys(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 1)
	ctx := context.Background()

	doneVisit := visit("https://catalog.test/p/done/1", crawler.KindProduct)
	failedVisit := visit("https://catalog.test/p/failed/2", crawler.KindProduct)
	parent := visit("https://api.catalog.test/v1/products?page=1", crawler.KindListing)

	require.NoError(t, s.Seed(ctx, []crawler.Visit{doneVisit, failedVisit, parent}))
	_, err := s.MarkDone(ctx, doneVisit.Key, nil, nil)
	require.NoError(t, err)
	status, _, err := s.MarkFailed(ctx, failedVisit.Key, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, status)

	// A listing re-discovering both keys must not reset them to pending.
	inserted, err := s.MarkDone(ctx, parent.Key, []crawler.Visit{doneVisit, failedVisit}, nil)
	require.NoError(t, err)
	require.Empty(t, inserted)

	rec, err := s.GetVisit(ctx, doneVisit.Key)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, rec.Status)

	rec, err = s.GetVisit(ctx, failedVisit.Key)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, rec.Status)
}

func TestMarkFailedRespectsRetryBudget(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 3)
	ctx := context.Background()

	v := visit("https://catalog.test/p/flaky/1", crawler.KindProduct)
	require.NoError(t, s.Seed(ctx, []crawler.Visit{v}))

	cause := errors.New("connection reset")
	for attempt := 1; attempt <= 2; attempt++ {
		status, attempts, err := s.MarkFailed(ctx, v.Key, cause)
		require.NoError(t, err)
		require.Equal(t, crawler.StatusPending, status)
		require.Equal(t, attempt, attempts)
	}

	status, attempts, err := s.MarkFailed(ctx, v.Key, cause)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, status)
	require.Equal(t, 3, attempts)

	rec, err := s.GetVisit(ctx, v.Key)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, rec.Status)
	require.Equal(t, "connection reset", rec.LastError)

	// Terminal keys are not returned for redispatch.
	pending, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestHasProduct(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 3)
	ctx := context.Background()

	key := crawler.ProductKey("https://catalog.test/p/a/1")
	ok, err := s.HasProduct(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	v := visit(string(key), crawler.KindProduct)
	require.NoError(t, s.Seed(ctx, []crawler.Visit{v}))
	_, err = s.MarkDone(ctx, v.Key, nil, &crawler.ProductRecord{
		Key: key, Title: "A", Attributes: map[string]string{}, SourceURL: string(key),
	})
	require.NoError(t, err)

	ok, err = s.HasProduct(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProductUpsertOverwrites(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 3)
	ctx := context.Background()

	v := visit("https://catalog.test/p/a/1", crawler.KindProduct)
	require.NoError(t, s.Seed(ctx, []crawler.Visit{v}))

	key := crawler.ProductKey(v.Key)
	_, err := s.MarkDone(ctx, v.Key, nil, &crawler.ProductRecord{
		Key: key, Title: "old title", Attributes: map[string]string{}, SourceURL: string(v.Key),
	})
	require.NoError(t, err)

	_, err = s.MarkDone(ctx, v.Key, nil, &crawler.ProductRecord{
		Key: key, Title: "new title", Attributes: map[string]string{"ean": "401"}, SourceURL: string(v.Key),
	})
	require.NoError(t, err)

	products, err := s.AllProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1, "upsert must never duplicate")
	require.Equal(t, "new title", products[0].Title)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.db")
	clk := &fakeClock{now: time.Unix(1000, 0).UTC()}
	ctx := context.Background()

	s, err := Open(ctx, path, 3, clk)
	require.NoError(t, err)

	root := visit("https://catalog.test/c/root", crawler.KindCatalog)
	child := visit("https://catalog.test/p/a/1", crawler.KindProduct)
	require.NoError(t, s.Seed(ctx, []crawler.Visit{root}))
	_, err = s.MarkDone(ctx, root.Key, []crawler.Visit{child}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path, 3, clk)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck

	pending, err := reopened.LoadPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.Visit{child}, pending)

	counts, err := reopened.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Done, "done keys survive restarts")
}

func TestStoreErrorsAreTyped(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 3)
	require.NoError(t, s.Close())

	_, err := s.LoadPending(context.Background())
	require.Error(t, err)
	require.True(t, crawler.IsStoreIO(err))
}
