package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/skudata/catalog-crawler/internal/crawler"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, *fakeClock) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewWithPool(mock, 3, clk)
	require.NoError(t, err)
	return store, mock, clk
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(nil, 3, &fakeClock{})
	require.Error(t, err)

	_, err = NewWithPool(mock, 0, &fakeClock{})
	require.Error(t, err)
}

func TestLoadPendingRequeuesInterrupted(t *testing.T) {
	t.Parallel()

	store, mock, clk := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE visits SET status = $1, updated_at = $2 WHERE status = $3`)).
		WithArgs(crawler.StatusPending, clk.now, crawler.StatusInProgress).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	rows := pgxmock.NewRows([]string{"key", "kind"}).
		AddRow(crawler.VisitKey("https://shop.example/c/cleaning"), crawler.KindCatalog).
		AddRow(crawler.VisitKey("https://shop.example/p/mop-1"), crawler.KindProduct)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, kind FROM visits WHERE status = $1 ORDER BY discovered_at, key`)).
		WithArgs(crawler.StatusPending).
		WillReturnRows(rows)

	visits, err := store.LoadPending(context.Background())
	require.NoError(t, err)
	require.Len(t, visits, 2)
	require.Equal(t, crawler.KindCatalog, visits[0].Kind)
	require.Equal(t, crawler.VisitKey("https://shop.example/p/mop-1"), visits[1].Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedInsertsIfAbsent(t *testing.T) {
	t.Parallel()

	store, mock, clk := newMockStore(t)

	visit := crawler.Visit{Key: "https://shop.example", Kind: crawler.KindCatalog}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO visits`)).
		WithArgs(visit.Key, visit.Kind, crawler.StatusPending, clk.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0)) // already known, conflict skipped

	require.NoError(t, store.Seed(context.Background(), []crawler.Visit{visit}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDoneCommitsOutcomeAtomically(t *testing.T) {
	t.Parallel()

	store, mock, clk := newMockStore(t)

	key := crawler.VisitKey("https://shop.example/p/mop-1")
	discovered := []crawler.Visit{
		{Key: "https://shop.example/p/bucket-2", Kind: crawler.KindProduct},
		{Key: "https://shop.example/p/mop-1", Kind: crawler.KindProduct}, // already recorded
	}
	product := &crawler.ProductRecord{
		Key:        "https://shop.example/p/mop-1",
		Title:      "Mop",
		Attributes: map[string]string{"ean": "4001234567890"},
		SourceURL:  "https://shop.example/p/mop-1",
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE visits SET status = $1, last_error = '', updated_at = $2 WHERE key = $3`)).
		WithArgs(crawler.StatusDone, clk.now, key).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO visits`)).
		WithArgs(discovered[0].Key, discovered[0].Kind, crawler.StatusPending, clk.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO visits`)).
		WithArgs(discovered[1].Key, discovered[1].Kind, crawler.StatusPending, clk.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO products`)).
		WithArgs(product.Key, product.Title, product.Price,
			[]byte(`{"ean":"4001234567890"}`), product.SourceURL, clk.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback() // deferred rollback after commit is a no-op

	inserted, err := store.MarkDone(context.Background(), key, discovered, product)
	require.NoError(t, err)
	require.Equal(t, []crawler.Visit{discovered[0]}, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDoneRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock, clk := newMockStore(t)

	key := crawler.VisitKey("https://shop.example/p/mop-1")
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE visits SET status = $1`)).
		WithArgs(crawler.StatusDone, clk.now, key).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.MarkDone(context.Background(), key, nil, nil)
	require.Error(t, err)
	require.True(t, crawler.IsStoreIO(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedRespectsRetryBudget(t *testing.T) {
	t.Parallel()

	store, mock, clk := newMockStore(t)
	key := crawler.VisitKey("https://shop.example/p/flaky")

	expectAttempt := func(prior int, status crawler.VisitStatus) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT attempt_count FROM visits WHERE key = $1 FOR UPDATE`)).
			WithArgs(key).
			WillReturnRows(pgxmock.NewRows([]string{"attempt_count"}).AddRow(prior))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE visits SET status = $1, attempt_count = $2`)).
			WithArgs(status, prior+1, "connection refused", clk.now, key).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()
		mock.ExpectRollback()
	}

	expectAttempt(0, crawler.StatusPending)
	expectAttempt(1, crawler.StatusPending)
	expectAttempt(2, crawler.StatusFailed)

	cause := errors.New("connection refused")
	for want := 1; want <= 3; want++ {
		status, attempts, err := store.MarkFailed(context.Background(), key, cause)
		require.NoError(t, err)
		require.Equal(t, want, attempts)
		if want < 3 {
			require.Equal(t, crawler.StatusPending, status)
		} else {
			require.Equal(t, crawler.StatusFailed, status)
		}
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasProduct(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	key := crawler.ProductKey("https://shop.example/p/mop-1")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM products WHERE key = $1`)).
		WithArgs(key).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	ok, err := store.HasProduct(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM products WHERE key = $1`)).
		WithArgs(key).
		WillReturnError(pgx.ErrNoRows)
	ok, err = store.HasProduct(context.Background(), key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetVisit(t *testing.T) {
	t.Parallel()

	store, mock, clk := newMockStore(t)
	key := crawler.VisitKey("https://shop.example/p/mop-1")

	rows := pgxmock.NewRows([]string{"key", "kind", "status", "attempt_count", "last_error", "discovered_at"}).
		AddRow(key, crawler.KindProduct, crawler.StatusDone, 1, "", clk.now)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, kind, status, attempt_count, last_error, discovered_at`)).
		WithArgs(key).
		WillReturnRows(rows)

	rec, err := store.GetVisit(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, key, rec.Visit.Key)
	require.Equal(t, crawler.StatusDone, rec.Status)
	require.Equal(t, 1, rec.AttemptCount)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, kind, status, attempt_count, last_error, discovered_at`)).
		WithArgs(crawler.VisitKey("https://shop.example/p/unknown")).
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetVisit(context.Background(), crawler.VisitKey("https://shop.example/p/unknown"))
	require.ErrorIs(t, err, crawler.ErrVisitNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCounts(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, COUNT(*) FROM visits GROUP BY status`)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow(crawler.StatusPending, 4).
			AddRow(crawler.StatusDone, 10).
			AddRow(crawler.StatusFailed, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM products`)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.StoreCounts{Pending: 4, Done: 10, Failed: 1, Products: 7}, counts)
	require.Equal(t, 15, counts.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllProducts(t *testing.T) {
	t.Parallel()

	store, mock, clk := newMockStore(t)

	rows := pgxmock.NewRows([]string{"key", "title", "price", "attributes", "source_url", "extracted_at"}).
		AddRow(crawler.ProductKey("https://shop.example/p/bucket-2"), "Bucket", "",
			[]byte(`{"manufacturer":"Acme"}`), "https://shop.example/p/bucket-2", clk.now)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, title, price, attributes, source_url, extracted_at FROM products ORDER BY key`)).
		WillReturnRows(rows)

	products, err := store.AllProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, "Bucket", products[0].Title)
	require.Equal(t, map[string]string{"manufacturer": "Acme"}, products[0].Attributes)
	require.NoError(t, mock.ExpectationsWereMet())
}
