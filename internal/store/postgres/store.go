// Package postgres implements the checkpoint store on PostgreSQL, for
// deployments where the crawl state should live on a shared database server.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skudata/catalog-crawler/internal/crawler"
)

//go:embed schema.sql
var schema string

// pgxPool is the subset of pgxpool.Pool the store needs; pgxmock implements it.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists visit and product state in PostgreSQL.
type Store struct {
	pool        pgxPool
	retryBudget int
	clock       crawler.Clock
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, cfg Config, retryBudget int, clk crawler.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	if retryBudget <= 0 {
		return nil, fmt.Errorf("retry budget must be > 0")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, retryBudget: retryBudget, clock: clk}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, retryBudget int, clk crawler.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if retryBudget <= 0 {
		return nil, fmt.Errorf("retry budget must be > 0")
	}
	return &Store{pool: pool, retryBudget: retryBudget, clock: clk}, nil
}

// LoadPending requeues interrupted in_progress rows and returns everything
// waiting to be crawled.
func (s *Store) LoadPending(ctx context.Context) ([]crawler.Visit, error) {
	if _, err := s.pool.Exec(ctx,
		`UPDATE visits SET status = $1, updated_at = $2 WHERE status = $3`,
		crawler.StatusPending, s.clock.Now(), crawler.StatusInProgress,
	); err != nil {
		return nil, storeErr("load_pending", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key, kind FROM visits WHERE status = $1 ORDER BY discovered_at, key`,
		crawler.StatusPending,
	)
	if err != nil {
		return nil, storeErr("load_pending", err)
	}
	defer rows.Close()

	var visits []crawler.Visit
	for rows.Next() {
		var v crawler.Visit
		if err := rows.Scan(&v.Key, &v.Kind); err != nil {
			return nil, storeErr("load_pending", err)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load_pending", err)
	}
	return visits, nil
}

// Seed inserts visits as pending unless their key is already known.
func (s *Store) Seed(ctx context.Context, visits []crawler.Visit) error {
	now := s.clock.Now()
	for _, v := range visits {
		if _, err := s.pool.Exec(ctx, insertIfAbsentSQL,
			v.Key, v.Kind, crawler.StatusPending, now,
		); err != nil {
			return storeErr("seed", err)
		}
	}
	return nil
}

// MarkInProgress transitions a pending visit to in_progress. Idempotent.
func (s *Store) MarkInProgress(ctx context.Context, key crawler.VisitKey) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE visits SET status = $1, updated_at = $2
		 WHERE key = $3 AND status IN ($4, $5)`,
		crawler.StatusInProgress, s.clock.Now(), key, crawler.StatusPending, crawler.StatusInProgress,
	)
	if err != nil {
		return storeErr("mark_in_progress", err)
	}
	return nil
}

const insertIfAbsentSQL = `INSERT INTO visits (key, kind, status, attempt_count, last_error, discovered_at, updated_at)
VALUES ($1, $2, $3, 0, '', $4, $4)
ON CONFLICT (key) DO NOTHING`

// MarkDone commits the visit outcome in one transaction.
func (s *Store) MarkDone(
	ctx context.Context,
	key crawler.VisitKey,
	discovered []crawler.Visit,
	product *crawler.ProductRecord,
) ([]crawler.Visit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("mark_done", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	now := s.clock.Now()
	if _, err := tx.Exec(ctx,
		`UPDATE visits SET status = $1, last_error = '', updated_at = $2 WHERE key = $3`,
		crawler.StatusDone, now, key,
	); err != nil {
		return nil, storeErr("mark_done", err)
	}

	var inserted []crawler.Visit
	for _, v := range discovered {
		tag, err := tx.Exec(ctx, insertIfAbsentSQL, v.Key, v.Kind, crawler.StatusPending, now)
		if err != nil {
			return nil, storeErr("mark_done", err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, v)
		}
	}

	if product != nil {
		attrs, err := json.Marshal(product.Attributes)
		if err != nil {
			return nil, storeErr("mark_done", err)
		}
		extractedAt := product.ExtractedAt
		if extractedAt.IsZero() {
			extractedAt = s.clock.Now()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO products (key, title, price, attributes, source_url, extracted_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (key) DO UPDATE SET
			   title = EXCLUDED.title,
			   price = EXCLUDED.price,
			   attributes = EXCLUDED.attributes,
			   source_url = EXCLUDED.source_url,
			   extracted_at = EXCLUDED.extracted_at`,
			product.Key, product.Title, product.Price, attrs, product.SourceURL, extractedAt,
		); err != nil {
			return nil, storeErr("mark_done", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("mark_done", err)
	}
	return inserted, nil
}

// MarkFailed increments the attempt count; the visit becomes failed once the
// retry budget is spent, otherwise it returns to pending.
func (s *Store) MarkFailed(
	ctx context.Context,
	key crawler.VisitKey,
	cause error,
) (crawler.VisitStatus, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", 0, storeErr("mark_failed", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var attempts int
	if err := tx.QueryRow(ctx,
		`SELECT attempt_count FROM visits WHERE key = $1 FOR UPDATE`, key,
	).Scan(&attempts); err != nil {
		return "", 0, storeErr("mark_failed", err)
	}

	attempts++
	status := crawler.StatusPending
	if attempts >= s.retryBudget {
		status = crawler.StatusFailed
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	if _, err := tx.Exec(ctx,
		`UPDATE visits SET status = $1, attempt_count = $2, last_error = $3, updated_at = $4 WHERE key = $5`,
		status, attempts, errText, s.clock.Now(), key,
	); err != nil {
		return "", 0, storeErr("mark_failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", 0, storeErr("mark_failed", err)
	}
	return status, attempts, nil
}

// HasProduct reports whether the product key was already captured.
func (s *Store) HasProduct(ctx context.Context, key crawler.ProductKey) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM products WHERE key = $1`, key).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("has_product", err)
	}
	return true, nil
}

// GetVisit returns the full record for one key.
func (s *Store) GetVisit(ctx context.Context, key crawler.VisitKey) (crawler.VisitRecord, error) {
	var rec crawler.VisitRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, kind, status, attempt_count, last_error, discovered_at
		 FROM visits WHERE key = $1`, key,
	).Scan(&rec.Visit.Key, &rec.Visit.Kind, &rec.Status, &rec.AttemptCount, &rec.LastError, &rec.DiscoveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.VisitRecord{}, crawler.ErrVisitNotFound
	}
	if err != nil {
		return crawler.VisitRecord{}, storeErr("get_visit", err)
	}
	return rec, nil
}

// Counts reports the durable state grouped by status, plus the product total.
func (s *Store) Counts(ctx context.Context) (crawler.StoreCounts, error) {
	var counts crawler.StoreCounts

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM visits GROUP BY status`)
	if err != nil {
		return counts, storeErr("counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status crawler.VisitStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, storeErr("counts", err)
		}
		switch status {
		case crawler.StatusPending:
			counts.Pending = n
		case crawler.StatusInProgress:
			counts.InProgress = n
		case crawler.StatusDone:
			counts.Done = n
		case crawler.StatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, storeErr("counts", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&counts.Products); err != nil {
		return counts, storeErr("counts", err)
	}
	return counts, nil
}

// AllProducts returns every captured product, ordered by key.
func (s *Store) AllProducts(ctx context.Context) ([]crawler.ProductRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, title, price, attributes, source_url, extracted_at FROM products ORDER BY key`,
	)
	if err != nil {
		return nil, storeErr("all_products", err)
	}
	defer rows.Close()

	var products []crawler.ProductRecord
	for rows.Next() {
		var p crawler.ProductRecord
		var attrs []byte
		var extractedAt time.Time
		if err := rows.Scan(&p.Key, &p.Title, &p.Price, &attrs, &p.SourceURL, &extractedAt); err != nil {
			return nil, storeErr("all_products", err)
		}
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return nil, storeErr("all_products", err)
		}
		p.ExtractedAt = extractedAt
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("all_products", err)
	}
	return products, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func storeErr(op string, err error) error {
	return &crawler.StoreIOError{Op: op, Err: err}
}
