// Package sqlite implements the checkpoint store on an embedded SQLite file,
// the default backend for single-host runs.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skudata/catalog-crawler/internal/crawler"
)

//go:embed schema.sql
var schema string

// Store persists visit and product state in a SQLite database.
type Store struct {
	db          *sql.DB
	retryBudget int
	clock       crawler.Clock
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, retryBudget int, clk crawler.Clock) (*Store, error) {
	if retryBudget <= 0 {
		return nil, fmt.Errorf("retry budget must be > 0")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, retryBudget: retryBudget, clock: clk}, nil
}

// LoadPending requeues interrupted in_progress rows and returns everything
// waiting to be crawled.
func (s *Store) LoadPending(ctx context.Context) ([]crawler.Visit, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE visits SET status = ?, updated_at = ? WHERE status = ?`,
		crawler.StatusPending, now, crawler.StatusInProgress,
	); err != nil {
		return nil, storeErr("load_pending", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, kind FROM visits WHERE status = ? ORDER BY discovered_at, key`,
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("seed", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, v := range visits {
		if _, err := insertIfAbsent(ctx, tx, v, s.now()); err != nil {
			return storeErr("seed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("seed", err)
	}
	return nil
}

// MarkInProgress transitions a pending visit to in_progress. Idempotent.
func (s *Store) MarkInProgress(ctx context.Context, key crawler.VisitKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE visits SET status = ?, updated_at = ?
		 WHERE key = ? AND status IN (?, ?)`,
		crawler.StatusInProgress, s.now(), key, crawler.StatusPending, crawler.StatusInProgress,
	)
	if err != nil {
		return storeErr("mark_in_progress", err)
	}
	return nil
}

// MarkDone commits the visit outcome in one transaction: the done transition,
// discovered keys inserted if absent, and the product upsert.
func (s *Store) MarkDone(
	ctx context.Context,
	key crawler.VisitKey,
	discovered []crawler.Visit,
	product *crawler.ProductRecord,
) ([]crawler.Visit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("mark_done", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE visits SET status = ?, last_error = '', updated_at = ? WHERE key = ?`,
		crawler.StatusDone, now, key,
	); err != nil {
		return nil, storeErr("mark_done", err)
	}

	var inserted []crawler.Visit
	for _, v := range discovered {
		added, err := insertIfAbsent(ctx, tx, v, now)
		if err != nil {
			return nil, storeErr("mark_done", err)
		}
		if added {
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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO products (key, title, price, attributes, source_url, extracted_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (key) DO UPDATE SET
			   title = excluded.title,
			   price = excluded.price,
			   attributes = excluded.attributes,
			   source_url = excluded.source_url,
			   extracted_at = excluded.extracted_at`,
			product.Key, product.Title, product.Price, string(attrs),
			product.SourceURL, extractedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return nil, storeErr("mark_done", err)
		}
	}

	if err := tx.Commit(); err != nil {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, storeErr("mark_failed", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempt_count FROM visits WHERE key = ?`, key,
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE visits SET status = ?, attempt_count = ?, last_error = ?, updated_at = ? WHERE key = ?`,
		status, attempts, errText, s.now(), key,
	); err != nil {
		return "", 0, storeErr("mark_failed", err)
	}

	if err := tx.Commit(); err != nil {
		return "", 0, storeErr("mark_failed", err)
	}
	return status, attempts, nil
}

// HasProduct reports whether the product key was already captured.
func (s *Store) HasProduct(ctx context.Context, key crawler.ProductKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM products WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("has_product", err)
	}
	return true, nil
}

// Counts reports the durable state grouped by status, plus the product total.
func (s *Store) Counts(ctx context.Context) (crawler.StoreCounts, error) {
	var counts crawler.StoreCounts

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM visits GROUP BY status`)
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

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&counts.Products); err != nil {
		return counts, storeErr("counts", err)
	}
	return counts, nil
}

// GetVisit returns the full record for one key.
func (s *Store) GetVisit(ctx context.Context, key crawler.VisitKey) (crawler.VisitRecord, error) {
	var rec crawler.VisitRecord
	var discoveredAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, kind, status, attempt_count, last_error, discovered_at
		 FROM visits WHERE key = ?`, key,
	).Scan(&rec.Visit.Key, &rec.Visit.Kind, &rec.Status, &rec.AttemptCount, &rec.LastError, &discoveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.VisitRecord{}, crawler.ErrVisitNotFound
	}
	if err != nil {
		return crawler.VisitRecord{}, storeErr("get_visit", err)
	}
	if ts, perr := time.Parse(time.RFC3339Nano, discoveredAt); perr == nil {
		rec.DiscoveredAt = ts
	}
	return rec, nil
}

// AllProducts returns every captured product, ordered by key.
func (s *Store) AllProducts(ctx context.Context) ([]crawler.ProductRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, title, price, attributes, source_url, extracted_at FROM products ORDER BY key`,
	)
	if err != nil {
		return nil, storeErr("all_products", err)
	}
	defer rows.Close()

	var products []crawler.ProductRecord
	for rows.Next() {
		var p crawler.ProductRecord
		var attrs, extractedAt string
		if err := rows.Scan(&p.Key, &p.Title, &p.Price, &attrs, &p.SourceURL, &extractedAt); err != nil {
			return nil, storeErr("all_products", err)
		}
		if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
			return nil, storeErr("all_products", err)
		}
		if ts, perr := time.Parse(time.RFC3339Nano, extractedAt); perr == nil {
			p.ExtractedAt = ts
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("all_products", err)
	}
	return products, nil
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return storeErr("close", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertIfAbsent adds the visit as pending; an existing record of any status
// is left untouched. Reports whether a row was inserted.
func insertIfAbsent(ctx context.Context, ex execer, v crawler.Visit, now string) (bool, error) {
	res, err := ex.ExecContext(ctx,
		`INSERT INTO visits (key, kind, status, attempt_count, last_error, discovered_at, updated_at)
		 VALUES (?, ?, ?, 0, '', ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		v.Key, v.Kind, crawler.StatusPending, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

func storeErr(op string, err error) error {
	return &crawler.StoreIOError{Op: op, Err: err}
}
