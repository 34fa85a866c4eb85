package crawler

import (
	"context"
	"time"
)

// CheckpointStore owns all durable visit and product state. Implementations
// must make MarkDone atomic: the done transition, the insert-if-absent of
// discovered visits and the product upsert commit together or not at all.
type CheckpointStore interface {
	// LoadPending returns every visit whose status is pending or in_progress.
	// In-progress rows are interrupted work from a previous run and are
	// flipped back to pending before being returned.
	LoadPending(ctx context.Context) ([]Visit, error)

	// Seed inserts the given visits as pending unless a record already
	// exists for their key.
	Seed(ctx context.Context, visits []Visit) error

	// MarkInProgress transitions a visit to in_progress. Idempotent.
	MarkInProgress(ctx context.Context, key VisitKey) error

	// MarkDone atomically marks the visit done, inserts each discovered
	// visit as pending if its key is unknown, and upserts the product if
	// non-nil. It returns the discovered visits that were actually inserted;
	// keys already recorded in any status are omitted.
	MarkDone(ctx context.Context, key VisitKey, discovered []Visit, product *ProductRecord) ([]Visit, error)

	// MarkFailed increments the attempt count and stores the error text.
	// Once the attempt count reaches the retry budget the visit becomes
	// failed (terminal); otherwise it returns to pending. The resulting
	// status and attempt count are returned.
	MarkFailed(ctx context.Context, key VisitKey, cause error) (VisitStatus, int, error)

	// HasProduct reports whether a product with the given key was already
	// captured, so re-visits through alternate paths can short-circuit.
	HasProduct(ctx context.Context, key ProductKey) (bool, error)

	// Counts reports the current durable state for summaries.
	Counts(ctx context.Context) (StoreCounts, error)

	Close() error
}

// ProductScanner streams captured products, used by the export command.
type ProductScanner interface {
	AllProducts(ctx context.Context) ([]ProductRecord, error)
}

// VisitReader looks up the durable record of a single visit, used by the
// observability API. Unknown keys yield ErrVisitNotFound.
type VisitReader interface {
	GetVisit(ctx context.Context, key VisitKey) (VisitRecord, error)
}

// Fetcher fetches a URL and returns the body plus metadata. Transport-level
// problems (DNS, connect, timeout) surface as an error satisfying
// IsNetworkError; an HTTP error status is a valid response, not an error.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns raw markup into typed fragments. It must be pure: identical
// input yields identical output.
type Extractor interface {
	Extract(kind PageKind, pageURL string, body []byte) (Extraction, error)
}

// Limiter gates outbound requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
