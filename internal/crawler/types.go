// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// VisitKey is the normalized identifier of a crawlable location. Two keys are
// equal iff their normalized string forms are equal.
type VisitKey string

// ProductKey is the stable identifier of a product, its canonical detail-page URL.
type ProductKey string

// PageKind tells the extractor which page shape to expect.
type PageKind string

// Page kinds understood by the pipeline.
const (
	// KindCatalog is the root categories page (HTML).
	KindCatalog PageKind = "catalog"
	// KindListing is one page of a category's product listing (JSON API).
	KindListing PageKind = "listing"
	// KindProduct is a product detail page (HTML).
	KindProduct PageKind = "product"
)

// VisitStatus represents the lifecycle state of a visit.
type VisitStatus string

// Visit status values persisted in the checkpoint store.
const (
	StatusPending    VisitStatus = "pending"
	StatusInProgress VisitStatus = "in_progress"
	StatusDone       VisitStatus = "done"
	StatusFailed     VisitStatus = "failed"
)

// Visit pairs a key with the page kind needed to process it.
type Visit struct {
	Key  VisitKey `json:"key"`
	Kind PageKind `json:"kind"`
}

// VisitRecord is the durable state of a visit in the checkpoint store.
type VisitRecord struct {
	Visit        Visit       `json:"visit"`
	Status       VisitStatus `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	LastError    string      `json:"last_error,omitempty"`
	DiscoveredAt time.Time   `json:"discovered_at"`
}

// ProductRecord is persisted once per product key; re-extraction overwrites.
type ProductRecord struct {
	Key         ProductKey        `json:"key"`
	Title       string            `json:"title"`
	Price       string            `json:"price,omitempty"`
	Attributes  map[string]string `json:"attributes"`
	SourceURL   string            `json:"source_url"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// FetchRequest captures everything needed to fetch a location.
type FetchRequest struct {
	URL  string
	Kind PageKind
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// OK reports whether the response carries a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Extraction is the tagged result of extracting one page. Exactly one of
// Links and Product is populated; a listing page with no remaining products
// yields an empty Links slice.
type Extraction struct {
	Links   []Visit
	Product *ProductRecord
}

// StoreCounts summarizes durable visit and product state.
type StoreCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Products   int `json:"products"`
}

// Total returns the number of visit records across all states.
func (c StoreCounts) Total() int {
	return c.Pending + c.InProgress + c.Done + c.Failed
}

// Summary is reported at the end of a run.
type Summary struct {
	RunID             string        `json:"run_id"`
	Counts            StoreCounts   `json:"counts"`
	ProductsCaptured  int           `json:"products_captured"`
	DuplicateProducts int           `json:"duplicate_products"`
	Retries           int           `json:"retries"`
	Elapsed           time.Duration `json:"elapsed"`
}
