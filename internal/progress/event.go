// Package progress defines the event stream emitted while a crawl runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/skudata/catalog-crawler/internal/crawler"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart        Stage = "RUN_START"
	StageRunDone         Stage = "RUN_DONE"
	StageVisitDone       Stage = "VISIT_DONE"
	StageVisitRetried    Stage = "VISIT_RETRIED"
	StageVisitFailed     Stage = "VISIT_FAILED"
	StageProductCaptured Stage = "PRODUCT_CAPTURED"
)

// Event captures one crawl milestone.
type Event struct {
	// RunID identifies the crawl run that emitted the event.
	RunID string `json:"run_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// Key is the visit the event concerns; empty for run-level stages.
	Key crawler.VisitKey `json:"key,omitempty"`
	// Kind is the page kind of the visit, when Key is set.
	Kind crawler.PageKind `json:"kind,omitempty"`
	// Attempt carries the attempt count for retry and failure stages.
	Attempt int `json:"attempt,omitempty"`
	// Dur is the fetch latency for visit completions.
	Dur time.Duration `json:"dur,omitempty"`
	// Note holds low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageVisitDone, StageVisitRetried, StageVisitFailed, StageProductCaptured:
		if e.Key == "" {
			return fmt.Errorf("stage %s requires a visit key", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
