package controller

import (
	"time"

	"github.com/skudata/catalog-crawler/internal/crawler"
)

type frontierEntry struct {
	visit      crawler.Visit
	eligibleAt time.Time
}

// frontier is the in-memory set of visits waiting to be dispatched. Keys are
// unique; re-adding a known key is a no-op. Entries carry an eligibility time
// so retries wait out their backoff without blocking other work.
type frontier struct {
	order   []crawler.VisitKey
	entries map[crawler.VisitKey]frontierEntry
}

func newFrontier() *frontier {
	return &frontier{entries: make(map[crawler.VisitKey]frontierEntry)}
}

func (f *frontier) add(v crawler.Visit, eligibleAt time.Time) {
	if _, ok := f.entries[v.Key]; ok {
		return
	}
	f.entries[v.Key] = frontierEntry{visit: v, eligibleAt: eligibleAt}
	f.order = append(f.order, v.Key)
}

// popEligible removes and returns the oldest visit whose eligibility time has
// passed.
func (f *frontier) popEligible(now time.Time) (crawler.Visit, bool) {
	for i, key := range f.order {
		entry, ok := f.entries[key]
		if !ok {
			continue
		}
		if entry.eligibleAt.After(now) {
			continue
		}
		f.order = append(f.order[:i], f.order[i+1:]...)
		delete(f.entries, key)
		return entry.visit, true
	}
	return crawler.Visit{}, false
}

// nextWake returns how long until the earliest entry becomes eligible.
func (f *frontier) nextWake(now time.Time) (time.Duration, bool) {
	if len(f.entries) == 0 {
		return 0, false
	}
	var earliest time.Time
	first := true
	for _, entry := range f.entries {
		if first || entry.eligibleAt.Before(earliest) {
			earliest = entry.eligibleAt
			first = false
		}
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (f *frontier) len() int { return len(f.entries) }
