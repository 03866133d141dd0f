// Package logstitcher implements the deduplicating follower over a paged,
// possibly-overlapping log event stream described in spec.md §4.3.
// Cursor() is a watermark a log-fetch call can use as its startTime filter;
// driver.ProviderDriver.PollLogs takes no start time, so no driver in this
// repository passes it along.
package logstitcher

import (
	"sync"
	"time"

	"github.com/maypok86/otter"
)

// Event is the minimal shape a provider's log page yields.
type Event struct {
	EventID   string
	Timestamp time.Time
	Line      string
}

const (
	defaultSafetyWindow = 2 * time.Second
	recentSetCapacity   = 50_000
)

// Stitcher deduplicates events across overlapping pages and advances a
// monotonic cursor. The recent-event-id set is capacity-bounded via otter
// (the same bounded-cache construction as a per-domain latency table) rather
// than grown without limit, since a noisy provider can replay many pages
// before the safety window prunes old ids.
type Stitcher struct {
	mu           sync.Mutex
	safetyWindow time.Duration
	lastEventTime time.Time
	seen         otter.Cache[string, time.Time]
}

// New returns a Stitcher with the default safety window.
func New() *Stitcher {
	return NewWithSafetyWindow(defaultSafetyWindow)
}

// NewWithSafetyWindow allows tests to use a tighter window than the
// production default.
func NewWithSafetyWindow(window time.Duration) *Stitcher {
	seen, err := otter.MustBuilder[string, time.Time](recentSetCapacity).
		Cost(func(_ string, _ time.Time) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("logstitcher: failed to build recent-event cache: " + err.Error())
	}
	return &Stitcher{safetyWindow: window, seen: seen}
}

// Feed processes one page of (possibly overlapping, possibly out-of-order
// within the page) events and returns only the ones not yet emitted.
func (s *Stitcher) Feed(page []Event) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]Event, 0, len(page))
	var maxTs time.Time

	for _, ev := range page {
		if _, ok := s.seen.Get(ev.EventID); !ok {
			fresh = append(fresh, ev)
		}
		s.seen.Set(ev.EventID, ev.Timestamp)
		if ev.Timestamp.After(maxTs) {
			maxTs = ev.Timestamp
		}
	}

	if !maxTs.IsZero() {
		newCursor := maxTs.Add(-s.safetyWindow)
		if newCursor.After(s.lastEventTime) {
			s.lastEventTime = newCursor
			s.pruneLocked()
		}
	}

	return fresh
}

// pruneLocked drops recent-set entries that fall before the cursor; otter's
// own LRU eviction bounds memory regardless, but pruning keeps hot the ids
// that are still within the safety window instead of letting the LRU evict
// them in favor of stale ones from a bursty page.
func (s *Stitcher) pruneLocked() {
	s.seen.Range(func(id string, ts time.Time) bool {
		if ts.Before(s.lastEventTime) {
			s.seen.Delete(id)
		}
		return true
	})
}

// Cursor returns the current monotonic watermark to pass as the next
// startTime filter.
func (s *Stitcher) Cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventTime
}
