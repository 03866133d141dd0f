package logstitcher_test

import (
	"testing"
	"time"

	"fleetfn/internal/logstitcher"
)

func ev(id string, t time.Time) logstitcher.Event {
	return logstitcher.Event{EventID: id, Timestamp: t, Line: id}
}

func TestFeedEmitsEachEventAtMostOnce(t *testing.T) {
	s := logstitcher.New()
	base := time.Now()

	page1 := []logstitcher.Event{ev("a", base), ev("b", base.Add(time.Second))}
	// page2 overlaps with page1 ("b") and adds one new event ("c").
	page2 := []logstitcher.Event{ev("b", base.Add(time.Second)), ev("c", base.Add(2 * time.Second))}

	first := s.Feed(page1)
	if len(first) != 2 {
		t.Fatalf("first feed: got %d fresh events, want 2", len(first))
	}

	second := s.Feed(page2)
	if len(second) != 1 || second[0].EventID != "c" {
		t.Fatalf("second feed: got %v, want only event c", second)
	}
}

func TestFeedDeduplicatesAcrossManyPages(t *testing.T) {
	s := logstitcher.New()
	base := time.Now()
	seenCount := map[string]int{}

	pages := [][]logstitcher.Event{
		{ev("x", base), ev("y", base.Add(time.Second))},
		{ev("x", base), ev("y", base.Add(time.Second)), ev("z", base.Add(2 * time.Second))},
		{ev("y", base.Add(time.Second)), ev("z", base.Add(2 * time.Second))},
	}

	for _, p := range pages {
		for _, e := range s.Feed(p) {
			seenCount[e.EventID]++
		}
	}

	for id, n := range seenCount {
		if n != 1 {
			t.Errorf("event %q emitted %d times, want 1", id, n)
		}
	}
	if len(seenCount) != 3 {
		t.Fatalf("expected 3 distinct events total, got %d", len(seenCount))
	}
}

func TestCursorAdvancesMonotonically(t *testing.T) {
	s := logstitcher.NewWithSafetyWindow(time.Millisecond)
	base := time.Now()

	s.Feed([]logstitcher.Event{ev("a", base.Add(5 * time.Second))})
	first := s.Cursor()

	// A page with an older max timestamp must not move the cursor backwards.
	s.Feed([]logstitcher.Event{ev("b", base.Add(time.Second))})
	second := s.Cursor()

	if second.Before(first) {
		t.Fatalf("cursor went backwards: %v -> %v", first, second)
	}
}
