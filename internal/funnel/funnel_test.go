package funnel_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetfn/internal/funnel"
)

func TestPushRunsImmediatelyUnderCapacity(t *testing.T) {
	f := funnel.New(2)
	future := funnel.Push(f, func() (string, error) { return "ok", nil })

	got, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
}

// TestRunningNeverExceedsMaxConcurrency exercises property 4: at any
// instant, runningCount <= maxConcurrency.
func TestRunningNeverExceedsMaxConcurrency(t *testing.T) {
	const maxConcurrency = 3
	f := funnel.New(maxConcurrency)

	var concurrent int64
	var maxObserved int64
	var wg sync.WaitGroup
	release := make(chan struct{})

	const numTasks = 20
	futures := make([]*funnel.Future[int], numTasks)
	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		futures[i] = funnel.Push(f, func() (int, error) {
			defer wg.Done()
			n := atomic.AddInt64(&concurrent, 1)
			for {
				cur := atomic.LoadInt64(&maxObserved)
				if n <= cur || atomic.CompareAndSwapInt64(&maxObserved, cur, n) {
					break
				}
			}
			<-release
			atomic.AddInt64(&concurrent, -1)
			return 0, nil
		})
	}

	// Give admitted tasks a moment to start and block on `release`.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&concurrent); got > maxConcurrency {
		t.Fatalf("concurrent = %d, want <= %d", got, maxConcurrency)
	}
	close(release)
	wg.Wait()

	if atomic.LoadInt64(&maxObserved) > maxConcurrency {
		t.Errorf("max observed concurrency = %d, want <= %d", maxObserved, maxConcurrency)
	}

	for _, fut := range futures {
		if _, err := fut.Wait(context.Background()); err != nil {
			t.Errorf("unexpected task error: %v", err)
		}
	}
}

func TestSetMaxConcurrencyAdmitsWaiters(t *testing.T) {
	f := funnel.New(1)
	release := make(chan struct{})

	first := funnel.Push(f, func() (int, error) {
		<-release
		return 1, nil
	})
	second := funnel.Push(f, func() (int, error) { return 2, nil })

	time.Sleep(10 * time.Millisecond)
	if f.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", f.PendingCount())
	}

	f.SetMaxConcurrency(2)
	got, err := second.Wait(context.Background())
	if err != nil || got != 2 {
		t.Fatalf("second.Wait() = %v, %v; want 2, nil", got, err)
	}

	close(release)
	if _, err := first.Wait(context.Background()); err != nil {
		t.Fatalf("first.Wait(): %v", err)
	}
}

func TestRejectPendingFailsUnadmittedWaiters(t *testing.T) {
	f := funnel.New(1)
	release := make(chan struct{})
	defer close(release)

	funnel.Push(f, func() (int, error) {
		<-release
		return 1, nil
	})
	queued := funnel.Push(f, func() (int, error) { return 2, nil })

	time.Sleep(10 * time.Millisecond)
	wantErr := errors.New("rejected pending request")
	n := f.RejectPending(wantErr)
	if n != 1 {
		t.Fatalf("rejected %d waiters, want 1", n)
	}

	_, err := queued.Wait(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("queued.Wait() error = %v, want %v", err, wantErr)
	}
}

func TestPushRecoversPanicsWithoutLeakingPermits(t *testing.T) {
	f := funnel.New(1)

	panicking := funnel.Push(f, func() (int, error) {
		panic("boom")
	})
	_, err := panicking.Wait(context.Background())
	if err == nil {
		t.Fatal("expected an error from the panicking task")
	}

	// If the permit leaked, this would queue forever.
	next := funnel.Push(f, func() (int, error) { return 7, nil })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := next.Wait(ctx)
	if err != nil {
		t.Fatalf("permit appears to have leaked: %v", err)
	}
	if got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}

func TestPushRetryStopsOnNonRetryableError(t *testing.T) {
	f := funnel.New(1)
	var attempts int64

	fatal := errors.New("fatal")
	future := funnel.PushRetry(f, context.Background(),
		func(err error, attempt int) bool { return false },
		func(attempt int) (int, error) {
			atomic.AddInt64(&attempts, 1)
			return 0, fatal
		}, nil)

	_, err := future.Wait(context.Background())
	if !errors.Is(err, fatal) {
		t.Fatalf("error = %v, want %v", err, fatal)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestPushRetrySucceedsAfterTransientFailures(t *testing.T) {
	f := funnel.New(1)
	var retries int64
	var attempts int64

	future := funnel.PushRetry(f, context.Background(),
		func(err error, attempt int) bool { return attempt < 2 },
		func(attempt int) (string, error) {
			n := atomic.AddInt64(&attempts, 1)
			if n < 3 {
				return "", fmt.Errorf("transient failure %d", n)
			}
			return "done", nil
		},
		func(attempt int) { atomic.AddInt64(&retries, 1) })

	got, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "done" {
		t.Errorf("got %q, want done", got)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestMemoizerCollapsesConcurrentCallsForSameKey(t *testing.T) {
	f := funnel.New(0)
	m := funnel.NewMemoizer[string](f)

	var calls int64
	task := func() (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "role-arn", nil
	}

	var wg sync.WaitGroup
	results := make([]*funnel.Future[string], 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.PushMemoized("same-key", task)
		}(i)
	}
	wg.Wait()

	for _, fut := range results {
		got, err := fut.Wait(context.Background())
		if err != nil || got != "role-arn" {
			t.Fatalf("got %v, %v; want role-arn, nil", got, err)
		}
	}

	if calls != 1 {
		t.Errorf("underlying task ran %d times, want 1", calls)
	}
}

func TestMemoizerDistinctKeysRunConcurrently(t *testing.T) {
	f := funnel.New(0)
	m := funnel.NewMemoizer[int](f)

	a := m.PushMemoized("a", func() (int, error) { return 1, nil })
	b := m.PushMemoized("b", func() (int, error) { return 2, nil })

	gotA, _ := a.Wait(context.Background())
	gotB, _ := b.Wait(context.Background())
	if gotA != 1 || gotB != 2 {
		t.Errorf("got %d, %d; want 1, 2", gotA, gotB)
	}
}

func TestRateLimiterCapsAverageAdmissionRate(t *testing.T) {
	rl := funnel.NewRateLimiter(10, 1) // 10rps, burst of 1
	ctx := context.Background()

	start := time.Now()
	const n = 5
	for i := 0; i < n; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	elapsed := time.Since(start)

	// n-1 gaps of ~100ms each after the initial burst token is consumed.
	minExpected := time.Duration(n-1) * 90 * time.Millisecond
	if elapsed < minExpected {
		t.Errorf("elapsed = %v, want at least %v (rate limit not enforced)", elapsed, minExpected)
	}
}
