package lifecycle_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"fleetfn/internal/driver"
	"fleetfn/internal/driver/mockdriver"
	"fleetfn/internal/lifecycle"
)

func TestInitializeResolvesAutoModeToQueueAndInvokeSucceeds(t *testing.T) {
	realDrv := mockdriver.New(nil, mockdriver.Weights{Returned: 1}, 10*time.Millisecond, nil)

	cfg := driver.DefaultConfig()
	cfg.Mode = driver.ModeAuto
	cfg.Timeout = 2 * time.Second

	inst, err := lifecycle.Initialize(context.Background(), "./testmodule", lifecycle.Options{
		Driver:   realDrv,
		Config:   cfg,
		CacheDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer inst.Cleanup(context.Background(), lifecycle.DefaultCleanupOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var out string
	if err := inst.Invoke(ctx, "hello", map[string]string{"name": "world"}, &out); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func TestInitializeHonorsExplicitHTTPSMode(t *testing.T) {
	realDrv := mockdriver.New(nil, mockdriver.Weights{Returned: 1}, time.Millisecond, nil)

	cfg := driver.DefaultConfig()
	cfg.Mode = driver.ModeHTTPS
	cfg.Timeout = 2 * time.Second

	inst, err := lifecycle.Initialize(context.Background(), "./testmodule", lifecycle.Options{
		Driver:   realDrv,
		Config:   cfg,
		CacheDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer inst.Cleanup(context.Background(), lifecycle.DefaultCleanupOptions())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := inst.InvokeRaw(ctx, "echo", "ping")
	if err != nil {
		t.Fatalf("InvokeRaw: %v", err)
	}
	var decoded string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestOnStatsReceivesAtLeastOneTick(t *testing.T) {
	realDrv := mockdriver.New(nil, mockdriver.Weights{Returned: 1}, time.Millisecond, nil)

	cfg := driver.DefaultConfig()
	cfg.Mode = driver.ModeHTTPS
	cfg.Timeout = 2 * time.Second

	inst, err := lifecycle.Initialize(context.Background(), "./testmodule", lifecycle.Options{
		Driver:        realDrv,
		Config:        cfg,
		CacheDir:      t.TempDir(),
		StatsInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer inst.Cleanup(context.Background(), lifecycle.DefaultCleanupOptions())

	var mu sync.Mutex
	var events []lifecycle.FunctionStatsEvent
	inst.OnStats(func(e lifecycle.FunctionStatsEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := inst.InvokeRaw(ctx, "noop", nil); err != nil {
		t.Fatalf("InvokeRaw: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("expected at least one stats tick")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	realDrv := mockdriver.New(nil, mockdriver.Weights{Returned: 1}, time.Millisecond, nil)

	cfg := driver.DefaultConfig()
	cfg.Mode = driver.ModeHTTPS
	cfg.GC = false

	inst, err := lifecycle.Initialize(context.Background(), "./testmodule", lifecycle.Options{
		Driver:   realDrv,
		Config:   cfg,
		CacheDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := inst.Cleanup(context.Background(), lifecycle.CleanupOptions{DeleteResources: false}); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if got := realDrv.DeleteCalls(); got != 0 {
		t.Fatalf("DeleteCalls after DeleteResources=false = %d, want 0", got)
	}

	if err := inst.Cleanup(context.Background(), lifecycle.DefaultCleanupOptions()); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if got := realDrv.DeleteCalls(); got != 1 {
		t.Fatalf("DeleteCalls after DeleteResources=true = %d, want 1 (a debug-then-real cleanup must still tear down)", got)
	}

	// A further call with DeleteResources=true must not delete a second time.
	if err := inst.Cleanup(context.Background(), lifecycle.DefaultCleanupOptions()); err != nil {
		t.Fatalf("third cleanup: %v", err)
	}
	if got := realDrv.DeleteCalls(); got != 1 {
		t.Fatalf("DeleteCalls after a third cleanup = %d, want still 1", got)
	}
}
