package mockdriver_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fleetfn/internal/driver"
	"fleetfn/internal/driver/mockdriver"
	"fleetfn/internal/wire"
)

func TestInvokeSyncAlwaysReturnedWithFullWeight(t *testing.T) {
	weights := mockdriver.Weights{Returned: 1}
	d := mockdriver.New(nil, weights, 0, nil)

	ctx := context.Background()
	st, err := d.Initialize(ctx, "mod", driver.DefaultConfig())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	call := &wire.Call{CallID: "call-1", Name: "echo", Args: json.RawMessage(`"hi"`)}
	ret, err := d.InvokeSync(ctx, st, call)
	if err != nil {
		t.Fatalf("InvokeSync: %v", err)
	}
	if ret.Kind != wire.KindReturned {
		t.Errorf("kind = %v, want returned", ret.Kind)
	}
	if !ret.HasTimings() {
		t.Error("expected remote timings to be populated")
	}
}

func TestInvokeSyncDeterministicPerCallID(t *testing.T) {
	weights := mockdriver.DefaultWeights()
	d := mockdriver.New(nil, weights, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, _ := d.Initialize(ctx, "mod", driver.DefaultConfig())

	call := &wire.Call{CallID: "stable-id", Args: json.RawMessage(`1`)}
	r1, _ := d.InvokeSync(ctx, st, call)
	r2, _ := d.InvokeSync(ctx, st, call)

	k1 := wire.KindError
	k2 := wire.KindError
	if r1 != nil {
		k1 = r1.Kind
	}
	if r2 != nil {
		k2 = r2.Kind
	}
	if k1 != k2 {
		t.Errorf("outcome differed across calls with the same callId: %v vs %v", k1, k2)
	}
}

func TestPublishRequestAndPollResponseQueue(t *testing.T) {
	weights := mockdriver.Weights{Returned: 1}
	d := mockdriver.New(nil, weights, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, _ := d.Initialize(ctx, "mod", driver.DefaultConfig())
	call := &wire.Call{CallID: "queued-1", Args: json.RawMessage(`42`)}
	if err := d.PublishRequest(ctx, st, call); err != nil {
		t.Fatalf("PublishRequest: %v", err)
	}

	result, err := d.PollResponseQueue(ctx, st)
	if err != nil {
		t.Fatalf("PollResponseQueue: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(result.Messages))
	}
	if result.Messages[0].CallID != "queued-1" {
		t.Errorf("callId = %q, want queued-1", result.Messages[0].CallID)
	}
}

func TestDeleteResourcesDrainsQueue(t *testing.T) {
	weights := mockdriver.Weights{Returned: 1}
	d := mockdriver.New(nil, weights, 0, nil)
	ctx := context.Background()
	st, _ := d.Initialize(ctx, "mod", driver.DefaultConfig())

	call := &wire.Call{CallID: "to-drain", Args: json.RawMessage(`1`)}
	_ = d.PublishRequest(ctx, st, call)
	time.Sleep(20 * time.Millisecond)

	if err := d.DeleteResources(ctx, st); err != nil {
		t.Fatalf("DeleteResources: %v", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := d.PollResponseQueue(pollCtx, st)
	if err == nil {
		t.Error("expected PollResponseQueue to time out on an empty, drained queue")
	}
}

func TestCostEstimateScalesWithInvocations(t *testing.T) {
	d := mockdriver.New(nil, mockdriver.DefaultWeights(), 0, nil)
	st := mustState(t, d)

	low, err := d.CostEstimate(st, 100, 95, 5)
	if err != nil {
		t.Fatalf("CostEstimate: %v", err)
	}
	high, _ := d.CostEstimate(st, 10000, 9500, 500)
	if high <= low {
		t.Errorf("cost did not scale with invocation count: low=%v high=%v", low, high)
	}
}

func mustState(t *testing.T, d *mockdriver.Driver) driver.State {
	t.Helper()
	st, err := d.Initialize(context.Background(), "mod", driver.DefaultConfig())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return st
}
