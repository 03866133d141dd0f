package reconciler_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"fleetfn/internal/driver"
	"fleetfn/internal/reconciler"
	"fleetfn/internal/wire"
)

type fakeState struct{ id string }

func (f *fakeState) InstanceID() string { return f.id }

type fakeDriver struct {
	mu       sync.Mutex
	queue    [][]*wire.ResponseMessage
	controls []driver.ControlKind
}

func (f *fakeDriver) push(msgs ...*wire.ResponseMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, msgs)
}

func (f *fakeDriver) Initialize(ctx context.Context, modulePath string, cfg driver.Config) (driver.State, error) {
	return &fakeState{id: "fake"}, nil
}
func (f *fakeDriver) InvokeSync(ctx context.Context, s driver.State, call *wire.Call) (*wire.Return, error) {
	return nil, nil
}
func (f *fakeDriver) PublishRequest(ctx context.Context, s driver.State, call *wire.Call) error {
	return nil
}
func (f *fakeDriver) PollResponseQueue(ctx context.Context, s driver.State) (driver.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		select {
		case <-ctx.Done():
			return driver.PollResult{}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return driver.PollResult{}, nil
		}
	}
	batch := f.queue[0]
	f.queue = f.queue[1:]
	return driver.PollResult{Messages: batch}, nil
}
func (f *fakeDriver) PublishControl(ctx context.Context, s driver.State, kind driver.ControlKind) error {
	f.mu.Lock()
	f.controls = append(f.controls, kind)
	f.mu.Unlock()
	f.push(&wire.ResponseMessage{Kind: wire.MessageStopQueue})
	return nil
}
func (f *fakeDriver) LogURL(s driver.State) string { return "" }
func (f *fakeDriver) PollLogs(ctx context.Context, s driver.State) (driver.LogBatch, error) {
	return driver.LogBatch{}, nil
}
func (f *fakeDriver) ResponseQueueID(s driver.State) string          { return "q" }
func (f *fakeDriver) DeleteResources(ctx context.Context, s driver.State) error { return nil }
func (f *fakeDriver) CostEstimate(s driver.State, i, c, e int64) (float64, error) {
	return 0, nil
}

type fakeCorrelator struct {
	mu          sync.Mutex
	completed   []string
	deadLetters []string
	started     []string
	metrics     []string
	pendingN    int
}

func (f *fakeCorrelator) CompleteResponse(callID string, ret *wire.Return, localEnd time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, callID)
}
func (f *fakeCorrelator) CompleteDeadLetter(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, callID)
}
func (f *fakeCorrelator) RecordFunctionStarted(callID string, remoteStart time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, callID)
}
func (f *fakeCorrelator) RecordCPUMetrics(callID string, metrics json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, callID)
}
func (f *fakeCorrelator) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingN
}

func TestReconcilerRoutesResponseToCorrelator(t *testing.T) {
	drv := &fakeDriver{}
	corr := &fakeCorrelator{}
	drv.push(&wire.ResponseMessage{Kind: wire.MessageResponse, CallID: "c1", Return: &wire.Return{Kind: wire.KindReturned, CallID: "c1"}})

	r := reconciler.New(drv, &fakeState{id: "fake"}, corr, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Start(ctx)

	waitFor(t, func() bool {
		corr.mu.Lock()
		defer corr.mu.Unlock()
		return len(corr.completed) == 1 && corr.completed[0] == "c1"
	})

	if err := r.Drain(ctx, time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestReconcilerRoutesDeadLetterAndFunctionStarted(t *testing.T) {
	drv := &fakeDriver{}
	corr := &fakeCorrelator{}
	drv.push(
		&wire.ResponseMessage{Kind: wire.MessageFunctionStarted, CallID: "c2", Return: &wire.Return{RemoteExecutionStart: time.Now().UnixMilli()}},
		&wire.ResponseMessage{Kind: wire.MessageDeadLetter, CallID: "c3"},
	)

	r := reconciler.New(drv, &fakeState{id: "fake"}, corr, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Start(ctx)

	waitFor(t, func() bool {
		corr.mu.Lock()
		defer corr.mu.Unlock()
		return len(corr.started) == 1 && len(corr.deadLetters) == 1
	})

	r.Drain(ctx, time.Second)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
