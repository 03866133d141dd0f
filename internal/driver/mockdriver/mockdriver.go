// Package mockdriver implements driver.ProviderDriver entirely in memory,
// adapted from the teacher's deterministic mock SMS provider (the same
// hash-of-id trick that picks success/temp-fail/perm-fail outcomes, here
// picking returned/transient/fatal/timeout outcomes for a function call).
// Useful for exercising the invocation engine's retry, speculative-retry and
// error-classification paths without any real network dependency.
package mockdriver

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetfn/internal/driver"
	"fleetfn/internal/ferrors"
	"fleetfn/internal/wire"
)

// Outcome is the deterministic behavior a call's hash selects.
type Outcome string

const (
	OutcomeReturned  Outcome = "returned"
	OutcomeTransient Outcome = "transient"
	OutcomeFatal     Outcome = "fatal"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeDeadLeter Outcome = "deadletter"
)

// Weights controls the probability mass assigned to each outcome,
// mirroring the teacher's successRate/tempFailRate/permFailRate split. The
// weights need not sum to 1; they're normalized internally.
type Weights struct {
	Returned  float64
	Transient float64
	Fatal     float64
	Timeout   float64
	DeadLeter float64
}

// DefaultWeights favors success heavily, as the teacher's demo mock does.
func DefaultWeights() Weights {
	return Weights{Returned: 0.90, Transient: 0.05, Fatal: 0.02, Timeout: 0.02, DeadLeter: 0.01}
}

type state struct {
	id string
}

func (s *state) InstanceID() string { return s.id }

// Driver is a driver.ProviderDriver backed by an in-memory queue and a
// deterministic-per-callId outcome generator.
type Driver struct {
	logger    *zap.Logger
	weights   Weights
	latency   time.Duration
	valueFunc func(call *wire.Call) any

	mu          sync.Mutex
	queue       []*wire.ResponseMessage
	attempt     map[string]int // callId -> attempts seen, for eventual-success semantics
	deleteCalls int
}

// New returns a Driver. valueFunc computes the success value for a call
// (defaults to echoing call.Args); nil logger is replaced with zap.NewNop().
func New(logger *zap.Logger, weights Weights, latency time.Duration, valueFunc func(call *wire.Call) any) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if valueFunc == nil {
		valueFunc = func(call *wire.Call) any { return string(call.Args) }
	}
	return &Driver{
		logger:    logger,
		weights:   weights,
		latency:   latency,
		valueFunc: valueFunc,
		attempt:   make(map[string]int),
	}
}

func (d *Driver) Initialize(ctx context.Context, modulePath string, cfg driver.Config) (driver.State, error) {
	d.logger.Debug("mockdriver: initialize", zap.String("module_path", modulePath))
	return &state{id: uuid.NewString()}, nil
}

// outcomeFor derives a stable outcome from the call's id so repeated test
// runs with the same callId see the same behavior; the total weight is
// normalized internally.
func (d *Driver) outcomeFor(callID string) Outcome {
	hash := md5.Sum([]byte(callID))
	total := d.weights.Returned + d.weights.Transient + d.weights.Fatal + d.weights.Timeout + d.weights.DeadLeter
	if total <= 0 {
		total = 1
	}
	value := (float64(hash[0]) / 256.0) * total

	switch {
	case value < d.weights.Returned:
		return OutcomeReturned
	case value < d.weights.Returned+d.weights.Transient:
		return OutcomeTransient
	case value < d.weights.Returned+d.weights.Transient+d.weights.Fatal:
		return OutcomeFatal
	case value < d.weights.Returned+d.weights.Transient+d.weights.Fatal+d.weights.Timeout:
		return OutcomeTimeout
	default:
		return OutcomeDeadLeter
	}
}

func (d *Driver) InvokeSync(ctx context.Context, st driver.State, call *wire.Call) (*wire.Return, error) {
	select {
	case <-time.After(d.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.Lock()
	d.attempt[call.CallID]++
	attempt := d.attempt[call.CallID]
	d.mu.Unlock()

	outcome := d.outcomeFor(call.CallID)
	// Transient outcomes succeed on the 3rd attempt, so PushRetry's
	// shouldRetry loop has something real to exercise (scenario D).
	if outcome == OutcomeTransient && attempt >= 3 {
		outcome = OutcomeReturned
	}

	start := time.Now()
	switch outcome {
	case OutcomeReturned:
		value, err := json.Marshal(d.valueFunc(call))
		if err != nil {
			return nil, fmt.Errorf("mockdriver: encode return value: %w", err)
		}
		return &wire.Return{
			Kind:                 wire.KindReturned,
			CallID:               call.CallID,
			Value:                value,
			RemoteExecutionStart: start.UnixMilli(),
			RemoteExecutionEnd:   time.Now().UnixMilli(),
			RemoteResponseSent:   time.Now().UnixMilli(),
			InstanceID:           st.InstanceID(),
		}, nil
	case OutcomeTransient:
		return nil, ferrors.Wrap(ferrors.KindTransient, "mockdriver: simulated transient failure",
			fmt.Errorf("attempt %d", attempt))
	case OutcomeTimeout:
		<-ctx.Done()
		return nil, ferrors.Wrap(ferrors.KindTimeout, "mockdriver: simulated timeout", ctx.Err())
	case OutcomeDeadLeter:
		return &wire.Return{
			Kind:   wire.KindError,
			CallID: call.CallID,
			Error:  &wire.ErrorInfo{Name: "DeadLetter", Message: "provider could not deliver after its own retries"},
		}, nil
	default: // OutcomeFatal
		return &wire.Return{
			Kind:   wire.KindError,
			CallID: call.CallID,
			Error:  &wire.ErrorInfo{Name: "TransportFatal", Message: "mockdriver: simulated fatal provider error"},
		}, nil
	}
}

func (d *Driver) PublishRequest(ctx context.Context, st driver.State, call *wire.Call) error {
	go func() {
		ret, err := d.InvokeSync(ctx, st, call)
		if err != nil || ret == nil {
			return
		}
		d.mu.Lock()
		d.queue = append(d.queue, &wire.ResponseMessage{Kind: wire.MessageResponse, CallID: call.CallID, Return: ret})
		d.mu.Unlock()
	}()
	return nil
}

func (d *Driver) PollResponseQueue(ctx context.Context, st driver.State) (driver.PollResult, error) {
	const batchSize = 10
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			n := len(d.queue)
			if n > batchSize {
				n = batchSize
			}
			batch := d.queue[:n]
			d.queue = d.queue[n:]
			isFull := len(d.queue) > 0
			d.mu.Unlock()
			return driver.PollResult{Messages: batch, IsFull: isFull}, nil
		}
		d.mu.Unlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return driver.PollResult{}, ctx.Err()
		}
	}
}

func (d *Driver) PublishControl(ctx context.Context, st driver.State, kind driver.ControlKind) error {
	d.logger.Debug("mockdriver: publish control", zap.String("kind", string(kind)))
	return nil
}

func (d *Driver) LogURL(st driver.State) string {
	return fmt.Sprintf("mock://logs/%s", st.InstanceID())
}

func (d *Driver) PollLogs(ctx context.Context, st driver.State) (driver.LogBatch, error) {
	return driver.LogBatch{}, nil
}

func (d *Driver) ResponseQueueID(st driver.State) string {
	return "mock-queue-" + st.InstanceID()
}

func (d *Driver) DeleteResources(ctx context.Context, st driver.State) error {
	d.mu.Lock()
	d.queue = nil
	d.deleteCalls++
	d.mu.Unlock()
	return nil
}

// DeleteCalls reports how many times DeleteResources has actually run,
// for tests asserting teardown idempotency.
func (d *Driver) DeleteCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteCalls
}

func (d *Driver) CostEstimate(st driver.State, invocations, completed, errored int64) (float64, error) {
	return float64(invocations) * 0.0000002, nil
}
