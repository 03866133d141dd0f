// Package engine implements the invocation engine (spec.md §4.6): the
// public invoke surface, routing between the synchronous and queued
// dispatch paths, retry and speculative-retry policy, and the per-function
// counters and latency statistics the lifecycle controller's stats emitter
// reports.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetfn/internal/clockskew"
	"fleetfn/internal/cost"
	"fleetfn/internal/driver"
	"fleetfn/internal/ferrors"
	"fleetfn/internal/funnel"
	"fleetfn/internal/wire"
)

const defaultMinSpeculativeSamples = 20

// Engine is one instance's invocation engine. It owns a single Funnel
// shared by every function name invoked through it, so one function's
// burst cannot starve another beyond the shared concurrency ceiling.
type Engine struct {
	drv    driver.ProviderDriver
	state  driver.State
	cfg    driver.Config
	logger *zap.Logger

	fn       *funnel.Funnel
	registry *registry
	pending  *pendingTable

	ledger    *cost.Ledger
	estimator cost.Estimator

	minSpeculativeSamples int64

	mu      sync.Mutex
	stopped bool
	doneCh  chan struct{}
}

// New constructs an Engine against an already-initialized driver state.
// cfg.Mode must already be resolved to ModeHTTPS or ModeQueue — "auto"
// resolution is the lifecycle controller's job, since only it knows which
// provider is in play.
func New(drv driver.ProviderDriver, state driver.State, cfg driver.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		drv:                   drv,
		state:                 state,
		cfg:                   cfg,
		logger:                logger,
		fn:                    funnel.New(cfg.Concurrency),
		registry:              newRegistry(),
		pending:               newPendingTable(),
		minSpeculativeSamples: defaultMinSpeculativeSamples,
		doneCh:                make(chan struct{}),
	}
}

// SetCostLedger wires a cost.Ledger and pricing Estimator into the engine
// so every Invoke holds an estimate against the function's budget up
// front, captured on success or released on failure/cancellation — the
// three-state dance SPEC_FULL.md §4 describes. Optional; leaving it unset
// means Invoke does no cost tracking.
func (e *Engine) SetCostLedger(ledger *cost.Ledger, estimator cost.Estimator) {
	e.ledger = ledger
	e.estimator = estimator
}

// Counters returns a snapshot of name's counters.
func (e *Engine) Counters(name string) Counters {
	return e.registry.get(name).counters.snapshot()
}

// Stats returns a snapshot of name's latency statistics.
func (e *Engine) Stats(name string) Stats {
	return e.registry.get(name).statsSnapshot()
}

// FunctionNames lists every function invoked at least once on this engine.
func (e *Engine) FunctionNames() []string { return e.registry.names() }

// ResetDeltas zeroes every tracked function's latency Statistics, leaving
// counters (which are cumulative by design, per spec.md §3) untouched.
// Called by the lifecycle controller's stats ticker after each emission.
func (e *Engine) ResetDeltas() {
	for _, name := range e.registry.names() {
		fs := e.registry.get(name)
		fs.localStartLatency.Reset()
		fs.remoteStartLatency.Reset()
		fs.executionTime.Reset()
		fs.sendResponseLatency.Reset()
		fs.returnLatency.Reset()
		fs.estimatedBilledTime.Reset()
	}
}

// Invoke is the engine's public operation (spec.md §4.6): serialize and
// validate args, dispatch over the resolved transport, and return a Future
// of the raw JSON return value. Callers decode it to their expected type;
// lifecycle.Instance.Invoke wraps this with a JSON decode into a caller's value.
func (e *Engine) Invoke(ctx context.Context, name string, args any) *funnel.Future[json.RawMessage] {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return funnel.Failed[json.RawMessage](ferrors.ErrCancelled)
	}

	warnings, encoded, err := wire.ValidateRoundTrip(args)
	if err != nil {
		return funnel.Failed[json.RawMessage](ferrors.Wrap(ferrors.KindFatal, "args failed serialization round-trip", err))
	}
	for _, w := range warnings {
		e.logger.Warn("serialization round-trip warning",
			zap.String("function", name), zap.String("path", w.Path), zap.String("detail", w.Detail))
	}

	start := time.Now()
	fs := e.registry.get(name)
	fs.counters.invocations.Add(1)

	shouldRetry := e.buildShouldRetry(fs)
	deadline := start.Add(e.cfg.Timeout + 200*time.Millisecond)

	baseCall := &wire.Call{Name: name, Args: encoded, Start: start.UnixMilli()}
	if e.cfg.Mode == driver.ModeQueue {
		baseCall.ResponseQueueID = e.drv.ResponseQueueID(e.state)
	}

	out, settle := funnel.NewSettlable[json.RawMessage]()
	resultCh := make(chan callOutcome, 2)

	launch := func(callID string) {
		c := *baseCall
		c.CallID = callID

		var fut *funnel.Future[json.RawMessage]
		if e.cfg.Mode == driver.ModeQueue {
			fut = e.invokeQueued(ctx, name, fs, &c, shouldRetry, start, deadline)
		} else {
			fut = e.invokeSync(ctx, name, fs, &c, shouldRetry, start)
		}
		val, err := fut.Wait(ctx)
		select {
		case resultCh <- callOutcome{val: val, err: err}:
		default:
		}
	}

	callID := uuid.NewString()
	hold := e.holdEstimate(name, callID)
	settled := make(chan struct{})
	go launch(callID)

	if delay, ok := e.speculativeDelay(fs); ok {
		go func() {
			select {
			case <-time.After(delay):
				fs.counters.invocations.Add(1)
				fs.counters.retries.Add(1)
				go launch(uuid.NewString())
			case <-settled:
			case <-ctx.Done():
			case <-e.doneCh:
			}
		}()
	}

	go func() {
		defer close(settled)
		select {
		case outcome := <-resultCh:
			e.resolveHold(hold, outcome.err)
			settle(outcome.val, outcome.err)
		case <-e.doneCh:
			e.resolveHold(hold, ferrors.ErrCancelled)
			settle(nil, ferrors.ErrCancelled)
		}
	}()

	return out
}

// holdEstimate reserves this call's estimated cost against name's budget,
// keyed by callID, so the settle goroutine below can capture or release it
// exactly once. A nil ledger, or a hold failure (e.g. no budget configured
// for name), disables cost tracking for this one call rather than failing
// the invocation — cost accounting is advisory, not a gate on dispatch.
func (e *Engine) holdEstimate(name, callID string) *cost.Hold {
	if e.ledger == nil {
		return nil
	}
	// Deliberately not tied to the caller's ctx: a hold that outlives a
	// cancelled invocation still needs to resolve (released) cleanly.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	amount := e.estimator.Estimate(1, 0)
	hold, err := e.ledger.HoldEstimate(ctx, name, callID, amount)
	if err != nil {
		e.logger.Warn("cost: failed to hold estimate, continuing without cost tracking",
			zap.String("function", name), zap.Error(err))
		return nil
	}
	return hold
}

// resolveHold captures hold on success or releases it on failure/
// cancellation. No-op if cost tracking wasn't enabled or didn't hold.
func (e *Engine) resolveHold(hold *cost.Hold, callErr error) {
	if e.ledger == nil || hold == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if callErr != nil {
		if err := e.ledger.Release(ctx, hold.CallID); err != nil {
			e.logger.Warn("cost: failed to release hold", zap.String("call_id", hold.CallID), zap.Error(err))
		}
		return
	}
	if err := e.ledger.Capture(ctx, hold.CallID); err != nil {
		e.logger.Warn("cost: failed to capture hold", zap.String("call_id", hold.CallID), zap.Error(err))
	}
}

type callOutcome struct {
	val json.RawMessage
	err error
}

// speculativeDelay implements spec.md §4.6 step 4's speculative-retry
// trigger: once a function has at least minSpeculativeSamples execution
// time samples, a call that has run longer than mean + threshold*stdev is
// raced against a fresh attempt.
func (e *Engine) speculativeDelay(fs *funcState) (time.Duration, bool) {
	if e.cfg.SpeculativeRetryThreshold <= 0 {
		return 0, false
	}
	snap := fs.executionTime.Snapshot()
	if snap.Samples < e.minSpeculativeSamples {
		return 0, false
	}
	threshold := snap.Mean + e.cfg.SpeculativeRetryThreshold*snap.Stdev
	if threshold <= 0 {
		return 0, false
	}
	return time.Duration(threshold), true
}

func (e *Engine) buildShouldRetry(fs *funcState) funnel.ShouldRetry {
	return func(err error, attempt int) bool {
		if attempt >= e.cfg.MaxRetries {
			return false
		}
		return ferrors.Retryable(err)
	}
}

// invokeSync dispatches over driver.InvokeSync inside a retrying funnel
// task (spec.md §4.6 step 5, sync mode).
func (e *Engine) invokeSync(ctx context.Context, name string, fs *funcState, call *wire.Call, shouldRetry funnel.ShouldRetry, localSent time.Time) *funnel.Future[json.RawMessage] {
	return funnel.PushRetry(e.fn, ctx, shouldRetry, func(attempt int) (json.RawMessage, error) {
		attemptCall := *call
		attemptCall.Attempt = attempt
		ret, err := e.drv.InvokeSync(ctx, e.state, &attemptCall)
		if err != nil {
			return nil, err
		}
		return e.finalize(name, fs, ret, localSent, time.Now())
	}, func(attempt int) {
		fs.counters.retries.Add(1)
	})
}

// finalize converts a terminal wire.Return into (value, error), recording
// clock-skew-corrected latency samples and bumping the function's
// completed/errors counters exactly once per terminal Return observed.
func (e *Engine) finalize(name string, fs *funcState, ret *wire.Return, localSent, localEnd time.Time) (json.RawMessage, error) {
	fs.counters.recordInstance(ret.InstanceID)

	if ret.HasTimings() {
		corrected := fs.skew.Observe(clockskew.Sample{
			LocalSent:          localSent,
			LocalEnd:           localEnd,
			RemoteStart:        ret.RemoteStartTime(),
			RemoteEnd:          ret.RemoteEndTime(),
			RemoteResponseSent: ret.RemoteResponseSentTime(),
		})
		fs.remoteStartLatency.Record(float64(corrected.RemoteStartLatency))
		fs.returnLatency.Record(float64(corrected.ReturnLatency))
	}
	fs.executionTime.Record(float64(localEnd.Sub(localSent)))

	if ret.Kind == wire.KindError {
		fs.counters.errors.Add(1)
		return nil, classifyReturnError(ret)
	}

	fs.counters.completed.Add(1)
	return ret.Value, nil
}

// classifyReturnError maps a wire-level error Return to its ferrors.Kind.
// Providers name DeadLetter/TransportFatal explicitly; anything else is
// assumed to be the remote function's own raised error (UserError).
func classifyReturnError(ret *wire.Return) error {
	kind := ferrors.KindUser
	msg := "remote function raised an error"
	var logURL string
	if ret.Error != nil {
		msg = ret.Error.Message
		switch ret.Error.Name {
		case "DeadLetter":
			kind = ferrors.KindDeadLetter
		case "TransportFatal":
			kind = ferrors.KindFatal
		}
	}
	if ret.LogURL != "" {
		logURL = ret.LogURL
	}
	ce := ferrors.New(kind, msg)
	if logURL != "" {
		ce = ce.WithLogURL(logURL)
	}
	return ce
}

// Stop implements spec.md §4.6's cancellation: stop accepting new calls
// (enforced by Invoke's stopped check), reject funnel admission waiters,
// signal speculative-retry timers to give up, and resolve every pending
// queued call with a cancellation error.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.doneCh)
	e.fn.RejectPending(ferrors.ErrRejectedPending)

	for _, pc := range e.pending.drain() {
		fs := e.registry.get(pc.name)
		fs.counters.errors.Add(1)
		pc.once.Do(func() { pc.settle(nil, ferrors.ErrCancelled) })
	}
}

// --- Reconciler-facing methods (spec.md §4.5) ---

// CompleteResponse correlates a terminal "response" message to its
// pending call, if one is still outstanding.
func (e *Engine) CompleteResponse(callID string, ret *wire.Return, localEnd time.Time) {
	pc, ok := e.pending.get(callID)
	if !ok {
		return
	}
	fs := e.registry.get(pc.name)
	value, err := e.finalize(pc.name, fs, ret, pc.localSent, localEnd)
	e.pending.complete(pc, value, err)
}

// CompleteDeadLetter correlates a "deadletter" message: terminal, marked
// non-retryable regardless of maxRetries (scenario C).
func (e *Engine) CompleteDeadLetter(callID string) {
	pc, ok := e.pending.get(callID)
	if !ok {
		return
	}
	fs := e.registry.get(pc.name)
	fs.counters.errors.Add(1)
	err := ferrors.New(ferrors.KindDeadLetter, "provider reported dead letter")
	e.pending.complete(pc, nil, err)
}

// RecordFunctionStarted handles an out-of-band "functionstarted" message:
// records a remoteStartLatency sample and extends the call's deadline, but
// never completes the pending entry.
func (e *Engine) RecordFunctionStarted(callID string, remoteStart time.Time) {
	pc, ok := e.pending.get(callID)
	if !ok {
		return
	}
	fs := e.registry.get(pc.name)
	fs.remoteStartLatency.Record(float64(remoteStart.Sub(pc.localSent)))
	e.pending.mu.Lock()
	pc.deadline = time.Now().Add(e.cfg.Timeout + 200*time.Millisecond)
	e.pending.mu.Unlock()
}

// RecordCPUMetrics appends an informational cpumetrics sample; the demo
// scope has no persistent per-call metrics series, so this only confirms
// the call is still pending (a decode failure upstream is the only thing
// the reconciler logs and drops, per spec.md §4.5).
func (e *Engine) RecordCPUMetrics(callID string, _ json.RawMessage) {
	if _, ok := e.pending.get(callID); !ok {
		return
	}
}

// PendingCount exposes the outstanding queued-call count, used by the
// reconciler to size its adaptive poller pool (spec.md §4.5: one poller
// per 20 outstanding calls).
func (e *Engine) PendingCount() int { return e.pending.count() }
