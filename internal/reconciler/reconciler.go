// Package reconciler implements the queue reconciler (spec.md §4.5): a
// long-running, adaptively-sized pool of poll fibers demultiplexing a
// single response queue across every outstanding call on one instance.
package reconciler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleetfn/internal/driver"
	"fleetfn/internal/engine"
	"fleetfn/internal/wire"
)

const (
	callsPerPoller = 20
	minPollers     = 2
)

// correlator is the subset of *engine.Engine the reconciler depends on,
// kept as an interface so tests can exercise routing logic against a fake.
type correlator interface {
	CompleteResponse(callID string, ret *wire.Return, localEnd time.Time)
	CompleteDeadLetter(callID string)
	RecordFunctionStarted(callID string, remoteStart time.Time)
	RecordCPUMetrics(callID string, metrics json.RawMessage)
	PendingCount() int
}

var _ correlator = (*engine.Engine)(nil)

// Reconciler runs the Idle -> Polling -> Dispatching -> ... -> Draining ->
// Stopped state machine of spec.md §4.5 over one driver/state pair.
type Reconciler struct {
	drv    driver.ProviderDriver
	state  driver.State
	eng    correlator
	logger *zap.Logger
	maxPollers int

	mu       sync.Mutex
	active   int
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	draining atomic.Bool
}

// New returns a Reconciler ready to Start polling drv/state on behalf of
// eng. maxPollers bounds the adaptive poller pool; 0 uses a sane default.
func New(drv driver.ProviderDriver, state driver.State, eng correlator, logger *zap.Logger, maxPollers int) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPollers <= 0 {
		maxPollers = 8
	}
	return &Reconciler{
		drv:        drv,
		state:      state,
		eng:        eng,
		logger:     logger,
		maxPollers: maxPollers,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the initial poller set and a supervisor goroutine that
// grows or shrinks the pool as PendingCount changes.
func (r *Reconciler) Start(ctx context.Context) {
	r.adjustPollers(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.adjustPollers(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// desiredPollers implements spec.md §4.5's sizing rule: one poller per 20
// outstanding calls, minimum 2, bounded by maxPollers.
func (r *Reconciler) desiredPollers() int {
	n := (r.eng.PendingCount() + callsPerPoller - 1) / callsPerPoller
	if n < minPollers {
		n = minPollers
	}
	if n > r.maxPollers {
		n = r.maxPollers
	}
	return n
}

func (r *Reconciler) adjustPollers(ctx context.Context) {
	if r.draining.Load() {
		return
	}
	want := r.desiredPollers()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.active < want {
		r.active++
		r.wg.Add(1)
		go r.pollLoop(ctx)
	}
	// Shrinking is cooperative: excess pollers notice want < active at the
	// top of their next iteration and exit on their own (see pollLoop).
}

// pollLoop is one poll fiber: repeatedly long-polls, dispatches each
// message by kind, and exits once the pool should shrink or draining
// begins.
func (r *Reconciler) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		r.mu.Lock()
		shouldExit := r.active > r.desiredPollers() && r.active > minPollers
		r.mu.Unlock()
		if shouldExit && !r.draining.Load() {
			return
		}

		result, err := r.drv.PollResponseQueue(ctx, r.state)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("reconciler: poll failed, retrying with backoff", zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, msg := range result.Messages {
			if r.dispatch(msg) {
				return
			}
		}
	}
}

// dispatch routes one decoded message by kind. Returns true iff this was
// a stopqueue sentinel, telling the caller's pollLoop to exit.
func (r *Reconciler) dispatch(msg *wire.ResponseMessage) bool {
	switch msg.Kind {
	case wire.MessageResponse:
		if msg.Return == nil {
			r.logger.Error("reconciler: response message missing return", zap.String("call_id", msg.CallID))
			return false
		}
		r.eng.CompleteResponse(msg.CallID, msg.Return, time.Now())

	case wire.MessageDeadLetter:
		r.eng.CompleteDeadLetter(msg.CallID)

	case wire.MessageFunctionStarted:
		var remoteStart time.Time
		if msg.Return != nil {
			remoteStart = msg.Return.RemoteStartTime()
		}
		if remoteStart.IsZero() {
			remoteStart = time.Now()
		}
		r.eng.RecordFunctionStarted(msg.CallID, remoteStart)

	case wire.MessageCPUMetrics:
		r.eng.RecordCPUMetrics(msg.CallID, msg.Metrics)

	case wire.MessageStopQueue:
		return true

	default:
		r.logger.Error("reconciler: unrecognized message kind, dropping", zap.String("kind", string(msg.Kind)))
	}
	return false
}

// Drain implements the Draining -> Stopped transition: publish a
// stopqueue sentinel to this instance's own queue, signal the supervisor
// and every poller to stop, then wait (bounded by timeout) for them all
// to exit.
func (r *Reconciler) Drain(ctx context.Context, timeout time.Duration) error {
	r.draining.Store(true)
	if err := r.drv.PublishControl(ctx, r.state, driver.ControlStopQueue); err != nil {
		r.logger.Warn("reconciler: publish stopqueue control failed", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	r.stopOnce.Do(func() { close(r.stopCh) })

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
