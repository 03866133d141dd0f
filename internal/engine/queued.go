package engine

import (
	"context"
	"encoding/json"
	"time"

	"fleetfn/internal/ferrors"
	"fleetfn/internal/funnel"
	"fleetfn/internal/wire"
)

// invokeQueued implements spec.md §4.6 step 5's queue-mode path: publish
// the call, register a pending entry, and wait for either the reconciler
// to complete it or its deadline to expire. A deadline expiry is treated
// as a TransportTransient timeout and fed through shouldRetry exactly like
// a synchronous failure would be — if shouldRetry approves, the call is
// republished with a bumped attempt counter and a fresh deadline.
func (e *Engine) invokeQueued(ctx context.Context, name string, fs *funcState, call *wire.Call, shouldRetry funnel.ShouldRetry, localSent time.Time, deadline time.Time) *funnel.Future[json.RawMessage] {
	out, settle := funnel.NewSettlable[json.RawMessage]()

	go func() {
		attempt := 0
		currentDeadline := deadline
		for {
			resultCh := make(chan struct {
				value []byte
				err   error
			}, 1)

			pc := &pendingCall{
				call:        call,
				name:        name,
				localSent:   localSent,
				deadline:    currentDeadline,
				shouldRetry: shouldRetry,
				attempt:     attempt,
				settle: func(value []byte, err error) {
					resultCh <- struct {
						value []byte
						err   error
					}{value, err}
				},
			}
			e.pending.register(pc)

			attemptCall := *call
			attemptCall.Attempt = attempt
			publishFut := funnel.Push(e.fn, func() (struct{}, error) {
				return struct{}{}, e.drv.PublishRequest(ctx, e.state, &attemptCall)
			})
			if _, err := publishFut.Wait(ctx); err != nil {
				e.pending.remove(call.CallID)
				fs.counters.errors.Add(1)
				settle(nil, err)
				return
			}

			var timeoutAt time.Duration
			if d := time.Until(currentDeadline); d > 0 {
				timeoutAt = d
			}
			timer := time.NewTimer(timeoutAt)

			select {
			case res := <-resultCh:
				timer.Stop()
				settle(res.value, res.err)
				return
			case <-timer.C:
				e.pending.remove(call.CallID)
				timeoutErr := ferrors.New(ferrors.KindTimeout, "no response within deadline")
				if shouldRetry(timeoutErr, attempt) {
					fs.counters.retries.Add(1)
					attempt++
					currentDeadline = time.Now().Add(deadline.Sub(localSent))
					continue
				}
				fs.counters.errors.Add(1)
				settle(nil, ferrors.FunctionTimeoutError(name))
				return
			case <-ctx.Done():
				timer.Stop()
				e.pending.remove(call.CallID)
				settle(nil, ctx.Err())
				return
			case <-e.doneCh:
				timer.Stop()
				e.pending.remove(call.CallID)
				settle(nil, ferrors.ErrCancelled)
				return
			}
		}
	}()

	return out
}
