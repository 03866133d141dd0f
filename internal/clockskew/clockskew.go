// Package clockskew aligns remote function timestamps with the local
// clock so that latency figures derived from them are never negative.
// See spec.md §4.2.
package clockskew

import (
	"time"

	"fleetfn/internal/stats"
)

// Estimator folds round-trip timing samples into an EWMA of the offset
// between the remote clock and the local one.
type Estimator struct {
	skew *stats.DecayingAverage
}

// NewEstimator returns an Estimator with the spec-mandated blend weight.
func NewEstimator() *Estimator {
	return &Estimator{skew: stats.NewDecayingAverage(0.3)}
}

// Sample is the raw timing a terminal response carries.
type Sample struct {
	LocalSent          time.Time
	LocalEnd           time.Time
	RemoteStart        time.Time
	RemoteEnd          time.Time
	RemoteResponseSent time.Time // zero if the driver didn't report it
}

// Corrected is the result of applying the current skew estimate to one
// response's timings.
type Corrected struct {
	RemoteStartLatency time.Duration
	ReturnLatency      time.Duration
}

// Observe computes this call's network/skew breakdown, folds it into the
// running estimate, and returns skew-corrected latencies for the caller's
// FunctionStats. Must be called exactly once per terminal response that
// carries both RemoteStart and RemoteEnd — concurrent calls are safe,
// since the only state Observe shares between calls is the
// DecayingAverage, which takes its own lock.
func (e *Estimator) Observe(s Sample) Corrected {
	roundTrip := s.LocalEnd.Sub(s.LocalSent)
	execution := s.RemoteEnd.Sub(s.RemoteStart)

	var sendResponse time.Duration
	if !s.RemoteResponseSent.IsZero() {
		sendResponse = s.RemoteResponseSent.Sub(s.RemoteEnd)
		if sendResponse < 0 {
			sendResponse = 0
		}
	}

	network := roundTrip - execution - sendResponse
	estimatedRemoteStart := s.LocalSent.Add(network / 2)
	thisSkew := estimatedRemoteStart.Sub(s.RemoteStart)

	skew := time.Duration(e.skew.Update(float64(thisSkew)))

	remoteStartLatency := s.RemoteStart.Add(skew).Sub(s.LocalSent)
	if remoteStartLatency < time.Nanosecond {
		remoteStartLatency = time.Nanosecond
	}

	returnLatency := s.LocalEnd.Sub(s.RemoteEnd.Add(skew))
	if returnLatency < time.Nanosecond {
		returnLatency = time.Nanosecond
	}

	return Corrected{RemoteStartLatency: remoteStartLatency, ReturnLatency: returnLatency}
}

// CurrentSkew exposes the present estimate, mostly for diagnostics/tests.
func (e *Estimator) CurrentSkew() (time.Duration, bool) {
	v, ok := e.skew.Value()
	return time.Duration(v), ok
}
