package engine

import (
	"sync"

	"fleetfn/internal/clockskew"
	"fleetfn/internal/stats"
)

// Stats mirrors spec.md §3's FunctionStats: one Statistics series per
// latency category tracked for a function.
type Stats struct {
	LocalStartLatency   stats.Snapshot
	RemoteStartLatency  stats.Snapshot
	ExecutionTime       stats.Snapshot
	SendResponseLatency stats.Snapshot
	ReturnLatency       stats.Snapshot
	EstimatedBilledTime stats.Snapshot
}

// funcState is everything the engine tracks per function name: counters,
// latency statistics, and the clock-skew estimator correcting remote
// timestamps for that function's instances. No engine-wide lock guards it:
// the counters are atomic, and each Statistics and the estimator lock
// themselves.
type funcState struct {
	counters *counterSet

	localStartLatency   stats.Statistics
	remoteStartLatency  stats.Statistics
	executionTime       stats.Statistics
	sendResponseLatency stats.Statistics
	returnLatency       stats.Statistics
	estimatedBilledTime stats.Statistics

	skew *clockskew.Estimator
}

func newFuncState() *funcState {
	return &funcState{
		counters: newCounterSet(),
		skew:     clockskew.NewEstimator(),
	}
}

func (f *funcState) statsSnapshot() Stats {
	return Stats{
		LocalStartLatency:   f.localStartLatency.Snapshot(),
		RemoteStartLatency:  f.remoteStartLatency.Snapshot(),
		ExecutionTime:       f.executionTime.Snapshot(),
		SendResponseLatency: f.sendResponseLatency.Snapshot(),
		ReturnLatency:       f.returnLatency.Snapshot(),
		EstimatedBilledTime: f.estimatedBilledTime.Snapshot(),
	}
}

// registry owns one funcState per function name, created lazily on first
// use so the engine doesn't need a predeclared function list.
type registry struct {
	mu    sync.Mutex
	funcs map[string]*funcState
}

func newRegistry() *registry {
	return &registry{funcs: make(map[string]*funcState)}
}

func (r *registry) get(name string) *funcState {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs, ok := r.funcs[name]
	if !ok {
		fs = newFuncState()
		r.funcs[name] = fs
	}
	return fs
}

// names returns every function name currently tracked, for the stats
// emitter's per-tick sweep.
func (r *registry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	return out
}
