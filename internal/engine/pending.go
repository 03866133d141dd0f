package engine

import (
	"sync"
	"time"

	"fleetfn/internal/funnel"
	"fleetfn/internal/wire"
)

// pendingCall is the engine-internal record spec.md §3 calls PendingCall:
// present iff a client is awaiting callId and it has not yet completed or
// been canceled. settle is invoked exactly once, by whichever of the
// reconciler (response/deadletter) or the deadline-timeout path reaches a
// terminal outcome first.
type pendingCall struct {
	call        *wire.Call
	name        string
	localSent   time.Time
	deadline    time.Time
	shouldRetry funnel.ShouldRetry
	attempt     int

	once   sync.Once
	settle func(value []byte, err error)
}

// pendingTable is the engine's callId -> pendingCall map. A single mutex
// guards it, per spec.md §5.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (t *pendingTable) register(pc *pendingCall) {
	t.mu.Lock()
	t.calls[pc.call.CallID] = pc
	t.mu.Unlock()
}

func (t *pendingTable) remove(callID string) {
	t.mu.Lock()
	delete(t.calls, callID)
	t.mu.Unlock()
}

func (t *pendingTable) get(callID string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[callID]
	return pc, ok
}

// drain removes and returns every still-pending call, for stop()'s
// cancellation sweep.
func (t *pendingTable) drain() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingCall, 0, len(t.calls))
	for id, pc := range t.calls {
		out = append(out, pc)
		delete(t.calls, id)
	}
	return out
}

func (t *pendingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// complete runs settle exactly once (via sync.Once), then removes the
// entry from the table. Safe to call from both the reconciler goroutine
// and a timeout-path goroutine racing it.
func (t *pendingTable) complete(pc *pendingCall, value []byte, err error) {
	pc.once.Do(func() {
		pc.settle(value, err)
	})
	t.remove(pc.call.CallID)
}
