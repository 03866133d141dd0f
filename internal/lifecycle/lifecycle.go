// Package lifecycle implements the lifecycle controller (spec.md §4.8):
// the top-level operation a caller actually uses — initialize a module
// against a provider, invoke functions on the resulting Instance, and tear
// it down — wiring together the engine, reconciler and garbage collector
// this repository's other packages implement in isolation.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetfn/internal/cache"
	"fleetfn/internal/cost"
	"fleetfn/internal/driver"
	"fleetfn/internal/engine"
	"fleetfn/internal/gc"
	"fleetfn/internal/reconciler"
)

// Options carries the spec.md §6 configuration block plus the pieces
// lifecycle itself needs (which driver to provision against, where to root
// the persistent cache, and an optional cost ledger).
type Options struct {
	Driver driver.ProviderDriver
	Config driver.Config

	// CacheDir roots the persistent cache the garbage collector's "ran
	// recently" flag lives in. Defaults to os.UserCacheDir()/fleetfn if
	// empty — callers in tests should always set this to a temp dir.
	CacheDir string

	// StatsInterval is how often OnStats listeners receive a tick.
	// Defaults to one second per spec.md §4.8.
	StatsInterval time.Duration

	// CostLedger is optional; when nil, CostEstimate falls back to the
	// driver's own CostEstimate (which may itself be a zero stub), and
	// Invoke does no per-call hold/capture/release.
	CostLedger *cost.Ledger

	// CostEstimator prices what CostLedger holds per call. Defaults to
	// cost.DefaultEstimator() when CostLedger is set and this is nil.
	CostEstimator *cost.Estimator

	Logger *zap.Logger
}

// FunctionStatsEvent is what an "stats" listener receives once per tick,
// per function: the counters and latency Statistics accumulated since the
// previous tick (Instances is the current distinct-instance count, not a
// delta). Running counter totals stay visible via Instance.Snapshot; the
// latency Statistics are reset after each tick and kept for no longer.
type FunctionStatsEvent struct {
	Function string
	Counters engine.Counters
	Stats    engine.Stats
}

// Instance is one running, provisioned invocation fleet: one driver state,
// one invocation engine, and (in queue mode) one reconciler, plus the
// background garbage collector if enabled.
type Instance struct {
	drv    driver.ProviderDriver
	state  driver.State
	cfg    driver.Config
	eng    *engine.Engine
	rec    *reconciler.Reconciler
	gcLoop *gc.Collector
	ledger *cost.Ledger
	logger *zap.Logger

	statsInterval time.Duration

	mu        sync.Mutex
	listeners []func(FunctionStatsEvent)
	stopTick  chan struct{}
	tickOnce  sync.Once

	lastCounters map[string]engine.Counters // totals at the previous tick; touched only by tickStats

	cleanupOnce sync.Once // guards stopping the GC loop, independent of DeleteResources
	deleteOnce  sync.Once // guards the actual teardown, so it still fires on a later DeleteResources=true call
}

// Initialize provisions modulePath's functions against opts.Driver and
// returns a ready-to-use Instance. Packaging modulePath into whatever
// artifact the provider actually deploys (a zip, a container image) is an
// external collaborator this repository does not implement; Initialize
// hands modulePath straight to the driver, which is responsible for it.
func Initialize(ctx context.Context, modulePath string, opts Options) (*Instance, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("lifecycle: no driver configured")
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := opts.Config
	state, err := opts.Driver.Initialize(ctx, modulePath, cfg)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: initialize driver: %w", err)
	}

	cfg.Mode = resolveMode(opts.Driver, state, cfg)

	eng := engine.New(opts.Driver, state, cfg, logger)
	if opts.CostLedger != nil {
		estimator := opts.CostEstimator
		if estimator == nil {
			def := cost.DefaultEstimator()
			estimator = &def
		}
		eng.SetCostLedger(opts.CostLedger, *estimator)
	}

	inst := &Instance{
		drv:           opts.Driver,
		state:         state,
		cfg:           cfg,
		eng:           eng,
		ledger:        opts.CostLedger,
		logger:        logger,
		statsInterval: opts.StatsInterval,
		stopTick:      make(chan struct{}),
	}

	if cfg.Mode == driver.ModeQueue {
		inst.rec = reconciler.New(opts.Driver, state, eng, logger, 0)
		inst.rec.Start(ctx)
	}

	if cfg.GC {
		cacheDir := opts.CacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		ca := cache.New(cacheDir, 30*24*time.Hour)
		inst.gcLoop = gc.New(opts.Driver, ca, cfg.RetentionInDays, logger)
		if err := inst.gcLoop.Start(ctx); err != nil {
			logger.Warn("lifecycle: gc did not start", zap.Error(err))
		}
	}

	go inst.tickStats()

	return inst, nil
}

// resolveMode implements spec.md §4.8's "auto" resolution: queue mode if
// the driver hands back a response queue identifier for this instance,
// synchronous HTTPS otherwise. Only the lifecycle controller resolves this
// — engine.New assumes an already-resolved Mode.
func resolveMode(drv driver.ProviderDriver, state driver.State, cfg driver.Config) driver.Mode {
	if cfg.Mode != driver.ModeAuto {
		return cfg.Mode
	}
	if drv.ResponseQueueID(state) != "" {
		return driver.ModeQueue
	}
	return driver.ModeHTTPS
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "fleetfn")
	}
	return ".fleetfn-cache"
}

// Invoke calls name with args, returning the decoded result once it
// arrives. Callers wanting the raw JSON can use InvokeRaw instead.
func (i *Instance) Invoke(ctx context.Context, name string, args any, out any) error {
	raw, err := i.InvokeRaw(ctx, name, args)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// InvokeRaw is Instance.invoke (spec.md §4.8) without the convenience JSON
// decode: it returns the function's raw JSON return value.
func (i *Instance) InvokeRaw(ctx context.Context, name string, args any) (json.RawMessage, error) {
	return i.eng.Invoke(ctx, name, args).Wait(ctx)
}

// OnStats registers listener to receive a FunctionStatsEvent per function
// on every stats tick (spec.md §4.8's `on("stats", listener)`).
func (i *Instance) OnStats(listener func(FunctionStatsEvent)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listeners = append(i.listeners, listener)
}

func (i *Instance) tickStats() {
	ticker := time.NewTicker(i.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			i.emitStats()
		case <-i.stopTick:
			return
		}
	}
}

func (i *Instance) emitStats() {
	i.mu.Lock()
	listeners := append([]func(FunctionStatsEvent){}, i.listeners...)
	i.mu.Unlock()
	if i.lastCounters == nil {
		i.lastCounters = make(map[string]engine.Counters)
	}

	for _, name := range i.eng.FunctionNames() {
		total := i.eng.Counters(name)
		prev := i.lastCounters[name]
		i.lastCounters[name] = total
		if len(listeners) == 0 {
			continue
		}
		event := FunctionStatsEvent{
			Function: name,
			Counters: engine.Counters{
				Invocations: total.Invocations - prev.Invocations,
				Completed:   total.Completed - prev.Completed,
				Retries:     total.Retries - prev.Retries,
				Errors:      total.Errors - prev.Errors,
				Instances:   total.Instances,
			},
			Stats: i.eng.Stats(name),
		}
		for _, l := range listeners {
			l(event)
		}
	}
	i.eng.ResetDeltas()
}

// FunctionSnapshot is one function's current counters and latency
// statistics, as exposed by Instance.Snapshot for a debug dashboard or
// /stats endpoint. Unlike FunctionStatsEvent the counters are running
// totals; the latency statistics are the same series the stats tick
// resets, so they cover only the time since the last tick.
type FunctionSnapshot struct {
	Function string
	Counters engine.Counters
	Stats    engine.Stats
}

// Snapshot returns the current counters and statistics for every function
// the engine has seen a call for, in no particular order.
func (i *Instance) Snapshot() []FunctionSnapshot {
	names := i.eng.FunctionNames()
	out := make([]FunctionSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, FunctionSnapshot{
			Function: name,
			Counters: i.eng.Counters(name),
			Stats:    i.eng.Stats(name),
		})
	}
	return out
}

// CostEstimate reports the instance's current cost estimate. When a
// CostLedger is configured it reports the remaining budget for every
// function seen so far; otherwise it falls back to the driver's own
// CostEstimate for the aggregate counters.
func (i *Instance) CostEstimate(ctx context.Context) (float64, error) {
	if i.ledger == nil {
		var invocations, completed, errored int64
		for _, name := range i.eng.FunctionNames() {
			c := i.eng.Counters(name)
			invocations += c.Invocations
			completed += c.Completed
			errored += c.Errors
		}
		return i.drv.CostEstimate(i.state, invocations, completed, errored)
	}

	var total int64
	for _, name := range i.eng.FunctionNames() {
		remaining, err := i.ledger.RemainingBudget(ctx, name)
		if err != nil {
			continue
		}
		total += remaining
	}
	return float64(total) / 1e6, nil
}

// Stop implements Instance.stop(): stops accepting new calls and cancels
// every pending one, without tearing down provisioned resources.
func (i *Instance) Stop() {
	i.tickOnce.Do(func() { close(i.stopTick) })
	i.eng.Stop()
	if i.rec != nil {
		if err := i.rec.Drain(context.Background(), 5*time.Second); err != nil {
			i.logger.Warn("lifecycle: reconciler drain timed out", zap.Error(err))
		}
	}
}

// CleanupOptions configures Cleanup.
type CleanupOptions struct {
	// DeleteResources tears down everything Initialize provisioned for
	// this instance. Spec.md §4.8's default is true; use
	// DefaultCleanupOptions for that, and set it false explicitly to stop
	// cleanly while leaving resources up for debugging.
	DeleteResources bool
}

// DefaultCleanupOptions matches spec.md §4.8's cleanup(deleteResources=true)
// default.
func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{DeleteResources: true}
}

// Cleanup implements Instance.cleanup(deleteResources=true): stop, then
// optionally delete this instance's own provisioned resources, then stop
// the garbage collector. Safe to call more than once — stopping the GC
// loop only happens the first time, and the underlying delete only ever
// fires once, but a later call with DeleteResources=true still triggers it
// if an earlier call passed false. That's the intended pattern: call once
// with DeleteResources=false while debugging, then once with true to tear
// down for real.
func (i *Instance) Cleanup(ctx context.Context, opts CleanupOptions) error {
	i.Stop()

	var err error
	if opts.DeleteResources {
		i.deleteOnce.Do(func() {
			err = i.drv.DeleteResources(ctx, i.state)
		})
	}

	i.cleanupOnce.Do(func() {
		if i.gcLoop != nil {
			i.gcLoop.Stop()
		}
	})
	return err
}
