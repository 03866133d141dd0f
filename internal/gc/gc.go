// Package gc implements the background garbage collector loop (spec.md
// §4.7): on an hourly cron schedule, scan a provider's namespace for
// residual resources older than the configured retention window and tear
// them down through a funnel dedicated to GC, so a slow sweep never starves
// live invocations of the same provider's API quota.
package gc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"fleetfn/internal/cache"
	"fleetfn/internal/driver"
	"fleetfn/internal/funnel"
)

const (
	lastRunCacheKey = "gc/last-run"
	minRunInterval  = time.Hour
	cronSchedule    = "@hourly"
	dedicatedConcurrency = 4
)

// ResourceCandidate is one entry a ResourceLister reports as eligible for
// collection: a provider-defined name plus how long it has existed.
type ResourceCandidate struct {
	Name string
	Age  time.Duration
}

// ResourceLister is implemented by providers that can enumerate their own
// namespace of provisioned resources by a shared name prefix. A driver
// without a multi-instance namespace to scan (the local and mock drivers,
// which each own exactly the one instance they were initialized for) simply
// doesn't implement it, and Collector treats that as "nothing to collect"
// rather than an error.
type ResourceLister interface {
	ListResources(ctx context.Context) ([]ResourceCandidate, error)

	// StateFor deterministically reconstructs the State handle for name,
	// with no side effects, so a candidate found by ListResources can be
	// handed straight to driver.DeleteResources.
	StateFor(name string) driver.State
}

// Collector runs the hourly sweep against one driver.
type Collector struct {
	drv             driver.ProviderDriver
	cache           *cache.Cache
	logger          *zap.Logger
	retentionInDays int

	fn   *funnel.Funnel
	cron *cron.Cron
}

// New returns a Collector. retentionInDays=0 is the spec's explicit,
// dangerous opt-in: it also collects resources that may currently be owned
// by other live processes, and callers should only pass it deliberately.
func New(drv driver.ProviderDriver, ca *cache.Cache, retentionInDays int, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		drv:             drv,
		cache:           ca,
		logger:          logger,
		retentionInDays: retentionInDays,
		fn:              funnel.New(dedicatedConcurrency),
		cron:            cron.New(),
	}
}

// Start schedules the hourly sweep and runs it in the background until Stop
// is called. It does not block, and does not run an initial sweep
// immediately — RunOnce's own cache-backed gate means an eager first run
// from several freshly-started instances would still collapse to one.
func (c *Collector) Start(ctx context.Context) error {
	if c.retentionInDays == 0 {
		c.logger.Warn("gc: retentionInDays=0 also collects resources owned by other live processes")
	}
	_, err := c.cron.AddFunc(cronSchedule, func() {
		if err := c.RunOnce(ctx); err != nil {
			c.logger.Warn("gc: scheduled sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("gc: invalid schedule %q: %w", cronSchedule, err)
	}
	c.cron.Start()
	return nil
}

// Stop waits for any in-flight sweep to finish, then stops the scheduler.
func (c *Collector) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

// RunOnce performs one sweep: list candidates, delete every one at least
// retentionInDays old, and record the run so a sweep requested again within
// the hour (by this process or a sibling sharing the same cache root) is a
// no-op. Returns the first deletion error encountered, if any, after
// attempting every candidate.
func (c *Collector) RunOnce(ctx context.Context) error {
	lister, ok := c.drv.(ResourceLister)
	if !ok {
		return nil
	}

	if c.ranRecently() {
		return nil
	}

	candidates, err := lister.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("gc: list resources: %w", err)
	}

	retention := time.Duration(c.retentionInDays) * 24 * time.Hour

	type deletion struct {
		name string
		fut  *funnel.Future[struct{}]
	}
	var pending []deletion
	for _, cand := range candidates {
		if c.retentionInDays > 0 && cand.Age < retention {
			continue
		}
		name := cand.Name
		fut := funnel.Push(c.fn, func() (struct{}, error) {
			state := lister.StateFor(name)
			if state == nil {
				return struct{}{}, nil
			}
			return struct{}{}, c.drv.DeleteResources(ctx, state)
		})
		pending = append(pending, deletion{name: name, fut: fut})
	}

	var firstErr error
	for _, d := range pending {
		if _, err := d.fut.Wait(ctx); err != nil {
			c.logger.Warn("gc: delete candidate failed", zap.String("name", d.name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	c.recordRan()
	return firstErr
}

func (c *Collector) ranRecently() bool {
	data, found, err := c.cache.Get(lastRunCacheKey)
	if err != nil || !found {
		return false
	}
	var ts int64
	if err := json.Unmarshal(data, &ts); err != nil {
		return false
	}
	return time.Since(time.UnixMilli(ts)) < minRunInterval
}

func (c *Collector) recordRan() {
	data, err := json.Marshal(time.Now().UnixMilli())
	if err != nil {
		return
	}
	if err := c.cache.Set(lastRunCacheKey, data); err != nil {
		c.logger.Warn("gc: failed to record last run", zap.Error(err))
	}
}
