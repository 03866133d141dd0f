// Package driver defines the ProviderDriver contract (spec.md §6): the
// small boundary between the provider-agnostic invocation engine and
// whatever cloud (or local process) actually runs the function code. Real
// cloud wire-level SDK calls are out of scope; this package only defines
// the interface plus the things every implementation shares (config,
// classification helpers).
package driver

import (
	"context"
	"time"

	"fleetfn/internal/wire"
)

// Mode selects the transport the engine uses to reach the driver.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeHTTPS Mode = "https"
	ModeQueue Mode = "queue"
)

// Config carries the recognized options from spec.md §6. Packager-only
// fields (MemorySize, ChildProcess, PackageJSON, ...) are deliberately
// absent: packaging a deployable archive from a user module is an external
// collaborator this repository does not implement.
type Config struct {
	Concurrency               int
	Mode                      Mode
	Timeout                   time.Duration
	GC                        bool
	RetentionInDays           int
	MaxRetries                int
	SpeculativeRetryThreshold float64
}

// DefaultConfig matches spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:               100,
		Mode:                      ModeAuto,
		Timeout:                   60 * time.Second,
		GC:                        true,
		RetentionInDays:           1,
		MaxRetries:                2,
		SpeculativeRetryThreshold: 3,
	}
}

// PollResult is what pollResponseQueue returns: one long-poll batch plus
// whether the provider signaled the batch was capped (more may be
// immediately available).
type PollResult struct {
	Messages []*wire.ResponseMessage
	IsFull   bool
}

// ControlKind tags a control-plane message sent over publishControl.
type ControlKind string

const ControlStopQueue ControlKind = "stopqueue"

// LogBatch is one batch yielded by PollLogs, ready for the log stitcher.
type LogBatch struct {
	Events []LogEvent `json:"events"`
}

// LogEvent is a single provider log line with the identifying fields the
// stitcher needs to dedup and order it.
type LogEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ProviderDriver is the contract every provider (real cloud or local)
// implements. State is an opaque handle returned by Initialize and threaded
// back through every other call, so one driver value can manage multiple
// independent instances concurrently.
type ProviderDriver interface {
	// Initialize provisions all resources for modulePath and returns a
	// handle. Real cloud drivers would create functions, queues, roles;
	// Initialize is expected to do this provisioning in parallel.
	Initialize(ctx context.Context, modulePath string, cfg Config) (State, error)

	// InvokeSync dispatches call over the synchronous path and blocks for
	// its Return. In pure queue mode this returns (nil, nil) immediately
	// after publishing — the reconciler supplies the eventual Return.
	InvokeSync(ctx context.Context, state State, call *wire.Call) (*wire.Return, error)

	// PublishRequest enqueues call for queued-mode dispatch.
	PublishRequest(ctx context.Context, state State, call *wire.Call) error

	// PollResponseQueue performs a single long-poll batch read.
	PollResponseQueue(ctx context.Context, state State) (PollResult, error)

	// PublishControl sends a control-plane message, e.g. to tell a worker
	// to stop consuming a response queue it no longer owns.
	PublishControl(ctx context.Context, state State, kind ControlKind) error

	// LogURL returns a human-readable URL for inspecting remote logs.
	LogURL(state State) string

	// PollLogs returns the next available batch of log events for the log
	// stitcher to deduplicate and order.
	PollLogs(ctx context.Context, state State) (LogBatch, error)

	// ResponseQueueID returns the identifier the engine embeds in each
	// Call's ResponseQueueID field, or "" if the driver has none (sync-only
	// drivers).
	ResponseQueueID(state State) string

	// DeleteResources idempotently tears down everything Initialize
	// provisioned.
	DeleteResources(ctx context.Context, state State) error

	// CostEstimate is optional; drivers without a cost model return 0, nil.
	CostEstimate(state State, invocations, completed, errored int64) (float64, error)
}

// State is the opaque per-instance handle a driver returns from
// Initialize. Each driver defines its own concrete type satisfying it.
type State interface {
	// InstanceID identifies this provisioned instance for logging.
	InstanceID() string
}
