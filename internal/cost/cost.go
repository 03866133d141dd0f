// Package cost implements cost estimation as a first-class operation (the
// original faast.js-style implementation's price-catalog lookup, dropped
// by spec.md's distillation but restored here per SPEC_FULL.md §4): a
// Postgres-backed credit ledger with the same hold/capture/release
// three-state dance the teacher's billing package uses for SMS credits,
// applied instead to a per-call cost estimate.
package cost

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"fleetfn/internal/db"
)

// State of one held amount, mirroring the teacher's CreditLock states.
type State string

const (
	StateHeld      State = "HELD"
	StateCaptured  State = "CAPTURED"
	StateReleased  State = "RELEASED"
)

// Hold is one ledger entry: an amount of estimated cost reserved against a
// function's budget at invoke time, resolved to either Captured (the call
// completed and the cost is real) or Released (the call failed or was
// retried, and the estimate should not count).
type Hold struct {
	ID         int64
	Function   string
	CallID     string
	AmountMicros int64
	State      State
}

// Ledger tracks estimated and realized cost against a Postgres-backed
// budget, the way the teacher's billing.Service tracks client credit.
type Ledger struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

// NewLedger returns a Ledger. A nil logger is replaced with a no-op one.
func NewLedger(database *db.PostgresDB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: database, logger: logger}
}

// HoldEstimate reserves amountMicros (estimated $-micros) against function's
// budget for callID, returning the held entry. Insufficient budget returns
// an error; the caller should treat this as non-retryable.
func (l *Ledger) HoldEstimate(ctx context.Context, function, callID string, amountMicros int64) (*Hold, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cost: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE function_budgets SET remaining_micros = remaining_micros - $1
		 WHERE function = $2 AND remaining_micros >= $1`,
		amountMicros, function)
	if err != nil {
		return nil, fmt.Errorf("cost: debit budget: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("cost: insufficient budget for function %q", function)
	}

	var hold Hold
	err = tx.QueryRowContext(ctx,
		`INSERT INTO cost_holds (function, call_id, amount_micros, state)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		function, callID, amountMicros, StateHeld).Scan(&hold.ID)
	if err != nil {
		return nil, fmt.Errorf("cost: insert hold: %w", err)
	}
	hold.Function, hold.CallID, hold.AmountMicros, hold.State = function, callID, amountMicros, StateHeld

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cost: commit hold: %w", err)
	}
	l.logger.Debug("cost: held estimate", zap.String("function", function), zap.String("call_id", callID), zap.Int64("amount_micros", amountMicros))
	return &hold, nil
}

// Capture marks callID's held estimate realized after a successful
// completion. No-op if nothing is held for callID.
func (l *Ledger) Capture(ctx context.Context, callID string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE cost_holds SET state = $1 WHERE call_id = $2 AND state = $3`,
		StateCaptured, callID, StateHeld)
	if err != nil {
		return fmt.Errorf("cost: capture: %w", err)
	}
	return nil
}

// Release returns callID's held estimate to its function's budget after a
// failed or retried call, the mirror of Capture.
func (l *Ledger) Release(ctx context.Context, callID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cost: begin tx: %w", err)
	}
	defer tx.Rollback()

	var hold Hold
	err = tx.QueryRowContext(ctx,
		`SELECT id, function, amount_micros FROM cost_holds WHERE call_id = $1 AND state = $2`,
		callID, StateHeld).Scan(&hold.ID, &hold.Function, &hold.AmountMicros)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cost: lookup hold: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE function_budgets SET remaining_micros = remaining_micros + $1 WHERE function = $2`,
		hold.AmountMicros, hold.Function); err != nil {
		return fmt.Errorf("cost: credit budget: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE cost_holds SET state = $1 WHERE id = $2`, StateReleased, hold.ID); err != nil {
		return fmt.Errorf("cost: mark released: %w", err)
	}
	return tx.Commit()
}

// RemainingBudget returns function's remaining budget in $-micros.
func (l *Ledger) RemainingBudget(ctx context.Context, function string) (int64, error) {
	var micros int64
	err := l.db.QueryRowContext(ctx,
		`SELECT remaining_micros FROM function_budgets WHERE function = $1`, function).Scan(&micros)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("cost: no budget configured for function %q", function)
	}
	return micros, err
}

// Estimator computes the $-micros estimate itself from counters, the way
// the original implementation's memoized price-catalog lookup feeds its
// costEstimate() breakdown. pricePerInvocationMicros and pricePerGBSecondMicros
// are the provider's published rates; estimatedGBSeconds approximates
// memory*duration for the amortized compute charge.
type Estimator struct {
	PricePerInvocationMicros int64
	PricePerGBSecondMicros   int64
}

// Estimate returns the amortized $-micros cost of invocations calls that
// together are estimated to use estimatedGBSeconds GB-seconds in total.
func (e Estimator) Estimate(invocations int64, estimatedGBSeconds float64) int64 {
	fixed := invocations * e.PricePerInvocationMicros
	variable := int64(estimatedGBSeconds * float64(e.PricePerGBSecondMicros))
	return fixed + variable
}

// DefaultEstimator returns a modest per-invocation and per-GB-second price
// in the same ballpark as a typical FaaS provider's published rate, used
// when a caller wires a Ledger without supplying its own pricing.
func DefaultEstimator() Estimator {
	return Estimator{PricePerInvocationMicros: 20, PricePerGBSecondMicros: 16667}
}
