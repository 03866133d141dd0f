package cost

import "testing"

func TestHoldStructFields(t *testing.T) {
	h := &Hold{
		ID:           1,
		Function:     "resize-image",
		CallID:       "call-1",
		AmountMicros: 500,
		State:        StateHeld,
	}

	if h.State != StateHeld {
		t.Errorf("expected state %q, got %q", StateHeld, h.State)
	}
	if h.AmountMicros != 500 {
		t.Errorf("expected amount 500, got %d", h.AmountMicros)
	}
}

func TestEstimatorCombinesFixedAndVariableCost(t *testing.T) {
	e := Estimator{PricePerInvocationMicros: 10, PricePerGBSecondMicros: 1000}

	got := e.Estimate(5, 2.5)
	want := int64(5*10) + int64(2.5*1000)
	if got != want {
		t.Errorf("Estimate(5, 2.5) = %d, want %d", got, want)
	}
}

func TestEstimatorZeroInvocationsIsZeroFixedCost(t *testing.T) {
	e := Estimator{PricePerInvocationMicros: 10, PricePerGBSecondMicros: 1000}

	got := e.Estimate(0, 0)
	if got != 0 {
		t.Errorf("Estimate(0, 0) = %d, want 0", got)
	}
}
