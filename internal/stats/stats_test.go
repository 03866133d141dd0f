package stats_test

import (
	"math"
	"testing"

	"fleetfn/internal/stats"
)

func TestStatisticsMeanAndStdev(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		wantAvg float64
	}{
		{"single sample", []float64{42}, 42},
		{"uniform samples", []float64{10, 10, 10}, 10},
		{"ascending samples", []float64{1, 2, 3, 4, 5}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s stats.Statistics
			for _, v := range tt.samples {
				s.Record(v)
			}
			snap := s.Snapshot()
			if snap.Samples != int64(len(tt.samples)) {
				t.Fatalf("samples = %d, want %d", snap.Samples, len(tt.samples))
			}
			if math.Abs(snap.Mean-tt.wantAvg) > 1e-9 {
				t.Errorf("mean = %v, want %v", snap.Mean, tt.wantAvg)
			}
		})
	}
}

func TestStatisticsMinMax(t *testing.T) {
	var s stats.Statistics
	for _, v := range []float64{5, 1, 9, 3} {
		s.Record(v)
	}
	snap := s.Snapshot()
	if snap.Min != 1 || snap.Max != 9 {
		t.Errorf("min/max = %v/%v, want 1/9", snap.Min, snap.Max)
	}
}

func TestStatisticsReset(t *testing.T) {
	var s stats.Statistics
	s.Record(100)
	s.Reset()
	snap := s.Snapshot()
	if snap.Samples != 0 {
		t.Fatalf("samples after reset = %d, want 0", snap.Samples)
	}
}

func TestDecayingAverageFirstSampleIsExact(t *testing.T) {
	d := stats.NewDecayingAverage(0.3)
	got := d.Update(10)
	if got != 10 {
		t.Fatalf("first update = %v, want 10 (exact seed)", got)
	}
}

func TestDecayingAverageBlendsSubsequentSamples(t *testing.T) {
	d := stats.NewDecayingAverage(0.3)
	d.Update(10)
	got := d.Update(20)
	want := 0.3*20 + 0.7*10
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("second update = %v, want %v", got, want)
	}
}

func TestDecayingAverageValueBeforeAnyUpdate(t *testing.T) {
	d := stats.NewDecayingAverage(0.3)
	if _, ok := d.Value(); ok {
		t.Fatal("expected Value() to report no sample yet")
	}
}
