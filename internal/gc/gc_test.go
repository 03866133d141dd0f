package gc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetfn/internal/cache"
	"fleetfn/internal/driver"
	"fleetfn/internal/gc"
)

type fakeState string

func (f fakeState) InstanceID() string { return string(f) }

type listingDriver struct {
	driver.ProviderDriver

	mu        sync.Mutex
	deleted   []string
	deleteErr map[string]error
	candidates []gc.ResourceCandidate
}

func (d *listingDriver) ListResources(ctx context.Context) ([]gc.ResourceCandidate, error) {
	return d.candidates, nil
}

func (d *listingDriver) StateFor(name string) driver.State {
	return fakeState(name)
}

func (d *listingDriver) DeleteResources(ctx context.Context, s driver.State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := s.InstanceID()
	d.deleted = append(d.deleted, name)
	if d.deleteErr != nil {
		return d.deleteErr[name]
	}
	return nil
}

// plainDriver implements ProviderDriver with no resource-listing ability,
// the shape the local and mock drivers actually have.
type plainDriver struct {
	driver.ProviderDriver
}

func TestRunOnceSkipsCandidatesYoungerThanRetention(t *testing.T) {
	drv := &listingDriver{candidates: []gc.ResourceCandidate{
		{Name: "fleetfn-old", Age: 48 * time.Hour},
		{Name: "fleetfn-new", Age: time.Hour},
	}}
	c := cache.New(t.TempDir(), time.Hour)
	collector := gc.New(drv, c, 1, nil)

	if err := collector.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	drv.mu.Lock()
	defer drv.mu.Unlock()
	if len(drv.deleted) != 1 || drv.deleted[0] != "fleetfn-old" {
		t.Fatalf("expected only fleetfn-old deleted, got %v", drv.deleted)
	}
}

func TestRunOnceIsANoOpWithinAnHourOfItsLastRun(t *testing.T) {
	drv := &listingDriver{candidates: []gc.ResourceCandidate{{Name: "fleetfn-old", Age: 48 * time.Hour}}}
	c := cache.New(t.TempDir(), time.Hour)
	collector := gc.New(drv, c, 1, nil)

	if err := collector.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	if err := collector.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	drv.mu.Lock()
	defer drv.mu.Unlock()
	if len(drv.deleted) != 1 {
		t.Fatalf("expected the second sweep to be a no-op, got %v", drv.deleted)
	}
}

func TestRunOnceZeroRetentionCollectsEverything(t *testing.T) {
	drv := &listingDriver{candidates: []gc.ResourceCandidate{
		{Name: "fleetfn-a", Age: time.Minute},
		{Name: "fleetfn-b", Age: 0},
	}}
	c := cache.New(t.TempDir(), time.Hour)
	collector := gc.New(drv, c, 0, nil)

	if err := collector.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	drv.mu.Lock()
	defer drv.mu.Unlock()
	if len(drv.deleted) != 2 {
		t.Fatalf("expected both candidates deleted with retentionInDays=0, got %v", drv.deleted)
	}
}

func TestRunOnceReturnsFirstDeleteErrorButAttemptsAll(t *testing.T) {
	drv := &listingDriver{
		candidates: []gc.ResourceCandidate{
			{Name: "fleetfn-a", Age: 48 * time.Hour},
			{Name: "fleetfn-b", Age: 48 * time.Hour},
		},
		deleteErr: map[string]error{"fleetfn-a": errors.New("boom")},
	}
	c := cache.New(t.TempDir(), time.Hour)
	collector := gc.New(drv, c, 1, nil)

	err := collector.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}

	drv.mu.Lock()
	defer drv.mu.Unlock()
	if len(drv.deleted) != 2 {
		t.Fatalf("expected both candidates attempted despite one failing, got %v", drv.deleted)
	}
}

func TestRunOnceWithoutResourceListerIsANoOp(t *testing.T) {
	c := cache.New(t.TempDir(), time.Hour)
	collector := gc.New(&plainDriver{}, c, 1, nil)

	if err := collector.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}
