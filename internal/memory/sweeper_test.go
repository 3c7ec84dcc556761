package memory

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/aria/internal/events"
	"github.com/felixgeelhaar/aria/internal/observe"
)

// sweepStore counts Sweep calls and reports a fixed number of affected items.
type sweepStore struct {
	calls    atomic.Int32
	affected int
	err      error
}

func (s *sweepStore) Remember(ctx context.Context, subjectID, text, category string, confidence float64) (string, error) {
	return "", nil
}
func (s *sweepStore) Search(ctx context.Context, subjectID, query string, minConfidence float64, topK int) ([]Item, error) {
	return nil, nil
}
func (s *sweepStore) Reinforce(ctx context.Context, id string) (float64, error) { return 0, nil }
func (s *sweepStore) Decay(ctx context.Context, subjectID string) (int, error)  { return 0, nil }
func (s *sweepStore) Get(ctx context.Context, id string) (*Item, error)         { return nil, ErrNotFound }
func (s *sweepStore) Forget(ctx context.Context, id string) error               { return nil }
func (s *sweepStore) Count(ctx context.Context, subjectID string) (int, error)  { return 0, nil }
func (s *sweepStore) Close() error                                              { return nil }

func (s *sweepStore) Sweep(ctx context.Context) (int, error) {
	s.calls.Add(1)
	return s.affected, s.err
}

func waitForCalls(t *testing.T, store *sweepStore, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.calls.Load() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sweep calls = %d, want >= %d", store.calls.Load(), n)
}

func TestSweeper_RunsImmediatelyAndOnTicks(t *testing.T) {
	store := &sweepStore{}
	s := NewSweeper(store, observe.New(io.Discard, false), 5*time.Millisecond)

	s.Start()
	waitForCalls(t, store, 3)
	s.Stop()

	after := store.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if got := store.calls.Load(); got != after {
		t.Errorf("sweeps continued after Stop: %d -> %d", after, got)
	}
}

func TestSweeper_PublishesWhenItemsAffected(t *testing.T) {
	store := &sweepStore{affected: 4}
	bus := events.NewBus()

	var pruned atomic.Int32
	var lastAffected atomic.Int32
	bus.Subscribe(events.MemoryPruned, func(e events.Event) {
		pruned.Add(1)
		if n, ok := e.Data["affected"].(int); ok {
			lastAffected.Store(int32(n))
		}
	})

	s := NewSweeper(store, observe.New(io.Discard, false), time.Hour)
	s.SetBus(bus)
	s.Start()
	waitForCalls(t, store, 1)
	s.Stop()

	if pruned.Load() == 0 {
		t.Fatal("no memory_pruned event published")
	}
	if got := lastAffected.Load(); got != 4 {
		t.Errorf("affected = %d, want 4", got)
	}
}

func TestSweeper_QuietPassPublishesNothing(t *testing.T) {
	store := &sweepStore{affected: 0}
	bus := events.NewBus()

	var pruned atomic.Int32
	bus.Subscribe(events.MemoryPruned, func(e events.Event) { pruned.Add(1) })

	s := NewSweeper(store, observe.New(io.Discard, false), time.Hour)
	s.SetBus(bus)
	s.Start()
	waitForCalls(t, store, 1)
	s.Stop()

	if pruned.Load() != 0 {
		t.Errorf("memory_pruned published on a pass that affected nothing")
	}
}

func TestSweeper_SurvivesStoreErrors(t *testing.T) {
	store := &sweepStore{err: ErrUnavailable}
	s := NewSweeper(store, observe.New(io.Discard, false), 5*time.Millisecond)

	s.Start()
	waitForCalls(t, store, 2)
	s.Stop()
}
