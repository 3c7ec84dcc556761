package memory

import (
	"context"
	"time"

	"github.com/felixgeelhaar/aria/internal/events"
	"github.com/felixgeelhaar/aria/internal/observe"
)

// DefaultSweepInterval is how often the maintenance pass runs.
const DefaultSweepInterval = time.Hour

// Sweeper periodically runs the store's maintenance pass: decay, pruning and
// deletion of items past the grace period.
type Sweeper struct {
	store    Store
	obs      *observe.Observer
	bus      *events.Bus
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(store Store, obs *observe.Observer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		obs:      obs,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetBus attaches an event bus; passes that prune or delete items then
// publish a memory_pruned event. Call before Start.
func (s *Sweeper) SetBus(bus *events.Bus) {
	s.bus = bus
}

// Start launches the background loop. A pass runs immediately, then on every
// tick until Stop is called.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the loop and waits for any pass in flight to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ctx, span := s.obs.StartSpan(ctx, "memory.sweep")
	defer span.End()

	affected, err := s.store.Sweep(ctx)
	if err != nil {
		s.obs.Log().Warn().Err(err).Msg("memory sweep failed")
		return
	}
	if affected > 0 {
		s.obs.Log().Info().Int("affected", affected).Msg("memory sweep complete")
		if s.bus != nil {
			s.bus.PublishWithData(events.MemoryPruned, "", "", map[string]interface{}{
				"affected": affected,
			})
		}
	}
}
