// Package scheduler drives each collector on its own configurable cadence:
// one goroutine per collector, ticking at last_tick_start + cadence to
// avoid drift, with a startup jitter so nine collectors don't all fire in
// the same instant, a manual Trigger for the control plane, and graceful
// shutdown with a bounded grace period.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/collectors"
)

const shutdownGracePeriod = 45 * time.Second

// Entry pairs a Collector with its configured cadence.
type Entry struct {
	Collector *collectors.Collector
	Cadence   time.Duration
}

// Scheduler runs one ticking goroutine per registered collector.
type Scheduler struct {
	log     zerolog.Logger
	entries map[string]*Entry

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool

	trigger map[string]chan struct{}
}

// New constructs a Scheduler with no entries registered yet.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:     log.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]*Entry),
		trigger: make(map[string]chan struct{}),
		stop:    make(chan struct{}),
	}
}

// Register adds a collector to the scheduler. Must be called before Start.
func (s *Scheduler) Register(c *collectors.Collector, cadence time.Duration) {
	s.entries[c.Name()] = &Entry{Collector: c, Cadence: cadence}
	s.trigger[c.Name()] = make(chan struct{}, 1)
}

// Start launches one goroutine per registered collector. Each goroutine
// waits a random jitter (up to 10% of its cadence) before the first tick,
// then ticks at fixed cadence intervals measured from each tick's start
// time rather than its completion time, so a slow tick doesn't push
// subsequent ticks later than scheduled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true

	for name, entry := range s.entries {
		if err := entry.Collector.Start(); err != nil {
			return fmt.Errorf("scheduler: start %s: %w", name, err)
		}

		s.wg.Add(1)
		go s.run(ctx, name, entry)
	}

	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, entry *Entry) {
	defer s.wg.Done()

	jitter := time.Duration(rand.Int63n(int64(entry.Cadence) / 10))
	select {
	case <-time.After(jitter):
	case <-s.stop:
		return
	case <-ctx.Done():
		return
	}

	for {
		tickStart := time.Now()

		if err := entry.Collector.Tick(ctx); err != nil {
			s.log.Error().Err(err).Str("collector", name).Msg("scheduled tick failed")
		}

		elapsed := time.Since(tickStart)
		wait := entry.Cadence - elapsed
		if wait < 0 {
			wait = 0
		}

		select {
		case <-time.After(wait):
		case <-s.trigger[name]:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Trigger fires an immediate out-of-band tick for the named collector,
// bypassing the cadence wait.
func (s *Scheduler) Trigger(name string) error {
	ch, ok := s.trigger[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown collector %s", name)
	}
	select {
	case ch <- struct{}{}:
	default:
		// a trigger is already pending; this one is a no-op
	}
	return nil
}

// Backfill runs a bounded backfill against the named collector outside
// the normal cadence loop, so it doesn't compete with scheduled ticks for
// the concurrency=1 guard.
func (s *Scheduler) Backfill(ctx context.Context, name string, from, to time.Time, symbols []string, force bool) error {
	entry, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown collector %s", name)
	}
	return entry.Collector.Backfill(ctx, from, to, symbols, force)
}

// Stop signals every collector goroutine to exit and waits up to
// shutdownGracePeriod for them to finish their current tick.
func (s *Scheduler) Stop() {
	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		s.log.Warn().Msg("scheduler shutdown grace period exceeded, proceeding anyway")
	}

	for _, entry := range s.entries {
		entry.Collector.Stop()
	}
}

// Collector looks up a registered collector by name, for use by the
// control plane's per-collector start/stop/restart handlers.
func (s *Scheduler) Collector(name string) (*collectors.Collector, bool) {
	entry, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return entry.Collector, true
}

// Collectors returns every registered collector.
func (s *Scheduler) Collectors() []*collectors.Collector {
	out := make([]*collectors.Collector, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.Collector)
	}
	return out
}
