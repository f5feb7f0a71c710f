package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptodata/platform/internal/collectors"
)

type fakeSource struct {
	name  string
	ticks atomic.Int64
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Tick(ctx context.Context) error {
	f.ticks.Add(1)
	return nil
}

func (f *fakeSource) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	return nil
}

func newTestCollector(name string) (*collectors.Collector, *fakeSource) {
	src := &fakeSource{name: name}
	c := collectors.New(src, zerolog.Nop(), collectors.Config{FailureThreshold: 3, CooldownPeriod: time.Second})
	return c, src
}

func TestScheduler_TriggerUnknownCollectorErrors(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Trigger("nonexistent")
	assert.Error(t, err)
}

func TestScheduler_BackfillUnknownCollectorErrors(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Backfill(context.Background(), "nonexistent", time.Now(), time.Now(), nil, false)
	assert.Error(t, err)
}

func TestScheduler_RegisterAndLookup(t *testing.T) {
	s := New(zerolog.Nop())
	c, _ := newTestCollector("price")
	s.Register(c, 100*time.Millisecond)

	found, ok := s.Collector("price")
	assert.True(t, ok)
	assert.Equal(t, c, found)
	assert.Len(t, s.Collectors(), 1)
}

func TestScheduler_StartTicksAndStop(t *testing.T) {
	s := New(zerolog.Nop())
	c, src := newTestCollector("price")
	s.Register(c, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, collectors.StateRunning, c.State())

	time.Sleep(120 * time.Millisecond)
	assert.GreaterOrEqual(t, src.ticks.Load(), int64(1))

	s.Stop()
	assert.Equal(t, collectors.StateStopped, c.State())
}

func TestScheduler_StartTwiceErrors(t *testing.T) {
	s := New(zerolog.Nop())
	c, _ := newTestCollector("price")
	s.Register(c, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	err := s.Start(ctx)
	assert.Error(t, err)

	s.Stop()
}
