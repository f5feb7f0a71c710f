package collectors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name       string
	tickErr    error
	tickDelay  time.Duration
	tickCalls  atomic.Int64
	backfilled atomic.Bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Tick(ctx context.Context) error {
	f.tickCalls.Add(1)
	if f.tickDelay > 0 {
		time.Sleep(f.tickDelay)
	}
	return f.tickErr
}

func (f *fakeSource) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	f.backfilled.Store(true)
	return nil
}

func testConfig() Config {
	return Config{FailureThreshold: 3, CooldownPeriod: 50 * time.Millisecond}
}

func TestCollector_LifecycleTransitions(t *testing.T) {
	src := &fakeSource{name: "price"}
	c := New(src, zerolog.Nop(), testConfig())

	assert.Equal(t, StateCreated, c.State())
	require.NoError(t, c.Start())
	assert.Equal(t, StateRunning, c.State())

	require.NoError(t, c.Pause())
	assert.Equal(t, StatePaused, c.State())

	require.NoError(t, c.Resume())
	assert.Equal(t, StateRunning, c.State())

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
}

func TestCollector_PauseFromWrongStateFails(t *testing.T) {
	src := &fakeSource{name: "price"}
	c := New(src, zerolog.Nop(), testConfig())
	err := c.Pause()
	assert.Error(t, err)
}

func TestCollector_TickSkippedWhenNotRunning(t *testing.T) {
	src := &fakeSource{name: "price"}
	c := New(src, zerolog.Nop(), testConfig())

	err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), src.tickCalls.Load())
}

func TestCollector_TickRunsWhenRunning(t *testing.T) {
	src := &fakeSource{name: "price"}
	c := New(src, zerolog.Nop(), testConfig())
	require.NoError(t, c.Start())

	err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.tickCalls.Load())

	status := c.StatusSnapshot()
	assert.Equal(t, int64(1), status.TotalTicks)
	assert.Equal(t, 1, status.ConsecutiveOK)
}

func TestCollector_TickRecordsFailure(t *testing.T) {
	src := &fakeSource{name: "price", tickErr: errors.New("fetch failed")}
	c := New(src, zerolog.Nop(), testConfig())
	require.NoError(t, c.Start())

	err := c.Tick(context.Background())
	assert.Error(t, err)

	status := c.StatusSnapshot()
	assert.Equal(t, int64(1), status.TotalFailures)
	assert.Equal(t, 0, status.ConsecutiveOK)
	assert.Equal(t, "fetch failed", status.LastError)
}

func TestCollector_ConcurrentTickGuardSkipsInFlight(t *testing.T) {
	src := &fakeSource{name: "price", tickDelay: 100 * time.Millisecond}
	c := New(src, zerolog.Nop(), testConfig())
	require.NoError(t, c.Start())

	go c.Tick(context.Background())
	time.Sleep(10 * time.Millisecond)

	err := c.Tick(context.Background())
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(1), src.tickCalls.Load())
}

func TestCollector_CircuitBreakerOpensAfterFailures(t *testing.T) {
	src := &fakeSource{name: "price", tickErr: errors.New("boom")}
	c := New(src, zerolog.Nop(), testConfig())
	require.NoError(t, c.Start())

	for i := 0; i < 3; i++ {
		_ = c.Tick(context.Background())
	}

	status := c.StatusSnapshot()
	assert.Equal(t, "open", status.BreakerState)
	assert.Equal(t, StatePaused, c.State())
}

func TestCollector_Backfill_Delegates(t *testing.T) {
	src := &fakeSource{name: "price"}
	c := New(src, zerolog.Nop(), testConfig())

	err := c.Backfill(context.Background(), time.Now(), time.Now(), []string{"BTC"}, false)
	require.NoError(t, err)
	assert.True(t, src.backfilled.Load())
}
