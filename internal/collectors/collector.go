// Package collectors implements the nine periodic collectors and the
// generic template they all share: lifecycle management, a
// concurrency=1 guard per collector, and a circuit breaker that opens
// after repeated tick failures.
package collectors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// State is a collector's lifecycle state.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source is the unit of work a concrete collector implements: one fetch
// cycle ("tick") against its data provider, and a historical backfill over
// an explicit range.
type Source interface {
	Name() string
	Tick(ctx context.Context) error
	Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error
}

// Collector wraps a Source with lifecycle state, a concurrency=1 guard,
// and a circuit breaker, matching the shared behavior every one of the
// nine collectors needs.
type Collector struct {
	source Source
	log    zerolog.Logger

	state   atomic.Int32
	inFlight atomic.Bool

	breaker *gobreaker.CircuitBreaker

	mu            sync.Mutex
	lastTickAt    time.Time
	lastErr       error
	consecutiveOK int
	totalTicks    int64
	totalFailures int64
}

// Config configures a Collector's circuit breaker.
type Config struct {
	FailureThreshold uint32
	CooldownPeriod   time.Duration
}

// New wraps source in a Collector using cfg for circuit-breaker tuning.
func New(source Source, log zerolog.Logger, cfg Config) *Collector {
	c := &Collector{
		source: source,
		log:    log.With().Str("collector", source.Name()).Logger(),
	}
	c.state.Store(int32(StateCreated))

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    source.Name(),
		Timeout: cfg.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			switch to {
			case gobreaker.StateOpen:
				// Repeated failures tripped the breaker: pause the
				// collector so the scheduler stops ticking it until the
				// breaker lets a probe through again.
				c.state.CompareAndSwap(int32(StateRunning), int32(StatePaused))
			case gobreaker.StateHalfOpen:
				// The cooldown has elapsed: resume so the next tick runs
				// as the breaker's probe.
				c.state.CompareAndSwap(int32(StatePaused), int32(StateRunning))
			case gobreaker.StateClosed:
				c.state.CompareAndSwap(int32(StatePaused), int32(StateRunning))
			}
		},
	})

	return c
}

// Name returns the wrapped source's name.
func (c *Collector) Name() string { return c.source.Name() }

// State returns the collector's current lifecycle state.
func (c *Collector) State() State { return State(c.state.Load()) }

// Start transitions the collector from Created/Stopped into Running. It
// does not itself start any ticker — the scheduler owns cadence.
func (c *Collector) Start() error {
	switch c.State() {
	case StateCreated, StateStopped, StatePaused:
		c.state.Store(int32(StateStarting))
		c.state.Store(int32(StateRunning))
		return nil
	default:
		return fmt.Errorf("collector %s: cannot start from state %s", c.Name(), c.State())
	}
}

// Pause transitions Running -> Paused; the scheduler skips ticks for a
// paused collector.
func (c *Collector) Pause() error {
	if c.State() != StateRunning {
		return fmt.Errorf("collector %s: cannot pause from state %s", c.Name(), c.State())
	}
	c.state.Store(int32(StatePaused))
	return nil
}

// Resume transitions Paused -> Running.
func (c *Collector) Resume() error {
	if c.State() != StatePaused {
		return fmt.Errorf("collector %s: cannot resume from state %s", c.Name(), c.State())
	}
	c.state.Store(int32(StateRunning))
	return nil
}

// Stop transitions the collector into Stopping then Stopped. Callers
// should ensure no tick is in flight before relying on Stopped meaning
// quiescent; the scheduler's graceful-shutdown grace period handles this.
func (c *Collector) Stop() {
	c.state.Store(int32(StateStopping))
	c.state.Store(int32(StateStopped))
}

// Tick runs one fetch cycle if no tick is already in flight for this
// collector and the circuit breaker is not open. Returns immediately
// (without error) if skipped for either reason — that is not a failure,
// it is the concurrency=1 guard and breaker doing their job.
func (c *Collector) Tick(ctx context.Context) error {
	if c.State() == StatePaused {
		// Reading the breaker's state moves an open breaker whose cooldown
		// has elapsed to half-open, which resumes the collector.
		c.breaker.State()
	}
	if c.State() != StateRunning {
		return nil
	}

	if !c.inFlight.CompareAndSwap(false, true) {
		c.log.Debug().Msg("tick skipped: previous tick still in flight")
		return nil
	}
	defer c.inFlight.Store(false)

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.source.Tick(ctx)
	})

	c.mu.Lock()
	c.lastTickAt = time.Now()
	c.lastErr = err
	c.totalTicks++
	if err != nil {
		c.totalFailures++
		c.consecutiveOK = 0
	} else {
		c.consecutiveOK++
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error().Err(err).Msg("tick failed")
	}
	return err
}

// Backfill delegates to the wrapped source on the caller's goroutine (see
// scheduler.Backfill); it is not subject to the in-flight tick guard, so a
// backfill can run while a scheduled tick is in flight.
func (c *Collector) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	return c.source.Backfill(ctx, from, to, symbols, force)
}

// completenessAtLeast reports whether table already has a (symbol, date,
// hour) row whose data_completeness_percentage meets threshold. The six
// collectors keyed by (symbol, date, hour) — ohlc, onchain, technical,
// derivatives, market and sentiment — use it to make force=false backfills skip keys
// that don't need overwriting, per the collector template's
// min_completeness_to_overwrite rule.
func completenessAtLeast(ctx context.Context, db *sqlx.DB, table, symbol string, date time.Time, hour int, threshold float64) (bool, error) {
	var pct float64
	query := `SELECT data_completeness_percentage FROM ` + table + ` WHERE symbol = $1 AND date = $2 AND hour = $3`
	err := db.GetContext(ctx, &pct, query, symbol, date, hour)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("completeness check %s: %w", table, err)
	}
	return pct >= threshold, nil
}

// Status is a snapshot of the collector's health for /status and
// /circuit-breaker-status.
type Status struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	LastTickAt       time.Time `json:"last_tick_at"`
	LastError        string    `json:"last_error,omitempty"`
	ConsecutiveOK    int       `json:"consecutive_ok"`
	TotalTicks       int64     `json:"total_ticks"`
	TotalFailures    int64     `json:"total_failures"`
	BreakerState     string    `json:"breaker_state"`
}

// StatusSnapshot returns the collector's current status.
func (c *Collector) StatusSnapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Name:          c.Name(),
		State:         c.State().String(),
		LastTickAt:    c.lastTickAt,
		ConsecutiveOK: c.consecutiveOK,
		TotalTicks:    c.totalTicks,
		TotalFailures: c.totalFailures,
		BreakerState:  c.breaker.State().String(),
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}
