// Package placeholder implements the Placeholder Manager: for every
// domain table and every key the system expects to eventually populate,
// it ensures a skeleton row exists ahead of the real write — so a
// collector that hasn't reached a symbol yet, or a symbol with no data
// for a given bucket, still has a row the materialized updater can join
// against instead of silently missing it. It also detects buckets whose
// completeness has stalled below threshold.
package placeholder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/registry"
)

const gapCompletenessThreshold = 10.0 // percent

// Domain identifies one of the domain tables a collector writes to.
// EnsurePlaceholders is parameterized by Domain so every collector can
// call it for its own key-range at the start of a tick, and so the
// hourly sweep can cover all nine.
type Domain string

const (
	DomainPrice       Domain = "price"
	DomainOHLC        Domain = "ohlc"
	DomainOnchain     Domain = "onchain"
	DomainMacro       Domain = "macro"
	DomainNews        Domain = "news"
	DomainTechnical   Domain = "technical"
	DomainSentiment   Domain = "sentiment"
	DomainDerivatives Domain = "derivatives"
	DomainMarket      Domain = "market"
	DomainFeatures    Domain = "features"
)

// domainSpec describes how to insert one placeholder row for a domain:
// the prepared statement, and how to turn a key ("BTC", a FRED series
// id, ...) plus a reference instant into that statement's arguments.
type domainSpec struct {
	insertSQL string
	args      func(key string, at time.Time) ([]interface{}, error)
}

func hourBucketArgs(key string, at time.Time) ([]interface{}, error) {
	return []interface{}{key, at.Truncate(24 * time.Hour), at.Hour()}, nil
}

var domainSpecs = map[Domain]domainSpec{
	DomainPrice: {
		insertSQL: `
			INSERT INTO price_snapshots (symbol, ts, data_source, data_completeness_percentage)
			VALUES ($1, $2, 'placeholder', 0)
			ON CONFLICT (symbol, ts, data_source) DO NOTHING
		`,
		args: func(key string, at time.Time) ([]interface{}, error) {
			return []interface{}{key, at.Truncate(time.Hour)}, nil
		},
	},
	DomainOHLC: {
		insertSQL: `
			INSERT INTO ohlc_bars (symbol, date, hour, data_source, data_completeness_percentage)
			VALUES ($1, $2, $3, 'placeholder', 0)
			ON CONFLICT (symbol, date, hour) DO NOTHING
		`,
		args: hourBucketArgs,
	},
	DomainOnchain: {
		insertSQL: `
			INSERT INTO onchain_data (symbol, date, hour, data_source, data_completeness_percentage)
			VALUES ($1, $2, $3, 'placeholder', 0)
			ON CONFLICT (symbol, date, hour) DO NOTHING
		`,
		args: hourBucketArgs,
	},
	DomainTechnical: {
		insertSQL: `
			INSERT INTO technical_indicators (symbol, date, hour, data_source, data_completeness_percentage)
			VALUES ($1, $2, $3, 'placeholder', 0)
			ON CONFLICT (symbol, date, hour) DO NOTHING
		`,
		args: hourBucketArgs,
	},
	DomainSentiment: {
		insertSQL: `
			INSERT INTO sentiment_aggregates (symbol, date, hour, data_source, data_completeness_percentage)
			VALUES ($1, $2, $3, 'placeholder', 0)
			ON CONFLICT (symbol, date, hour) DO NOTHING
		`,
		args: hourBucketArgs,
	},
	DomainDerivatives: {
		insertSQL: `
			INSERT INTO derivatives_data (symbol, date, hour, data_source, data_completeness_percentage)
			VALUES ($1, $2, $3, 'placeholder', 0)
			ON CONFLICT (symbol, date, hour) DO NOTHING
		`,
		args: hourBucketArgs,
	},
	DomainMarket: {
		insertSQL: `
			INSERT INTO market_data (symbol, date, hour, data_source, data_completeness_percentage)
			VALUES ($1, $2, $3, 'placeholder', 0)
			ON CONFLICT (symbol, date, hour) DO NOTHING
		`,
		args: hourBucketArgs,
	},
	DomainMacro: {
		insertSQL: `
			INSERT INTO macro_series (series_id, date, data_source, data_completeness_percentage)
			VALUES ($1, $2, 'placeholder', 0)
			ON CONFLICT (series_id, date) DO NOTHING
		`,
		args: func(key string, at time.Time) ([]interface{}, error) {
			return []interface{}{key, at.Truncate(24 * time.Hour)}, nil
		},
	},
	// news_articles' natural key is a provider-native article id, not a
	// (symbol, date, hour) tuple. A placeholder stands for "no article
	// seen yet for this symbol's bucket": it synthesizes a deterministic
	// id from the symbol and bucket so repeat calls are idempotent via
	// the same ON CONFLICT DO NOTHING every other domain uses, and a
	// real article landing later is simply a different row (its own
	// provider id) rather than a replacement of this one.
	DomainNews: {
		insertSQL: `
			INSERT INTO news_articles (id, symbols, published_at, data_source, data_completeness_percentage)
			VALUES ($1, $2, $3, 'placeholder', 0)
			ON CONFLICT (id) DO NOTHING
		`,
		args: func(key string, at time.Time) ([]interface{}, error) {
			bucket := at.Truncate(24 * time.Hour)
			id := fmt.Sprintf("placeholder:%s:%s:%d", key, bucket.Format("2006-01-02"), at.Hour())
			symbolsJSON, err := json.Marshal([]string{key})
			if err != nil {
				return nil, err
			}
			return []interface{}{id, symbolsJSON, bucket.Add(time.Duration(at.Hour()) * time.Hour)}, nil
		},
	},
	DomainFeatures: {
		insertSQL: `
			INSERT INTO ml_features_materialized (symbol, date, hour, data_completeness_percentage, materialized_at)
			VALUES ($1, $2, $3, 0, now())
			ON CONFLICT (symbol, date, hour) DO NOTHING
		`,
		args: hourBucketArgs,
	},
}

// Manager is the Placeholder Manager.
type Manager struct {
	db             *sqlx.DB
	registry       *registry.Registry
	macroSeriesIDs []string
	log            zerolog.Logger
	cron           *cron.Cron
	sweepExpr      string
}

// New constructs a Manager. sweepExpr is a standard cron expression (the
// teacher's hourly-sweep default is "@hourly"). macroSeriesIDs is the
// fixed set of FRED-shaped series broadcast to every symbol, since
// macro_series is keyed by series id rather than by symbol.
func New(db *sqlx.DB, reg *registry.Registry, macroSeriesIDs []string, log zerolog.Logger, sweepExpr string) *Manager {
	return &Manager{
		db:             db,
		registry:       reg,
		macroSeriesIDs: macroSeriesIDs,
		log:            log.With().Str("component", "placeholder").Logger(),
		cron:           cron.New(),
		sweepExpr:      sweepExpr,
	}
}

// Start schedules the hourly sweep across every domain and returns once
// the cron job is registered. The first sweep runs at the next cron
// boundary, not immediately — callers that want immediate coverage
// should have their collectors call EnsurePlaceholders on their own
// first tick (see internal/collectors).
func (m *Manager) Start(ctx context.Context) error {
	_, err := m.cron.AddFunc(m.sweepExpr, func() {
		if err := m.SweepAll(ctx, time.Now().UTC()); err != nil {
			m.log.Error().Err(err).Msg("placeholder sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("placeholder: schedule sweep: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the scheduled sweep.
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

var symbolKeyedDomains = []Domain{
	DomainPrice, DomainOHLC, DomainOnchain, DomainTechnical,
	DomainSentiment, DomainDerivatives, DomainMarket, DomainNews, DomainFeatures,
}

// SweepAll ensures placeholders exist in every domain for the bucket
// containing at, across every active symbol (and every configured macro
// series). It is the hourly backstop behind the per-collector calls;
// both are safe to call repeatedly.
func (m *Manager) SweepAll(ctx context.Context, at time.Time) error {
	symbols, err := m.registry.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("placeholder: active symbols: %w", err)
	}

	for _, domain := range symbolKeyedDomains {
		if err := m.EnsurePlaceholders(ctx, domain, symbols, at); err != nil {
			return err
		}
	}
	if err := m.EnsurePlaceholders(ctx, DomainMacro, m.macroSeriesIDs, at); err != nil {
		return err
	}

	m.log.Debug().Int("symbols", len(symbols)).Time("at", at).Msg("placeholder sweep complete")
	return nil
}

// EnsurePlaceholders inserts a skeleton row in domain's table for every
// key in keys, for the (date, hour) bucket (or day, for macro) containing
// at. It is safe to call repeatedly: duplicate inserts are no-ops via
// ON CONFLICT DO NOTHING, so a collector can call this unconditionally at
// the start of every tick for its own domain and key-range.
func (m *Manager) EnsurePlaceholders(ctx context.Context, domain Domain, keys []string, at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	spec, ok := domainSpecs[domain]
	if !ok {
		return fmt.Errorf("placeholder: unknown domain %q", domain)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("placeholder: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, spec.insertSQL)
	if err != nil {
		return fmt.Errorf("placeholder: prepare %s: %w", domain, err)
	}
	defer stmt.Close()

	for _, key := range keys {
		args, err := spec.args(key, at)
		if err != nil {
			return fmt.Errorf("placeholder: build args %s/%s: %w", domain, key, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("placeholder: insert %s/%s: %w", domain, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("placeholder: commit %s: %w", domain, err)
	}

	m.log.Debug().Str("domain", string(domain)).Int("keys", len(keys)).Time("at", at).Msg("placeholders ensured")
	return nil
}

// Gap describes a (symbol, date, hour) bucket whose completeness has
// stalled below threshold, read from ml_features_materialized.
type Gap struct {
	Symbol       string    `db:"symbol"`
	Date         time.Time `db:"date"`
	Hour         int       `db:"hour"`
	Completeness float64   `db:"data_completeness_percentage"`
}

// DetectGaps returns buckets within [from, to] whose completeness is below
// the gap threshold, for surfacing via /data-quality.
func (m *Manager) DetectGaps(ctx context.Context, from, to time.Time) ([]Gap, error) {
	var gaps []Gap
	err := m.db.SelectContext(ctx, &gaps, `
		SELECT symbol, date, hour, data_completeness_percentage
		FROM ml_features_materialized
		WHERE date BETWEEN $1 AND $2 AND data_completeness_percentage < $3
		ORDER BY date, hour, symbol
	`, from.Truncate(24*time.Hour), to.Truncate(24*time.Hour), gapCompletenessThreshold)
	if err != nil {
		return nil, fmt.Errorf("placeholder: detect gaps: %w", err)
	}
	return gaps, nil
}

// CompletenessSummary aggregates completeness stats for [from, to], as
// reported by the control plane's /api/data-quality endpoint.
type CompletenessSummary struct {
	TotalBuckets    int     `db:"total_buckets"`
	GapBuckets      int     `db:"gap_buckets"`
	AverageComplete float64 `db:"average_completeness"`
}

// Summarize computes a CompletenessSummary for [from, to].
func (m *Manager) Summarize(ctx context.Context, from, to time.Time) (CompletenessSummary, error) {
	var s CompletenessSummary
	err := m.db.GetContext(ctx, &s, `
		SELECT
			count(*) AS total_buckets,
			count(*) FILTER (WHERE data_completeness_percentage < $3) AS gap_buckets,
			coalesce(avg(data_completeness_percentage), 0) AS average_completeness
		FROM ml_features_materialized
		WHERE date BETWEEN $1 AND $2
	`, from.Truncate(24*time.Hour), to.Truncate(24*time.Hour), gapCompletenessThreshold)
	if err != nil {
		return CompletenessSummary{}, fmt.Errorf("placeholder: summarize: %w", err)
	}
	return s, nil
}
