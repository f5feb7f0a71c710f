package collectors

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/models"
	"github.com/cryptodata/platform/internal/placeholder"
	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/sources"
)

// DerivativesSource fetches futures/options market data. It is a
// narrower capability than the four core adapter interfaces in package
// sources, modeled the same way (Name + Fetch) for the same provider
// rotation and retry treatment.
type DerivativesSource interface {
	Name() string
	FetchDerivatives(ctx context.Context, req sources.FetchRequest) ([]models.DerivativesMetric, error)
}

// DerivativesCollector ticks against a DerivativesSource and upserts
// open interest, funding rate, and put/call ratio.
type DerivativesCollector struct {
	db              *sqlx.DB
	registry        *registry.Registry
	source          DerivativesSource
	placeholder     *placeholder.Manager
	minCompleteness float64
	log             zerolog.Logger
}

// NewDerivativesCollector constructs a DerivativesCollector.
func NewDerivativesCollector(db *sqlx.DB, reg *registry.Registry, src DerivativesSource, ph *placeholder.Manager, minCompleteness float64, log zerolog.Logger) *DerivativesCollector {
	return &DerivativesCollector{db: db, registry: reg, source: src, placeholder: ph, minCompleteness: minCompleteness, log: log.With().Str("source", "derivatives").Logger()}
}

// Name implements Source.
func (c *DerivativesCollector) Name() string { return "derivatives" }

// Tick fetches derivatives metrics for every active symbol.
func (c *DerivativesCollector) Tick(ctx context.Context) error {
	symbols, err := c.registry.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("derivatives: active symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}

	now := time.Now().UTC()
	if c.placeholder != nil {
		if err := c.placeholder.EnsurePlaceholders(ctx, placeholder.DomainDerivatives, symbols, now); err != nil {
			return fmt.Errorf("derivatives: ensure placeholders: %w", err)
		}
	}
	return sources.WithRetry(ctx, "derivatives.fetch", func(ctx context.Context) error {
		metrics, err := c.source.FetchDerivatives(ctx, sources.FetchRequest{Symbols: symbols, From: now, To: now})
		if err != nil {
			return err
		}
		return c.upsert(ctx, metrics)
	})
}

func (c *DerivativesCollector) upsert(ctx context.Context, metrics []models.DerivativesMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("derivatives: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO derivatives_data (symbol, date, hour, open_interest, funding_rate, put_call_ratio, data_source, data_completeness_percentage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 100)
		ON CONFLICT (symbol, date, hour) DO UPDATE SET
			open_interest = EXCLUDED.open_interest, funding_rate = EXCLUDED.funding_rate,
			put_call_ratio = EXCLUDED.put_call_ratio, data_source = EXCLUDED.data_source,
			data_completeness_percentage = EXCLUDED.data_completeness_percentage
	`)
	if err != nil {
		return fmt.Errorf("derivatives: prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, m.Symbol, m.Date, m.Hour, m.OpenInterest, m.FundingRate, m.PutCallRatio, m.Source); err != nil {
			return fmt.Errorf("derivatives: upsert %s: %w", m.Symbol, err)
		}
	}

	return tx.Commit()
}

// Backfill re-fetches derivatives metrics for [from, to]. With
// force=false, metrics for a (symbol, date, hour) already at or above
// minCompleteness are skipped rather than re-fetched and overwritten.
func (c *DerivativesCollector) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	if len(symbols) == 0 {
		var err error
		symbols, err = c.registry.ActiveSymbols(ctx)
		if err != nil {
			return fmt.Errorf("derivatives: active symbols: %w", err)
		}
	}

	metrics, err := c.source.FetchDerivatives(ctx, sources.FetchRequest{Symbols: symbols, From: from, To: to})
	if err != nil {
		return fmt.Errorf("derivatives: backfill fetch: %w", err)
	}

	if !force {
		metrics, err = c.filterNeedsOverwrite(ctx, metrics)
		if err != nil {
			return fmt.Errorf("derivatives: filter completeness: %w", err)
		}
	}
	return c.upsert(ctx, metrics)
}

func (c *DerivativesCollector) filterNeedsOverwrite(ctx context.Context, metrics []models.DerivativesMetric) ([]models.DerivativesMetric, error) {
	kept := make([]models.DerivativesMetric, 0, len(metrics))
	for _, m := range metrics {
		full, err := completenessAtLeast(ctx, c.db, "derivatives_data", m.Symbol, m.Date, m.Hour, c.minCompleteness)
		if err != nil {
			return nil, err
		}
		if !full {
			kept = append(kept, m)
		}
	}
	return kept, nil
}
