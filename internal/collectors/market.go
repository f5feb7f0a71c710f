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

// MarketSource fetches market-breadth data: market capitalization,
// dominance percentage, and rank. Modeled the same shape as
// DerivativesSource.
type MarketSource interface {
	Name() string
	FetchMarket(ctx context.Context, req sources.FetchRequest) ([]models.MarketMetric, error)
}

// MarketCollector ticks against a MarketSource and upserts market-cap
// and dominance metrics.
type MarketCollector struct {
	db              *sqlx.DB
	registry        *registry.Registry
	source          MarketSource
	placeholder     *placeholder.Manager
	minCompleteness float64
	log             zerolog.Logger
}

// NewMarketCollector constructs a MarketCollector.
func NewMarketCollector(db *sqlx.DB, reg *registry.Registry, src MarketSource, ph *placeholder.Manager, minCompleteness float64, log zerolog.Logger) *MarketCollector {
	return &MarketCollector{db: db, registry: reg, source: src, placeholder: ph, minCompleteness: minCompleteness, log: log.With().Str("source", "market").Logger()}
}

// Name implements Source.
func (c *MarketCollector) Name() string { return "market" }

// Tick fetches market metrics for every active symbol.
func (c *MarketCollector) Tick(ctx context.Context) error {
	symbols, err := c.registry.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("market: active symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}

	now := time.Now().UTC()
	if c.placeholder != nil {
		if err := c.placeholder.EnsurePlaceholders(ctx, placeholder.DomainMarket, symbols, now); err != nil {
			return fmt.Errorf("market: ensure placeholders: %w", err)
		}
	}
	return sources.WithRetry(ctx, "market.fetch", func(ctx context.Context) error {
		metrics, err := c.source.FetchMarket(ctx, sources.FetchRequest{Symbols: symbols, From: now, To: now})
		if err != nil {
			return err
		}
		return c.upsert(ctx, metrics)
	})
}

func (c *MarketCollector) upsert(ctx context.Context, metrics []models.MarketMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("market: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO market_data (symbol, date, hour, market_cap_usd, dominance_pct, rank_by_market_cap, data_source, data_completeness_percentage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 100)
		ON CONFLICT (symbol, date, hour) DO UPDATE SET
			market_cap_usd = EXCLUDED.market_cap_usd, dominance_pct = EXCLUDED.dominance_pct,
			rank_by_market_cap = EXCLUDED.rank_by_market_cap, data_source = EXCLUDED.data_source,
			data_completeness_percentage = EXCLUDED.data_completeness_percentage
	`)
	if err != nil {
		return fmt.Errorf("market: prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, m.Symbol, m.Date, m.Hour, m.MarketCapUSD, m.DominancePct, m.RankByMarketCap, m.Source); err != nil {
			return fmt.Errorf("market: upsert %s: %w", m.Symbol, err)
		}
	}

	return tx.Commit()
}

// Backfill re-fetches market metrics for [from, to]. With force=false,
// metrics for a (symbol, date, hour) already at or above minCompleteness
// are skipped rather than re-fetched and overwritten.
func (c *MarketCollector) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	if len(symbols) == 0 {
		var err error
		symbols, err = c.registry.ActiveSymbols(ctx)
		if err != nil {
			return fmt.Errorf("market: active symbols: %w", err)
		}
	}

	metrics, err := c.source.FetchMarket(ctx, sources.FetchRequest{Symbols: symbols, From: from, To: to})
	if err != nil {
		return fmt.Errorf("market: backfill fetch: %w", err)
	}

	if !force {
		metrics, err = c.filterNeedsOverwrite(ctx, metrics)
		if err != nil {
			return fmt.Errorf("market: filter completeness: %w", err)
		}
	}
	return c.upsert(ctx, metrics)
}

func (c *MarketCollector) filterNeedsOverwrite(ctx context.Context, metrics []models.MarketMetric) ([]models.MarketMetric, error) {
	kept := make([]models.MarketMetric, 0, len(metrics))
	for _, m := range metrics {
		full, err := completenessAtLeast(ctx, c.db, "market_data", m.Symbol, m.Date, m.Hour, c.minCompleteness)
		if err != nil {
			return nil, err
		}
		if !full {
			kept = append(kept, m)
		}
	}
	return kept, nil
}
