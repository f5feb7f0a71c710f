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

// OHLCCollector ticks against a PriceSource's OHLC endpoint and upserts
// hourly candles.
type OHLCCollector struct {
	db              *sqlx.DB
	registry        *registry.Registry
	source          sources.PriceSource
	placeholder     *placeholder.Manager
	minCompleteness float64
	log             zerolog.Logger
}

// NewOHLCCollector constructs an OHLCCollector.
func NewOHLCCollector(db *sqlx.DB, reg *registry.Registry, src sources.PriceSource, ph *placeholder.Manager, minCompleteness float64, log zerolog.Logger) *OHLCCollector {
	return &OHLCCollector{db: db, registry: reg, source: src, placeholder: ph, minCompleteness: minCompleteness, log: log.With().Str("source", "ohlc").Logger()}
}

// Name implements Source.
func (c *OHLCCollector) Name() string { return "ohlc" }

// Tick fetches the current hour's candle for every active symbol.
func (c *OHLCCollector) Tick(ctx context.Context) error {
	symbols, err := c.registry.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("ohlc: active symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}

	now := time.Now().UTC()
	if c.placeholder != nil {
		if err := c.placeholder.EnsurePlaceholders(ctx, placeholder.DomainOHLC, symbols, now); err != nil {
			return fmt.Errorf("ohlc: ensure placeholders: %w", err)
		}
	}
	req := sources.FetchRequest{Symbols: symbols, From: now.Add(-1 * time.Hour), To: now}

	return sources.WithRetry(ctx, "ohlc.fetch", func(ctx context.Context) error {
		bars, err := c.source.FetchOHLC(ctx, req)
		if err != nil {
			return err
		}
		return c.upsert(ctx, bars)
	})
}

func (c *OHLCCollector) upsert(ctx context.Context, bars []models.OHLCBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ohlc: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO ohlc_bars (symbol, date, hour, open, high, low, close, volume, data_source, data_completeness_percentage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 100)
		ON CONFLICT (symbol, date, hour) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume, data_source = EXCLUDED.data_source,
			data_completeness_percentage = EXCLUDED.data_completeness_percentage
	`)
	if err != nil {
		return fmt.Errorf("ohlc: prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if b.High < b.Low || b.Open < 0 || b.Close < 0 {
			c.log.Warn().Str("symbol", b.Symbol).Msg("ohlc bar failed arithmetic invariant, skipping")
			continue
		}
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.Date, b.Hour, b.Open, b.High, b.Low, b.Close, b.Volume, b.Source); err != nil {
			return fmt.Errorf("ohlc: upsert %s: %w", b.Symbol, err)
		}
	}

	return tx.Commit()
}

// Backfill re-fetches candles for [from, to] for the given symbols (or
// every active symbol if symbols is empty). With force set every fetched
// bar is written; otherwise bars whose stored row already meets
// minCompleteness are skipped and the rest overwrite what is stored.
func (c *OHLCCollector) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	if len(symbols) == 0 {
		var err error
		symbols, err = c.registry.ActiveSymbols(ctx)
		if err != nil {
			return fmt.Errorf("ohlc: active symbols: %w", err)
		}
	}

	req := sources.FetchRequest{Symbols: symbols, From: from, To: to}
	bars, err := c.source.FetchOHLC(ctx, req)
	if err != nil {
		return fmt.Errorf("ohlc: backfill fetch: %w", err)
	}

	if !force {
		var err error
		bars, err = c.filterNeedsOverwrite(ctx, bars)
		if err != nil {
			return fmt.Errorf("ohlc: filter completeness: %w", err)
		}
	}

	return c.upsert(ctx, bars)
}

func (c *OHLCCollector) filterNeedsOverwrite(ctx context.Context, bars []models.OHLCBar) ([]models.OHLCBar, error) {
	kept := make([]models.OHLCBar, 0, len(bars))
	for _, b := range bars {
		full, err := completenessAtLeast(ctx, c.db, "ohlc_bars", b.Symbol, b.Date, b.Hour, c.minCompleteness)
		if err != nil {
			return nil, err
		}
		if !full {
			kept = append(kept, b)
		}
	}
	return kept, nil
}
