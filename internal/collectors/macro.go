package collectors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/models"
	"github.com/cryptodata/platform/internal/placeholder"
	"github.com/cryptodata/platform/internal/sources"
)

// MacroCollector ticks against a MacroSource, fetching macroeconomic
// series (rates, CPI, DXY) at daily granularity; the materialized updater
// broadcasts each day's value across that day's 24 hour buckets.
type MacroCollector struct {
	db              *sqlx.DB
	source          sources.MacroSource
	seriesIDs       []string
	placeholder     *placeholder.Manager
	minCompleteness float64
	log             zerolog.Logger
}

// NewMacroCollector constructs a MacroCollector for the given series IDs.
func NewMacroCollector(db *sqlx.DB, src sources.MacroSource, seriesIDs []string, ph *placeholder.Manager, minCompleteness float64, log zerolog.Logger) *MacroCollector {
	return &MacroCollector{db: db, source: src, seriesIDs: seriesIDs, placeholder: ph, minCompleteness: minCompleteness, log: log.With().Str("source", "macro").Logger()}
}

// Name implements Source.
func (c *MacroCollector) Name() string { return "macro" }

// Tick fetches today's value for every configured series.
func (c *MacroCollector) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	today := now.Truncate(24 * time.Hour)

	if c.placeholder != nil {
		if err := c.placeholder.EnsurePlaceholders(ctx, placeholder.DomainMacro, c.seriesIDs, now); err != nil {
			return fmt.Errorf("macro: ensure placeholders: %w", err)
		}
	}

	return sources.WithRetry(ctx, "macro.fetch", func(ctx context.Context) error {
		series, err := c.source.FetchSeries(ctx, c.seriesIDs, today, today)
		if err != nil {
			return err
		}
		return c.upsert(ctx, series)
	})
}

func (c *MacroCollector) upsert(ctx context.Context, series []models.MacroSeries) error {
	if len(series) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("macro: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO macro_series (series_id, date, value, data_source, data_completeness_percentage)
		VALUES ($1, $2, $3, $4, 100)
		ON CONFLICT (series_id, date) DO UPDATE SET
			value = EXCLUDED.value, data_source = EXCLUDED.data_source,
			data_completeness_percentage = EXCLUDED.data_completeness_percentage
	`)
	if err != nil {
		return fmt.Errorf("macro: prepare: %w", err)
	}
	defer stmt.Close()

	for _, s := range series {
		if _, err := stmt.ExecContext(ctx, s.SeriesID, s.Date, s.Value, s.Source); err != nil {
			return fmt.Errorf("macro: upsert %s: %w", s.SeriesID, err)
		}
	}

	return tx.Commit()
}

// Backfill re-fetches macro series for [from, to]. symbols is ignored:
// macro series broadcast to every symbol rather than belonging to one.
// With force=false, (series_id, date) pairs already at or above
// minCompleteness are left untouched.
func (c *MacroCollector) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	_ = symbols
	series, err := c.source.FetchSeries(ctx, c.seriesIDs, from, to)
	if err != nil {
		return fmt.Errorf("macro: backfill fetch: %w", err)
	}

	if !force {
		series, err = c.filterNeedsOverwrite(ctx, series)
		if err != nil {
			return fmt.Errorf("macro: filter completeness: %w", err)
		}
	}
	return c.upsert(ctx, series)
}

func (c *MacroCollector) filterNeedsOverwrite(ctx context.Context, series []models.MacroSeries) ([]models.MacroSeries, error) {
	kept := make([]models.MacroSeries, 0, len(series))
	for _, s := range series {
		var pct float64
		err := c.db.GetContext(ctx, &pct, `
			SELECT data_completeness_percentage FROM macro_series WHERE series_id = $1 AND date = $2
		`, s.SeriesID, s.Date)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			kept = append(kept, s)
		case err != nil:
			return nil, err
		case pct < c.minCompleteness:
			kept = append(kept, s)
		}
	}
	return kept, nil
}
