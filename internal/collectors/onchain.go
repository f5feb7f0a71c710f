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

// OnchainCollector ticks against an OnchainSource (an EVM RPC client for
// EVM-style chains, provider-native reads otherwise) and upserts on-chain
// activity metrics.
type OnchainCollector struct {
	db              *sqlx.DB
	registry        *registry.Registry
	source          sources.OnchainSource
	placeholder     *placeholder.Manager
	minCompleteness float64
	log             zerolog.Logger
}

// NewOnchainCollector constructs an OnchainCollector.
func NewOnchainCollector(db *sqlx.DB, reg *registry.Registry, src sources.OnchainSource, ph *placeholder.Manager, minCompleteness float64, log zerolog.Logger) *OnchainCollector {
	return &OnchainCollector{db: db, registry: reg, source: src, placeholder: ph, minCompleteness: minCompleteness, log: log.With().Str("source", "onchain").Logger()}
}

// Name implements Source.
func (c *OnchainCollector) Name() string { return "onchain" }

// Tick fetches on-chain metrics for every active symbol for the current
// hour bucket.
func (c *OnchainCollector) Tick(ctx context.Context) error {
	symbols, err := c.registry.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("onchain: active symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}

	now := time.Now().UTC()
	if c.placeholder != nil {
		if err := c.placeholder.EnsurePlaceholders(ctx, placeholder.DomainOnchain, symbols, now); err != nil {
			return fmt.Errorf("onchain: ensure placeholders: %w", err)
		}
	}
	return sources.WithRetry(ctx, "onchain.fetch", func(ctx context.Context) error {
		metrics, err := c.source.FetchOnchainMetrics(ctx, sources.FetchRequest{Symbols: symbols, From: now, To: now})
		if err != nil {
			return err
		}
		return c.upsert(ctx, metrics)
	})
}

func (c *OnchainCollector) upsert(ctx context.Context, metrics []models.OnchainMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("onchain: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO onchain_data (symbol, date, hour, active_addresses, transaction_count, circulating_supply, data_source, data_completeness_percentage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 100)
		ON CONFLICT (symbol, date, hour) DO UPDATE SET
			active_addresses = EXCLUDED.active_addresses,
			transaction_count = EXCLUDED.transaction_count,
			circulating_supply = EXCLUDED.circulating_supply,
			data_source = EXCLUDED.data_source,
			data_completeness_percentage = EXCLUDED.data_completeness_percentage
	`)
	if err != nil {
		return fmt.Errorf("onchain: prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, m.Symbol, m.Date, m.Hour, m.ActiveAddresses, m.TransactionCount, m.CirculatingSupply, m.Source); err != nil {
			return fmt.Errorf("onchain: upsert %s: %w", m.Symbol, err)
		}
	}

	return tx.Commit()
}

// Backfill re-fetches on-chain metrics for [from, to]. With force=false,
// metrics for a (symbol, date, hour) already at or above
// minCompleteness are skipped rather than re-fetched and overwritten.
func (c *OnchainCollector) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	if len(symbols) == 0 {
		var err error
		symbols, err = c.registry.ActiveSymbols(ctx)
		if err != nil {
			return fmt.Errorf("onchain: active symbols: %w", err)
		}
	}

	metrics, err := c.source.FetchOnchainMetrics(ctx, sources.FetchRequest{Symbols: symbols, From: from, To: to})
	if err != nil {
		return fmt.Errorf("onchain: backfill fetch: %w", err)
	}

	if !force {
		metrics, err = c.filterNeedsOverwrite(ctx, metrics)
		if err != nil {
			return fmt.Errorf("onchain: filter completeness: %w", err)
		}
	}
	return c.upsert(ctx, metrics)
}

func (c *OnchainCollector) filterNeedsOverwrite(ctx context.Context, metrics []models.OnchainMetric) ([]models.OnchainMetric, error) {
	kept := make([]models.OnchainMetric, 0, len(metrics))
	for _, m := range metrics {
		full, err := completenessAtLeast(ctx, c.db, "onchain_data", m.Symbol, m.Date, m.Hour, c.minCompleteness)
		if err != nil {
			return nil, err
		}
		if !full {
			kept = append(kept, m)
		}
	}
	return kept, nil
}
