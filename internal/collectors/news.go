package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/models"
	"github.com/cryptodata/platform/internal/placeholder"
	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/sources"
)

// NewsCollector ticks against a NewsSource, storing raw articles for the
// sentiment collector to classify.
type NewsCollector struct {
	db          *sqlx.DB
	registry    *registry.Registry
	source      sources.NewsSource
	placeholder *placeholder.Manager
	log         zerolog.Logger
}

// NewNewsCollector constructs a NewsCollector.
func NewNewsCollector(db *sqlx.DB, reg *registry.Registry, src sources.NewsSource, ph *placeholder.Manager, log zerolog.Logger) *NewsCollector {
	return &NewsCollector{db: db, registry: reg, source: src, placeholder: ph, log: log.With().Str("source", "news").Logger()}
}

// Name implements Source.
func (c *NewsCollector) Name() string { return "news" }

// Tick fetches recent articles mentioning any active symbol.
func (c *NewsCollector) Tick(ctx context.Context) error {
	symbols, err := c.registry.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("news: active symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}

	now := time.Now().UTC()
	if c.placeholder != nil {
		if err := c.placeholder.EnsurePlaceholders(ctx, placeholder.DomainNews, symbols, now); err != nil {
			return fmt.Errorf("news: ensure placeholders: %w", err)
		}
	}
	req := sources.FetchRequest{Symbols: symbols, From: now.Add(-10 * time.Minute), To: now}

	return sources.WithRetry(ctx, "news.fetch", func(ctx context.Context) error {
		articles, err := c.source.FetchArticles(ctx, req)
		if err != nil {
			return err
		}
		return c.upsert(ctx, articles)
	})
}

func (c *NewsCollector) upsert(ctx context.Context, articles []models.NewsArticle) error {
	if len(articles) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("news: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO news_articles (id, symbols, published_at, title, url, data_source, data_completeness_percentage)
		VALUES ($1, $2, $3, $4, $5, $6, 100)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("news: prepare: %w", err)
	}
	defer stmt.Close()

	for _, a := range articles {
		symbolsJSON, err := json.Marshal(a.Symbols)
		if err != nil {
			return fmt.Errorf("news: marshal symbols for %s: %w", a.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, a.ID, symbolsJSON, a.PublishedAt, a.Title, a.URL, a.Source); err != nil {
			return fmt.Errorf("news: upsert %s: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

// Backfill re-fetches articles for [from, to]. With force=false, a symbol
// that already has a non-placeholder article published in [from, to] is
// considered covered and dropped from the fetch, so a repeat backfill
// over an already-full range touches the provider for nothing and writes
// zero rows.
func (c *NewsCollector) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	if len(symbols) == 0 {
		var err error
		symbols, err = c.registry.ActiveSymbols(ctx)
		if err != nil {
			return fmt.Errorf("news: active symbols: %w", err)
		}
	}

	if !force {
		var err error
		symbols, err = c.filterNeedsOverwrite(ctx, symbols, from, to)
		if err != nil {
			return fmt.Errorf("news: filter coverage: %w", err)
		}
		if len(symbols) == 0 {
			return nil
		}
	}

	articles, err := c.source.FetchArticles(ctx, sources.FetchRequest{Symbols: symbols, From: from, To: to})
	if err != nil {
		return fmt.Errorf("news: backfill fetch: %w", err)
	}
	return c.upsert(ctx, articles)
}

func (c *NewsCollector) filterNeedsOverwrite(ctx context.Context, symbols []string, from, to time.Time) ([]string, error) {
	kept := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		var covered bool
		err := c.db.GetContext(ctx, &covered, `
			SELECT EXISTS(
				SELECT 1 FROM news_articles
				WHERE symbols @> to_jsonb($1::text)
				  AND published_at BETWEEN $2 AND $3
				  AND data_source != 'placeholder'
			)
		`, sym, from, to)
		if err != nil {
			return nil, err
		}
		if !covered {
			kept = append(kept, sym)
		}
	}
	return kept, nil
}
