package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/placeholder"
	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/sources"
)

const sentimentConfidenceFloor = 0.15

// SentimentCollector scores unscored news articles and aggregates a
// confidence-weighted mean sentiment per (symbol, date, hour) bucket.
// Articles below sentimentConfidenceFloor are excluded from the aggregate
// rather than counted as zero, so a misbehaving classifier cannot silently
// drag every bucket to neutral.
type SentimentCollector struct {
	db              *sqlx.DB
	registry        *registry.Registry
	classifier      sources.Classifier
	placeholder     *placeholder.Manager
	minCompleteness float64
	log             zerolog.Logger
}

// NewSentimentCollector constructs a SentimentCollector.
func NewSentimentCollector(db *sqlx.DB, reg *registry.Registry, classifier sources.Classifier, ph *placeholder.Manager, minCompleteness float64, log zerolog.Logger) *SentimentCollector {
	return &SentimentCollector{db: db, registry: reg, classifier: classifier, placeholder: ph, minCompleteness: minCompleteness, log: log.With().Str("source", "sentiment").Logger()}
}

// Name implements Source.
func (c *SentimentCollector) Name() string { return "sentiment" }

type unscoredArticle struct {
	ID          string    `db:"id"`
	Symbols     string    `db:"symbols"`
	PublishedAt time.Time `db:"published_at"`
	Title       string    `db:"title"`
}

// Tick scores any article published in the last hour that doesn't yet
// have a sentiment row, then recomputes the aggregate for the affected
// buckets.
func (c *SentimentCollector) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	if c.placeholder != nil {
		symbols, err := c.registry.ActiveSymbols(ctx)
		if err != nil {
			return fmt.Errorf("sentiment: active symbols: %w", err)
		}
		if err := c.placeholder.EnsurePlaceholders(ctx, placeholder.DomainSentiment, symbols, now); err != nil {
			return fmt.Errorf("sentiment: ensure placeholders: %w", err)
		}
	}
	return c.processWindow(ctx, now.Add(-1*time.Hour), now)
}

func (c *SentimentCollector) processWindow(ctx context.Context, from, to time.Time) error {
	return c.processWindowForce(ctx, from, to, true)
}

func (c *SentimentCollector) processWindowForce(ctx context.Context, from, to time.Time, force bool) error {
	var articles []unscoredArticle
	err := c.db.SelectContext(ctx, &articles, `
		SELECT n.id, n.symbols, n.published_at, n.title
		FROM news_articles n
		LEFT JOIN article_sentiment s ON s.article_id = n.id
		WHERE n.published_at BETWEEN $1 AND $2 AND s.article_id IS NULL
	`, from, to)
	if err != nil {
		return fmt.Errorf("sentiment: select unscored: %w", err)
	}

	touched := make(map[string]struct{})
	for _, a := range articles {
		var symbols []string
		if err := json.Unmarshal([]byte(a.Symbols), &symbols); err != nil {
			c.log.Warn().Err(err).Str("article", a.ID).Msg("failed to parse symbols")
			continue
		}

		score, confidence, err := c.classifier.Score(ctx, a.Title)
		if err != nil {
			return fmt.Errorf("sentiment: classify %s: %w", a.ID, err)
		}

		bucketDate := a.PublishedAt.UTC().Truncate(24 * time.Hour)
		bucketHour := a.PublishedAt.UTC().Hour()

		for _, sym := range symbols {
			if !force {
				full, err := completenessAtLeast(ctx, c.db, "sentiment_aggregates", sym, bucketDate, bucketHour, c.minCompleteness)
				if err != nil {
					return fmt.Errorf("sentiment: check completeness %s: %w", sym, err)
				}
				if full {
					continue
				}
			}
			if _, err := c.db.ExecContext(ctx, `
				INSERT INTO article_sentiment (article_id, symbol, score, confidence)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (article_id, symbol) DO UPDATE SET score = EXCLUDED.score, confidence = EXCLUDED.confidence
			`, a.ID, sym, score, confidence); err != nil {
				return fmt.Errorf("sentiment: store score %s/%s: %w", a.ID, sym, err)
			}
			touched[sym+"|"+bucketKey(a.PublishedAt)] = struct{}{}
		}
	}

	for key := range touched {
		sym, date, hour := splitBucketKey(key)
		if !force {
			full, err := completenessAtLeast(ctx, c.db, "sentiment_aggregates", sym, date, hour, c.minCompleteness)
			if err != nil {
				return fmt.Errorf("sentiment: check completeness %s: %w", sym, err)
			}
			if full {
				continue
			}
		}
		if err := c.recomputeAggregate(ctx, sym, date, hour); err != nil {
			return err
		}
	}
	return nil
}

func (c *SentimentCollector) recomputeAggregate(ctx context.Context, symbol string, date time.Time, hour int) error {
	var weightedSum, weightTotal float64
	rows, err := c.db.QueryxContext(ctx, `
		SELECT s.score, s.confidence
		FROM article_sentiment s
		JOIN news_articles n ON n.id = s.article_id
		WHERE s.symbol = $1 AND n.published_at >= $2 AND n.published_at < $2 + interval '1 hour' AND s.confidence >= $3
	`, symbol, date.Add(time.Duration(hour)*time.Hour), sentimentConfidenceFloor)
	if err != nil {
		return fmt.Errorf("sentiment: aggregate query: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var score, confidence float64
		if err := rows.Scan(&score, &confidence); err != nil {
			return fmt.Errorf("sentiment: scan: %w", err)
		}
		weightedSum += score * confidence
		weightTotal += confidence
		count++
	}

	if count == 0 || weightTotal == 0 {
		return nil
	}
	aggregate := weightedSum / weightTotal

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO sentiment_aggregates (symbol, date, hour, aggregate_score, article_count, data_source, data_completeness_percentage)
		VALUES ($1, $2, $3, $4, $5, 'heuristic', 100)
		ON CONFLICT (symbol, date, hour) DO UPDATE SET
			aggregate_score = EXCLUDED.aggregate_score, article_count = EXCLUDED.article_count,
			data_source = EXCLUDED.data_source, data_completeness_percentage = EXCLUDED.data_completeness_percentage
	`, symbol, date, hour, aggregate, count)
	if err != nil {
		return fmt.Errorf("sentiment: store aggregate %s: %w", symbol, err)
	}
	return nil
}

func bucketKey(t time.Time) string {
	d := t.UTC().Truncate(24 * time.Hour)
	return fmt.Sprintf("%s|%d", d.Format("2006-01-02"), t.UTC().Hour())
}

func splitBucketKey(key string) (symbol string, date time.Time, hour int) {
	parts := splitOnPipe(key)
	symbol = parts[0]
	date, _ = time.Parse("2006-01-02", parts[1])
	hour = atoiSafe(parts[2])
	return symbol, date, hour
}

func splitOnPipe(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// Backfill reprocesses the article/sentiment window for [from, to].
// symbols is ignored: sentiment aggregation runs over whichever symbols
// the window's articles actually mention. With force=false, buckets
// already at or above minCompleteness are left untouched.
func (c *SentimentCollector) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	_ = symbols
	return c.processWindowForce(ctx, from, to, force)
}
