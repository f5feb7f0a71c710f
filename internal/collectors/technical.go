package collectors

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/cryptodata/platform/internal/placeholder"
	"github.com/cryptodata/platform/internal/registry"
)

const technicalLookbackBars = 60

// TechnicalCollector derives RSI, EMA, MACD, Bollinger Bands, realized
// volatility, and a trend slope from closing prices already stored by the
// OHLC collector — it has no external provider of its own.
type TechnicalCollector struct {
	db              *sqlx.DB
	registry        *registry.Registry
	placeholder     *placeholder.Manager
	minCompleteness float64
	log             zerolog.Logger
}

// NewTechnicalCollector constructs a TechnicalCollector.
func NewTechnicalCollector(db *sqlx.DB, reg *registry.Registry, ph *placeholder.Manager, minCompleteness float64, log zerolog.Logger) *TechnicalCollector {
	return &TechnicalCollector{db: db, registry: reg, placeholder: ph, minCompleteness: minCompleteness, log: log.With().Str("source", "technical").Logger()}
}

// Name implements Source.
func (c *TechnicalCollector) Name() string { return "technical" }

// Tick recomputes technical indicators for every active symbol's most
// recent hour bucket.
func (c *TechnicalCollector) Tick(ctx context.Context) error {
	symbols, err := c.registry.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("technical: active symbols: %w", err)
	}

	now := time.Now().UTC()
	if c.placeholder != nil {
		if err := c.placeholder.EnsurePlaceholders(ctx, placeholder.DomainTechnical, symbols, now); err != nil {
			return fmt.Errorf("technical: ensure placeholders: %w", err)
		}
	}
	for _, sym := range symbols {
		if err := c.computeFor(ctx, sym, now, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *TechnicalCollector) computeFor(ctx context.Context, symbol string, at time.Time, force bool) error {
	if !force {
		date := at.Truncate(24 * time.Hour)
		full, err := completenessAtLeast(ctx, c.db, "technical_indicators", symbol, date, at.Hour(), c.minCompleteness)
		if err != nil {
			return fmt.Errorf("technical: check completeness %s: %w", symbol, err)
		}
		if full {
			return nil
		}
	}

	var closes []float64
	err := c.db.SelectContext(ctx, &closes, `
		SELECT close FROM ohlc_bars
		WHERE symbol = $1 AND (date + (hour || ' hours')::interval) <= $2
		ORDER BY date DESC, hour DESC
		LIMIT $3
	`, symbol, at, technicalLookbackBars)
	if err != nil {
		return fmt.Errorf("technical: load closes %s: %w", symbol, err)
	}
	if len(closes) < 15 {
		// Insufficient data: leave indicators NULL for this bucket rather
		// than synthesizing a value.
		return nil
	}

	reverse(closes)

	rsi := lastOrNil(talib.Rsi(closes, 14))
	ema12 := lastOrNil(talib.Ema(closes, 12))
	ema26 := lastOrNil(talib.Ema(closes, 26))
	macdLine, macdSignal, _ := talib.Macd(closes, 12, 26, 9)
	macd := lastOrNil(macdLine)
	signal := lastOrNil(macdSignal)
	upper, _, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
	bbUpper := lastOrNil(upper)
	bbLower := lastOrNil(lower)

	var volatility *float64
	if len(closes) >= 2 {
		returns := make([]float64, 0, len(closes)-1)
		for i := 1; i < len(closes); i++ {
			if closes[i-1] != 0 {
				returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
			}
		}
		if len(returns) > 1 {
			v := stat.StdDev(returns, nil)
			volatility = &v
		}
	}

	var trendSlope *float64
	if len(closes) >= 2 {
		xs := make([]float64, len(closes))
		for i := range xs {
			xs[i] = float64(i)
		}
		slope, _ := stat.LinearRegression(xs, closes, nil, false)
		trendSlope = &slope
	}

	date := at.Truncate(24 * time.Hour)
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO technical_indicators (symbol, date, hour, rsi14, ema12, ema26, macd, macd_signal,
			bollinger_upper, bollinger_lower, volatility, trend_slope, data_source, data_completeness_percentage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'derived', 100)
		ON CONFLICT (symbol, date, hour) DO UPDATE SET
			rsi14 = EXCLUDED.rsi14, ema12 = EXCLUDED.ema12, ema26 = EXCLUDED.ema26,
			macd = EXCLUDED.macd, macd_signal = EXCLUDED.macd_signal,
			bollinger_upper = EXCLUDED.bollinger_upper, bollinger_lower = EXCLUDED.bollinger_lower,
			volatility = EXCLUDED.volatility, trend_slope = EXCLUDED.trend_slope,
			data_source = EXCLUDED.data_source, data_completeness_percentage = EXCLUDED.data_completeness_percentage
	`, symbol, date, at.Hour(), rsi, ema12, ema26, macd, signal, bbUpper, bbLower, volatility, trendSlope)
	if err != nil {
		return fmt.Errorf("technical: upsert %s: %w", symbol, err)
	}
	return nil
}

func lastOrNil(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	v := values[len(values)-1]
	if v != v { // NaN
		return nil
	}
	return &v
}

func reverse(xs []float64) {
	for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
		xs[i], xs[j] = xs[j], xs[i]
	}
}

// Backfill recomputes indicators for every hour in [from, to]. With
// force=false, buckets already at or above minCompleteness are left
// untouched rather than recomputed.
func (c *TechnicalCollector) Backfill(ctx context.Context, from, to time.Time, symbols []string, force bool) error {
	if len(symbols) == 0 {
		var err error
		symbols, err = c.registry.ActiveSymbols(ctx)
		if err != nil {
			return fmt.Errorf("technical: active symbols: %w", err)
		}
	}

	for cursor := from; !cursor.After(to); cursor = cursor.Add(time.Hour) {
		for _, sym := range symbols {
			if err := c.computeFor(ctx, sym, cursor, force); err != nil {
				return err
			}
		}
	}
	return nil
}
