// Package models holds the data-model types shared across the registry,
// source adapters, collectors, and the materialized updater.
package models

import "time"

// Asset is a row of the Symbol Registry.
type Asset struct {
	Symbol      string            `db:"symbol"`
	ExternalIDs map[string]string `db:"-"` // provider -> provider-native id, stored as jsonb
	Name        string            `db:"name"`
	AssetClass  string            `db:"asset_class"` // "coin", "token", "stablecoin"
	Chain       string            `db:"chain"`
	Active      bool              `db:"active"`
	Collation   string            `db:"collation"` // not a column of assets; the registry leaves it empty
	CreatedAt   time.Time         `db:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"`
}

// PriceSnapshot is a single point-in-time price observation.
type PriceSnapshot struct {
	Symbol                     string    `db:"symbol"`
	Timestamp                  time.Time `db:"ts"`
	PriceUSD                   float64   `db:"price_usd"`
	Volume24h                  *float64  `db:"volume_24h"`
	Source                     string    `db:"data_source"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
}

// OHLCBar is one hourly candle.
type OHLCBar struct {
	Symbol                     string    `db:"symbol"`
	Date                       time.Time `db:"date"` // truncated to day
	Hour                       int       `db:"hour"` // 0-23
	Open                       float64   `db:"open"`
	High                       float64   `db:"high"`
	Low                        float64   `db:"low"`
	Close                      float64   `db:"close"`
	Volume                     float64   `db:"volume"`
	Source                     string    `db:"data_source"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
}

// OnchainMetric is a single on-chain reading for a symbol at an hour bucket.
type OnchainMetric struct {
	Symbol                     string    `db:"symbol"`
	Date                       time.Time `db:"date"`
	Hour                       int       `db:"hour"`
	ActiveAddresses            *int64    `db:"active_addresses"`
	TransactionCount           *int64    `db:"transaction_count"`
	CirculatingSupply          *float64  `db:"circulating_supply"`
	Source                     string    `db:"data_source"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
}

// MacroSeries is a single macroeconomic observation (daily granularity,
// broadcast across all hour buckets of the day at join time).
type MacroSeries struct {
	SeriesID                   string    `db:"series_id"`
	Date                       time.Time `db:"date"`
	Value                      float64   `db:"value"`
	Source                     string    `db:"data_source"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
}

// NewsArticle is a single news item, pre-classification.
type NewsArticle struct {
	ID                         string    `db:"id"`
	Symbols                    []string  `db:"-"` // stored as jsonb array
	PublishedAt                time.Time `db:"published_at"`
	Title                      string    `db:"title"`
	URL                        string    `db:"url"`
	Source                     string    `db:"data_source"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
}

// SentimentScore is the classifier's output for a single article.
type SentimentScore struct {
	ArticleID  string  `db:"article_id"`
	Symbol     string  `db:"symbol"`
	Score      float64 `db:"score"`      // -1..1
	Confidence float64 `db:"confidence"` // 0..1
}

// TechnicalIndicators is one hour bucket's worth of derived indicators.
type TechnicalIndicators struct {
	Symbol                     string    `db:"symbol"`
	Date                       time.Time `db:"date"`
	Hour                       int       `db:"hour"`
	RSI14                      *float64  `db:"rsi14"`
	EMA12                      *float64  `db:"ema12"`
	EMA26                      *float64  `db:"ema26"`
	MACD                       *float64  `db:"macd"`
	MACDSignal                 *float64  `db:"macd_signal"`
	BollingerUpper             *float64  `db:"bollinger_upper"`
	BollingerLower             *float64  `db:"bollinger_lower"`
	Volatility                 *float64  `db:"volatility"`
	TrendSlope                 *float64  `db:"trend_slope"`
	Source                     string    `db:"data_source"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
}

// DerivativesMetric is a single derivatives-market reading.
type DerivativesMetric struct {
	Symbol                     string    `db:"symbol"`
	Date                       time.Time `db:"date"`
	Hour                       int       `db:"hour"`
	OpenInterest               *float64  `db:"open_interest"`
	FundingRate                *float64  `db:"funding_rate"`
	PutCallRatio               *float64  `db:"put_call_ratio"`
	Source                     string    `db:"data_source"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
}

// MarketMetric is a single market-breadth/dominance reading.
type MarketMetric struct {
	Symbol                     string    `db:"symbol"`
	Date                       time.Time `db:"date"`
	Hour                       int       `db:"hour"`
	MarketCapUSD               *float64  `db:"market_cap_usd"`
	DominancePct               *float64  `db:"dominance_pct"`
	RankByMarketCap            *int      `db:"rank_by_market_cap"`
	Source                     string    `db:"data_source"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
}

// SentimentAggregate is one hour bucket's rollup of article-level
// sentiment scores for a symbol.
type SentimentAggregate struct {
	Symbol                     string    `db:"symbol"`
	Date                       time.Time `db:"date"`
	Hour                       int       `db:"hour"`
	AggregateScore             *float64  `db:"aggregate_score"`
	ArticleCount               int       `db:"article_count"`
	Source                     string    `db:"data_source"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
}

// FeatureRow is one row of ml_features_materialized: the join of every
// domain source for a (symbol, date, hour) key.
type FeatureRow struct {
	Symbol                     string    `db:"symbol"`
	Date                       time.Time `db:"date"`
	Hour                       int       `db:"hour"`
	PriceUSD                   *float64  `db:"price_usd"`
	Volume24h                  *float64  `db:"volume_24h"`
	OHLCOpen                   *float64  `db:"ohlc_open"`
	OHLCHigh                   *float64  `db:"ohlc_high"`
	OHLCLow                    *float64  `db:"ohlc_low"`
	OHLCClose                  *float64  `db:"ohlc_close"`
	ActiveAddresses            *int64    `db:"active_addresses"`
	TransactionCount           *int64    `db:"transaction_count"`
	CirculatingSupply          *float64  `db:"circulating_supply"`
	SentimentScore             *float64  `db:"sentiment_score"`
	RSI14                      *float64  `db:"rsi14"`
	EMA12                      *float64  `db:"ema12"`
	EMA26                      *float64  `db:"ema26"`
	MACD                       *float64  `db:"macd"`
	Volatility                 *float64  `db:"volatility"`
	OpenInterest               *float64  `db:"open_interest"`
	FundingRate                *float64  `db:"funding_rate"`
	MarketCapUSD               *float64  `db:"market_cap_usd"`
	DominancePct               *float64  `db:"dominance_pct"`
	DataCompletenessPercentage float64   `db:"data_completeness_percentage"`
	FeatureSetVersion          string    `db:"feature_set_version"`
	MaterializedAt             time.Time `db:"materialized_at"`
}
