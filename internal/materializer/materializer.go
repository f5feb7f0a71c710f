// Package materializer implements the Materialized Updater: it joins
// every domain source for each (symbol, date, hour) bucket into
// ml_features_materialized, applying NULL-aware carry-forward rules,
// scoring completeness against a versioned feature set, and tolerating
// lock contention and schema drift without crashing the process.
package materializer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/database"
	"github.com/cryptodata/platform/internal/models"
	"github.com/cryptodata/platform/internal/statestore"
)

const (
	macroCarryForward    = 7 * 24 * time.Hour
	onchainCarryForward  = 3 * 24 * time.Hour
	onlineLoopInterval   = 1 * time.Minute
	backfillLoopInterval = 5 * time.Minute
)

// onlineHighWaterMarkKey is the statestore key under which the online
// loop's cursor is persisted. The online loop has no single symbol of its
// own — it walks price_snapshots across every symbol — so it reuses
// statestore.HighWaterMarkKey with a fixed pseudo-symbol rather than
// tracking one mark per symbol.
var onlineHighWaterMarkKey = statestore.HighWaterMarkKey("materializer-online", "all")

// Config configures the Updater.
type Config struct {
	FeatureSet        FeatureSet
	MaxBatchSymbols   int
	BackfillWorkers   int
	SchemaRefreshEvery time.Duration
}

// Updater is the Materialized Updater.
type Updater struct {
	db     *sqlx.DB
	log    zerolog.Logger
	cfg    Config
	schema *schemaCache
	store  *statestore.Store

	state      atomic.Int32
	cancel     context.CancelFunc
	cycleSkips atomic.Int64
	cycleTotal atomic.Int64
}

// New constructs an Updater. The online loop persists its high-water mark
// through store so a restart resumes from where it left off instead of
// re-deriving a starting point from the destination table.
func New(db *sqlx.DB, log zerolog.Logger, cfg Config) *Updater {
	if cfg.MaxBatchSymbols <= 0 {
		cfg.MaxBatchSymbols = 500
	}
	if cfg.BackfillWorkers <= 0 {
		cfg.BackfillWorkers = 4
	}
	if cfg.SchemaRefreshEvery <= 0 {
		cfg.SchemaRefreshEvery = 15 * time.Minute
	}

	u := &Updater{
		db:     db,
		log:    log.With().Str("component", "materializer").Logger(),
		cfg:    cfg,
		schema: newSchemaCache(db, log),
		store:  statestore.New(db),
	}
	u.state.Store(int32(StateIdle))
	return u
}

// State returns the updater's current lifecycle state.
func (u *Updater) State() State { return State(u.state.Load()) }

// Start launches the schema-drift refresher, the online high-water-mark
// loop, and the disjoint-partition backfill loop.
func (u *Updater) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	u.schema.startPeriodicRefresh(runCtx, u.cfg.SchemaRefreshEvery)

	go u.onlineLoop(runCtx)
	go u.backfillLoop(runCtx)

	return nil
}

// Stop cancels both loops.
func (u *Updater) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
}

// onlineLoop advances a persisted high-water mark over price_snapshots,
// joining and writing every bucket touched by a tick newer than the mark
// as soon as its sources have had a chance to land.
func (u *Updater) onlineLoop(ctx context.Context) {
	ticker := time.NewTicker(onlineLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.runOnlineCycle(ctx); err != nil {
				u.log.Error().Err(err).Msg("online loop cycle failed")
			}
		}
	}
}

// runOnlineCycle reads the persisted high-water mark, processes every
// bucket touched by a price_snapshots row newer than it (bounded by
// MaxBatchSymbols rows per cycle so a long gap doesn't blow out one
// cycle), and advances the mark to the newest ts actually processed. On
// error the mark is left untouched, so a retried cycle picks up the same
// range rather than skipping it.
func (u *Updater) runOnlineCycle(ctx context.Context) error {
	var hwm statestore.HighWaterMark
	found, err := u.store.Get(ctx, onlineHighWaterMarkKey, &hwm)
	if err != nil {
		return fmt.Errorf("materializer: load high-water mark: %w", err)
	}
	since := hwm.LastHour
	if !found {
		since = time.Now().UTC().Add(-onlineLoopInterval)
	}

	type tick struct {
		Symbol string    `db:"symbol"`
		TS     time.Time `db:"ts"`
	}
	var ticks []tick
	if err := u.db.SelectContext(ctx, &ticks, `
		SELECT symbol, ts FROM price_snapshots
		WHERE ts > $1
		ORDER BY ts
		LIMIT $2
	`, since, u.cfg.MaxBatchSymbols); err != nil {
		return fmt.Errorf("materializer: select new ticks: %w", err)
	}
	if len(ticks) == 0 {
		return nil
	}

	buckets := make(map[time.Time]map[string]struct{})
	var maxTS time.Time
	for _, t := range ticks {
		bucket := t.TS.Truncate(time.Hour)
		if buckets[bucket] == nil {
			buckets[bucket] = make(map[string]struct{})
		}
		buckets[bucket][t.Symbol] = struct{}{}
		if t.TS.After(maxTS) {
			maxTS = t.TS
		}
	}

	for bucket, symbolSet := range buckets {
		symbols := make([]string, 0, len(symbolSet))
		for sym := range symbolSet {
			symbols = append(symbols, sym)
		}
		if err := u.materializeBucketForSymbols(ctx, bucket, symbols); err != nil {
			return fmt.Errorf("materializer: materialize bucket %s: %w", bucket, err)
		}
	}

	return u.store.Set(ctx, onlineHighWaterMarkKey, statestore.HighWaterMark{
		Symbol:    "all",
		LastHour:  maxTS,
		UpdatedAt: time.Now().UTC(),
	})
}

// backfillLoop scans for placeholder buckets whose completeness is still
// low and re-joins them, on a disjoint partition of the keyspace from the
// online loop (it only ever touches buckets older than the online loop's
// horizon), so the two loops never contend for the same rows.
func (u *Updater) backfillLoop(ctx context.Context) {
	ticker := time.NewTicker(backfillLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			horizon := time.Now().UTC().Add(-2 * time.Hour)
			if err := u.backfillStaleBuckets(ctx, horizon); err != nil {
				u.log.Error().Err(err).Msg("backfill loop cycle failed")
			}
		}
	}
}

func (u *Updater) backfillStaleBuckets(ctx context.Context, before time.Time) error {
	type staleBucket struct {
		Symbol string    `db:"symbol"`
		Date   time.Time `db:"date"`
		Hour   int       `db:"hour"`
	}

	var stale []staleBucket
	err := u.db.SelectContext(ctx, &stale, `
		SELECT symbol, date, hour FROM ml_features_materialized
		WHERE (date + (hour || ' hours')::interval) < $1 AND data_completeness_percentage < 100
		ORDER BY date, hour
		LIMIT 1000
	`, before)
	if err != nil {
		return fmt.Errorf("materializer: select stale: %w", err)
	}

	buckets := make(map[time.Time][]string)
	for _, s := range stale {
		ts := s.Date.Add(time.Duration(s.Hour) * time.Hour)
		buckets[ts] = append(buckets[ts], s.Symbol)
	}

	for ts, symbols := range buckets {
		if err := u.materializeBucketForSymbols(ctx, ts, symbols); err != nil {
			u.log.Error().Err(err).Time("bucket", ts).Msg("backfill re-join failed")
		}
	}
	return nil
}

// materializeBucketForSymbols runs the batched secondary lookups for every
// source table once (not once per symbol), joins them against symbols,
// scores completeness, and upserts — only advancing completeness when the
// new score is at least as good as what's already stored.
func (u *Updater) materializeBucketForSymbols(ctx context.Context, bucket time.Time, symbols []string) error {
	u.state.Store(int32(StateScanning))
	defer func() {
		// upsertRows leaves StateDegraded when this run's lock-skip ratio
		// crossed the threshold; every other run ends Idle.
		if u.State() != StateDegraded {
			u.state.Store(int32(StateIdle))
		}
	}()

	if len(symbols) == 0 {
		return nil
	}
	if len(symbols) > u.cfg.MaxBatchSymbols {
		symbols = symbols[:u.cfg.MaxBatchSymbols]
	}

	date := bucket.Truncate(24 * time.Hour)
	hour := bucket.Hour()

	u.state.Store(int32(StateJoining))
	lookups, err := u.batchedLookups(ctx, symbols, date, hour)
	if err != nil {
		return err
	}

	rows := make([]models.FeatureRow, 0, len(symbols))
	for _, sym := range symbols {
		rows = append(rows, u.join(sym, date, hour, lookups))
	}

	u.state.Store(int32(StateWriting))
	u.cycleSkips.Store(0)
	u.cycleTotal.Store(0)
	return u.upsertRows(ctx, rows)
}

// lookupSet holds one batched query's results per source, keyed by
// symbol.
type lookupSet struct {
	prices      map[string]models.PriceSnapshot
	bars        map[string]models.OHLCBar
	onchain     map[string]models.OnchainMetric
	macro       map[string]float64 // single broadcast value for the day, same for every symbol
	sentiment   map[string]float64
	technical   map[string]models.TechnicalIndicators
	derivatives map[string]models.DerivativesMetric
	market      map[string]models.MarketMetric
}

// batchedLookups issues one query per domain table (not one per symbol),
// matching the spec's requirement that secondary lookups be batched.
func (u *Updater) batchedLookups(ctx context.Context, symbols []string, date time.Time, hour int) (lookupSet, error) {
	ls := lookupSet{
		prices:      make(map[string]models.PriceSnapshot),
		bars:        make(map[string]models.OHLCBar),
		onchain:     make(map[string]models.OnchainMetric),
		macro:       make(map[string]float64),
		sentiment:   make(map[string]float64),
		technical:   make(map[string]models.TechnicalIndicators),
		derivatives: make(map[string]models.DerivativesMetric),
		market:      make(map[string]models.MarketMetric),
	}

	bucketTS := date.Add(time.Duration(hour) * time.Hour)

	type priceRow struct {
		Symbol    string  `db:"symbol"`
		PriceUSD  float64 `db:"price_usd"`
		Volume24h *float64 `db:"volume_24h"`
	}
	var prices []priceRow
	if err := u.db.SelectContext(ctx, &prices, `
		SELECT DISTINCT ON (symbol) symbol, price_usd, volume_24h
		FROM price_snapshots
		WHERE symbol = ANY($1) AND ts <= $2 AND price_usd IS NOT NULL
		ORDER BY symbol, ts DESC
	`, symbolsArray(symbols), bucketTS.Add(time.Hour)); err != nil {
		return ls, fmt.Errorf("materializer: batched price lookup: %w", err)
	}
	for _, p := range prices {
		ls.prices[p.Symbol] = models.PriceSnapshot{Symbol: p.Symbol, PriceUSD: p.PriceUSD, Volume24h: p.Volume24h}
	}

	var bars []models.OHLCBar
	if err := u.db.SelectContext(ctx, &bars, `
		SELECT symbol, date, hour, open, high, low, close, volume
		FROM ohlc_bars WHERE symbol = ANY($1) AND date = $2 AND hour = $3
			AND num_nulls(open, high, low, close, volume) = 0
	`, symbolsArray(symbols), date, hour); err != nil {
		return ls, fmt.Errorf("materializer: batched ohlc lookup: %w", err)
	}
	for _, b := range bars {
		ls.bars[b.Symbol] = b
	}

	var onchain []models.OnchainMetric
	if err := u.db.SelectContext(ctx, &onchain, `
		SELECT DISTINCT ON (symbol) symbol, date, hour, active_addresses, transaction_count, circulating_supply
		FROM onchain_data
		WHERE symbol = ANY($1) AND (date + (hour || ' hours')::interval) <= $2
			AND (date + (hour || ' hours')::interval) >= $2 - $3::interval
			AND num_nonnulls(active_addresses, transaction_count, circulating_supply) > 0
		ORDER BY symbol, date DESC, hour DESC
	`, symbolsArray(symbols), bucketTS, fmt.Sprintf("%d hours", int(onchainCarryForward.Hours()))); err != nil {
		return ls, fmt.Errorf("materializer: batched onchain lookup: %w", err)
	}
	for _, m := range onchain {
		ls.onchain[m.Symbol] = m
	}

	// Macro series are symbol-agnostic: a single broadcast value per day,
	// carried forward up to macroCarryForward if today's reading hasn't
	// landed yet.
	type macroRow struct {
		Value float64 `db:"value"`
	}
	var macroRows []macroRow
	if err := u.db.SelectContext(ctx, &macroRows, `
		SELECT value FROM macro_series
		WHERE date <= $1 AND date >= $1 - $2::interval AND value IS NOT NULL
		ORDER BY date DESC LIMIT 1
	`, date, fmt.Sprintf("%d hours", int(macroCarryForward.Hours()))); err == nil && len(macroRows) > 0 {
		for _, sym := range symbols {
			ls.macro[sym] = macroRows[0].Value
		}
	}

	type sentimentRow struct {
		Symbol string  `db:"symbol"`
		Score  float64 `db:"aggregate_score"`
	}
	var sentimentRows []sentimentRow
	if err := u.db.SelectContext(ctx, &sentimentRows, `
		SELECT symbol, aggregate_score FROM sentiment_aggregates
		WHERE symbol = ANY($1) AND date = $2 AND hour = $3 AND aggregate_score IS NOT NULL
	`, symbolsArray(symbols), date, hour); err != nil {
		return ls, fmt.Errorf("materializer: batched sentiment lookup: %w", err)
	}
	for _, s := range sentimentRows {
		ls.sentiment[s.Symbol] = s.Score
	}

	var technical []models.TechnicalIndicators
	if err := u.db.SelectContext(ctx, &technical, `
		SELECT symbol, date, hour, rsi14, ema12, ema26, macd, volatility
		FROM technical_indicators WHERE symbol = ANY($1) AND date = $2 AND hour = $3
	`, symbolsArray(symbols), date, hour); err != nil {
		return ls, fmt.Errorf("materializer: batched technical lookup: %w", err)
	}
	for _, t := range technical {
		ls.technical[t.Symbol] = t
	}

	var derivatives []models.DerivativesMetric
	if err := u.db.SelectContext(ctx, &derivatives, `
		SELECT symbol, date, hour, open_interest, funding_rate, put_call_ratio
		FROM derivatives_data WHERE symbol = ANY($1) AND date = $2 AND hour = $3
	`, symbolsArray(symbols), date, hour); err != nil {
		return ls, fmt.Errorf("materializer: batched derivatives lookup: %w", err)
	}
	for _, d := range derivatives {
		ls.derivatives[d.Symbol] = d
	}

	var market []models.MarketMetric
	if err := u.db.SelectContext(ctx, &market, `
		SELECT symbol, date, hour, market_cap_usd, dominance_pct, rank_by_market_cap
		FROM market_data WHERE symbol = ANY($1) AND date = $2 AND hour = $3
	`, symbolsArray(symbols), date, hour); err != nil {
		return ls, fmt.Errorf("materializer: batched market lookup: %w", err)
	}
	for _, m := range market {
		ls.market[m.Symbol] = m
	}

	return ls, nil
}

func symbolsArray(symbols []string) interface{} {
	return pq.Array(symbols)
}

func (u *Updater) join(symbol string, date time.Time, hour int, ls lookupSet) models.FeatureRow {
	row := models.FeatureRow{
		Symbol:            symbol,
		Date:              date,
		Hour:              hour,
		FeatureSetVersion: u.cfg.FeatureSet.Version,
		MaterializedAt:    time.Now().UTC(),
	}

	present := make(map[string]bool)

	if p, ok := ls.prices[symbol]; ok {
		v := p.PriceUSD
		row.PriceUSD = &v
		present["price_usd"] = true
		if p.Volume24h != nil {
			row.Volume24h = p.Volume24h
			present["volume_24h"] = true
		}
	}
	if b, ok := ls.bars[symbol]; ok {
		o, h, l, cl := b.Open, b.High, b.Low, b.Close
		row.OHLCOpen, row.OHLCHigh, row.OHLCLow, row.OHLCClose = &o, &h, &l, &cl
		present["ohlc_open"], present["ohlc_high"], present["ohlc_low"], present["ohlc_close"] = true, true, true, true
	}
	if m, ok := ls.onchain[symbol]; ok {
		row.ActiveAddresses = m.ActiveAddresses
		row.TransactionCount = m.TransactionCount
		row.CirculatingSupply = m.CirculatingSupply
		if m.ActiveAddresses != nil {
			present["active_addresses"] = true
		}
		if m.TransactionCount != nil {
			present["transaction_count"] = true
		}
		if m.CirculatingSupply != nil {
			present["circulating_supply"] = true
		}
	}
	if v, ok := ls.macro[symbol]; ok {
		_ = v // macro is a broadcast context signal, not stored per-row directly in this feature set
		present["macro_context"] = true
	}
	if v, ok := ls.sentiment[symbol]; ok {
		row.SentimentScore = &v
		present["sentiment_score"] = true
	}
	if t, ok := ls.technical[symbol]; ok {
		row.RSI14, row.EMA12, row.EMA26, row.MACD, row.Volatility = t.RSI14, t.EMA12, t.EMA26, t.MACD, t.Volatility
		for name, val := range map[string]*float64{"rsi14": t.RSI14, "ema12": t.EMA12, "ema26": t.EMA26, "macd": t.MACD, "volatility": t.Volatility} {
			if val != nil {
				present[name] = true
			}
		}
	}
	if d, ok := ls.derivatives[symbol]; ok {
		row.OpenInterest, row.FundingRate = d.OpenInterest, d.FundingRate
		if d.OpenInterest != nil {
			present["open_interest"] = true
		}
		if d.FundingRate != nil {
			present["funding_rate"] = true
		}
	}
	if mk, ok := ls.market[symbol]; ok {
		row.MarketCapUSD, row.DominancePct = mk.MarketCapUSD, mk.DominancePct
		if mk.MarketCapUSD != nil {
			present["market_cap_usd"] = true
		}
		if mk.DominancePct != nil {
			present["dominance_pct"] = true
		}
	}

	row.DataCompletenessPercentage = u.cfg.FeatureSet.Completeness(present)
	return row
}

// upsertRows writes every row, skipping (not failing) rows whose upsert
// hits lock contention, and only ever overwriting a stored row when the
// new completeness is at least as good as what's there.
func (u *Updater) upsertRows(ctx context.Context, rows []models.FeatureRow) error {
	var skipped int64
	for _, row := range rows {
		u.cycleTotal.Add(1)
		err := database.WithTransaction(u.db, func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO ml_features_materialized (
					symbol, date, hour, price_usd, volume_24h, ohlc_open, ohlc_high, ohlc_low, ohlc_close,
					active_addresses, transaction_count, circulating_supply, sentiment_score,
					rsi14, ema12, ema26, macd, volatility, open_interest, funding_rate,
					market_cap_usd, dominance_pct, data_completeness_percentage, feature_set_version, materialized_at
				) VALUES (
					$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
				)
				ON CONFLICT (symbol, date, hour) DO UPDATE SET
					price_usd = EXCLUDED.price_usd, volume_24h = EXCLUDED.volume_24h,
					ohlc_open = EXCLUDED.ohlc_open, ohlc_high = EXCLUDED.ohlc_high, ohlc_low = EXCLUDED.ohlc_low, ohlc_close = EXCLUDED.ohlc_close,
					active_addresses = EXCLUDED.active_addresses, transaction_count = EXCLUDED.transaction_count, circulating_supply = EXCLUDED.circulating_supply,
					sentiment_score = EXCLUDED.sentiment_score, rsi14 = EXCLUDED.rsi14, ema12 = EXCLUDED.ema12, ema26 = EXCLUDED.ema26,
					macd = EXCLUDED.macd, volatility = EXCLUDED.volatility, open_interest = EXCLUDED.open_interest, funding_rate = EXCLUDED.funding_rate,
					market_cap_usd = EXCLUDED.market_cap_usd, dominance_pct = EXCLUDED.dominance_pct,
					data_completeness_percentage = EXCLUDED.data_completeness_percentage,
					feature_set_version = EXCLUDED.feature_set_version, materialized_at = EXCLUDED.materialized_at
				WHERE ml_features_materialized.data_completeness_percentage <= EXCLUDED.data_completeness_percentage
			`, row.Symbol, row.Date, row.Hour, row.PriceUSD, row.Volume24h, row.OHLCOpen, row.OHLCHigh, row.OHLCLow, row.OHLCClose,
				row.ActiveAddresses, row.TransactionCount, row.CirculatingSupply, row.SentimentScore,
				row.RSI14, row.EMA12, row.EMA26, row.MACD, row.Volatility, row.OpenInterest, row.FundingRate,
				row.MarketCapUSD, row.DominancePct, row.DataCompletenessPercentage, row.FeatureSetVersion, row.MaterializedAt)
			return err
		})

		if err != nil {
			if database.IsLockContention(err) {
				skipped++
				u.cycleSkips.Add(1)
				u.log.Warn().Str("symbol", row.Symbol).Msg("lock contention, skipping row this cycle")
				continue
			}
			return fmt.Errorf("materializer: upsert %s: %w", row.Symbol, err)
		}
	}

	if u.skipRatio() > degradedLockSkipRatio {
		u.state.Store(int32(StateDegraded))
	}
	return nil
}

func (u *Updater) skipRatio() float64 {
	total := u.cycleTotal.Load()
	if total == 0 {
		return 0
	}
	return float64(u.cycleSkips.Load()) / float64(total)
}
