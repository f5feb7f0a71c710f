package materializer

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cryptodata/platform/internal/statestore"
)

func newMockUpdater(t *testing.T) (*Updater, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	u := New(sqlxDB, zerolog.Nop(), Config{FeatureSet: DefaultFeatureSet("v1"), MaxBatchSymbols: 10})
	return u, mock
}

// expectEmptyBatchedLookups stubs the eight per-domain batched queries
// materializeBucketForSymbols issues, each returning zero rows, so join
// produces a fully-absent (0% complete) row for symbol.
func expectEmptyBatchedLookups(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("FROM price_snapshots").WillReturnRows(sqlmock.NewRows([]string{"symbol", "price_usd", "volume_24h"}))
	mock.ExpectQuery("FROM ohlc_bars").WillReturnRows(sqlmock.NewRows([]string{"symbol", "date", "hour", "open", "high", "low", "close", "volume"}))
	mock.ExpectQuery("FROM onchain_data").WillReturnRows(sqlmock.NewRows([]string{"symbol", "date", "hour", "active_addresses", "transaction_count", "circulating_supply"}))
	mock.ExpectQuery("FROM macro_series").WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectQuery("FROM sentiment_aggregates").WillReturnRows(sqlmock.NewRows([]string{"symbol", "aggregate_score"}))
	mock.ExpectQuery("FROM technical_indicators").WillReturnRows(sqlmock.NewRows([]string{"symbol", "date", "hour", "rsi14", "ema12", "ema26", "macd", "volatility"}))
	mock.ExpectQuery("FROM derivatives_data").WillReturnRows(sqlmock.NewRows([]string{"symbol", "date", "hour", "open_interest", "funding_rate", "put_call_ratio"}))
	mock.ExpectQuery("FROM market_data").WillReturnRows(sqlmock.NewRows([]string{"symbol", "date", "hour", "market_cap_usd", "dominance_pct", "rank_by_market_cap"}))
}

func expectUpsert(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ml_features_materialized").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestRunOnlineCycle_NoNewTicksIsNoop(t *testing.T) {
	u, mock := newMockUpdater(t)

	mock.ExpectQuery("SELECT value FROM operational_state").
		WithArgs(onlineHighWaterMarkKey).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectQuery("SELECT symbol, ts FROM price_snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"symbol", "ts"}))

	err := u.runOnlineCycle(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnlineCycle_AdvancesMarkToNewestTick(t *testing.T) {
	u, mock := newMockUpdater(t)

	prior := statestore.HighWaterMark{Symbol: "all", LastHour: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	payload, err := msgpack.Marshal(prior)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT value FROM operational_state").
		WithArgs(onlineHighWaterMarkKey).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(payload))

	tickTS := time.Date(2026, 1, 1, 1, 30, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT symbol, ts FROM price_snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"symbol", "ts"}).AddRow("BTC", tickTS))

	expectEmptyBatchedLookups(mock)
	expectUpsert(mock)

	mock.ExpectExec("INSERT INTO operational_state").
		WithArgs(onlineHighWaterMarkKey, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = u.runOnlineCycle(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnlineCycle_LeavesMarkOnFailure(t *testing.T) {
	u, mock := newMockUpdater(t)

	mock.ExpectQuery("SELECT value FROM operational_state").
		WithArgs(onlineHighWaterMarkKey).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	mock.ExpectQuery("SELECT symbol, ts FROM price_snapshots").
		WillReturnError(assert.AnError)

	err := u.runOnlineCycle(context.Background())
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
