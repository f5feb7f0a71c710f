package placeholder

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptodata/platform/internal/registry"
)

var testMacroSeriesIDs = []string{"DFF", "CPIAUCSL"}

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	reg := registry.New(sqlxDB, zerolog.Nop())
	return New(sqlxDB, reg, testMacroSeriesIDs, zerolog.Nop(), "@hourly"), mock
}

func TestManager_EnsurePlaceholders_InsertsPerKey(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ohlc_bars")
	mock.ExpectExec("INSERT INTO ohlc_bars").WithArgs("BTC", sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ohlc_bars").WithArgs("ETH", sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := m.EnsurePlaceholders(context.Background(), DomainOHLC, []string{"BTC", "ETH"}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_EnsurePlaceholders_NoKeysIsNoop(t *testing.T) {
	m, mock := newMockManager(t)

	err := m.EnsurePlaceholders(context.Background(), DomainOHLC, nil, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_EnsurePlaceholders_UnknownDomain(t *testing.T) {
	m, _ := newMockManager(t)

	err := m.EnsurePlaceholders(context.Background(), Domain("bogus"), []string{"BTC"}, time.Now().UTC())
	assert.Error(t, err)
}

func TestManager_EnsurePlaceholders_PriceUsesThreeColumnConflict(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO price_snapshots")
	mock.ExpectExec("INSERT INTO price_snapshots").WithArgs("BTC", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := m.EnsurePlaceholders(context.Background(), DomainPrice, []string{"BTC"}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_EnsurePlaceholders_MacroUsesSeriesDateKey(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO macro_series")
	mock.ExpectExec("INSERT INTO macro_series").WithArgs("DFF", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := m.EnsurePlaceholders(context.Background(), DomainMacro, []string{"DFF"}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_SweepAll_CoversEveryDomain(t *testing.T) {
	m, mock := newMockManager(t)

	assetRows := sqlmock.NewRows([]string{"symbol", "external_ids", "name", "asset_class", "chain", "active", "created_at", "updated_at"}).
		AddRow("BTC", `{}`, "Bitcoin", "crypto", "bitcoin", true, time.Now(), time.Now())
	mock.ExpectQuery("SELECT symbol, external_ids").WillReturnRows(assetRows)

	for _, table := range []string{
		"price_snapshots", "ohlc_bars", "onchain_data", "technical_indicators",
		"sentiment_aggregates", "derivatives_data", "market_data", "news_articles",
		"ml_features_materialized",
	} {
		mock.ExpectBegin()
		mock.ExpectPrepare("INSERT INTO " + table)
		mock.ExpectExec("INSERT INTO " + table).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
	}

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO macro_series")
	mock.ExpectExec("INSERT INTO macro_series").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO macro_series").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := m.SweepAll(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_DetectGaps(t *testing.T) {
	m, mock := newMockManager(t)
	from := time.Now().Add(-24 * time.Hour)
	to := time.Now()

	rows := sqlmock.NewRows([]string{"symbol", "date", "hour", "data_completeness_percentage"}).
		AddRow("BTC", time.Now(), 5, 3.5)
	mock.ExpectQuery("SELECT symbol, date, hour, data_completeness_percentage").WillReturnRows(rows)

	gaps, err := m.DetectGaps(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "BTC", gaps[0].Symbol)
	assert.InDelta(t, 3.5, gaps[0].Completeness, 0.0001)
}

func TestManager_Summarize(t *testing.T) {
	m, mock := newMockManager(t)
	from := time.Now().Add(-24 * time.Hour)
	to := time.Now()

	rows := sqlmock.NewRows([]string{"total_buckets", "gap_buckets", "average_completeness"}).
		AddRow(100, 7, 92.5)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	summary, err := m.Summarize(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 100, summary.TotalBuckets)
	assert.Equal(t, 7, summary.GapBuckets)
	assert.InDelta(t, 92.5, summary.AverageComplete, 0.0001)
}
