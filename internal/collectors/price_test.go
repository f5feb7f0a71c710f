package collectors

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cryptodata/platform/internal/models"
	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/sources"
)

type fakePriceSource struct {
	prices []models.PriceSnapshot
	err    error
}

func (f *fakePriceSource) Name() string { return "fake-price" }

func (f *fakePriceSource) FetchLatest(ctx context.Context, req sources.FetchRequest) ([]models.PriceSnapshot, error) {
	return f.prices, f.err
}

func (f *fakePriceSource) FetchOHLC(ctx context.Context, req sources.FetchRequest) ([]models.OHLCBar, error) {
	return nil, nil
}

func newMockPriceCollector(t *testing.T, src *fakePriceSource) (*PriceCollector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	reg := registry.New(sqlxDB, zerolog.Nop())
	return NewPriceCollector(sqlxDB, reg, src, nil, 90, zerolog.Nop()), mock
}

func TestPriceCollector_Tick_UpsertsFetchedPrices(t *testing.T) {
	vol := 1000.0
	src := &fakePriceSource{prices: []models.PriceSnapshot{
		{Symbol: "BTC", Timestamp: time.Now(), PriceUSD: 65000, Volume24h: &vol, Source: "fake"},
	}}
	c, mock := newMockPriceCollector(t, src)

	mock.ExpectQuery("SELECT symbol, external_ids").WillReturnRows(
		sqlmock.NewRows([]string{"symbol", "external_ids", "name", "asset_class", "chain", "active", "created_at", "updated_at"}).
			AddRow("BTC", `{}`, "Bitcoin", "crypto", "bitcoin", true, time.Now(), time.Now()),
	)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO price_snapshots")
	mock.ExpectExec("INSERT INTO price_snapshots").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := c.Tick(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceCollector_Tick_NoActiveSymbolsIsNoop(t *testing.T) {
	src := &fakePriceSource{}
	c, mock := newMockPriceCollector(t, src)

	mock.ExpectQuery("SELECT symbol, external_ids").WillReturnRows(
		sqlmock.NewRows([]string{"symbol", "external_ids", "name", "asset_class", "chain", "active", "created_at", "updated_at"}),
	)

	err := c.Tick(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceCollector_Backfill_NoForceIsNoop(t *testing.T) {
	c, _ := newMockPriceCollector(t, &fakePriceSource{})
	err := c.Backfill(context.Background(), time.Now(), time.Now(), []string{"BTC"}, false)
	require.NoError(t, err)
}

func TestPriceCollector_Name(t *testing.T) {
	c, _ := newMockPriceCollector(t, &fakePriceSource{})
	require.Equal(t, "price", c.Name())
}
