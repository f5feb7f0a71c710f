package coingecko

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/sources"
)

func newTestClient(t *testing.T, serverURL string) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	reg := registry.New(sqlxDB, zerolog.Nop())

	c := New("", reg, zerolog.Nop())
	c.baseURL = serverURL
	return c, mock
}

func expectRegistryLookup(mock sqlmock.Sqlmock, symbol, id string) {
	mock.ExpectQuery("SELECT symbol, external_ids").WillReturnRows(
		sqlmock.NewRows([]string{"symbol", "external_ids", "name", "asset_class", "chain", "active", "created_at", "updated_at"}).
			AddRow(symbol, `{"coingecko":"`+id+`"}`, symbol, "crypto", id, true, time.Now(), time.Now()),
	)
}

func TestClient_FetchLatest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]map[string]float64{
			"bitcoin": {"usd": 65000.5, "usd_24h_vol": 123456.0},
		})
	}))
	defer srv.Close()

	c, mock := newTestClient(t, srv.URL)
	expectRegistryLookup(mock, "BTC", "bitcoin")

	snapshots, err := c.FetchLatest(context.Background(), sources.FetchRequest{Symbols: []string{"BTC"}})
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "BTC", snapshots[0].Symbol)
	assert.InDelta(t, 65000.5, snapshots[0].PriceUSD, 0.0001)
	require.NotNil(t, snapshots[0].Volume24h)
}

func TestClient_FetchLatest_NoResolvedSymbolsReturnsNil(t *testing.T) {
	c, mock := newTestClient(t, "http://unused")
	mock.ExpectQuery("SELECT symbol, external_ids").WillReturnRows(
		sqlmock.NewRows([]string{"symbol", "external_ids", "name", "asset_class", "chain", "active", "created_at", "updated_at"}),
	)

	snapshots, err := c.FetchLatest(context.Background(), sources.FetchRequest{Symbols: []string{"UNKNOWN"}})
	require.NoError(t, err)
	assert.Nil(t, snapshots)
}

func TestClient_FetchLatest_RateLimitedFallsBackToLastGood(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode(map[string]map[string]float64{"bitcoin": {"usd": 65000.5}})
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, mock := newTestClient(t, srv.URL)
	expectRegistryLookup(mock, "BTC", "bitcoin")
	_, err := c.FetchLatest(context.Background(), sources.FetchRequest{Symbols: []string{"BTC"}})
	require.NoError(t, err)

	expectRegistryLookup(mock, "BTC", "bitcoin")
	snapshots, err := c.FetchLatest(context.Background(), sources.FetchRequest{Symbols: []string{"BTC"}})
	require.Error(t, err)
	assert.Equal(t, sources.KindRateLimited, sources.KindOf(err))
	require.Len(t, snapshots, 1)
	assert.InDelta(t, 65000.5, snapshots[0].PriceUSD, 0.0001)
}

func TestClient_FetchLatest_AuthFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, mock := newTestClient(t, srv.URL)
	expectRegistryLookup(mock, "BTC", "bitcoin")

	_, err := c.FetchLatest(context.Background(), sources.FetchRequest{Symbols: []string{"BTC"}})
	require.Error(t, err)
	assert.Equal(t, sources.KindAuthFailed, sources.KindOf(err))
}

func TestDaysSpan(t *testing.T) {
	assert.Equal(t, 1, daysSpan(time.Time{}, time.Time{}))
	from := time.Now().Add(-48 * time.Hour)
	to := time.Now()
	assert.GreaterOrEqual(t, daysSpan(from, to), 2)
}

func TestClient_Name(t *testing.T) {
	c, _ := newTestClient(t, "http://unused")
	assert.Equal(t, "coingecko", c.Name())
}
