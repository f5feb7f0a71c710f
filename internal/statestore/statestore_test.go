package statestore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(sqlxDB), mock
}

func TestStore_Set(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO operational_state").
		WithArgs("hwm:price:BTC", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Set(context.Background(), "hwm:price:BTC", HighWaterMark{Symbol: "BTC", LastHour: time.Now()})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_Found(t *testing.T) {
	s, mock := newMockStore(t)
	hwm := HighWaterMark{Symbol: "BTC", LastHour: time.Now().Truncate(time.Second)}
	payload, err := msgpack.Marshal(hwm)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT value FROM operational_state").
		WithArgs("hwm:price:BTC").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(payload))

	var got HighWaterMark
	found, err := s.Get(context.Background(), "hwm:price:BTC", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, hwm.Symbol, got.Symbol)
}

func TestStore_Get_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM operational_state").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	var got HighWaterMark
	found, err := s.Get(context.Background(), "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Delete(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM operational_state").
		WithArgs("breaker:price").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Delete(context.Background(), "breaker:price")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHighWaterMarkKey(t *testing.T) {
	assert.Equal(t, "hwm:price:BTC", HighWaterMarkKey("price", "BTC"))
}

func TestCircuitBreakerKey(t *testing.T) {
	assert.Equal(t, "breaker:price", CircuitBreakerKey("price"))
}
