package materializer

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func nullStringValid(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func newMockSchemaCache(t *testing.T) (*schemaCache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return newSchemaCache(sqlxDB, zerolog.Nop()), mock
}

func TestSchemaCache_HasColumn_BeforeRefresh(t *testing.T) {
	sc, _ := newMockSchemaCache(t)
	require.False(t, sc.HasColumn("price_snapshots", "price_usd"))
}

func TestSchemaCache_Refresh_PopulatesColumns(t *testing.T) {
	sc, mock := newMockSchemaCache(t)

	cols := sqlmock.NewRows([]string{"column_name", "data_type", "collation_name"}).
		AddRow("symbol", "character varying", "C").
		AddRow("price_usd", "double precision", nil)

	for range joinedTables {
		mock.ExpectQuery("SELECT column_name, data_type, collation_name").WillReturnRows(cols)
	}

	err := sc.refresh(context.Background())
	require.NoError(t, err)
	require.True(t, sc.HasColumn("price_snapshots", "symbol"))
	require.False(t, sc.HasColumn("price_snapshots", "nonexistent"))
}

func TestSchemaCache_CollationDrift_Detected(t *testing.T) {
	sc, _ := newMockSchemaCache(t)

	tables := map[string]map[string]columnInfo{
		"price_snapshots": {"symbol": columnInfo{Name: "symbol", Collation: nullStringValid("C")}},
		"ohlc_bars":       {"symbol": columnInfo{Name: "symbol", Collation: nullStringValid("en_US")}},
	}

	err := sc.checkCollationDrift(tables)
	require.Error(t, err)
}

func TestSchemaCache_CollationDrift_Consistent(t *testing.T) {
	sc, _ := newMockSchemaCache(t)

	tables := map[string]map[string]columnInfo{
		"price_snapshots": {"symbol": columnInfo{Name: "symbol", Collation: nullStringValid("C")}},
		"ohlc_bars":       {"symbol": columnInfo{Name: "symbol", Collation: nullStringValid("C")}},
	}

	require.NoError(t, sc.checkCollationDrift(tables))
}
