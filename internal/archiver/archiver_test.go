package archiver

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateColumnFor(t *testing.T) {
	assert.Equal(t, "ts", dateColumnFor("price_snapshots"))
	assert.Equal(t, "published_at", dateColumnFor("news_articles"))
	assert.Equal(t, "date", dateColumnFor("ohlc_bars"))
	assert.Equal(t, "date", dateColumnFor("onchain_data"))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "hello", stringify([]byte("hello")))
	assert.Equal(t, "3.14", stringify(3.14))

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, ts.Format(time.RFC3339), stringify(ts))

	assert.Equal(t, "42", stringify(42))
}

func TestDumpCSV_ProducesValidGzipCSVWithChecksum(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")

	mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRows([]string{"symbol", "price_usd"}).
			AddRow("BTC", 65000.5).
			AddRow("ETH", 3200.25),
	)

	rows, err := sqlxDB.Queryx("SELECT symbol, price_usd FROM price_snapshots")
	require.NoError(t, err)

	payload, checksum, err := dumpCSV(rows)
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	gz, err := gzip.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	defer gz.Close()

	records, err := csv.NewReader(gz).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"symbol", "price_usd"}, records[0])
	assert.Equal(t, "BTC", records[1][0])
}
