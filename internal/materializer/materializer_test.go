package materializer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/cryptodata/platform/internal/models"
)

func testUpdater() *Updater {
	u := &Updater{
		log: zerolog.Nop(),
		cfg: Config{FeatureSet: DefaultFeatureSet("v1")},
	}
	return u
}

func TestJoin_FullyPresent(t *testing.T) {
	u := testUpdater()
	price := 100.5
	vol := 10.0
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ls := lookupSet{
		prices: map[string]models.PriceSnapshot{
			"BTC": {Symbol: "BTC", PriceUSD: price, Volume24h: &vol},
		},
		bars: map[string]models.OHLCBar{
			"BTC": {Symbol: "BTC", Open: 1, High: 2, Low: 0.5, Close: 1.5},
		},
		onchain: map[string]models.OnchainMetric{
			"BTC": {ActiveAddresses: int64Ptr(100), TransactionCount: int64Ptr(200), CirculatingSupply: float64Ptr(21000000)},
		},
		macro:     map[string]float64{},
		sentiment: map[string]float64{"BTC": 0.4},
		technical: map[string]models.TechnicalIndicators{
			"BTC": {RSI14: float64Ptr(55), EMA12: float64Ptr(1), EMA26: float64Ptr(1), MACD: float64Ptr(0.1), Volatility: float64Ptr(0.2)},
		},
		derivatives: map[string]models.DerivativesMetric{
			"BTC": {OpenInterest: float64Ptr(500), FundingRate: float64Ptr(0.01)},
		},
		market: map[string]models.MarketMetric{
			"BTC": {MarketCapUSD: float64Ptr(1e12), DominancePct: float64Ptr(45.0)},
		},
	}

	row := u.join("BTC", date, 5, ls)

	assert.Equal(t, "BTC", row.Symbol)
	assert.Equal(t, 5, row.Hour)
	assert.NotNil(t, row.PriceUSD)
	assert.InDelta(t, price, *row.PriceUSD, 0.0001)
	assert.InDelta(t, 100.0, row.DataCompletenessPercentage, 0.0001)
}

func TestJoin_NothingPresent(t *testing.T) {
	u := testUpdater()
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	row := u.join("ETH", date, 0, lookupSet{})
	assert.Equal(t, 0.0, row.DataCompletenessPercentage)
	assert.Nil(t, row.PriceUSD)
}

func TestSkipRatio(t *testing.T) {
	u := testUpdater()
	assert.Equal(t, 0.0, u.skipRatio())

	u.cycleTotal.Store(100)
	u.cycleSkips.Store(10)
	assert.InDelta(t, 0.1, u.skipRatio(), 0.0001)
}

func int64Ptr(v int64) *int64     { return &v }
func float64Ptr(v float64) *float64 { return &v }
