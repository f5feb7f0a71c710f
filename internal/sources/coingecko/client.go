// Package coingecko implements a PriceSource against a CoinGecko-shaped
// REST API, following the stale-cache-fallback client pattern the teacher
// uses for its exchange-rate client: try a live fetch, and when the request
// fails in transport, is rate limited (429), hits a server error (5xx) or
// returns an undecodable body, fall back to the last good reading rather
// than returning nothing. An auth failure (401) or any other non-OK status
// returns no readings.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/models"
	"github.com/cryptodata/platform/internal/ratelimit"
	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/sources"
)

const defaultBaseURL = "https://api.coingecko.com/api/v3"

// Client is a CoinGecko-shaped PriceSource.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	log      zerolog.Logger

	lastGood map[string]models.PriceSnapshot
}

// New constructs a Client. An empty apiKey uses the public (lower rate
// limit) tier.
func New(apiKey string, reg *registry.Registry, log zerolog.Logger) *Client {
	perSecond := 1.0
	ceiling := 30
	if apiKey != "" {
		perSecond = 10.0
		ceiling = 500
	}

	return &Client{
		baseURL:  defaultBaseURL,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  ratelimit.New(perSecond, 2, ceiling),
		registry: reg,
		log:      log.With().Str("adapter", "coingecko").Logger(),
		lastGood: make(map[string]models.PriceSnapshot),
	}
}

// Name implements sources.PriceSource.
func (c *Client) Name() string { return "coingecko" }

// FetchLatest implements sources.PriceSource.
func (c *Client) FetchLatest(ctx context.Context, req sources.FetchRequest) ([]models.PriceSnapshot, error) {
	ids := make([]string, 0, len(req.Symbols))
	idToSymbol := make(map[string]string, len(req.Symbols))
	for _, sym := range req.Symbols {
		id, ok, err := c.registry.ResolveExternalID(ctx, sym, c.Name())
		if err != nil {
			return nil, sources.NewError("coingecko.resolve", sources.KindInternal, err)
		}
		if !ok {
			continue
		}
		ids = append(ids, id)
		idToSymbol[id] = sym
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, sources.NewError("coingecko.ratelimit", sources.KindInternal, err)
	}

	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd&include_24hr_vol=true",
		c.baseURL, url.QueryEscape(strings.Join(ids, ",")))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, sources.NewError("coingecko.newrequest", sources.KindInternal, err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.fallback(ids, idToSymbol), nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return c.fallback(ids, idToSymbol), sources.NewError("coingecko.fetch", sources.KindRateLimited, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, sources.NewError("coingecko.fetch", sources.KindAuthFailed, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return c.fallback(ids, idToSymbol), sources.NewError("coingecko.fetch", sources.KindTransient, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, sources.NewError("coingecko.fetch", sources.KindMalformed, fmt.Errorf("status %d", resp.StatusCode))
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return c.fallback(ids, idToSymbol), sources.NewError("coingecko.decode", sources.KindMalformed, err)
	}

	now := time.Now().UTC()
	snapshots := make([]models.PriceSnapshot, 0, len(payload))
	for id, fields := range payload {
		sym, ok := idToSymbol[id]
		if !ok {
			continue
		}
		price, ok := fields["usd"]
		if !ok {
			continue
		}
		snap := models.PriceSnapshot{Symbol: sym, Timestamp: now, PriceUSD: price, Source: c.Name()}
		if vol, ok := fields["usd_24h_vol"]; ok {
			snap.Volume24h = &vol
		}
		c.lastGood[sym] = snap
		snapshots = append(snapshots, snap)
	}

	return snapshots, nil
}

func (c *Client) fallback(ids []string, idToSymbol map[string]string) []models.PriceSnapshot {
	snapshots := make([]models.PriceSnapshot, 0, len(ids))
	for _, id := range ids {
		sym, ok := idToSymbol[id]
		if !ok {
			continue
		}
		if snap, ok := c.lastGood[sym]; ok {
			c.log.Warn().Str("symbol", sym).Msg("serving stale price from last good cache")
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots
}

// FetchOHLC implements sources.PriceSource using CoinGecko's market_chart
// range endpoint, bucketed into hourly candles.
func (c *Client) FetchOHLC(ctx context.Context, req sources.FetchRequest) ([]models.OHLCBar, error) {
	var bars []models.OHLCBar
	for _, sym := range req.Symbols {
		id, ok, err := c.registry.ResolveExternalID(ctx, sym, c.Name())
		if err != nil {
			return nil, sources.NewError("coingecko.resolve", sources.KindInternal, err)
		}
		if !ok {
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, sources.NewError("coingecko.ratelimit", sources.KindInternal, err)
		}

		u := fmt.Sprintf("%s/coins/%s/ohlc?vs_currency=usd&days=%d",
			c.baseURL, url.PathEscape(id), daysSpan(req.From, req.To))

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, sources.NewError("coingecko.newrequest", sources.KindInternal, err)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, sources.NewError("coingecko.ohlc", sources.KindTransient, err)
		}

		var raw [][5]float64
		decodeErr := json.NewDecoder(resp.Body).Decode(&raw)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, sources.NewError("coingecko.ohlc.decode", sources.KindMalformed, decodeErr)
		}

		for _, candle := range raw {
			ts := time.UnixMilli(int64(candle[0])).UTC()
			bars = append(bars, models.OHLCBar{
				Symbol: sym,
				Date:   ts.Truncate(24 * time.Hour),
				Hour:   ts.Hour(),
				Open:   candle[1],
				High:   candle[2],
				Low:    candle[3],
				Close:  candle[4],
				Source: c.Name(),
			})
		}
	}
	return bars, nil
}

func daysSpan(from, to time.Time) int {
	if from.IsZero() || to.IsZero() {
		return 1
	}
	d := int(to.Sub(from).Hours()/24) + 1
	if d < 1 {
		d = 1
	}
	return d
}
