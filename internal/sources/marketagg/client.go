// Package marketagg implements collectors.MarketSource against a
// market-aggregator REST API shape (market cap, dominance, rank).
package marketagg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/models"
	"github.com/cryptodata/platform/internal/ratelimit"
	"github.com/cryptodata/platform/internal/sources"
)

// Client is a market-aggregator-shaped source.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

// New constructs a Client against baseURL.
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: ratelimit.New(3, 3, 150),
		log:     log.With().Str("adapter", "marketagg").Logger(),
	}
}

// Name implements collectors.MarketSource.
func (c *Client) Name() string { return "marketagg" }

type marketPayload struct {
	MarketCapUSD *float64 `json:"market_cap_usd"`
	DominancePct *float64 `json:"dominance_pct"`
	Rank         *int     `json:"rank"`
}

// FetchMarket implements collectors.MarketSource.
func (c *Client) FetchMarket(ctx context.Context, req sources.FetchRequest) ([]models.MarketMetric, error) {
	now := time.Now().UTC()
	date := now.Truncate(24 * time.Hour)

	var out []models.MarketMetric
	for _, sym := range req.Symbols {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, sources.NewError("marketagg.ratelimit", sources.KindInternal, err)
		}

		u := fmt.Sprintf("%s/market/%s", c.baseURL, url.PathEscape(sym))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, sources.NewError("marketagg.newrequest", sources.KindInternal, err)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, sources.NewError("marketagg.fetch", sources.KindTransient, err)
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, sources.NewError("marketagg.fetch", sources.KindTransient, fmt.Errorf("status %d", resp.StatusCode))
		}

		var payload marketPayload
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, sources.NewError("marketagg.decode", sources.KindMalformed, decodeErr)
		}

		out = append(out, models.MarketMetric{
			Symbol:          sym,
			Date:            date,
			Hour:            now.Hour(),
			MarketCapUSD:    payload.MarketCapUSD,
			DominancePct:    payload.DominancePct,
			RankByMarketCap: payload.Rank,
			Source:          c.Name(),
		})
	}

	return out, nil
}
