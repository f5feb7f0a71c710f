// Package derivexchange implements collectors.DerivativesSource against a
// generic derivatives-exchange REST API shape (open interest, funding
// rate, put/call ratio), following the same client conventions as the
// other adapters in this module.
package derivexchange

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

// Client is a derivatives-exchange-shaped source.
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
		limiter: ratelimit.New(5, 5, 200),
		log:     log.With().Str("adapter", "derivexchange").Logger(),
	}
}

// Name implements collectors.DerivativesSource.
func (c *Client) Name() string { return "derivexchange" }

type derivPayload struct {
	OpenInterest *float64 `json:"open_interest"`
	FundingRate  *float64 `json:"funding_rate"`
	PutCallRatio *float64 `json:"put_call_ratio"`
}

// FetchDerivatives implements collectors.DerivativesSource.
func (c *Client) FetchDerivatives(ctx context.Context, req sources.FetchRequest) ([]models.DerivativesMetric, error) {
	now := time.Now().UTC()
	date := now.Truncate(24 * time.Hour)

	var out []models.DerivativesMetric
	for _, sym := range req.Symbols {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, sources.NewError("derivexchange.ratelimit", sources.KindInternal, err)
		}

		u := fmt.Sprintf("%s/derivatives/%s", c.baseURL, url.PathEscape(sym))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, sources.NewError("derivexchange.newrequest", sources.KindInternal, err)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, sources.NewError("derivexchange.fetch", sources.KindTransient, err)
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, sources.NewError("derivexchange.fetch", sources.KindTransient, fmt.Errorf("status %d", resp.StatusCode))
		}

		var payload derivPayload
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, sources.NewError("derivexchange.decode", sources.KindMalformed, decodeErr)
		}

		out = append(out, models.DerivativesMetric{
			Symbol:       sym,
			Date:         date,
			Hour:         now.Hour(),
			OpenInterest: payload.OpenInterest,
			FundingRate:  payload.FundingRate,
			PutCallRatio: payload.PutCallRatio,
			Source:       c.Name(),
		})
	}

	return out, nil
}
