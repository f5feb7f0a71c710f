// Package fred implements a MacroSource against the FRED (Federal Reserve
// Economic Data) REST API.
package fred

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/models"
	"github.com/cryptodata/platform/internal/ratelimit"
	"github.com/cryptodata/platform/internal/sources"
)

const baseURL = "https://api.stlouisfed.org/fred/series/observations"

// Client is a FRED-shaped MacroSource.
type Client struct {
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

// New constructs a Client. FRED requires an API key.
func New(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: ratelimit.New(2, 2, 120),
		log:     log.With().Str("adapter", "fred").Logger(),
	}
}

// Name implements sources.MacroSource.
func (c *Client) Name() string { return "fred" }

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// FetchSeries implements sources.MacroSource.
func (c *Client) FetchSeries(ctx context.Context, seriesIDs []string, from, to time.Time) ([]models.MacroSeries, error) {
	if c.apiKey == "" {
		return nil, sources.NewError("fred.fetch", sources.KindAuthFailed, fmt.Errorf("no API key configured"))
	}

	var out []models.MacroSeries
	for _, seriesID := range seriesIDs {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, sources.NewError("fred.ratelimit", sources.KindInternal, err)
		}

		u := fmt.Sprintf("%s?series_id=%s&api_key=%s&file_type=json&observation_start=%s&observation_end=%s",
			baseURL, url.QueryEscape(seriesID), url.QueryEscape(c.apiKey),
			from.Format("2006-01-02"), to.Format("2006-01-02"))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, sources.NewError("fred.newrequest", sources.KindInternal, err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, sources.NewError("fred.fetch", sources.KindTransient, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, sources.NewError("fred.fetch", sources.KindRateLimited, fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, sources.NewError("fred.fetch", sources.KindAuthFailed, fmt.Errorf("status %d", resp.StatusCode))
		}

		var payload observationsResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, sources.NewError("fred.decode", sources.KindMalformed, decodeErr)
		}

		for _, obs := range payload.Observations {
			if obs.Value == "." { // FRED uses "." for missing observations
				continue
			}
			value, err := strconv.ParseFloat(obs.Value, 64)
			if err != nil {
				continue
			}
			date, err := time.Parse("2006-01-02", obs.Date)
			if err != nil {
				continue
			}
			out = append(out, models.MacroSeries{SeriesID: seriesID, Date: date, Value: value, Source: c.Name()})
		}
	}

	return out, nil
}
