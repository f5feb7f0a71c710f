// Package newsapi implements a NewsSource against a NewsAPI-shaped REST
// endpoint.
package newsapi

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
	"github.com/cryptodata/platform/internal/sources"
)

const baseURL = "https://newsapi.org/v2/everything"

// Client is a NewsAPI-shaped NewsSource.
type Client struct {
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

// New constructs a Client.
func New(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: ratelimit.New(1, 1, 50),
		log:     log.With().Str("adapter", "newsapi").Logger(),
	}
}

// Name implements sources.NewsSource.
func (c *Client) Name() string { return "newsapi" }

type articlesResponse struct {
	Articles []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

// FetchArticles implements sources.NewsSource. Every returned article is
// tagged with every symbol in req.Symbols whose name appears in its title
// — a simplified co-mention heuristic standing in for full entity linking.
func (c *Client) FetchArticles(ctx context.Context, req sources.FetchRequest) ([]models.NewsArticle, error) {
	if c.apiKey == "" {
		return nil, sources.NewError("newsapi.fetch", sources.KindAuthFailed, fmt.Errorf("no API key configured"))
	}
	if len(req.Symbols) == 0 {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, sources.NewError("newsapi.ratelimit", sources.KindInternal, err)
	}

	query := strings.Join(req.Symbols, " OR ")
	u := fmt.Sprintf("%s?q=%s&from=%s&to=%s&sortBy=publishedAt&apiKey=%s",
		baseURL, url.QueryEscape(query), req.From.Format(time.RFC3339), req.To.Format(time.RFC3339), url.QueryEscape(c.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, sources.NewError("newsapi.newrequest", sources.KindInternal, err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, sources.NewError("newsapi.fetch", sources.KindTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, sources.NewError("newsapi.fetch", sources.KindRateLimited, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, sources.NewError("newsapi.fetch", sources.KindAuthFailed, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, sources.NewError("newsapi.fetch", sources.KindTransient, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, sources.NewError("newsapi.fetch", sources.KindMalformed, fmt.Errorf("status %d", resp.StatusCode))
	}

	var payload articlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, sources.NewError("newsapi.decode", sources.KindMalformed, err)
	}

	out := make([]models.NewsArticle, 0, len(payload.Articles))
	for _, a := range payload.Articles {
		publishedAt, err := time.Parse(time.RFC3339, a.PublishedAt)
		if err != nil {
			continue
		}

		var symbols []string
		lowerTitle := strings.ToLower(a.Title)
		for _, sym := range req.Symbols {
			if strings.Contains(lowerTitle, strings.ToLower(sym)) {
				symbols = append(symbols, sym)
			}
		}
		if len(symbols) == 0 {
			continue
		}

		out = append(out, models.NewsArticle{
			ID:          articleID(a.URL),
			Symbols:     symbols,
			PublishedAt: publishedAt,
			Title:       a.Title,
			URL:         a.URL,
			Source:      c.Name(),
		})
	}

	return out, nil
}

func articleID(rawURL string) string {
	return "newsapi:" + rawURL
}
