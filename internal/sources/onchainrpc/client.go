// Package onchainrpc implements an OnchainSource against an EVM JSON-RPC
// endpoint via go-ethereum's ethclient, reading block activity as a proxy
// for network usage. Non-EVM chains are not modeled here; a symbol whose
// registry row names a non-EVM chain is simply skipped by this adapter
// (an adapter rotation layer higher up would route it to a chain-specific
// implementation).
package onchainrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/models"
	"github.com/cryptodata/platform/internal/ratelimit"
	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/sources"
)

// Client is an EVM-RPC-backed OnchainSource.
type Client struct {
	rpcURL   string
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	log      zerolog.Logger
}

// New constructs a Client against rpcURL, an EVM JSON-RPC endpoint.
func New(rpcURL string, reg *registry.Registry, log zerolog.Logger) *Client {
	return &Client{
		rpcURL:   rpcURL,
		registry: reg,
		limiter:  ratelimit.New(5, 5, 300),
		log:      log.With().Str("adapter", "onchainrpc").Logger(),
	}
}

// Name implements sources.OnchainSource.
func (c *Client) Name() string { return "onchainrpc" }

// FetchOnchainMetrics implements sources.OnchainSource. For each EVM
// symbol it reads the latest block and counts the transactions in it as
// a coarse proxy for network activity; this is intentionally lightweight
// compared to a full indexer, matching the spec's "directly query
// source-of-truth" model for on-chain reads.
func (c *Client) FetchOnchainMetrics(ctx context.Context, req sources.FetchRequest) ([]models.OnchainMetric, error) {
	if c.rpcURL == "" {
		return nil, sources.NewError("onchainrpc.fetch", sources.KindAuthFailed, fmt.Errorf("no RPC URL configured"))
	}

	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return nil, sources.NewError("onchainrpc.dial", sources.KindTransient, err)
	}
	defer client.Close()

	now := time.Now().UTC()
	date := now.Truncate(24 * time.Hour)

	var out []models.OnchainMetric
	for _, sym := range req.Symbols {
		asset, ok, err := c.registry.Asset(ctx, sym)
		if err != nil {
			return nil, sources.NewError("onchainrpc.resolve", sources.KindInternal, err)
		}
		if !ok || asset.Chain == "" || asset.Chain == "non-evm" {
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, sources.NewError("onchainrpc.ratelimit", sources.KindInternal, err)
		}

		header, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, sources.NewError("onchainrpc.header", sources.KindTransient, err)
		}

		block, err := client.BlockByHash(ctx, header.Hash())
		if err != nil {
			return nil, sources.NewError("onchainrpc.block", sources.KindTransient, err)
		}

		txCount := int64(len(block.Transactions()))
		out = append(out, models.OnchainMetric{
			Symbol:           sym,
			Date:             date,
			Hour:             now.Hour(),
			TransactionCount: &txCount,
			Source:           c.Name(),
		})
	}

	return out, nil
}
