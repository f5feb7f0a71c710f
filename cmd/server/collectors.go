package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/collectors"
	"github.com/cryptodata/platform/internal/config"
	"github.com/cryptodata/platform/internal/placeholder"
	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/sources"
	"github.com/cryptodata/platform/internal/sources/coingecko"
	"github.com/cryptodata/platform/internal/sources/derivexchange"
	"github.com/cryptodata/platform/internal/sources/fred"
	"github.com/cryptodata/platform/internal/sources/marketagg"
	"github.com/cryptodata/platform/internal/sources/newsapi"
	"github.com/cryptodata/platform/internal/sources/onchainrpc"
)

// macroSeriesIDs are the FRED series broadcast into every symbol's macro
// context; this deployment tracks the federal funds rate and headline CPI.
var macroSeriesIDs = []string{"DFF", "CPIAUCSL"}

// buildCollectors constructs every source adapter and wraps each in its
// concrete collector, then in the generic lifecycle/circuit-breaker
// Collector, keyed by the name used in config.Collectors and the control
// plane's collector-name routes.
func buildCollectors(db *sqlx.DB, reg *registry.Registry, ph *placeholder.Manager, cfg *config.Config, log zerolog.Logger) (map[string]*collectors.Collector, error) {
	priceSrc := coingecko.New(cfg.CoinGeckoAPIKey, reg, log)
	macroSrc := fred.New(cfg.FREDAPIKey, log)
	newsSrc := newsapi.New(cfg.NewsAPIKey, log)
	onchainSrc := onchainrpc.New(cfg.EthereumRPCURL, reg, log)
	derivSrc := derivexchange.New("https://api.derivatives.example", log)
	marketSrc := marketagg.New("https://api.marketagg.example", log)
	classifier := sources.NewHeuristicClassifier()

	minCompleteness := func(name string) float64 {
		if cc, ok := cfg.Collectors[name]; ok {
			return cc.MinCompletenessToOverwrite
		}
		return 90
	}

	sourcesByName := map[string]collectors.Source{
		"price":       collectors.NewPriceCollector(db, reg, priceSrc, ph, minCompleteness("price"), log),
		"ohlc":        collectors.NewOHLCCollector(db, reg, priceSrc, ph, minCompleteness("ohlc"), log),
		"onchain":     collectors.NewOnchainCollector(db, reg, onchainSrc, ph, minCompleteness("onchain"), log),
		"macro":       collectors.NewMacroCollector(db, macroSrc, macroSeriesIDs, ph, minCompleteness("macro"), log),
		"news":        collectors.NewNewsCollector(db, reg, newsSrc, ph, log),
		"sentiment":   collectors.NewSentimentCollector(db, reg, classifier, ph, minCompleteness("sentiment"), log),
		"technical":   collectors.NewTechnicalCollector(db, reg, ph, minCompleteness("technical"), log),
		"derivatives": collectors.NewDerivativesCollector(db, reg, derivSrc, ph, minCompleteness("derivatives"), log),
		"market":      collectors.NewMarketCollector(db, reg, marketSrc, ph, minCompleteness("market"), log),
	}

	out := make(map[string]*collectors.Collector, len(sourcesByName))
	for name, src := range sourcesByName {
		if _, ok := cfg.Collectors[name]; !ok {
			return nil, fmt.Errorf("buildCollectors: no config entry for collector %q", name)
		}
		out[name] = collectors.New(src, log, collectors.Config{
			FailureThreshold: uint32(cfg.CircuitBreakerThreshold),
			CooldownPeriod:   cfg.CircuitBreakerCooldown(),
		})
	}
	return out, nil
}
