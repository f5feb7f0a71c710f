package materializer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FeatureSet is a versioned list of feature columns with weights used to
// compute data_completeness_percentage: sum(weight of present columns) /
// sum(all weights) * 100.
type FeatureSet struct {
	Version string                 `yaml:"version"`
	Weights map[string]float64     `yaml:"weights"`
}

// DefaultFeatureSet is used when no feature-set config file is configured,
// weighting every joined column equally.
func DefaultFeatureSet(version string) FeatureSet {
	return FeatureSet{
		Version: version,
		Weights: map[string]float64{
			"price_usd":          1,
			"volume_24h":         1,
			"ohlc_open":          1,
			"ohlc_high":          1,
			"ohlc_low":           1,
			"ohlc_close":         1,
			"active_addresses":   1,
			"transaction_count":  1,
			"circulating_supply": 1,
			"sentiment_score":    1,
			"rsi14":              1,
			"ema12":              1,
			"ema26":              1,
			"macd":               1,
			"volatility":         1,
			"open_interest":      1,
			"funding_rate":       1,
			"market_cap_usd":     1,
			"dominance_pct":      1,
		},
	}
}

// LoadFeatureSet reads a FeatureSet from a YAML file at path.
func LoadFeatureSet(path string) (FeatureSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("featureset: read %s: %w", path, err)
	}

	var fs FeatureSet
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return FeatureSet{}, fmt.Errorf("featureset: parse %s: %w", path, err)
	}
	return fs, nil
}

// TotalWeight returns the sum of every column's weight.
func (fs FeatureSet) TotalWeight() float64 {
	var total float64
	for _, w := range fs.Weights {
		total += w
	}
	return total
}

// Completeness computes data_completeness_percentage for the set of
// columns present in row.
func (fs FeatureSet) Completeness(present map[string]bool) float64 {
	total := fs.TotalWeight()
	if total == 0 {
		return 0
	}
	var achieved float64
	for col, w := range fs.Weights {
		if present[col] {
			achieved += w
		}
	}
	return achieved / total * 100
}
