package materializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultFeatureSet_TotalWeight(t *testing.T) {
	fs := DefaultFeatureSet("v1")
	assert.Equal(t, "v1", fs.Version)
	assert.Equal(t, float64(len(fs.Weights)), fs.TotalWeight())
}

func TestFeatureSet_Completeness_AllPresent(t *testing.T) {
	fs := DefaultFeatureSet("v1")
	present := make(map[string]bool, len(fs.Weights))
	for col := range fs.Weights {
		present[col] = true
	}
	assert.InDelta(t, 100.0, fs.Completeness(present), 0.0001)
}

func TestFeatureSet_Completeness_NonePresent(t *testing.T) {
	fs := DefaultFeatureSet("v1")
	assert.Equal(t, 0.0, fs.Completeness(map[string]bool{}))
}

func TestFeatureSet_Completeness_Partial(t *testing.T) {
	fs := FeatureSet{
		Version: "v1",
		Weights: map[string]float64{"a": 1, "b": 1, "c": 2},
	}
	got := fs.Completeness(map[string]bool{"a": true})
	assert.InDelta(t, 25.0, got, 0.0001) // 1 / 4 * 100
}

func TestFeatureSet_Completeness_ZeroWeight(t *testing.T) {
	fs := FeatureSet{Version: "v1", Weights: map[string]float64{}}
	assert.Equal(t, 0.0, fs.Completeness(map[string]bool{"a": true}))
}
