package sources

import (
	"context"
	"strings"
)

var positiveLexicon = map[string]float64{
	"surge": 0.6, "rally": 0.6, "bullish": 0.7, "gain": 0.4, "soar": 0.7,
	"adoption": 0.5, "partnership": 0.4, "upgrade": 0.4, "record": 0.5,
	"approval": 0.6, "breakout": 0.5,
}

var negativeLexicon = map[string]float64{
	"crash": -0.8, "plunge": -0.7, "bearish": -0.7, "hack": -0.9, "exploit": -0.9,
	"lawsuit": -0.5, "ban": -0.6, "selloff": -0.6, "delist": -0.5, "fraud": -0.8,
	"collapse": -0.8,
}

// HeuristicClassifier is a lexicon-based sentiment scorer with no external
// calls, used when no model-backed Classifier is wired so the sentiment
// collector remains exercisable in isolation.
type HeuristicClassifier struct{}

// NewHeuristicClassifier constructs a HeuristicClassifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{}
}

// Score implements Classifier using a simple positive/negative word-count
// heuristic. Confidence grows with the number of lexicon hits, capped at
// 0.9 since a keyword match is never as reliable as a trained model.
func (h *HeuristicClassifier) Score(_ context.Context, text string) (float64, float64, error) {
	lower := strings.ToLower(text)
	words := strings.Fields(lower)

	var sum float64
	hits := 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()")
		if v, ok := positiveLexicon[w]; ok {
			sum += v
			hits++
		}
		if v, ok := negativeLexicon[w]; ok {
			sum += v
			hits++
		}
	}

	if hits == 0 {
		return 0, 0.1, nil
	}

	score := sum / float64(hits)
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}

	confidence := 0.3 + 0.1*float64(hits)
	if confidence > 0.9 {
		confidence = 0.9
	}

	return score, confidence, nil
}
