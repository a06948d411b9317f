package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// coefficients is the artifact payload shape for a linear/logistic-style
// predictor: a bias plus a per-feature weight, trained out-of-band by
// whatever algorithm the Training Orchestrator's trainer used (§1: the
// choice of particular ML algorithms is out of scope; this is the uniform
// serving-side contract every such trainer's artifact satisfies).
type coefficients struct {
	Bias            float64            `json:"bias"`
	Weights         map[string]float64 `json:"weights"`
	ConfidenceWidth float64            `json:"confidenceWidth"`
	Unit            string             `json:"unit"`
	// Squash, when true, passes the raw linear score through a logistic
	// function, for models whose Value is a probability/score in [0,1]
	// (churn risk, win probability) rather than an unbounded quantity.
	Squash bool `json:"squash"`
}

// linearPredictor scores a weighted sum of extracted features plus a bias,
// optionally squashed through a logistic function. It backs PrintTime,
// PriceOptimization, ChurnPrediction, and BottleneckDetection, whose primary
// output is a single scalar (minutes, price, risk score, wait minutes).
type linearPredictor struct {
	coeffs coefficients
}

func loadLinearPredictor(_ context.Context, artifactPath string) (Predictor, error) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact: %w", ErrInference, err)
	}

	var c coefficients
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %w", ErrInference, err)
	}

	return &linearPredictor{coeffs: c}, nil
}

func (p *linearPredictor) Predict(_ context.Context, features map[string]float64) (Result, error) {
	rawScores := make(map[string]float64, len(p.coeffs.Weights))
	score := p.coeffs.Bias

	for name, weight := range p.coeffs.Weights {
		contribution := weight * features[name]
		rawScores[name] = contribution
		score += contribution
	}

	value := score
	if p.coeffs.Squash {
		value = 1 / (1 + math.Exp(-score))
	}

	width := p.coeffs.ConfidenceWidth
	if width == 0 {
		width = 0.1 * math.Abs(value)
	}

	return Result{
		Value:           value,
		Unit:            p.coeffs.Unit,
		ConfidenceLower: value - width,
		ConfidenceUpper: value + width,
		RawScores:       rawScores,
		FeatureValues:   features,
	}, nil
}

// topAbsolute returns the k feature names with the largest absolute raw
// score, descending.
func topAbsolute(scores map[string]float64, k int) []string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool {
		return math.Abs(scores[names[i]]) > math.Abs(scores[names[j]])
	})

	if len(names) > k {
		names = names[:k]
	}

	return names
}
