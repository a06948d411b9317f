package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// forecastCoefficients is the artifact payload for a horizon-based
// predictor: a baseline level, a trend slope per step, and a seasonal
// multiplier table keyed by step index modulo the seasonal period. Backs
// DemandForecast and MaterialDemand, whose primary output is a per-step
// series rather than a single scalar.
type forecastCoefficients struct {
	Baseline         float64            `json:"baseline"`
	TrendPerStep     float64            `json:"trendPerStep"`
	SeasonalPeriod   int                `json:"seasonalPeriod"`
	SeasonalFactors  []float64          `json:"seasonalFactors"`
	FeatureWeights   map[string]float64 `json:"featureWeights"`
	BandWidthPercent float64            `json:"bandWidthPercent"`
	Unit             string             `json:"unit"`
}

// ForecastStep is one point of a multi-step forecast (§4.3 DemandForecast
// and MaterialDemand outputs).
type ForecastStep struct {
	Step     int
	Point    float64
	Lower80  float64
	Upper80  float64
	Lower95  float64
	Upper95  float64
	Anomaly  bool
}

type forecastPredictor struct {
	coeffs forecastCoefficients
}

func loadForecastPredictor(_ context.Context, artifactPath string) (Predictor, error) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact: %w", ErrInference, err)
	}

	var c forecastCoefficients
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %w", ErrInference, err)
	}

	if c.SeasonalPeriod <= 0 {
		c.SeasonalPeriod = 1
	}

	if len(c.SeasonalFactors) == 0 {
		c.SeasonalFactors = []float64{1.0}
	}

	if c.BandWidthPercent <= 0 {
		c.BandWidthPercent = 0.1
	}

	return &forecastPredictor{coeffs: c}, nil
}

// Predict produces an aggregated Value (the sum of the per-step forecast,
// §4.3 DemandForecast "aggregated predicted value") plus the full per-step
// series in Extra["steps"], consumed by the DemandForecast/MaterialDemand
// handlers to build the step-by-step response.
func (p *forecastPredictor) Predict(_ context.Context, features map[string]float64) (Result, error) {
	horizon := int(features["horizon"])
	if horizon <= 0 {
		horizon = 7
	}

	rawScores := make(map[string]float64, len(p.coeffs.FeatureWeights))
	adjustment := 0.0

	for name, weight := range p.coeffs.FeatureWeights {
		contribution := weight * features[name]
		rawScores[name] = contribution
		adjustment += contribution
	}

	steps := make([]ForecastStep, 0, horizon)
	total := 0.0

	for i := 1; i <= horizon; i++ {
		seasonal := p.coeffs.SeasonalFactors[(i-1)%len(p.coeffs.SeasonalFactors)]
		point := (p.coeffs.Baseline+p.coeffs.TrendPerStep*float64(i)+adjustment) * seasonal

		if point < 0 {
			point = 0
		}

		band80 := point * p.coeffs.BandWidthPercent
		band95 := band80 * 1.5

		step := ForecastStep{
			Step:    i,
			Point:   point,
			Lower80: nonNegative(point - band80),
			Upper80: point + band80,
			Lower95: nonNegative(point - band95),
			Upper95: point + band95,
		}

		steps = append(steps, step)
		total += point
	}

	return Result{
		Value:         total,
		Unit:          p.coeffs.Unit,
		RawScores:     rawScores,
		FeatureValues: features,
		Extra:         map[string]any{"steps": steps},
	}, nil
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}

	return v
}
