package training

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/maliev/predictionservice/internal/model"
)

// linearArtifact mirrors the predictor package's unexported coefficients
// shape (predictor.coefficients): a bias plus per-feature weight. The two
// packages intentionally don't share the type — the serving side only
// needs to decode the JSON contract, not depend on how it was fit (§1: the
// choice of ML algorithm is out of scope; this is one concrete trainer
// satisfying the contract).
type linearArtifact struct {
	Bias            float64            `json:"bias"`
	Weights         map[string]float64 `json:"weights"`
	ConfidenceWidth float64            `json:"confidenceWidth"`
	Unit            string             `json:"unit"`
	Squash          bool               `json:"squash"`
}

// forecastArtifact mirrors predictor.forecastCoefficients.
type forecastArtifact struct {
	Baseline         float64            `json:"baseline"`
	TrendPerStep     float64            `json:"trendPerStep"`
	SeasonalPeriod   int                `json:"seasonalPeriod"`
	SeasonalFactors  []float64          `json:"seasonalFactors"`
	FeatureWeights   map[string]float64 `json:"featureWeights"`
	BandWidthPercent float64            `json:"bandWidthPercent"`
	Unit             string             `json:"unit"`
}

// typeUnit and typeSquash record the per-type output contract a trainer
// must stamp into its artifact (§4.3 per-type output table).
var (
	typeUnit = map[model.Type]string{
		model.PrintTime:           "minutes",
		model.PriceOptimization:   "usd",
		model.ChurnPrediction:     "score",
		model.BottleneckDetection: "minutes",
		model.DemandForecast:      "units",
		model.MaterialDemand:      "units",
	}
	typeSquash = map[model.Type]bool{
		model.ChurnPrediction: true,
	}
)

// DefaultTrainers builds the per-type Trainer table this deployment runs
// (§4.5 step 5 "fit candidate"). The fitting method itself (batch gradient
// descent for the scalar types, trend decomposition for the forecast
// types) is a placeholder for whatever concrete modeling approach a real
// deployment plugs in; the contract other packages depend on is only the
// artifact JSON shape and the PerformanceMetrics it reports.
func DefaultTrainers() map[model.Type]Trainer {
	return map[model.Type]Trainer{
		model.PrintTime:           fitLinear,
		model.PriceOptimization:   fitLinear,
		model.ChurnPrediction:     fitLinear,
		model.BottleneckDetection: fitLinear,
		model.DemandForecast:      fitForecast,
		model.MaterialDemand:      fitForecast,
	}
}

// fitLinear trains a linearArtifact by batch gradient descent on the raw
// (unscaled) feature values, then evaluates the type's primary metric
// against a deterministic holdout split (§4.5 step 6).
func fitLinear(_ context.Context, t model.Type, rows []Row, featureColumns []string, targetColumn string) ([]byte, model.PerformanceMetrics, error) {
	train, holdout := HoldoutSplit(rows, DefaultHoldoutFraction)
	if len(train) == 0 {
		return nil, model.PerformanceMetrics{}, fmt.Errorf("training: no rows left after holdout split for %s", t)
	}

	weights, bias := gradientDescent(train, featureColumns, targetColumn, 500, 0.01)

	predict := func(r Row) float64 {
		score := bias
		for _, col := range featureColumns {
			score += weights[col] * r[col]
		}

		if typeSquash[t] {
			return 1 / (1 + math.Exp(-score))
		}

		return score
	}

	metrics := evaluate(t, holdout, targetColumn, predict)

	artifact := linearArtifact{
		Bias:    bias,
		Weights: weights,
		Unit:    typeUnit[t],
		Squash:  typeSquash[t],
	}

	body, err := json.Marshal(artifact)
	if err != nil {
		return nil, model.PerformanceMetrics{}, fmt.Errorf("training: marshal linear artifact: %w", err)
	}

	return body, metrics, nil
}

// fitForecast trains a forecastArtifact from the mean level and linear
// trend of the target column; feature weights come from a 200-iteration
// gradient-descent fit against featureColumns.
func fitForecast(_ context.Context, t model.Type, rows []Row, featureColumns []string, targetColumn string) ([]byte, model.PerformanceMetrics, error) {
	train, holdout := HoldoutSplit(rows, DefaultHoldoutFraction)
	if len(train) == 0 {
		return nil, model.PerformanceMetrics{}, fmt.Errorf("training: no rows left after holdout split for %s", t)
	}

	baseline := meanOf(train, targetColumn)
	trend := trendOf(train, targetColumn)
	weights, _ := gradientDescent(train, featureColumns, targetColumn, 200, 0.005)

	predict := func(r Row) float64 {
		adjustment := 0.0
		for _, col := range featureColumns {
			adjustment += weights[col] * r[col]
		}

		return baseline + adjustment
	}

	metrics := evaluate(t, holdout, targetColumn, predict)

	artifact := forecastArtifact{
		Baseline:         baseline,
		TrendPerStep:     trend,
		SeasonalPeriod:   1,
		SeasonalFactors:  []float64{1.0},
		FeatureWeights:   weights,
		BandWidthPercent: 0.15,
		Unit:             typeUnit[t],
	}

	body, err := json.Marshal(artifact)
	if err != nil {
		return nil, model.PerformanceMetrics{}, fmt.Errorf("training: marshal forecast artifact: %w", err)
	}

	return body, metrics, nil
}

// gradientDescent fits a linear model (bias + per-feature weight) against
// targetColumn by batch gradient descent over featureColumns.
func gradientDescent(rows []Row, featureColumns []string, targetColumn string, iterations int, lr float64) (map[string]float64, float64) {
	weights := make(map[string]float64, len(featureColumns))
	for _, col := range featureColumns {
		weights[col] = 0
	}

	var bias float64

	n := float64(len(rows))
	if n == 0 {
		return weights, 0
	}

	for iter := 0; iter < iterations; iter++ {
		gradients := make(map[string]float64, len(featureColumns))
		var biasGradient float64

		for _, row := range rows {
			pred := bias
			for _, col := range featureColumns {
				pred += weights[col] * row[col]
			}

			errTerm := pred - row[targetColumn]
			biasGradient += errTerm

			for _, col := range featureColumns {
				gradients[col] += errTerm * row[col]
			}
		}

		bias -= lr * biasGradient / n

		for _, col := range featureColumns {
			weights[col] -= lr * gradients[col] / n
		}
	}

	return weights, bias
}

// evaluate computes only the primary metric for t over holdout rows using
// predict; the other metric fields stay nil.
func evaluate(t model.Type, holdout []Row, targetColumn string, predict func(Row) float64) model.PerformanceMetrics {
	if len(holdout) == 0 {
		return model.PerformanceMetrics{}
	}

	actual := make([]float64, 0, len(holdout))
	predicted := make([]float64, 0, len(holdout))

	for _, row := range holdout {
		actual = append(actual, row[targetColumn])
		predicted = append(predicted, predict(row))
	}

	metrics := model.PerformanceMetrics{}

	metricName, _, err := model.PrimaryMetric(t)
	if err != nil {
		return metrics
	}

	switch metricName {
	case "r2":
		v := r2Score(actual, predicted)
		metrics.R2 = &v
	case "mape":
		v := mapeScore(actual, predicted)
		metrics.MAPE = &v
	case "precision":
		v := precisionScore(actual, predicted)
		metrics.Precision = &v
	}

	return metrics
}

func meanOf(rows []Row, column string) float64 {
	if len(rows) == 0 {
		return 0
	}

	var sum float64
	for _, r := range rows {
		sum += r[column]
	}

	return sum / float64(len(rows))
}

// trendOf estimates a per-step slope as the average first difference of
// target values in insertion order; a coarse stand-in for a fit trend
// line, adequate for the fallback-quality forecaster this trainer produces.
func trendOf(rows []Row, column string) float64 {
	if len(rows) < 2 {
		return 0
	}

	var sum float64

	for i := 1; i < len(rows); i++ {
		sum += rows[i][column] - rows[i-1][column]
	}

	return sum / float64(len(rows)-1)
}

func r2Score(actual, predicted []float64) float64 {
	mean := meanSlice(actual)

	var ssRes, ssTot float64

	for i := range actual {
		ssRes += (actual[i] - predicted[i]) * (actual[i] - predicted[i])
		ssTot += (actual[i] - mean) * (actual[i] - mean)
	}

	if ssTot == 0 {
		return 0
	}

	return 1 - ssRes/ssTot
}

func mapeScore(actual, predicted []float64) float64 {
	var sum float64

	var count int

	for i := range actual {
		if actual[i] == 0 {
			continue
		}

		sum += math.Abs((actual[i] - predicted[i]) / actual[i])
		count++
	}

	if count == 0 {
		return 0
	}

	return sum / float64(count) * 100
}

// precisionScore treats predicted >= 0.5 as a positive classification,
// matching the squashed-logistic churn predictor's [0,1] output.
func precisionScore(actual, predicted []float64) float64 {
	var truePositive, falsePositive int

	for i := range actual {
		if predicted[i] >= 0.5 {
			if actual[i] >= 0.5 {
				truePositive++
			} else {
				falsePositive++
			}
		}
	}

	if truePositive+falsePositive == 0 {
		return 0
	}

	return float64(truePositive) / float64(truePositive+falsePositive)
}

func meanSlice(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}
