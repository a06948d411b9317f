package predictor

import (
	"context"

	"github.com/shopspring/decimal"
)

// Fallback is the rule-based predictor invoked when a type has no Active
// model (§4.3 step 3, §7 NoActiveModel). It is deliberately simple and
// transparent — a handful of documented heuristics per type — so a
// degraded response is still directionally useful and auditable.
type Fallback struct {
	rules map[string]func(map[string]float64) Result
}

// NewFallback constructs the rule-based fallback set for every recognized
// type (§7 "if rule-based fallback is configured for the type, serve it
// with a degraded: true flag").
func NewFallback() *Fallback {
	return &Fallback{
		rules: map[string]func(map[string]float64) Result{
			"PrintTime":           fallbackPrintTime,
			"DemandForecast":      fallbackFlatForecast,
			"PriceOptimization":   fallbackPriceOptimization,
			"ChurnPrediction":     fallbackChurnPrediction,
			"MaterialDemand":      fallbackFlatForecast,
			"BottleneckDetection": fallbackBottleneck,
		},
	}
}

// Predict runs the heuristic registered for typeName, returning its Result
// unchanged; callers are responsible for setting the degraded flag on the
// response envelope.
func (f *Fallback) Predict(_ context.Context, typeName string, features map[string]float64) (Result, error) {
	rule, ok := f.rules[typeName]
	if !ok {
		rule = fallbackGeneric
	}

	return rule(features), nil
}

// fallbackPrintTime estimates minutes as a linear function of volume and
// layer count, the two dominant factors a naive slicer heuristic would use
// absent a trained model.
func fallbackPrintTime(features map[string]float64) Result {
	volume := features["volumeMm3"]
	layerHeight := features["layerHeightMm"]
	heightMm := features["boundingHeightMm"]

	layers := 0.0
	if layerHeight > 0 {
		layers = ceil(heightMm / layerHeight)
	}

	minutes := volume/1000*2 + layers*0.15

	return Result{
		Value:           minutes,
		Unit:            "minutes",
		ConfidenceLower: minutes * 0.7,
		ConfidenceUpper: minutes * 1.5,
		FeatureValues:   features,
		Extra: map[string]any{
			"breakdown": map[string]float64{
				"printMinutes":       minutes * 0.8,
				"postProcessMinutes": minutes * 0.15,
				"qcMinutes":          minutes * 0.05,
			},
		},
	}
}

func fallbackFlatForecast(features map[string]float64) Result {
	horizon := int(features["horizon"])
	if horizon <= 0 {
		horizon = 7
	}

	baseline := features["recentAverage"]

	return Result{
		Value:         baseline * float64(horizon),
		Unit:          "units",
		FeatureValues: features,
		Extra: map[string]any{
			"flatForecast": true,
			"horizon":      horizon,
			"perStep":      baseline,
		},
	}
}

// fallbackPriceOptimization prices off a cost-plus-complexity markup, using
// decimal.Decimal for the markup arithmetic rather than float64 so repeated
// quoting of the same inputs never drifts by a cent across requests or
// across this service and downstream billing (§4.2 PriceOptimization:
// output is a dollar amount).
func fallbackPriceOptimization(features map[string]float64) Result {
	cost := decimal.NewFromFloatWithExponent(features["materialCost"], -4)
	complexity := decimal.NewFromFloatWithExponent(features["complexityScore"], -4)

	markup := decimal.NewFromFloat(1.4).Add(decimal.NewFromFloat(0.1).Mul(complexity))
	price := cost.Mul(markup).Round(2)

	lower := price.Mul(decimal.NewFromFloat(0.85)).Round(2)
	upper := price.Mul(decimal.NewFromFloat(1.15)).Round(2)

	priceFloat, _ := price.Float64()
	lowerFloat, _ := lower.Float64()
	upperFloat, _ := upper.Float64()

	return Result{
		Value:           priceFloat,
		Unit:            "usd",
		ConfidenceLower: lowerFloat,
		ConfidenceUpper: upperFloat,
		FeatureValues:   features,
		Extra: map[string]any{
			"winProbability": 0.5,
		},
	}
}

func fallbackChurnPrediction(features map[string]float64) Result {
	recency := features["daysSinceLastOrder"]

	risk := clamp(recency/2, 0, 100)

	return Result{
		Value:         risk,
		Unit:          "score",
		FeatureValues: features,
		Extra: map[string]any{
			"probability30d": clamp(risk/200, 0, 1),
			"probability60d": clamp(risk/150, 0, 1),
			"probability90d": clamp(risk/100, 0, 1),
		},
	}
}

func fallbackBottleneck(features map[string]float64) Result {
	utilization := features["utilizationPercent"]

	waitMinutes := utilization * 0.6

	return Result{
		Value:         waitMinutes,
		Unit:          "minutes",
		FeatureValues: features,
		Extra: map[string]any{
			"severityTier": severityTier(utilization),
		},
	}
}

func fallbackGeneric(features map[string]float64) Result {
	return Result{Value: 0, Unit: "", FeatureValues: features}
}

func severityTier(utilizationPercent float64) string {
	switch {
	case utilizationPercent >= 90:
		return "Critical"
	case utilizationPercent >= 70:
		return "Elevated"
	default:
		return "Normal"
	}
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

func ceil(v float64) float64 {
	i := float64(int(v))
	if v > i {
		return i + 1
	}

	return i
}
