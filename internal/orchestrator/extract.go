package orchestrator

import (
	"errors"
	"fmt"

	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/predictor"
)

// defaultExtractors builds the per-type feature extraction table (§4.3
// "Extract features: type-specific; contract below"), one function per row
// of the per-type contract table.
func defaultExtractors() map[model.Type]FeatureExtractor {
	return map[model.Type]FeatureExtractor{
		model.PrintTime:           extractPrintTime,
		model.DemandForecast:      extractDemandForecast,
		model.PriceOptimization:  extractPriceOptimization,
		model.ChurnPrediction:     extractChurnPrediction,
		model.MaterialDemand:      extractMaterialDemand,
		model.BottleneckDetection: extractBottleneck,
	}
}

// extractPrintTime derives geometry features from the request's binary
// payload and folds in the named print parameters (§4.3 PrintTime row).
func extractPrintTime(req Request) (map[string]float64, error) {
	layerHeight := floatParam(req.Params, "layerHeightMm", 0.2)
	infill := floatParam(req.Params, "infillPercent", 20)

	geometry, err := predictor.ExtractGeometry(req.BinaryPayload, layerHeight, infill)
	if err != nil {
		if errors.Is(err, predictor.ErrInputTooLarge) {
			return nil, fmt.Errorf("%w: %w", ErrInputTooLarge, err)
		}

		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	return map[string]float64{
		"volumeMm3":         geometry.VolumeMm3,
		"surfaceAreaMm2":     geometry.SurfaceAreaMm2,
		"boundingWidthMm":    geometry.BoundingWidthMm,
		"boundingDepthMm":    geometry.BoundingDepthMm,
		"boundingHeightMm":   geometry.BoundingHeightMm,
		"layerCount":         float64(geometry.LayerCount),
		"supportPercent":     geometry.SupportPercent,
		"complexityScore":    geometry.ComplexityScore,
		"layerHeightMm":      layerHeight,
		"infillPercent":      infill,
		"printSpeedMmS":      floatParam(req.Params, "printSpeedMmS", 60),
		"nozzleTempC":        floatParam(req.Params, "nozzleTempC", 210),
		"bedTempC":           floatParam(req.Params, "bedTempC", 60),
	}, nil
}

// extractDemandForecast passes the horizon and baseline signals a forecast
// predictor needs through untouched; the forecaster itself derives the
// per-step series (§4.3 DemandForecast row).
func extractDemandForecast(req Request) (map[string]float64, error) {
	return map[string]float64{
		"horizon":       floatParam(req.Params, "horizonDays", 7),
		"recentAverage": floatParam(req.Params, "recentAverage", 0),
	}, nil
}

func extractPriceOptimization(req Request) (map[string]float64, error) {
	return map[string]float64{
		"materialCost":         floatParam(req.Params, "materialCost", 0),
		"complexityScore":      floatParam(req.Params, "complexityScore", 0),
		"competitorBenchmark":  floatParam(req.Params, "competitorBenchmark", 0),
	}, nil
}

// extractChurnPrediction expects the RFM/behavior features to have already
// been derived upstream by the caller from an external customer reader
// (§4.3 ChurnPrediction row: "the aggregator derives RFM + behavior
// features"); this package receives them as already-computed parameters.
func extractChurnPrediction(req Request) (map[string]float64, error) {
	return map[string]float64{
		"daysSinceLastOrder": floatParam(req.Params, "daysSinceLastOrder", 0),
		"orderFrequency":     floatParam(req.Params, "orderFrequency", 0),
		"averageOrderValue":  floatParam(req.Params, "averageOrderValue", 0),
		"supportTicketCount": floatParam(req.Params, "supportTicketCount", 0),
	}, nil
}

func extractMaterialDemand(req Request) (map[string]float64, error) {
	return map[string]float64{
		"horizon":       floatParam(req.Params, "horizonDays", 7),
		"recentAverage": floatParam(req.Params, "recentAverage", 0),
	}, nil
}

func extractBottleneck(req Request) (map[string]float64, error) {
	return map[string]float64{
		"utilizationPercent": floatParam(req.Params, "utilizationPercent", 0),
		"queueDepth":         floatParam(req.Params, "queueDepth", 0),
	}, nil
}

// floatParam extracts a numeric parameter from a decoded JSON params map,
// defaulting when absent. JSON numbers decode to float64, but int and
// float32 are also accepted so programmatically constructed requests (e.g.
// tests) need not box every value as float64.
func floatParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}

	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}
