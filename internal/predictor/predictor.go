// Package predictor provides the Predictor Registry: the per-type dispatch
// from a loaded model artifact to a typed inference call (§4.3 steps 5-7),
// and the predictors themselves.
//
// The registry owns the memo of deserialized predictor instances keyed by
// (type, modelId); predictors hold no back-reference to the registry, so the
// cyclic reference the source exhibited (predictor -> registry -> predictor)
// does not exist here (§9 design note on cyclic references).
package predictor

import (
	"context"
	"errors"
	"fmt"

	"github.com/maliev/predictionservice/internal/model"
)

// ErrMalformedGeometry is returned by geometry feature extraction when the
// input bytes are empty or not a structurally valid mesh (§4.3).
var ErrMalformedGeometry = errors.New("predictor: malformed geometry")

// ErrInputTooLarge is returned when an opaque binary input exceeds its
// documented size cap (§4.3, §6 config maximum geometry size).
var ErrInputTooLarge = errors.New("predictor: input exceeds maximum size")

// ErrInference wraps any unexpected condition a predictor raises while
// scoring a request (§7 InferenceError).
var ErrInference = errors.New("predictor: inference failed")

// Result is the uniform output of a predictor's Predict call. Per-type HTTP
// handlers project Value/Extra into the type-specific response shape (§6
// response envelope, §4.3 per-type output table).
type Result struct {
	// Value is the primary predicted quantity (estimated minutes, optimal
	// price, risk score, aggregated forecast, etc).
	Value float64

	// Unit labels Value (e.g. "minutes", "usd", "score").
	Unit string

	// ConfidenceLower/ConfidenceUpper bound Value in the predictor's
	// confidence interval.
	ConfidenceLower float64
	ConfidenceUpper float64

	// RawScores is a per-feature importance approximation (permutation or
	// tree-feature-importance style) the Explainer normalizes into top-k
	// contributions (§4.7).
	RawScores map[string]float64

	// FeatureValues are the (already-extracted, already-normalized) feature
	// values used for this prediction, which the Explainer compares against
	// stored population statistics for trend/percentile classification.
	FeatureValues map[string]float64

	// Extra carries type-specific structured output (breakdown minutes,
	// per-step forecast bands, price range, risk factors, ...) that does not
	// fit the uniform Value/Unit shape.
	Extra map[string]any
}

// Predictor scores a single request's extracted features. Implementations
// must be safe for concurrent use: the registry's memo serves one instance
// to every concurrent request for the same (type, modelId).
type Predictor interface {
	Predict(ctx context.Context, features map[string]float64) (Result, error)
}

// Loader deserializes a predictor instance from a downloaded artifact file,
// one per model.Type.
type Loader func(ctx context.Context, artifactPath string) (Predictor, error)

// loaders maps each type to its artifact-deserialization function. Adding a
// new model.Type requires registering a Loader here (§9 open question on
// the type enum).
var loaders = map[model.Type]Loader{
	model.PrintTime:           loadLinearPredictor,
	model.DemandForecast:      loadForecastPredictor,
	model.PriceOptimization:   loadLinearPredictor,
	model.ChurnPrediction:     loadLinearPredictor,
	model.MaterialDemand:      loadForecastPredictor,
	model.BottleneckDetection: loadLinearPredictor,
}

// LoaderFor returns the artifact loader registered for t.
func LoaderFor(t model.Type) (Loader, error) {
	l, ok := loaders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownType, t)
	}

	return l, nil
}
