package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/maliev/predictionservice/internal/model"
)

// wireResponse is the JSON shape persisted in the cache (§4.4 Invariant C2:
// "values are opaque bytes with the serialization format versioned"). It is
// a plain projection of Response; CacheStatus is deliberately omitted since
// a cache hit always overwrites it with Hit regardless of what was stored.
type wireResponse struct {
	PredictedValue  float64        `json:"predictedValue"`
	Unit            string         `json:"unit"`
	ConfidenceLower float64        `json:"confidenceLower"`
	ConfidenceUpper float64        `json:"confidenceUpper"`
	TopFactors      []wireFactor   `json:"topFactors"`
	HumanReadable   string         `json:"humanReadable"`
	ModelVersion    string         `json:"modelVersion"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type wireFactor struct {
	Name   string      `json:"name"`
	Weight float64     `json:"weight"`
	Trend  model.Trend `json:"trend"`
}

func encodeResponse(r Response) ([]byte, error) {
	factors := make([]wireFactor, 0, len(r.Explanation.TopFactors))
	for _, f := range r.Explanation.TopFactors {
		factors = append(factors, wireFactor{Name: f.Name, Weight: f.Weight, Trend: f.Trend})
	}

	wire := wireResponse{
		PredictedValue:  r.PredictedValue,
		Unit:            r.Unit,
		ConfidenceLower: r.ConfidenceLower,
		ConfidenceUpper: r.ConfidenceUpper,
		TopFactors:      factors,
		HumanReadable:   r.Explanation.HumanReadable,
		ModelVersion:    r.ModelVersion,
		Timestamp:       r.Timestamp,
		Metadata:        r.Metadata,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode response: %w", err)
	}

	return data, nil
}

func decodeResponse(data []byte) (Response, error) {
	var wire wireResponse

	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, fmt.Errorf("orchestrator: decode response: %w", err)
	}

	factors := make([]model.FeatureContribution, 0, len(wire.TopFactors))
	for _, f := range wire.TopFactors {
		factors = append(factors, model.FeatureContribution{Name: f.Name, Weight: f.Weight, Trend: f.Trend})
	}

	return Response{
		PredictedValue:  wire.PredictedValue,
		Unit:            wire.Unit,
		ConfidenceLower: wire.ConfidenceLower,
		ConfidenceUpper: wire.ConfidenceUpper,
		Explanation: Explanation{
			TopFactors:    factors,
			HumanReadable: wire.HumanReadable,
		},
		ModelVersion: wire.ModelVersion,
		Timestamp:    wire.Timestamp,
		Metadata:     wire.Metadata,
	}, nil
}
