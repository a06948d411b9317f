// Package explainer implements the Explainer (§4.7): turning a predictor's
// raw per-feature scores into a bounded, human-readable explanation.
package explainer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/maliev/predictionservice/internal/model"
)

// MinTopK and MaxTopK bound the explanation size (§4.7 "top-k (k=3-5)").
const (
	MinTopK = 3
	MaxTopK = 5
)

// PopulationStat is the stored per-feature trailing-window population
// statistic used for trend classification and percentile phrasing (§4.7).
// These are computed by the Training Orchestrator at training time and
// persisted on Model.Metadata; the Explainer only reads them.
type PopulationStat struct {
	Mean   float64
	StdDev float64
	P10    float64
	P90    float64
}

// Explain ranks rawScores by absolute magnitude, keeps the top k (clamped to
// [MinTopK, MaxTopK] or len(rawScores) if smaller), and normalizes their
// weights to sum to at most 1.0 (§4.7).
func Explain(
	rawScores map[string]float64,
	featureValues map[string]float64,
	population map[string]PopulationStat,
) []model.FeatureContribution {
	if len(rawScores) == 0 {
		return nil
	}

	k := MaxTopK
	if len(rawScores) < k {
		k = len(rawScores)
	}

	if k < MinTopK && len(rawScores) >= MinTopK {
		k = MinTopK
	}

	names := make([]string, 0, len(rawScores))
	for name := range rawScores {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool {
		return math.Abs(rawScores[names[i]]) > math.Abs(rawScores[names[j]])
	})

	if len(names) > k {
		names = names[:k]
	}

	total := 0.0
	for _, name := range names {
		total += math.Abs(rawScores[name])
	}

	contributions := make([]model.FeatureContribution, 0, len(names))

	for _, name := range names {
		weight := 0.0
		if total > 0 {
			weight = math.Abs(rawScores[name]) / total
		}

		contributions = append(contributions, model.FeatureContribution{
			Name:   name,
			Weight: weight,
			Trend:  classifyTrend(name, featureValues[name], population[name]),
		})
	}

	return contributions
}

// classifyTrend compares value against the feature's trailing-window
// population statistics, classifying into Improving/Stable/Worsening using
// +-1 sigma bands (§4.7). Absent population stats default to Stable — there
// is nothing to compare against yet.
func classifyTrend(name string, value float64, stat PopulationStat) model.Trend {
	_ = name

	if stat.StdDev == 0 {
		return model.TrendStable
	}

	z := (value - stat.Mean) / stat.StdDev

	switch {
	case z > 1:
		return model.TrendWorsening
	case z < -1:
		return model.TrendImproving
	default:
		return model.TrendStable
	}
}

// HumanReadable renders a template-based explanation string from the top
// contributions, deriving percentile language ("top 10%", "above average",
// "below average") strictly from the stored population quantiles so the
// sentence never fabricates a statistic it wasn't given (§4.7).
func HumanReadable(contributions []model.FeatureContribution, featureValues map[string]float64, population map[string]PopulationStat) string {
	if len(contributions) == 0 {
		return "No significant factors identified for this prediction."
	}

	parts := make([]string, 0, len(contributions))

	for _, c := range contributions {
		phrase := percentilePhrase(featureValues[c.Name], population[c.Name])
		parts = append(parts, fmt.Sprintf("%s (%s, %s)", c.Name, phrase, strings.ToLower(string(c.Trend))))
	}

	return "Top factors: " + strings.Join(parts, "; ") + "."
}

func percentilePhrase(value float64, stat PopulationStat) string {
	if stat.P10 == 0 && stat.P90 == 0 && stat.Mean == 0 {
		return "no population data"
	}

	switch {
	case value >= stat.P90:
		return "top 10%"
	case value <= stat.P10:
		return "bottom 10%"
	case value >= stat.Mean:
		return "above average"
	default:
		return "below average"
	}
}
