package explainer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maliev/predictionservice/internal/model"
)

func TestExplain_RanksAndNormalizesTopK(t *testing.T) {
	scores := map[string]float64{
		"a": 5,
		"b": -3,
		"c": 1,
		"d": 0.5,
		"e": -0.2,
		"f": 9,
	}

	contributions := Explain(scores, nil, nil)

	assert.Len(t, contributions, MaxTopK)
	assert.Equal(t, "f", contributions[0].Name)
	assert.Equal(t, "a", contributions[1].Name)

	var total float64
	for _, c := range contributions {
		total += c.Weight
	}

	assert.InDelta(t, 1.0, total, 0.0001)
}

func TestExplain_FewerScoresThanMinTopK(t *testing.T) {
	scores := map[string]float64{"a": 1, "b": 2}

	contributions := Explain(scores, nil, nil)
	assert.Len(t, contributions, 2)
}

func TestExplain_Empty(t *testing.T) {
	assert.Nil(t, Explain(nil, nil, nil))
}

func TestClassifyTrend(t *testing.T) {
	stat := PopulationStat{Mean: 10, StdDev: 2}

	assert.Equal(t, model.TrendWorsening, classifyTrend("x", 13, stat))
	assert.Equal(t, model.TrendImproving, classifyTrend("x", 7, stat))
	assert.Equal(t, model.TrendStable, classifyTrend("x", 10, stat))
	assert.Equal(t, model.TrendStable, classifyTrend("x", 100, PopulationStat{}))
}

func TestHumanReadable_NoContributions(t *testing.T) {
	assert.Contains(t, HumanReadable(nil, nil, nil), "No significant factors")
}

func TestHumanReadable_RendersTopFactors(t *testing.T) {
	contributions := []model.FeatureContribution{
		{Name: "volumeMm3", Weight: 0.6, Trend: model.TrendStable},
	}
	featureValues := map[string]float64{"volumeMm3": 5000}
	population := map[string]PopulationStat{
		"volumeMm3": {Mean: 4000, StdDev: 500, P10: 2000, P90: 6000},
	}

	out := HumanReadable(contributions, featureValues, population)
	assert.Contains(t, out, "volumeMm3")
	assert.Contains(t, out, "above average")
}
