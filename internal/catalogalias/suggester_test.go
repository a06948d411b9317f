package catalogalias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggestPatterns_GroupsBySharedPrefixAndCanonical(t *testing.T) {
	observations := []Observation{
		{Raw: "pla-matte-black", Canonical: "pla"},
		{Raw: "pla-glossy", Canonical: "pla"},
		{Raw: "abs-standard", Canonical: "abs"},
	}

	suggestions := SuggestPatterns(observations)

	require.Len(t, suggestions, 2)
	assert.Equal(t, "pla", suggestions[0].Canonical)
	assert.Equal(t, 2, suggestions[0].ResolvesCount)
	assert.Equal(t, "pla-{variant*}", suggestions[0].Pattern)
}

func TestSuggestPatterns_EmptyInput(t *testing.T) {
	assert.Nil(t, SuggestPatterns(nil))
}

func TestSuggestPatterns_SkipsObservationsWithNoCommonPrefix(t *testing.T) {
	observations := []Observation{
		{Raw: "xyz", Canonical: "pla"},
	}

	assert.Empty(t, SuggestPatterns(observations))
}
