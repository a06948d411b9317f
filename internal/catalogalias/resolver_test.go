package catalogalias

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolver_ResolvesMaterialVariants(t *testing.T) {
	cfg := &Config{
		CatalogPatterns: []AliasPattern{
			{Pattern: "pla{variant*}", Canonical: "pla"},
			{Pattern: "prusa{sep}mk4{suffix*}", Canonical: "prusa-mk4"},
		},
	}

	r := NewResolver(cfg)

	assert.Equal(t, "pla", r.Resolve("PLA-Plus-Matte"))
	assert.Equal(t, "prusa-mk4", r.Resolve("prusa_mk4s"))
	assert.Equal(t, "unknown-material", r.Resolve("unknown-material"))
}

func TestResolver_FirstMatchWins(t *testing.T) {
	cfg := &Config{
		CatalogPatterns: []AliasPattern{
			{Pattern: "pla{variant*}", Canonical: "pla-generic"},
			{Pattern: "pla-plus", Canonical: "pla-premium"},
		},
	}

	r := NewResolver(cfg)

	assert.Equal(t, "pla-generic", r.Resolve("pla-plus"))
}

func TestResolver_NilAndEmptyAreNoOp(t *testing.T) {
	var r *Resolver

	assert.Equal(t, "abs", r.Resolve("abs"))
	assert.Equal(t, 0, r.GetPatternCount())

	_, matched := r.Match("abs")
	assert.False(t, matched)
}

func TestResolver_SkipsInvalidPatterns(t *testing.T) {
	cfg := &Config{
		CatalogPatterns: []AliasPattern{
			{Pattern: "", Canonical: "x"},
			{Pattern: "y", Canonical: ""},
			{Pattern: "pla", Canonical: "pla"},
		},
	}

	r := NewResolver(cfg)

	assert.Equal(t, 1, r.GetPatternCount())
}

func TestResolver_Match_ReturnsCanonicalAndBool(t *testing.T) {
	cfg := &Config{
		CatalogPatterns: []AliasPattern{
			{Pattern: "petg{variant*}", Canonical: "petg"},
		},
	}

	r := NewResolver(cfg)

	canonical, matched := r.Match("PETG-CF")
	assert.True(t, matched)
	assert.Equal(t, "petg", canonical)

	_, matched = r.Match("nylon")
	assert.False(t, matched)
}

func TestResolver_ResolveParams_OnlyAliasedStringKeys(t *testing.T) {
	cfg := &Config{
		CatalogPatterns: []AliasPattern{
			{Pattern: "pla{variant*}", Canonical: "pla"},
		},
	}

	r := NewResolver(cfg)

	params := map[string]any{
		"material":    "PLA-Matte",
		"printerId":   "printer-7",
		"layerHeight": 0.2,
	}

	out := r.ResolveParams(params, map[string]bool{"material": true})

	assert.Equal(t, "pla", out["material"])
	assert.Equal(t, "printer-7", out["printerId"])
	assert.InEpsilon(t, 0.2, out["layerHeight"], 0.0001)
}
