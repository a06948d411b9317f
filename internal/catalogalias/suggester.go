package catalogalias

import (
	"sort"
	"strings"
)

type (
	// Observation is one raw identifier seen during ingestion or a manual
	// prediction request, paired with the canonical identifier an operator
	// (or an existing pattern) resolved it to.
	Observation struct {
		Raw       string
		Canonical string
	}

	// SuggestedPattern is a candidate alias pattern derived from a group of
	// observations that share a common literal prefix (the canonical
	// identifier plus any separator after it) ahead of their differing
	// remainder, suitable for an operator to review and add to the catalog
	// alias configuration.
	SuggestedPattern struct {
		Pattern        string
		Canonical      string
		ResolvesCount  int
		RawResolved    []string
	}

	patternGroup struct {
		suffix      string
		canonical   string
		raw         []string
	}
)

// SuggestPatterns groups unresolved observations (raw identifiers that no
// existing Resolver pattern matched) by their common literal prefix and
// canonical target, proposing one wildcard pattern per group.
//
// Example: observations {"pla-matte-black" -> "pla"}, {"pla-glossy" -> "pla"}
// share the canonical target "pla" and the common prefix "pla-", yielding the
// suggestion {Pattern: "pla-{variant*}", Canonical: "pla", ResolvesCount: 2}.
func SuggestPatterns(observations []Observation) []SuggestedPattern {
	if len(observations) == 0 {
		return nil
	}

	groups := make(map[string]*patternGroup)

	for _, obs := range observations {
		raw := strings.ToLower(strings.TrimSpace(obs.Raw))
		canonical := strings.ToLower(strings.TrimSpace(obs.Canonical))

		if raw == "" || canonical == "" {
			continue
		}

		prefix := commonPrefix(raw, canonical)
		if prefix == "" {
			continue
		}

		key := prefix + "|" + canonical

		if groups[key] == nil {
			groups[key] = &patternGroup{
				suffix:    prefix,
				canonical: canonical,
				raw:       make([]string, 0, 1),
			}
		}

		groups[key].raw = append(groups[key].raw, raw)
	}

	patterns := make([]SuggestedPattern, 0, len(groups))

	for _, g := range groups {
		patterns = append(patterns, SuggestedPattern{
			Pattern:       g.suffix + "{variant*}",
			Canonical:     g.canonical,
			ResolvesCount: len(g.raw),
			RawResolved:   g.raw,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].ResolvesCount > patterns[j].ResolvesCount
	})

	return patterns
}

// commonPrefix returns the prefix a wildcard pattern should match literally:
// canonical itself, plus one trailing separator (hyphen, underscore, or
// space) when raw continues past canonical with one. Returns "" when raw
// does not start with canonical.
func commonPrefix(raw, canonical string) string {
	if !strings.HasPrefix(raw, canonical) {
		return ""
	}

	prefix := canonical

	if len(raw) > len(canonical) {
		switch raw[len(canonical)] {
		case '-', '_', ' ':
			prefix += string(raw[len(canonical)])
		}
	}

	return prefix
}
