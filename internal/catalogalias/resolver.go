package catalogalias

import (
	"log/slog"
	"regexp"
	"strings"
)

type (
	// compiledPattern holds a pre-compiled regex pattern and its canonical template.
	compiledPattern struct {
		regex     *regexp.Regexp
		canonical string
		variables []string
	}

	// Resolver resolves raw catalog identifiers (material codes, printer
	// models, SKUs) to canonical keys using pattern-based aliasing.
	// Thread-safe for concurrent use (immutable after construction).
	//
	// Resolve is applied to prediction parameters before canonicalization so
	// that semantically identical inputs spelled differently by upstream
	// systems fingerprint (and cache, and train) as the same entity.
	Resolver struct {
		patterns []compiledPattern
	}
)

// variableRegex matches {name} or {name*} patterns in the pattern string.
var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// compilePattern converts a pattern string to a compiled regex.
//
// Pattern: "prusa{_}mk4" → Regex: ^prusa(?P<_>[^/]+)mk4$.
// Pattern: "pla{variant*}" → Regex: ^pla(?P<variant>.+)$.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	variables := make([]string, 0, 4) //nolint:mnd // preallocate for typical pattern

	escaped := regexp.QuoteMeta(pattern)
	result := escaped

	matches := variableRegex.FindAllStringSubmatch(pattern, -1)
	for _, match := range matches {
		fullMatch := match[0]
		varName := match[1]
		isGreedy := strings.HasSuffix(fullMatch, "*}")

		variables = append(variables, varName)

		var captureGroup string
		if isGreedy {
			captureGroup = "(?P<" + varName + ">.+)"
		} else {
			captureGroup = "(?P<" + varName + ">[^/]+)"
		}

		escapedVar := regexp.QuoteMeta(fullMatch)
		result = strings.Replace(result, escapedVar, captureGroup, 1)
	}

	result = "^" + result + "$"

	regex, err := regexp.Compile(result)
	if err != nil {
		return nil, nil, err
	}

	return regex, variables, nil
}

// substituteVariables replaces {var} placeholders in canonical with captured values.
func substituteVariables(canonical string, captures map[string]string) string {
	result := canonical

	for varName, value := range captures {
		result = strings.ReplaceAll(result, "{"+varName+"}", value)
		result = strings.ReplaceAll(result, "{"+varName+"*}", value)
	}

	return result
}

// NewResolver creates a resolver from config with validation.
//
// Validates:
//   - Patterns with empty pattern or canonical are skipped with warning
//   - Patterns with invalid regex are skipped with warning
//
// Returns a resolver containing only valid patterns.
// If config is nil or has no patterns, returns a no-op resolver (passthrough).
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil || len(cfg.CatalogPatterns) == 0 {
		return &Resolver{
			patterns: []compiledPattern{},
		}
	}

	validPatterns := make([]compiledPattern, 0, len(cfg.CatalogPatterns))

	for _, ap := range cfg.CatalogPatterns {
		pattern := strings.TrimSpace(ap.Pattern)
		canonical := strings.TrimSpace(ap.Canonical)

		if pattern == "" {
			slog.Warn("skipping catalog alias pattern with empty pattern string")

			continue
		}

		if canonical == "" {
			slog.Warn("skipping catalog alias pattern with empty canonical",
				slog.String("pattern", pattern))

			continue
		}

		regex, variables, err := compilePattern(pattern)
		if err != nil {
			slog.Warn("skipping catalog alias pattern with invalid regex",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		validPatterns = append(validPatterns, compiledPattern{
			regex:     regex,
			canonical: canonical,
			variables: variables,
		})

		slog.Debug("compiled catalog alias pattern",
			slog.String("pattern", pattern),
			slog.String("canonical", canonical),
			slog.Int("variables", len(variables)))
	}

	return &Resolver{
		patterns: validPatterns,
	}
}

// GetPatternCount returns the number of compiled patterns.
func (r *Resolver) GetPatternCount() int {
	if r == nil {
		return 0
	}

	return len(r.patterns)
}

// Resolve applies patterns to transform a raw catalog identifier (lowercased
// first, since alias patterns are written against lowercase input) to its
// canonical form. Returns the original value unchanged if no pattern matches.
//
// Patterns are evaluated in order; first match wins.
func (r *Resolver) Resolve(raw string) string {
	if r == nil || len(r.patterns) == 0 || raw == "" {
		return raw
	}

	lowered := strings.ToLower(raw)

	for _, cp := range r.patterns {
		match := cp.regex.FindStringSubmatch(lowered)
		if match == nil {
			continue
		}

		captures := make(map[string]string)

		for i, name := range cp.regex.SubexpNames() {
			if i > 0 && name != "" && i < len(match) {
				captures[name] = match[i]
			}
		}

		return substituteVariables(cp.canonical, captures)
	}

	return raw
}

// Match checks if a raw identifier matches any pattern and returns match details.
// Returns (canonical, true) if matched, ("", false) if no match.
func (r *Resolver) Match(raw string) (string, bool) {
	if r == nil || len(r.patterns) == 0 || raw == "" {
		return "", false
	}

	lowered := strings.ToLower(raw)

	for _, cp := range r.patterns {
		match := cp.regex.FindStringSubmatch(lowered)
		if match == nil {
			continue
		}

		captures := make(map[string]string)

		for i, name := range cp.regex.SubexpNames() {
			if i > 0 && name != "" && i < len(match) {
				captures[name] = match[i]
			}
		}

		return substituteVariables(cp.canonical, captures), true
	}

	return "", false
}

// ResolveParams returns a shallow copy of params with every string-valued
// entry whose key is in aliasedKeys passed through Resolve. Non-string
// values and keys outside aliasedKeys are left untouched. Used by the
// prediction orchestrator (§4.3 step 1) immediately before canonicalization.
func (r *Resolver) ResolveParams(params map[string]any, aliasedKeys map[string]bool) map[string]any {
	if r == nil || len(params) == 0 {
		return params
	}

	out := make(map[string]any, len(params))

	for k, v := range params {
		if s, ok := v.(string); ok && aliasedKeys[k] {
			out[k] = r.Resolve(s)

			continue
		}

		out[k] = v
	}

	return out
}
