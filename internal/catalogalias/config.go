// Package catalogalias provides pattern-based normalization of raw catalog
// identifiers (material codes, printer models, SKUs) supplied in prediction
// requests and training records.
//
// Different upstream systems (the shop floor MES, the e-commerce SKU table,
// manual operator input) spell the same material or machine differently —
// "Prusa MK4", "prusa-mk4", "PRUSA_MK4S" — which would otherwise fragment a
// single real-world entity across multiple cache keys and training rows.
// This package maps those spellings to one canonical key before the
// canonicalization package fingerprints the request.
//
// Example configuration (.predictionservice-aliases.yaml):
//
//	catalog_patterns:
//	  - pattern: "prusa{_}mk4{suffix*}"
//	    canonical: "prusa-mk4"
package catalogalias

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/maliev/predictionservice/internal/config"
)

type (
	// AliasPattern defines a pattern-based transformation rule for a raw
	// catalog identifier.
	//
	// Patterns are evaluated in order; first match wins.
	// Pattern syntax:
	//   - {variable} captures any characters except "/"
	//   - {variable*} captures any characters including "/"
	//   - Literal characters match exactly
	//
	// Example:
	//
	//	Pattern: "pla{variant*}"
	//	Canonical: "pla"
	//	Input: "pla-plus-matte" → Output: "pla"
	AliasPattern struct {
		Pattern   string `yaml:"pattern"`
		Canonical string `yaml:"canonical"`
	}

	// Config holds catalog alias pattern configuration loaded from YAML.
	Config struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		CatalogPatterns []AliasPattern `yaml:"catalog_patterns"`
	}
)

const (
	// DefaultConfigPath is the default location for catalog alias patterns.
	DefaultConfigPath = ".predictionservice-aliases.yaml"

	// ConfigPathEnvVar is the environment variable name for a custom path.
	ConfigPathEnvVar = "PREDICTIONSERVICE_ALIAS_CONFIG_PATH"
)

// LoadConfig loads pattern configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - patterns are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// Catalog aliasing is optional: the service must start and canonicalize
// requests even with zero patterns configured.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		CatalogPatterns: []AliasPattern{},
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("catalog alias config not found, continuing without patterns",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("failed to read catalog alias config, continuing without patterns",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("failed to parse catalog alias config, continuing without patterns",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{CatalogPatterns: []AliasPattern{}}, nil
	}

	if cfg.CatalogPatterns == nil {
		cfg.CatalogPatterns = []AliasPattern{}
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in PREDICTIONSERVICE_ALIAS_CONFIG_PATH,
// falling back to DefaultConfigPath in the current directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
