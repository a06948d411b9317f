// Package model provides the core domain types for the prediction service:
// models, training datasets, training jobs, and the prediction audit log.
//
// These are pure domain models (no JSON tags, no storage concerns). The API
// layer and storage layer each map to/from these types independently, the
// same separation the teacher's ingestion package draws between RunEvent
// (domain) and LineageEventRequest (wire).
package model

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Type identifies one of the model families served by this system.
	Type string

	// Status is a position in the model lifecycle state machine.
	Status string

	// Version is a major.minor.patch triple, compared field-by-field.
	Version struct {
		Major int
		Minor int
		Patch int
	}

	// Model is a single trained, versioned artifact of a given Type.
	Model struct {
		ID             string
		Type           Type
		Version        Version
		Status         Status
		ArtifactURI    string
		TrainedAt      time.Time
		DeployedAt     *time.Time
		DeprecatedAt   *time.Time
		Metrics        PerformanceMetrics
		TrainingJobID  string
		CanaryPercent  int // 0-100; 100 means fully cut over
		RollbackReason string
		RolledBackFrom string // version string this model replaced via rollback
		Metadata       map[string]string
	}

	// PerformanceMetrics is the per-type metric bundle. Unused fields for a
	// given type are left at their zero value and never read.
	PerformanceMetrics struct {
		R2        *float64
		MAE       *float64
		RMSE      *float64
		MAPE      *float64
		Precision *float64
		Recall    *float64
		F1        *float64
		AUC       *float64
	}

	// FeatureContribution is one entry in an explanation's top-k feature list.
	FeatureContribution struct {
		Name   string
		Weight float64 // in [0,1]
		Trend  Trend
	}

	// Trend classifies a feature's current value against its trailing window.
	Trend string
)

const (
	PrintTime           Type = "PrintTime"
	DemandForecast      Type = "DemandForecast"
	PriceOptimization   Type = "PriceOptimization"
	ChurnPrediction     Type = "ChurnPrediction"
	MaterialDemand      Type = "MaterialDemand"
	BottleneckDetection Type = "BottleneckDetection"
)

const (
	StatusDraft      Status = "Draft"
	StatusTesting    Status = "Testing"
	StatusActive     Status = "Active"
	StatusDeprecated Status = "Deprecated"
	StatusArchived   Status = "Archived"
)

const (
	TrendImproving Trend = "Improving"
	TrendStable    Trend = "Stable"
	TrendWorsening Trend = "Worsening"
)

// ArchivalRetentionWindow is how long a Deprecated model is retained before
// it becomes eligible for archival (§3 lifecycle, §4.2 archival eligibility).
const ArchivalRetentionWindow = 90 * 24 * time.Hour

// MostRecentDeprecatedKept is how many of the most-recently-deprecated
// versions per type are excluded from archival regardless of age.
const MostRecentDeprecatedKept = 5

// AllTypes lists every recognized model type. Adding a new type requires
// updating this slice, PrimaryMetric, and DatasetSizeGate atomically (see
// spec Open Question on the type enum).
func AllTypes() []Type {
	return []Type{
		PrintTime, DemandForecast, PriceOptimization,
		ChurnPrediction, MaterialDemand, BottleneckDetection,
	}
}

// IsValid reports whether t is a recognized model type.
func (t Type) IsValid() bool {
	for _, valid := range AllTypes() {
		if t == valid {
			return true
		}
	}

	return false
}

// String renders a Version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 if v is less than, equal to, or greater than
// other, comparing Major, then Minor, then Patch.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	case v.Minor != other.Minor:
		return sign(v.Minor - other.Minor)
	default:
		return sign(v.Patch - other.Patch)
	}
}

// Less reports whether v sorts before other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	default:
		return 0
	}
}

// ParseVersion parses a "major.minor.patch" string into a Version.
func ParseVersion(s string) (Version, error) {
	var v Version

	n, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	if err != nil || n != 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	return v, nil
}

// ErrInvalidVersion is returned when a version string cannot be parsed.
var ErrInvalidVersion = errors.New("invalid version string")

// PrimaryMetric returns the metric name used as the quality gate's primary
// accuracy signal for a type, and whether higher values are better.
//
// Per §4.2: PrintTime/PriceOptimization/BottleneckDetection -> R2 (higher-better);
// DemandForecast/MaterialDemand -> MAPE (lower-better); ChurnPrediction -> Precision (higher-better).
func PrimaryMetric(t Type) (name string, higherIsBetter bool, err error) {
	switch t {
	case PrintTime, PriceOptimization, BottleneckDetection:
		return "r2", true, nil
	case DemandForecast, MaterialDemand:
		return "mape", false, nil
	case ChurnPrediction:
		return "precision", true, nil
	default:
		return "", false, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// ErrUnknownType is returned when an operation is given an unrecognized Type.
var ErrUnknownType = errors.New("unknown model type")

// Value extracts the named primary metric's value from a PerformanceMetrics
// bundle. Returns false if the metric was never recorded.
func (m PerformanceMetrics) Value(name string) (float64, bool) {
	var p *float64

	switch name {
	case "r2":
		p = m.R2
	case "mape":
		p = m.MAPE
	case "precision":
		p = m.Precision
	}

	if p == nil {
		return 0, false
	}

	return *p, true
}

// DatasetSizeGate returns the minimum record count required before a
// candidate model of type t may pass the dataset-size quality gate (§4.2.1).
func DatasetSizeGate(t Type) int {
	switch t {
	case PrintTime:
		return 10000
	case PriceOptimization:
		return 5000
	case ChurnPrediction:
		return 2000
	default:
		return 1000
	}
}

// CacheTTL returns the per-type prediction cache TTL (§4.4).
func CacheTTL(t Type) time.Duration {
	switch t {
	case PrintTime:
		return 24 * time.Hour
	case PriceOptimization:
		return time.Hour
	case DemandForecast:
		return 6 * time.Hour
	case ChurnPrediction:
		return 24 * time.Hour
	case MaterialDemand:
		return 12 * time.Hour
	case BottleneckDetection:
		return 6 * time.Hour
	default:
		return time.Hour
	}
}
