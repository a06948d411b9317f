// Package lifecycle implements the Lifecycle Manager: the pure-domain
// quality gates that decide whether a freshly trained candidate model may be
// promoted to Active, and the archival-eligibility rule for Deprecated
// models (§4.2).
//
// The gate and eligibility functions touch neither storage nor the network;
// they operate only on model.Model/model.TrainingDataset values. Manager
// wraps them with the registry.Registry calls that rollback and the
// archival sweep need.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/registry"
)

// ImprovementThresholdPercent is the minimum relative improvement a
// candidate's primary metric must show over the current Active model before
// the accuracy-improvement gate passes (§4.2.2).
const ImprovementThresholdPercent = 2.0

// Sentinel errors for each quality gate (§4.2, §7 taxonomy maps these to
// LifecycleConflict / DataQualityFailure responses).
var (
	ErrDatasetTooSmall     = errors.New("lifecycle: dataset below minimum size for type")
	ErrInsufficientGain    = errors.New("lifecycle: candidate does not improve on active model enough to promote")
	ErrDataQualityCritical = errors.New("lifecycle: dataset has a CRITICAL data-quality flag")
	ErrNoPrimaryMetric     = errors.New("lifecycle: candidate is missing its type's primary metric")

	// ErrRollbackTargetNotDeprecated marks a rollback request whose target
	// is not currently Deprecated (§4.2 Rollback: "target must be
	// Deprecated"). Any other status reaching this check would let rollback
	// promote a model the quality gates never passed.
	ErrRollbackTargetNotDeprecated = errors.New("lifecycle: rollback target is not Deprecated")
)

// Manager runs the promotion and archival gates against a Registry.
type Manager struct {
	registry registry.Registry
	logger   *slog.Logger
}

// NewManager constructs a Manager backed by reg.
func NewManager(reg registry.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{registry: reg, logger: logger}
}

// CheckDatasetSizeGate fails if dataset.RecordCount is below the type's
// minimum (§4.2.1, model.DatasetSizeGate).
func CheckDatasetSizeGate(dataset *model.TrainingDataset) error {
	minimum := model.DatasetSizeGate(dataset.ModelType)
	if dataset.RecordCount < minimum {
		return fmt.Errorf("%w: %s has %d records, needs >= %d",
			ErrDatasetTooSmall, dataset.ModelType, dataset.RecordCount, minimum)
	}

	return nil
}

// CheckDataQualityGate fails outright if the dataset's quality report has
// any CRITICAL flag (§4.2.3, §4.5 step 4).
func CheckDataQualityGate(dataset *model.TrainingDataset) error {
	if dataset.DataQualityReport.HasCritical() {
		return fmt.Errorf("%w: %s dataset %s", ErrDataQualityCritical, dataset.ModelType, dataset.ID)
	}

	return nil
}

// CheckAccuracyImprovementGate compares candidate's primary metric against
// the currently Active model of the same type (if any). A type with no
// Active model passes automatically — there is nothing to improve on, so
// the first trained model of a type is promotable once it clears the other
// gates (§4.2.2).
func (m *Manager) CheckAccuracyImprovementGate(ctx context.Context, candidate *model.Model) error {
	metricName, higherIsBetter, err := model.PrimaryMetric(candidate.Type)
	if err != nil {
		return err
	}

	candidateValue, ok := candidate.Metrics.Value(metricName)
	if !ok {
		return fmt.Errorf("%w: %s metric %q", ErrNoPrimaryMetric, candidate.Type, metricName)
	}

	active, err := m.registry.GetActive(ctx, candidate.Type)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}

		return err
	}

	activeValue, ok := active.Metrics.Value(metricName)
	if !ok {
		return nil
	}

	if activeValue == 0 {
		return nil
	}

	relativeChange := (candidateValue - activeValue) / activeValue * 100
	if !higherIsBetter {
		relativeChange = -relativeChange
	}

	if relativeChange < ImprovementThresholdPercent {
		return fmt.Errorf("%w: %s candidate %s=%.4f vs active %.4f, relative change %.2f%% < required %.2f%%",
			ErrInsufficientGain, candidate.Type, metricName, candidateValue, activeValue,
			relativeChange, ImprovementThresholdPercent)
	}

	return nil
}

// PromoteToActive runs every quality gate in order, then performs the
// Testing -> Active registry transition if all gates pass (§4.2).
func (m *Manager) PromoteToActive(
	ctx context.Context,
	candidate *model.Model,
	dataset *model.TrainingDataset,
) (*model.Model, error) {
	if err := CheckDatasetSizeGate(dataset); err != nil {
		return nil, err
	}

	if err := CheckDataQualityGate(dataset); err != nil {
		return nil, err
	}

	if err := m.CheckAccuracyImprovementGate(ctx, candidate); err != nil {
		return nil, err
	}

	promoted, err := m.registry.Transition(ctx, candidate.ID, model.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: promote %s: %w", candidate.ID, err)
	}

	m.logger.Info("promoted model to active",
		slog.String("model_id", promoted.ID),
		slog.String("type", string(promoted.Type)),
		slog.String("version", promoted.Version.String()))

	return promoted, nil
}

// RollbackToVersion deprecates the current Active model (if any) and
// re-promotes the model at targetVersion, recording why (§4.6 drift
// rollback, §3 RollbackReason/RolledBackFrom).
func (m *Manager) RollbackToVersion(
	ctx context.Context,
	t model.Type,
	targetVersion model.Version,
	reason string,
) (*model.Model, error) {
	target, err := m.registry.GetByVersion(ctx, t, targetVersion)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: rollback target %s %s: %w", t, targetVersion, err)
	}

	// §4.2 Rollback: "target must be Deprecated". Checked before touching
	// the current Active model so a rejected rollback never leaves the type
	// without an Active model.
	if target.Status != model.StatusDeprecated {
		return nil, fmt.Errorf("%w: %s %s is %s", ErrRollbackTargetNotDeprecated, t, targetVersion, target.Status)
	}

	var fromVersion string

	if active, err := m.registry.GetActive(ctx, t); err == nil {
		fromVersion = active.Version.String()

		if _, err := m.registry.Transition(ctx, active.ID, model.StatusDeprecated); err != nil {
			return nil, fmt.Errorf("lifecycle: deprecate current active during rollback: %w", err)
		}
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	rolledBack, err := m.registry.Transition(ctx, target.ID, model.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: reactivate rollback target: %w", err)
	}

	if err := m.registry.RecordRollback(ctx, rolledBack.ID, reason, fromVersion); err != nil {
		return nil, fmt.Errorf("lifecycle: record rollback: %w", err)
	}

	rolledBack.RollbackReason = reason
	rolledBack.RolledBackFrom = fromVersion

	m.logger.Warn("rolled back active model",
		slog.String("type", string(t)),
		slog.String("from_version", fromVersion),
		slog.String("to_version", targetVersion.String()),
		slog.String("reason", reason))

	return rolledBack, nil
}

// IsArchivalEligible reports whether a Deprecated model is eligible for
// archival: it has been Deprecated for longer than
// model.ArchivalRetentionWindow, and it is not among the
// model.MostRecentDeprecatedKept most-recently-deprecated versions of its
// type (§4.2 archival eligibility).
//
// deprecatedRank is the model's rank by recency of deprecation among peers
// of the same type (0 = most recently deprecated); callers compute this by
// sorting registry.ListVersions results with status Deprecated by
// DeprecatedAt descending.
func IsArchivalEligible(m *model.Model, deprecatedRank int, now time.Time) bool {
	if m.Status != model.StatusDeprecated || m.DeprecatedAt == nil {
		return false
	}

	if deprecatedRank < model.MostRecentDeprecatedKept {
		return false
	}

	return now.Sub(*m.DeprecatedAt) >= model.ArchivalRetentionWindow
}
