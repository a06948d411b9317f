// Package drift implements the Drift Monitor (§4.9): a background worker
// that watches each Active model's rolling accuracy against ground truth
// and triggers retraining, and conditionally rollback, on sustained
// degradation.
package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/maliev/predictionservice/internal/lifecycle"
	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/registry"
)

// RelativeDegradationThreshold is the default fraction a type's rolling
// primary metric may fall below its deployment baseline before drift is
// declared (§6 config drift.relativeDegradationThreshold).
const RelativeDegradationThreshold = 0.05

// WindowDuration is the default trailing accuracy window (§6 config
// drift.windowHours).
const WindowDuration = 24 * time.Hour

// ConsecutiveWindowsForRollback is how many consecutive degraded
// evaluation windows trigger a rollback in addition to retraining (§4.9).
const ConsecutiveWindowsForRollback = 2

// GroundTruthSource computes a type's rolling primary-metric value over the
// trailing window, from ground truth received since deployment (§4.9).
// Implemented by storage.PopulationStore against the rolling prediction
// outcomes table fed by audit-log feedback (ActualOutcome).
type GroundTruthSource interface {
	RollingMetric(ctx context.Context, t model.Type, modelID string, window time.Duration) (value float64, sampleSize int, err error)
}

// Trainer enqueues a retraining job for t, returning immediately (the
// Training Orchestrator owns the actual run and its own single-writer
// lease).
type Trainer interface {
	Enqueue(ctx context.Context, t model.Type, trigger model.JobTrigger) error
}

// EventPublisher emits DriftDetected (§6 "Event publication").
type EventPublisher interface {
	Publish(ctx context.Context, eventName string, payload any) error
}

// Monitor runs the periodic drift evaluation loop.
type Monitor struct {
	Registry   registry.Registry
	GroundTruth GroundTruthSource
	Lifecycle  *lifecycle.Manager
	Trainer    Trainer
	Events     EventPublisher
	Logger     *slog.Logger

	degradationThreshold float64
	window                time.Duration

	mu                sync.Mutex
	consecutiveStreak map[model.Type]int
}

// New constructs a Monitor with the default threshold and window; callers
// may override via WithThreshold/WithWindow before calling Run.
func New(
	reg registry.Registry,
	groundTruth GroundTruthSource,
	lc *lifecycle.Manager,
	trainer Trainer,
	events EventPublisher,
	logger *slog.Logger,
) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	return &Monitor{
		Registry:              reg,
		GroundTruth:           groundTruth,
		Lifecycle:             lc,
		Trainer:               trainer,
		Events:                events,
		Logger:                logger,
		degradationThreshold:  RelativeDegradationThreshold,
		window:                WindowDuration,
		consecutiveStreak:     make(map[model.Type]int),
	}
}

// WithThreshold overrides the default relative degradation threshold.
func (m *Monitor) WithThreshold(threshold float64) *Monitor {
	m.degradationThreshold = threshold

	return m
}

// WithWindow overrides the default trailing evaluation window.
func (m *Monitor) WithWindow(window time.Duration) *Monitor {
	m.window = window

	return m
}

// Run evaluates every known model type once per tick until ctx is
// cancelled, returning when the context is done (§5 "Cancellation: all
// long-running operations ... accept a cancellation signal").
func (m *Monitor) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Logger.Info("drift monitor stopping", slog.Any("reason", ctx.Err()))

			return
		case <-ticker.C:
			m.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one drift-evaluation pass across every recognized model
// type, skipping types with no Active model.
func (m *Monitor) EvaluateAll(ctx context.Context) {
	for _, t := range model.AllTypes() {
		if err := m.evaluateType(ctx, t); err != nil && !errors.Is(err, registry.ErrNotFound) {
			m.Logger.Error("drift evaluation failed", slog.String("type", string(t)), slog.Any("error", err))
		}
	}
}

func (m *Monitor) evaluateType(ctx context.Context, t model.Type) error {
	active, err := m.Registry.GetActive(ctx, t)
	if err != nil {
		return err
	}

	metricName, higherIsBetter, err := model.PrimaryMetric(t)
	if err != nil {
		return err
	}

	baseline, ok := active.Metrics.Value(metricName)
	if !ok {
		return fmt.Errorf("drift: active model %s missing baseline metric %q", active.ID, metricName)
	}

	if m.GroundTruth == nil {
		return nil
	}

	rolling, sampleSize, err := m.GroundTruth.RollingMetric(ctx, t, active.ID, m.window)
	if err != nil {
		return fmt.Errorf("drift: rolling metric lookup: %w", err)
	}

	if sampleSize == 0 {
		return nil
	}

	degraded := isDegraded(baseline, rolling, higherIsBetter, m.degradationThreshold)

	streak := m.recordStreak(t, degraded)

	if !degraded {
		return nil
	}

	m.Logger.Warn("drift detected",
		slog.String("type", string(t)),
		slog.String("model_id", active.ID),
		slog.Float64("baseline", baseline),
		slog.Float64("rolling", rolling),
		slog.Int("consecutive_windows", streak))

	if m.Events != nil {
		payload := map[string]any{"type": t, "modelId": active.ID, "baseline": baseline, "rolling": rolling}
		if err := m.Events.Publish(ctx, "DriftDetected", payload); err != nil {
			m.Logger.Warn("publish DriftDetected failed", slog.Any("error", err))
		}
	}

	if m.Trainer != nil {
		if err := m.Trainer.Enqueue(ctx, t, model.TriggerDrift); err != nil {
			m.Logger.Warn("enqueue drift retraining failed", slog.String("type", string(t)), slog.Any("error", err))
		}
	}

	if streak >= ConsecutiveWindowsForRollback {
		if err := m.rollbackIfPossible(ctx, t, active); err != nil {
			m.Logger.Warn("drift rollback failed", slog.String("type", string(t)), slog.Any("error", err))
		}
	}

	return nil
}

// rollbackIfPossible rolls the Active model of t back to the most recent
// Deprecated version, if one exists (§4.9 "rollback if a prior Active
// exists").
func (m *Monitor) rollbackIfPossible(ctx context.Context, t model.Type, active *model.Model) error {
	versions, err := m.Registry.ListVersions(ctx, t)
	if err != nil {
		return err
	}

	var priorDeprecated *model.Model

	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == model.StatusDeprecated && versions[i].ID != active.ID {
			priorDeprecated = versions[i]

			break
		}
	}

	if priorDeprecated == nil {
		m.Logger.Info("no prior deprecated version available for drift rollback", slog.String("type", string(t)))

		return nil
	}

	_, err = m.Lifecycle.RollbackToVersion(ctx, t, priorDeprecated.Version, "drift: sustained accuracy degradation")
	if err != nil {
		return err
	}

	m.resetStreak(t)

	if m.Events != nil {
		payload := map[string]any{"type": t, "toVersion": priorDeprecated.Version.String()}
		_ = m.Events.Publish(ctx, "ModelRolledBack", payload)
	}

	return nil
}

func (m *Monitor) recordStreak(t model.Type, degraded bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !degraded {
		m.consecutiveStreak[t] = 0

		return 0
	}

	m.consecutiveStreak[t]++

	return m.consecutiveStreak[t]
}

func (m *Monitor) resetStreak(t model.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveStreak[t] = 0
}

// isDegraded reports whether rolling has fallen at least threshold relative
// to baseline, direction-aware per whether higher values are better for
// this type's primary metric (§4.9).
func isDegraded(baseline, rolling float64, higherIsBetter bool, threshold float64) bool {
	if baseline == 0 {
		return false
	}

	relativeChange := (rolling - baseline) / baseline
	if higherIsBetter {
		return relativeChange <= -threshold
	}

	return relativeChange >= threshold
}
