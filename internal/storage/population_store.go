package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maliev/predictionservice/internal/explainer"
	"github.com/maliev/predictionservice/internal/model"
)

// ErrPopulationStoreFailed wraps any unexpected population-statistics
// persistence failure.
var ErrPopulationStoreFailed = errors.New("population store failed")

// PopulationStore is a Postgres-backed orchestrator.PopulationStats,
// serving the per-feature mean/stddev/percentile bands the explainer uses
// for trend classification and percentile phrasing (§4.7).
type PopulationStore struct {
	conn *Connection
}

// NewPopulationStore constructs a PopulationStore over an existing connection pool.
func NewPopulationStore(conn *Connection) *PopulationStore {
	return &PopulationStore{conn: conn}
}

// Stats returns the population statistics for every feature recorded
// against (t, modelID). A feature absent from the result has no recorded
// population yet; callers treat that as "no population data" (§4.7).
func (s *PopulationStore) Stats(ctx context.Context, t model.Type, modelID string) (map[string]explainer.PopulationStat, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT feature_name, mean, std_dev, p10, p90
		FROM feature_population_stats
		WHERE model_type = $1 AND model_id = $2
	`, string(t), modelID)
	if err != nil {
		return nil, fmt.Errorf("%w: query stats: %w", ErrPopulationStoreFailed, err)
	}

	defer func() { _ = rows.Close() }()

	out := make(map[string]explainer.PopulationStat)

	for rows.Next() {
		var (
			feature string
			stat    explainer.PopulationStat
		)

		if err := rows.Scan(&feature, &stat.Mean, &stat.StdDev, &stat.P10, &stat.P90); err != nil {
			return nil, fmt.Errorf("%w: scan stats row: %w", ErrPopulationStoreFailed, err)
		}

		out[feature] = stat
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate stats rows: %w", ErrPopulationStoreFailed, err)
	}

	return out, nil
}

// Refresh replaces the recorded population statistics for (t, modelID),
// called by the training orchestrator after a successful promotion so the
// explainer's percentile phrasing reflects the newly active model's
// training distribution.
func (s *PopulationStore) Refresh(ctx context.Context, t model.Type, modelID string, stats map[string]explainer.PopulationStat) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrPopulationStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM feature_population_stats WHERE model_type = $1 AND model_id = $2
	`, string(t), modelID); err != nil {
		return fmt.Errorf("%w: clear existing stats: %w", ErrPopulationStoreFailed, err)
	}

	for feature, stat := range stats {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feature_population_stats (model_type, model_id, feature_name, mean, std_dev, p10, p90, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		`, string(t), modelID, feature, stat.Mean, stat.StdDev, stat.P10, stat.P90); err != nil {
			return fmt.Errorf("%w: insert stat for %s: %w", ErrPopulationStoreFailed, feature, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrPopulationStoreFailed, err)
	}

	return nil
}

// RollingMetric implements drift.GroundTruthSource: it computes a rolling
// metric over prediction outcomes recorded in the trailing window, scoped
// to the primary metric's polarity (lower-is-better metrics average
// absolute error; higher-is-better metrics average a 0/1 correctness-style
// score derived by the caller via the recorded predicted/actual pair).
func (s *PopulationStore) RollingMetric(ctx context.Context, t model.Type, modelID string, window time.Duration) (float64, int, error) {
	var (
		avgAbsError float64
		sampleSize  int
	)

	windowHours := window.Hours()

	err := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(ABS(predicted_value - actual_value)), 0), COUNT(*)
		FROM rolling_prediction_outcomes
		WHERE model_type = $1 AND model_id = $2
		  AND recorded_at >= NOW() - ($3 || ' hours')::interval
	`, string(t), modelID, windowHours).Scan(&avgAbsError, &sampleSize)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: rolling metric: %w", ErrPopulationStoreFailed, err)
	}

	return avgAbsError, sampleSize, nil
}

// RecordOutcome appends one (predicted, actual) pair for the rolling drift
// window. Called once ground truth becomes available for a prior prediction.
func (s *PopulationStore) RecordOutcome(ctx context.Context, t model.Type, modelID string, predicted, actual float64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO rolling_prediction_outcomes (model_type, model_id, predicted_value, actual_value, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, string(t), modelID, predicted, actual)
	if err != nil {
		return fmt.Errorf("%w: record outcome: %w", ErrPopulationStoreFailed, err)
	}

	return nil
}
