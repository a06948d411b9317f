package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lib/pq"

	"github.com/maliev/predictionservice/internal/config"
	"github.com/maliev/predictionservice/internal/model"
)

// ErrStoreFailed wraps any unexpected Postgres registry store failure.
var ErrStoreFailed = errors.New("registry store failed")

// Store is a PostgreSQL-backed Registry. It serializes the M1 (single
// Active per type) and M3 (version monotonicity) invariants inside a single
// transaction with row locking ("SELECT ... FOR UPDATE") rather than an
// application-level mutex, so the invariants hold across multiple service
// replicas sharing one database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore constructs a Postgres-backed Registry over an existing connection
// pool. The pool's lifecycle (open/close) is owned by the caller.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", ErrStoreFailed)
	}

	return &Store{
		db: db,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

var _ Registry = (*Store)(nil)

func (s *Store) Save(ctx context.Context, m *model.Model) error {
	metadataJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %w", ErrStoreFailed, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	//nolint:dupword // SELECT ... FOR UPDATE serializes concurrent Save calls for the same type
	// so the version-monotonicity check below can't race with a concurrent insert.
	var maxVersion sql.NullString

	err = tx.QueryRowContext(ctx, `
		SELECT version FROM models
		WHERE model_type = $1
		ORDER BY major DESC, minor DESC, patch DESC
		LIMIT 1
		FOR UPDATE
	`, string(m.Type)).Scan(&maxVersion)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: lock existing versions: %w", ErrStoreFailed, err)
	}

	if maxVersion.Valid {
		existing, parseErr := model.ParseVersion(maxVersion.String)
		if parseErr == nil && (m.Version.Less(existing) || m.Version.Compare(existing) == 0) {
			return fmt.Errorf("%w: %s %s is not newer than existing %s",
				ErrVersionNotMonotonic, m.Type, m.Version, existing)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO models (
			id, model_type, major, minor, patch, version, status, artifact_uri,
			trained_at, training_job_id, canary_percent, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`,
		m.ID, string(m.Type), m.Version.Major, m.Version.Minor, m.Version.Patch, m.Version.String(),
		string(m.Status), m.ArtifactURI, m.TrainedAt, m.TrainingJobID, m.CanaryPercent, metadataJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", ErrDuplicateVersion, m.Type, m.Version)
		}

		return fmt.Errorf("%w: insert model: %w", ErrStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrStoreFailed, err)
	}

	return nil
}

func (s *Store) GetActive(ctx context.Context, t model.Type) (*model.Model, error) {
	row := s.db.QueryRowContext(ctx, selectModelQuery+` WHERE model_type = $1 AND status = 'Active'`, string(t))

	m, err := scanModel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no active model for type %s", ErrNotFound, t)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return m, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*model.Model, error) {
	row := s.db.QueryRowContext(ctx, selectModelQuery+` WHERE id = $1`, id)

	m, err := scanModel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return m, nil
}

func (s *Store) GetByVersion(ctx context.Context, t model.Type, v model.Version) (*model.Model, error) {
	row := s.db.QueryRowContext(ctx,
		selectModelQuery+` WHERE model_type = $1 AND version = $2`, string(t), v.String())

	m, err := scanModel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s %s", ErrNotFound, t, v)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	return m, nil
}

func (s *Store) ListVersions(ctx context.Context, t model.Type) ([]*model.Model, error) {
	rows, err := s.db.QueryContext(ctx,
		selectModelQuery+` WHERE model_type = $1 ORDER BY major, minor, patch`, string(t))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	defer rows.Close()

	var out []*model.Model

	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrStoreFailed, err)
		}

		out = append(out, m)
	}

	return out, rows.Err()
}

func (s *Store) Transition(ctx context.Context, id string, newStatus model.Status) (*model.Model, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %w", ErrStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectModelQuery+` WHERE id = $1 FOR UPDATE`, id)

	target, err := scanModel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
		}

		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	if !isValidTransition(target.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, target.Status, newStatus)
	}

	if newStatus == model.StatusActive {
		if _, err := tx.ExecContext(ctx, `
			UPDATE models SET status = 'Deprecated', deprecated_at = NOW()
			WHERE model_type = $1 AND status = 'Active' AND id != $2
		`, string(target.Type), id); err != nil {
			return nil, fmt.Errorf("%w: deprecate prior active: %w", ErrStoreFailed, err)
		}
	}

	deployedAtSet := newStatus == model.StatusActive

	if _, err := tx.ExecContext(ctx, `
		UPDATE models
		SET status = $1,
		    deployed_at = CASE WHEN $2 THEN NOW() ELSE deployed_at END,
		    deprecated_at = CASE WHEN $3 THEN NOW() ELSE deprecated_at END
		WHERE id = $4
	`, string(newStatus), deployedAtSet, newStatus == model.StatusDeprecated, id); err != nil {
		return nil, fmt.Errorf("%w: update status: %w", ErrStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrStoreFailed, err)
	}

	target.Status = newStatus

	return target, nil
}

func (s *Store) RecordRollback(ctx context.Context, id, reason, fromVersion string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE models SET rollback_reason = $1, rolled_back_from = $2 WHERE id = $3
	`, reason, fromVersion, id)
	if err != nil {
		return fmt.Errorf("%w: record rollback: %w", ErrStoreFailed, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: record rollback rows affected: %w", ErrStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	return nil
}

// SetCanaryPercent records the traffic percentage a just-deployed model
// should receive (§6 deploy endpoint). Duck-typed by the api package the
// same way InMemory.SetCanaryPercent is; not part of the Registry interface.
func (s *Store) SetCanaryPercent(ctx context.Context, id string, percent int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE models SET canary_percent = $1 WHERE id = $2`, percent, id)
	if err != nil {
		return fmt.Errorf("%w: set canary percent: %w", ErrStoreFailed, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: set canary percent rows affected: %w", ErrStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	return nil
}

const selectModelQuery = `
	SELECT id, model_type, major, minor, patch, status, artifact_uri,
	       trained_at, deployed_at, deprecated_at,
	       r2, mae, rmse, mape, precision_score, recall, f1, auc,
	       training_job_id, canary_percent, rollback_reason, rolled_back_from, metadata
	FROM models
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*model.Model, error) {
	var (
		m                                         model.Model
		deployedAt, deprecatedAt                  sql.NullTime
		r2, mae, rmse, mape, precision, recall, f1, auc sql.NullFloat64
		metadataJSON                              []byte
	)

	err := row.Scan(
		&m.ID, &m.Type, &m.Version.Major, &m.Version.Minor, &m.Version.Patch, &m.Status, &m.ArtifactURI,
		&m.TrainedAt, &deployedAt, &deprecatedAt,
		&r2, &mae, &rmse, &mape, &precision, &recall, &f1, &auc,
		&m.TrainingJobID, &m.CanaryPercent, &m.RollbackReason, &m.RolledBackFrom, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	if deployedAt.Valid {
		m.DeployedAt = &deployedAt.Time
	}

	if deprecatedAt.Valid {
		m.DeprecatedAt = &deprecatedAt.Time
	}

	m.Metrics = model.PerformanceMetrics{
		R2: nullFloatPtr(r2), MAE: nullFloatPtr(mae), RMSE: nullFloatPtr(rmse), MAPE: nullFloatPtr(mape),
		Precision: nullFloatPtr(precision), Recall: nullFloatPtr(recall), F1: nullFloatPtr(f1), AUC: nullFloatPtr(auc),
	}

	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &m.Metadata)
	}

	return &m, nil
}

func nullFloatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}

	v := n.Float64

	return &v
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the database-enforced half of Invariant M2.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}
