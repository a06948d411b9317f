package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maliev/predictionservice/internal/model"
)

// ErrAuditStoreFailed wraps any unexpected audit_log persistence failure.
var ErrAuditStoreFailed = errors.New("audit store failed")

// AuditStore is a Postgres-backed orchestrator.AuditWriter, persisting one
// append-only row per prediction attempt (Invariant A1, §6 "Persisted
// state"). It is grounded on the same database/sql + Connection idiom as
// registry.Store.
type AuditStore struct {
	conn *Connection
}

// NewAuditStore constructs an AuditStore over an existing connection pool.
func NewAuditStore(conn *Connection) *AuditStore {
	return &AuditStore{conn: conn}
}

// Append inserts one audit record. It never updates an existing row; a
// separate RecordOutcome method attaches feedback once ground truth is
// known, matching the append-only trigger enforced in 003_create_audit_log.
func (s *AuditStore) Append(ctx context.Context, entry model.AuditLog) error {
	featuresJSON, err := json.Marshal(entry.InputFeatures)
	if err != nil {
		return fmt.Errorf("%w: marshal input features: %w", ErrAuditStoreFailed, err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, request_id, model_type, model_version, input_features, output_prediction,
			confidence, response_ms, cache_status, user_id, tenant_id, occurred_at, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		entry.ID, entry.RequestID, string(entry.ModelType), entry.ModelVersion.String(),
		featuresJSON, entry.OutputPrediction, entry.Confidence, entry.ResponseMS,
		string(entry.CacheStatus), entry.UserID, entry.TenantID, entry.Timestamp, entry.Error,
	)
	if err != nil {
		return fmt.Errorf("%w: insert audit log: %w", ErrAuditStoreFailed, err)
	}

	return nil
}

// RecordOutcome attaches ground-truth feedback to a previously appended
// audit row, the only mutation the append-only trigger permits.
func (s *AuditStore) RecordOutcome(ctx context.Context, requestID, actualOutcome string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE audit_log SET actual_outcome = $1, outcome_received_at = NOW() WHERE request_id = $2
	`, actualOutcome, requestID)
	if err != nil {
		return fmt.Errorf("%w: record outcome: %w", ErrAuditStoreFailed, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: record outcome rows affected: %w", ErrAuditStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: request %s not found", ErrAuditStoreFailed, requestID)
	}

	return nil
}

// DeleteByUser erases every audit row for a user, implementing the
// DELETE /user/{userId} erasure endpoint (§6). Input features and
// predictions are considered the user's personal data; the row itself is
// removed rather than anonymized since audit rows carry no other
// aggregate-reporting purpose once the user is gone.
func (s *AuditStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM audit_log WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: delete by user: %w", ErrAuditStoreFailed, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: delete by user rows affected: %w", ErrAuditStoreFailed, err)
	}

	return affected, nil
}
