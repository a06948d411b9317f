package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maliev/predictionservice/internal/events"
)

// ErrEventsStoreFailed wraps any unexpected event-processing persistence failure.
var ErrEventsStoreFailed = errors.New("events store failed")

// dedupWindow bounds how long a processed event id is remembered before it
// is eligible for reclaim (§6 "Event consumption": "deduplication is by
// event id within a sliding window").
const dedupWindow = 24 * time.Hour

// EventDedupStore is a Postgres-backed events.Deduplicator.
type EventDedupStore struct {
	conn *Connection
}

// NewEventDedupStore constructs an EventDedupStore over an existing connection pool.
func NewEventDedupStore(conn *Connection) *EventDedupStore {
	return &EventDedupStore{conn: conn}
}

// SeenRecently reports whether eventID was processed within the sliding
// dedup window.
func (s *EventDedupStore) SeenRecently(ctx context.Context, eventID string) (bool, error) {
	var exists bool

	err := s.conn.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM processed_events
			WHERE event_id = $1 AND processed_at >= NOW() - ($2 || ' hours')::interval
		)
	`, eventID, dedupWindow.Hours()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: seen recently: %w", ErrEventsStoreFailed, err)
	}

	return exists, nil
}

// MarkSeen records eventID as processed, refreshing its timestamp if it
// (improbably) reappears after falling out of the window.
func (s *EventDedupStore) MarkSeen(ctx context.Context, eventID string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, processed_at) VALUES ($1, NOW())
		ON CONFLICT (event_id) DO UPDATE SET processed_at = NOW()
	`, eventID)
	if err != nil {
		return fmt.Errorf("%w: mark seen: %w", ErrEventsStoreFailed, err)
	}

	return nil
}

// Reclaim deletes processed-event records older than the dedup window,
// meant to run periodically so the table doesn't grow unbounded.
func (s *EventDedupStore) Reclaim(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM processed_events WHERE processed_at < NOW() - ($1 || ' hours')::interval
	`, dedupWindow.Hours())
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim: %w", ErrEventsStoreFailed, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim rows affected: %w", ErrEventsStoreFailed, err)
	}

	return affected, nil
}

// DeadLetterStore is a Postgres-backed events.DeadLetterSink.
type DeadLetterStore struct {
	conn *Connection
}

// NewDeadLetterStore constructs a DeadLetterStore over an existing connection pool.
func NewDeadLetterStore(conn *Connection) *DeadLetterStore {
	return &DeadLetterStore{conn: conn}
}

// Record persists a rejected event alongside why it was rejected.
func (s *DeadLetterStore) Record(ctx context.Context, env events.Envelope, reason error) error {
	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %w", ErrEventsStoreFailed, err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO dead_letter_events (event_id, kind, entity_key, payload, reason, rejected_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, env.EventID, string(env.Kind), env.EntityKey, payloadJSON, reason.Error())
	if err != nil {
		return fmt.Errorf("%w: insert dead letter: %w", ErrEventsStoreFailed, err)
	}

	return nil
}

// DatasetBucketStore is a Postgres-backed events.DatasetAppender,
// accumulating ingested training records per (model type, day) until the
// consumer's MinDatasetDelta threshold triggers a training run.
type DatasetBucketStore struct {
	conn *Connection
}

// NewDatasetBucketStore constructs a DatasetBucketStore over an existing connection pool.
func NewDatasetBucketStore(conn *Connection) *DatasetBucketStore {
	return &DatasetBucketStore{conn: conn}
}

// Append adds record's row to the bucket for (record.ModelType,
// partition's day), returning the bucket's new size.
func (s *DatasetBucketStore) Append(ctx context.Context, record events.TrainingRecord, partition time.Time) (int, error) {
	rowJSON, err := json.Marshal(record.Row)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal row: %w", ErrEventsStoreFailed, err)
	}

	var bucketSize int

	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO training_dataset_buckets (model_type, partition_day, rows, row_count)
		VALUES ($1, $2::date, jsonb_build_array($3::jsonb), 1)
		ON CONFLICT (model_type, partition_day) DO UPDATE SET
			rows = training_dataset_buckets.rows || EXCLUDED.rows,
			row_count = training_dataset_buckets.row_count + 1
		RETURNING row_count
	`, string(record.ModelType), partition, rowJSON).Scan(&bucketSize)
	if err != nil {
		return 0, fmt.Errorf("%w: append to bucket: %w", ErrEventsStoreFailed, err)
	}

	return bucketSize, nil
}
