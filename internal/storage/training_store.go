package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/maliev/predictionservice/internal/model"
)

// ErrTrainingStoreFailed wraps any unexpected training persistence failure.
var ErrTrainingStoreFailed = errors.New("training store failed")

// DatasetStore is a Postgres-backed training.DatasetStore, grounded on the
// same query idiom as registry.Store.
type DatasetStore struct {
	conn *Connection
}

// NewDatasetStore constructs a DatasetStore over an existing connection pool.
func NewDatasetStore(conn *Connection) *DatasetStore {
	return &DatasetStore{conn: conn}
}

// FindByContentHash looks up a previously built dataset snapshot by its
// content hash, implementing the dedup half of Invariant D2.
func (s *DatasetStore) FindByContentHash(ctx context.Context, hash string) (*model.TrainingDataset, bool, error) {
	row := s.conn.QueryRowContext(ctx, selectDatasetQuery+` WHERE content_hash = $1`, hash)

	ds, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("%w: find by content hash: %w", ErrTrainingStoreFailed, err)
	}

	return ds, true, nil
}

// Save persists a new immutable dataset snapshot (Invariant D1).
func (s *DatasetStore) Save(ctx context.Context, ds *model.TrainingDataset) error {
	nullDensityJSON, err := json.Marshal(ds.DataQualityReport.NullDensityByColumn)
	if err != nil {
		return fmt.Errorf("%w: marshal null density: %w", ErrTrainingStoreFailed, err)
	}

	flagsJSON, err := json.Marshal(ds.DataQualityReport.Flags)
	if err != nil {
		return fmt.Errorf("%w: marshal quality flags: %w", ErrTrainingStoreFailed, err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO training_datasets (
			id, model_type, record_count, date_range_start, date_range_end,
			feature_columns, target_column, null_density, outlier_columns,
			quality_flags, storage_uri, content_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`,
		ds.ID, string(ds.ModelType), ds.RecordCount, ds.DateRangeStart, ds.DateRangeEnd,
		pq.Array(ds.FeatureColumns), ds.TargetColumn, nullDensityJSON,
		pq.Array(ds.DataQualityReport.OutlierColumns), flagsJSON, ds.StorageURI, ds.ContentHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: content hash %s already exists", ErrTrainingStoreFailed, ds.ContentHash)
		}

		return fmt.Errorf("%w: insert dataset: %w", ErrTrainingStoreFailed, err)
	}

	return nil
}

const selectDatasetQuery = `
	SELECT id, model_type, record_count, date_range_start, date_range_end,
	       feature_columns, target_column, null_density, outlier_columns,
	       quality_flags, storage_uri, content_hash, created_at
	FROM training_datasets
`

func scanDataset(row rowScanner) (*model.TrainingDataset, error) {
	var (
		ds              model.TrainingDataset
		featureColumns  pq.StringArray
		outlierColumns  pq.StringArray
		nullDensityJSON []byte
		flagsJSON       []byte
	)

	err := row.Scan(
		&ds.ID, &ds.ModelType, &ds.RecordCount, &ds.DateRangeStart, &ds.DateRangeEnd,
		&featureColumns, &ds.TargetColumn, &nullDensityJSON, &outlierColumns,
		&flagsJSON, &ds.StorageURI, &ds.ContentHash, &ds.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	ds.FeatureColumns = featureColumns
	ds.DataQualityReport.OutlierColumns = outlierColumns

	if len(nullDensityJSON) > 0 {
		_ = json.Unmarshal(nullDensityJSON, &ds.DataQualityReport.NullDensityByColumn)
	}

	if len(flagsJSON) > 0 {
		_ = json.Unmarshal(flagsJSON, &ds.DataQualityReport.Flags)
	}

	return &ds, nil
}

// JobStore is a Postgres-backed training.JobStore.
type JobStore struct {
	conn *Connection
}

// NewJobStore constructs a JobStore over an existing connection pool.
func NewJobStore(conn *Connection) *JobStore {
	return &JobStore{conn: conn}
}

// Save persists or updates a training job's full state, matching the
// job-lease index created in 002_create_training.up.sql (at most one
// Running row per model type, enforced by the database itself).
func (s *JobStore) Save(ctx context.Context, job *model.TrainingJob) error {
	var metricsJSON []byte

	if job.Metrics != nil {
		var err error

		metricsJSON, err = json.Marshal(job.Metrics)
		if err != nil {
			return fmt.Errorf("%w: marshal metrics: %w", ErrTrainingStoreFailed, err)
		}
	}

	hyperparamsJSON, err := json.Marshal(job.Hyperparameters)
	if err != nil {
		return fmt.Errorf("%w: marshal hyperparameters: %w", ErrTrainingStoreFailed, err)
	}

	var datasetID, modelID any
	if job.DatasetID != "" {
		datasetID = job.DatasetID
	}

	if job.ModelID != "" {
		modelID = job.ModelID
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO training_jobs (
			id, model_type, status, started_at, ended_at, dataset_id, model_id,
			trigger, hyperparameters, metrics, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			dataset_id = EXCLUDED.dataset_id,
			model_id = EXCLUDED.model_id,
			metrics = EXCLUDED.metrics,
			error = EXCLUDED.error
	`,
		job.ID, string(job.ModelType), string(job.Status), job.StartedAt, job.EndedAt,
		datasetID, modelID, string(job.Trigger), hyperparamsJSON, metricsJSON, job.Error,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: a job is already running for type %s", ErrTrainingStoreFailed, job.ModelType)
		}

		return fmt.Errorf("%w: upsert job: %w", ErrTrainingStoreFailed, err)
	}

	return nil
}
