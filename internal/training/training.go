// Package training implements the Training Orchestrator (§4.5): dataset
// snapshotting with content-hash dedup, the data-quality gate, model
// training, holdout evaluation, and promotion through the Lifecycle Manager.
package training

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maliev/predictionservice/internal/artifactstore"
	"github.com/maliev/predictionservice/internal/cache"
	"github.com/maliev/predictionservice/internal/canonicalization"
	"github.com/maliev/predictionservice/internal/lifecycle"
	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/registry"
)

// ErrJobAlreadyRunning is returned when a trigger arrives for a type that
// already has a running job; triggers coalesce rather than queue (§4.5
// Concurrency: "at most one running job per type").
var ErrJobAlreadyRunning = errors.New("training: a job is already running for this type")

// NullDensityThreshold and OutlierSigma are the data-quality gate's bounds
// (§4.5 step 3).
const (
	NullDensityThreshold = 0.10
	OutlierSigma         = 3.0
	DefaultHoldoutFraction = 0.20
)

// Row is one training record: named feature values plus the target.
type Row map[string]float64

// TimeWindow bounds a dataset snapshot's selection (§4.5 step 2).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// DatasetProvider fetches the raw rows for a type's training window. The
// storage layer implements this by querying the ingested event buckets
// (§4.6).
type DatasetProvider interface {
	Fetch(ctx context.Context, t model.Type, window TimeWindow) (rows []Row, featureColumns []string, targetColumn string, err error)
}

// DatasetStore persists immutable TrainingDataset snapshots, deduplicating
// by content hash (Invariant D2).
type DatasetStore interface {
	FindByContentHash(ctx context.Context, hash string) (*model.TrainingDataset, bool, error)
	Save(ctx context.Context, dataset *model.TrainingDataset) error
}

// JobStore persists TrainingJob records.
type JobStore interface {
	Save(ctx context.Context, job *model.TrainingJob) error
}

// Trainer fits a model of type t against rows, evaluates on a deterministic
// holdout split, and returns the serialized artifact bytes plus the
// resulting metrics. The specific algorithm is out of scope for this
// package (§1 Non-goals, §9); Trainer is the seam a concrete ML
// implementation plugs into.
type Trainer func(ctx context.Context, t model.Type, rows []Row, featureColumns []string, targetColumn string) (artifact []byte, metrics model.PerformanceMetrics, err error)

// EventPublisher emits the operational events named in §6 "Event
// publication" (ModelPromoted, ModelRolledBack, DriftDetected).
type EventPublisher interface {
	Publish(ctx context.Context, eventName string, payload any) error
}

// Orchestrator runs the §4.5 training algorithm.
type Orchestrator struct {
	Registry   registry.Registry
	Lifecycle  *lifecycle.Manager
	Artifacts  artifactstore.Store
	Datasets   DatasetProvider
	DatasetStore DatasetStore
	Jobs       JobStore
	Trainers   map[model.Type]Trainer
	Events     EventPublisher
	Cache      cache.Cache
	Logger     *slog.Logger

	mu      sync.Mutex
	running map[model.Type]bool
}

// New constructs a training Orchestrator.
func New(
	reg registry.Registry,
	lc *lifecycle.Manager,
	artifacts artifactstore.Store,
	datasets DatasetProvider,
	datasetStore DatasetStore,
	jobs JobStore,
	trainers map[model.Type]Trainer,
	events EventPublisher,
	c cache.Cache,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	return &Orchestrator{
		Registry:     reg,
		Lifecycle:    lc,
		Artifacts:    artifacts,
		Datasets:     datasets,
		DatasetStore: datasetStore,
		Jobs:         jobs,
		Trainers:     trainers,
		Events:       events,
		Cache:        c,
		Logger:       logger,
		running:      make(map[model.Type]bool),
	}
}

// DefaultWindow is the dataset snapshot window Enqueue selects when a
// caller (the drift monitor, an ingestion threshold, an admin trigger)
// does not need to pick an explicit one (§4.5 step 2).
const DefaultWindow = 90 * 24 * time.Hour

// Enqueue starts a training run for t in the background and returns
// immediately, satisfying events.TrainingEnqueuer (§4.6 step 5) and
// drift.Trainer (§4.9 "triggers ... a retraining job"). Concurrent
// triggers for the same type coalesce in RunJob's single-writer lease;
// the background error is logged, not returned, since the caller has
// already moved on (§5 "Concurrent triggers coalesce into a single
// pending job").
func (o *Orchestrator) Enqueue(ctx context.Context, t model.Type, trigger model.JobTrigger) error {
	now := time.Now()
	window := TimeWindow{Start: now.Add(-DefaultWindow), End: now}

	go func() {
		bgCtx := context.Background()
		if _, err := o.RunJob(bgCtx, t, trigger, window); err != nil && !errors.Is(err, ErrJobAlreadyRunning) {
			o.Logger.Error("enqueued training run failed",
				slog.String("type", string(t)), slog.String("trigger", string(trigger)), slog.String("error", err.Error()))
		}
	}()

	return nil
}

// RunJob executes the full training algorithm for t (§4.5 steps 1-9).
func (o *Orchestrator) RunJob(ctx context.Context, t model.Type, trigger model.JobTrigger, window TimeWindow) (*model.TrainingJob, error) {
	if !o.acquireLease(t) {
		o.Logger.Info("training trigger coalesced: job already running",
			slog.String("type", string(t)), slog.String("trigger", string(trigger)))

		return nil, fmt.Errorf("%w: %s", ErrJobAlreadyRunning, t)
	}
	defer o.releaseLease(t)

	job := &model.TrainingJob{
		ID:        uuid.NewString(),
		ModelType: t,
		Status:    model.JobRunning,
		StartedAt: time.Now(),
		Trigger:   trigger,
	}

	dataset, err := o.snapshotDataset(ctx, t, window)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("training: build dataset snapshot: %w", err))
	}

	job.DatasetID = dataset.ID

	if dataset.DataQualityReport.HasCritical() {
		return o.fail(ctx, job, fmt.Errorf("%w: %s", lifecycle.ErrDataQualityCritical, dataset.ID))
	}

	trainer, ok := o.Trainers[t]
	if !ok {
		return o.fail(ctx, job, fmt.Errorf("training: no trainer registered for type %s", t))
	}

	rows, featureColumns, targetColumn, err := o.Datasets.Fetch(ctx, t, window)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("training: re-fetch rows for training: %w", err))
	}

	artifact, metrics, err := trainer(ctx, t, rows, featureColumns, targetColumn)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("training: trainer failed: %w", err))
	}

	job.Metrics = &metrics

	candidate := &model.Model{
		ID:            uuid.NewString(),
		Type:          t,
		Status:        model.StatusDraft,
		TrainedAt:     time.Now(),
		Metrics:       metrics,
		TrainingJobID: job.ID,
	}

	nextVersion, err := o.nextVersion(ctx, t)
	if err != nil {
		return o.fail(ctx, job, err)
	}

	candidate.Version = nextVersion

	uri, err := o.Artifacts.Upload(ctx, bytes.NewReader(artifact), candidate.ID, t)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("training: upload artifact: %w", err))
	}

	candidate.ArtifactURI = uri

	if err := o.Registry.Save(ctx, candidate); err != nil {
		return o.fail(ctx, job, fmt.Errorf("training: save candidate: %w", err))
	}

	if _, err := o.Registry.Transition(ctx, candidate.ID, model.StatusTesting); err != nil {
		return o.fail(ctx, job, fmt.Errorf("training: transition candidate to testing: %w", err))
	}

	job.ModelID = candidate.ID

	var priorActiveVersion string
	if prior, err := o.Registry.GetActive(ctx, t); err == nil {
		priorActiveVersion = prior.Version.String()
	}

	promoted, err := o.Lifecycle.PromoteToActive(ctx, candidate, dataset)
	if err != nil {
		// Gate failure leaves the candidate parked in Testing (§4.5 step 8:
		// "on fail, model remains in Testing with the reason persisted").
		job.Status = model.JobSucceeded
		job.Error = err.Error()

		now := time.Now()
		job.EndedAt = &now

		o.Logger.Warn("candidate did not clear promotion gates",
			slog.String("model_id", candidate.ID), slog.String("type", string(t)), slog.Any("reason", err))

		if saveErr := o.saveJob(ctx, job); saveErr != nil {
			o.Logger.Warn("failed to persist gated training job", slog.Any("error", saveErr))
		}

		return job, err
	}

	job.Status = model.JobSucceeded

	now := time.Now()
	job.EndedAt = &now

	if o.Cache != nil {
		if err := o.Cache.Invalidate(ctx, cache.TypePrefix(t)); err != nil {
			o.Logger.Warn("eager cache invalidation failed after promotion",
				slog.String("type", string(t)), slog.Any("error", err))
		}
	}

	if o.Events != nil {
		payload := map[string]any{
			"type":       t,
			"newVersion": promoted.Version.String(),
		}
		if priorActiveVersion != "" {
			payload["oldVersion"] = priorActiveVersion
		}

		if err := o.Events.Publish(ctx, "ModelPromoted", payload); err != nil {
			o.Logger.Warn("publish ModelPromoted failed", slog.Any("error", err))
		}
	}

	return job, o.saveJob(ctx, job)
}

func (o *Orchestrator) nextVersion(ctx context.Context, t model.Type) (model.Version, error) {
	versions, err := o.Registry.ListVersions(ctx, t)
	if err != nil {
		return model.Version{}, fmt.Errorf("training: list versions: %w", err)
	}

	if len(versions) == 0 {
		return model.Version{Major: 1}, nil
	}

	latest := versions[len(versions)-1].Version

	return model.Version{Major: latest.Major, Minor: latest.Minor, Patch: latest.Patch + 1}, nil
}

func (o *Orchestrator) fail(ctx context.Context, job *model.TrainingJob, cause error) (*model.TrainingJob, error) {
	job.Status = model.JobFailed
	job.Error = cause.Error()

	now := time.Now()
	job.EndedAt = &now

	o.Logger.Error("training job failed", slog.String("type", string(job.ModelType)), slog.Any("error", cause))

	if saveErr := o.saveJob(ctx, job); saveErr != nil {
		o.Logger.Warn("failed to persist failed training job", slog.Any("error", saveErr))
	}

	return job, cause
}

func (o *Orchestrator) saveJob(ctx context.Context, job *model.TrainingJob) error {
	if o.Jobs == nil {
		return nil
	}

	return o.Jobs.Save(ctx, job)
}

func (o *Orchestrator) acquireLease(t model.Type) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running[t] {
		return false
	}

	o.running[t] = true

	return true
}

func (o *Orchestrator) releaseLease(t model.Type) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.running, t)
}

// snapshotDataset builds (or reuses, by content hash) the immutable
// TrainingDataset for t's window, running the data-quality gate over it
// (§4.5 steps 2-3).
func (o *Orchestrator) snapshotDataset(ctx context.Context, t model.Type, window TimeWindow) (*model.TrainingDataset, error) {
	rows, featureColumns, targetColumn, err := o.Datasets.Fetch(ctx, t, window)
	if err != nil {
		return nil, err
	}

	rowsDigest := digestRows(rows)
	contentHash := canonicalization.ContentHash(featureColumns, targetColumn, len(rows), rowsDigest)

	if existing, found, err := o.DatasetStore.FindByContentHash(ctx, contentHash); err != nil {
		return nil, fmt.Errorf("training: lookup dataset by content hash: %w", err)
	} else if found {
		return existing, nil
	}

	report := validateQuality(rows, featureColumns)

	dataset := &model.TrainingDataset{
		ID:                uuid.NewString(),
		ModelType:         t,
		RecordCount:       len(rows),
		DateRangeStart:    window.Start,
		DateRangeEnd:      window.End,
		FeatureColumns:    featureColumns,
		TargetColumn:      targetColumn,
		DataQualityReport: report,
		ContentHash:       contentHash,
		CreatedAt:         time.Now(),
	}

	if err := o.DatasetStore.Save(ctx, dataset); err != nil {
		return nil, fmt.Errorf("training: save dataset snapshot: %w", err)
	}

	return dataset, nil
}

// digestRows hashes a deterministic JSON encoding of rows so that identical
// row sets (independent of fetch order within a column) hash identically;
// rows are sorted by their JSON encoding first to remove fetch-order
// sensitivity.
func digestRows(rows []Row) string {
	encoded := make([]string, 0, len(rows))

	for _, row := range rows {
		b, _ := json.Marshal(row)
		encoded = append(encoded, string(b))
	}

	sort.Strings(encoded)

	h := sha256.Sum256([]byte(fmt.Sprintf("%v", encoded)))

	return hex.EncodeToString(h[:])
}

// validateQuality runs the §4.5 step 3 checks: null density per column
// (values absent from a row count as null for that column) and 3-sigma
// outlier detection.
func validateQuality(rows []Row, featureColumns []string) model.DataQualityReport {
	report := model.DataQualityReport{
		NullDensityByColumn: make(map[string]float64),
	}

	if len(rows) == 0 {
		for _, col := range featureColumns {
			report.NullDensityByColumn[col] = 1
			report.Flags = append(report.Flags, model.QualityFlag{
				Column: col, Severity: model.QualitySeverityCritical, Message: "no rows in dataset",
			})
		}

		return report
	}

	for _, col := range featureColumns {
		var (
			present int
			values  []float64
		)

		for _, row := range rows {
			if v, ok := row[col]; ok {
				present++
				values = append(values, v)
			}
		}

		density := 1 - float64(present)/float64(len(rows))
		report.NullDensityByColumn[col] = density

		if density > NullDensityThreshold {
			report.Flags = append(report.Flags, model.QualityFlag{
				Column:   col,
				Severity: model.QualitySeverityCritical,
				Message:  fmt.Sprintf("null density %.2f%% exceeds %.0f%% threshold", density*100, NullDensityThreshold*100),
			})

			continue
		}

		if isOutlierColumn(values) {
			report.OutlierColumns = append(report.OutlierColumns, col)
			report.Flags = append(report.Flags, model.QualityFlag{
				Column:   col,
				Severity: model.QualitySeverityWarning,
				Message:  "contains values beyond 3 standard deviations of the column mean",
			})
		}
	}

	return report
}

func isOutlierColumn(values []float64) bool {
	if len(values) < 2 {
		return false
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return false
	}

	for _, v := range values {
		if math.Abs(v-mean) > OutlierSigma*stddev {
			return true
		}
	}

	return false
}

// HoldoutSplit deterministically partitions rows into train/holdout sets
// using index parity scaled by fraction, so repeated calls on the same
// rows always produce the same split (§4.5 step 6: "held back
// deterministically"). Trainer implementations are expected to call this
// rather than shuffling randomly.
func HoldoutSplit(rows []Row, fraction float64) (train, holdout []Row) {
	if fraction <= 0 {
		return rows, nil
	}

	if fraction >= 1 {
		return nil, rows
	}

	holdoutEvery := int(math.Round(1 / fraction))
	if holdoutEvery < 1 {
		holdoutEvery = 1
	}

	for i, row := range rows {
		if (i+1)%holdoutEvery == 0 {
			holdout = append(holdout, row)
		} else {
			train = append(train, row)
		}
	}

	return train, holdout
}

// Schedule runs the cron-like per-type training trigger (§4.5 "Triggers:
// scheduled (cron-like per type)"): one background goroutine per type in
// intervals, each enqueuing a Scheduled training run on its own ticker and
// stopping when ctx is cancelled (§9 "Background hosted workers: express
// each long-running process ... as a loop in a worker goroutine/task,
// subscribed to a cancellation signal").
func (o *Orchestrator) Schedule(ctx context.Context, intervals map[model.Type]time.Duration) {
	for t, interval := range intervals {
		if interval <= 0 {
			continue
		}

		go o.runSchedule(ctx, t, interval)
	}
}

func (o *Orchestrator) runSchedule(ctx context.Context, t model.Type, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Enqueue(ctx, t, model.TriggerScheduled); err != nil {
				o.Logger.Error("scheduled training enqueue failed",
					slog.String("type", string(t)), slog.String("error", err.Error()))
			}
		}
	}
}
