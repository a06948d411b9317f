package model

import "time"

type (
	// TrainingDatasetStatus is unused today but reserved for future dataset
	// lifecycle states (e.g. Building, Ready, Expired); datasets are
	// currently immutable snapshots from the moment of creation (Invariant D1).
	TrainingDatasetStatus string

	// TrainingDataset is an immutable snapshot of training data for one
	// model type (Invariant D1). content_hash is the deduplication key
	// (Invariant D2).
	TrainingDataset struct {
		ID               string
		ModelType        Type
		RecordCount      int
		DateRangeStart   time.Time
		DateRangeEnd     time.Time
		FeatureColumns   []string
		TargetColumn     string
		DataQualityReport DataQualityReport
		StorageURI       string
		ContentHash      string
		CreatedAt        time.Time
	}

	// DataQualityReport is the structured result of the data-quality
	// validation gate run during dataset construction (§4.5 step 3).
	DataQualityReport struct {
		NullDensityByColumn map[string]float64
		OutlierColumns      []string
		Flags               []QualityFlag
	}

	// QualityFlag is one data-quality observation. Severity CRITICAL fails
	// the gate outright; others are advisory.
	QualityFlag struct {
		Column   string
		Severity QualitySeverity
		Message  string
	}

	QualitySeverity string

	// JobStatus is the lifecycle state of a TrainingJob.
	JobStatus string

	// JobTrigger identifies what caused a TrainingJob to be enqueued.
	JobTrigger string

	// TrainingJob is a single attempt to train (and possibly promote) a
	// model of a given type.
	TrainingJob struct {
		ID              string
		ModelType       Type
		Status          JobStatus
		StartedAt       time.Time
		EndedAt         *time.Time
		DatasetID       string
		ModelID         string
		Trigger         JobTrigger
		Hyperparameters map[string]string
		Metrics         *PerformanceMetrics
		Error           string
	}
)

const (
	QualitySeverityInfo     QualitySeverity = "INFO"
	QualitySeverityWarning  QualitySeverity = "WARNING"
	QualitySeverityCritical QualitySeverity = "CRITICAL"
)

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
)

const (
	TriggerScheduled JobTrigger = "Scheduled"
	TriggerDrift     JobTrigger = "Drift"
	TriggerManual    JobTrigger = "Manual"
	TriggerEvent     JobTrigger = "Event"
)

// HasCritical reports whether the report contains any CRITICAL flag, which
// fails the data-quality gate (§4.5 step 4, §7 DataQualityFailure).
func (r DataQualityReport) HasCritical() bool {
	for _, f := range r.Flags {
		if f.Severity == QualitySeverityCritical {
			return true
		}
	}

	return false
}
