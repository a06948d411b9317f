// Package api provides HTTP API server implementation for the prediction service.
package api

import "time"

// PredictionResponse is the §6 response envelope, shared by every
// synchronous prediction endpoint (print-time, demand-forecast,
// price-recommendation, churn-risk, material-demand, bottleneck-prediction)
// and by each completed item in a batch result.
type PredictionResponse struct {
	PredictedValue  float64        `json:"predictedValue"`
	Unit            string         `json:"unit"`
	ConfidenceLower float64        `json:"confidenceLower"`
	ConfidenceUpper float64        `json:"confidenceUpper"`
	Explanation     Explanation    `json:"explanation"`
	ModelVersion    string         `json:"modelVersion"`
	CacheStatus     string         `json:"cacheStatus"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Degraded        bool           `json:"degraded,omitempty"`
}

// Explanation is the response envelope's "explanation" field.
type Explanation struct {
	TopFactors    []FeatureContribution `json:"topFactors"`
	HumanReadable string                `json:"humanReadable"`
}

// FeatureContribution is one entry in an explanation's top-k feature list.
type FeatureContribution struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Trend  string  `json:"trend"`
}

// DemandForecastRequest is the decoded body of POST /demand-forecast.
type DemandForecastRequest struct {
	ProductID     string  `json:"productId"`
	HorizonDays   int     `json:"horizonDays"`
	Granularity   string  `json:"granularity"`
	RecentAverage float64 `json:"recentAverage"`
}

// PriceRecommendationRequest is the decoded body of POST /price-recommendation.
type PriceRecommendationRequest struct {
	OrderID             string  `json:"orderId"`
	MaterialCost        float64 `json:"materialCost"`
	ComplexityScore     float64 `json:"complexityScore"`
	CompetitorBenchmark float64 `json:"competitorBenchmark"`
}

// MaterialDemandRequest is the decoded body of POST /material-demand.
type MaterialDemandRequest struct {
	MaterialID    string  `json:"materialId"`
	HorizonDays   int     `json:"horizonDays"`
	RecentAverage float64 `json:"recentAverage"`
}

// BottleneckPredictionRequest is the decoded body of POST /bottleneck-prediction.
type BottleneckPredictionRequest struct {
	WorkCenterID       string  `json:"workCenterId"`
	UtilizationPercent float64 `json:"utilizationPercent"`
	QueueDepth         float64 `json:"queueDepth"`
}

// BatchRequest is the decoded body of POST /batch: up to 100 heterogeneous
// prediction items, each dispatched through the same per-type orchestration
// as the synchronous endpoints (§6 "Batch endpoint semantics").
type BatchRequest struct {
	Items []BatchItem `json:"items"`
}

// BatchItem is a single unit of work inside a BatchRequest.
type BatchItem struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// BatchAcceptedResponse is returned synchronously by POST /batch; results
// are retrieved later via GET /batch/{id}/status and /batch/{id}/results.
type BatchAcceptedResponse struct {
	BatchID string `json:"batchId"`
	Status  string `json:"status"`
	Total   int    `json:"total"`
}

// BatchStatusResponse is returned by GET /batch/{id}/status.
type BatchStatusResponse struct {
	BatchID   string `json:"batchId"`
	Status    string `json:"status"` // Pending, Running, Completed, Failed
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// BatchResultsResponse is returned by GET /batch/{id}/results.
type BatchResultsResponse struct {
	BatchID string        `json:"batchId"`
	Results []BatchResult `json:"results"`
}

// BatchResult pairs one batch item's index with its outcome; Error is set
// instead of Response when that item's prediction failed.
type BatchResult struct {
	Index    int                  `json:"index"`
	Response *PredictionResponse  `json:"response,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// ModelHealthResponse is returned by GET /predictions/v1/models/{type}/health.
type ModelHealthResponse struct {
	Type             string         `json:"type"`
	ActiveVersion    string         `json:"activeVersion,omitempty"`
	Status           string         `json:"status,omitempty"`
	RollingMetric    *float64       `json:"rollingMetric,omitempty"`
	RollingSampleSize int           `json:"rollingSampleSize,omitempty"`
	PredictionVolume int64          `json:"predictionVolume"`
	DeployedAt       *time.Time     `json:"deployedAt,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
}

// ModelVersionsResponse is returned by GET /predictions/v1/models/{type}/versions.
type ModelVersionsResponse struct {
	Type     string         `json:"type"`
	Versions []ModelVersion `json:"versions"`
}

// ModelVersion is one entry in a model's version history.
type ModelVersion struct {
	ID             string     `json:"id"`
	Version        string     `json:"version"`
	Status         string     `json:"status"`
	TrainedAt      time.Time  `json:"trainedAt"`
	DeployedAt     *time.Time `json:"deployedAt,omitempty"`
	DeprecatedAt   *time.Time `json:"deprecatedAt,omitempty"`
	RollbackReason string     `json:"rollbackReason,omitempty"`
	RolledBackFrom string     `json:"rolledBackFrom,omitempty"`
}

// TrainModelRequest is the decoded body of POST /predictions/v1/models/{type}/train.
type TrainModelRequest struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// TrainModelResponse is returned by POST /predictions/v1/models/{type}/train.
type TrainModelResponse struct {
	JobID     string `json:"jobId"`
	ModelType string `json:"modelType"`
	Status    string `json:"status"`
}

// DeployModelRequest is the decoded body of POST /predictions/v1/models/{id}/deploy.
type DeployModelRequest struct {
	CanaryPercent int `json:"canaryPercent"`
}

// DeployModelResponse is returned by POST /predictions/v1/models/{id}/deploy.
type DeployModelResponse struct {
	ModelID       string `json:"modelId"`
	Status        string `json:"status"`
	CanaryPercent int    `json:"canaryPercent"`
}

// RollbackModelRequest is the decoded body of POST /predictions/v1/models/{id}/rollback.
type RollbackModelRequest struct {
	TargetVersion string `json:"targetVersion"`
	Reason        string `json:"reason"`
}

// RollbackModelResponse is returned by POST /predictions/v1/models/{id}/rollback.
type RollbackModelResponse struct {
	ModelID       string `json:"modelId"`
	Version       string `json:"version"`
	RollbackReason string `json:"rollbackReason"`
}

// UserDeletionResponse is returned by DELETE /user/{userId}.
type UserDeletionResponse struct {
	UserID       string `json:"userId"`
	RowsDeleted  int64  `json:"rowsDeleted"`
}

// HealthProbeResponse is returned by the liveness/readiness/health probes.
type HealthProbeResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Uptime  string `json:"uptime,omitempty"`
}
