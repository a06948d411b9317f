package model

import "time"

// CacheStatus records whether a prediction response was served from cache.
type CacheStatus string

const (
	CacheHit     CacheStatus = "Hit"
	CacheMiss    CacheStatus = "Miss"
	CacheBypass  CacheStatus = "Bypass"
)

// AuditLog is one immutable, append-only record of a prediction attempt
// (Invariant A1). The only permitted update after append is attaching
// feedback (ActualOutcome/OutcomeReceivedAt).
type AuditLog struct {
	ID               string
	RequestID        string
	ModelType        Type
	ModelVersion     Version
	InputFeatures    map[string]string // normalized, canonical form
	OutputPrediction string            // JSON-encoded typed response payload
	Confidence       *float64
	ResponseMS       int64
	CacheStatus      CacheStatus
	UserID           string
	TenantID         string
	Timestamp        time.Time
	ActualOutcome    string
	OutcomeReceivedAt *time.Time
	Error            string
}
