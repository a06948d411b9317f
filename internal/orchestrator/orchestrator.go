// Package orchestrator implements the Prediction Orchestrator (§4.3): the
// uniform eleven-step algorithm that turns a per-type request into a typed,
// explained, cached, and audited prediction response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/maliev/predictionservice/internal/artifactstore"
	"github.com/maliev/predictionservice/internal/cache"
	"github.com/maliev/predictionservice/internal/canonicalization"
	"github.com/maliev/predictionservice/internal/catalogalias"
	"github.com/maliev/predictionservice/internal/explainer"
	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/predictor"
	"github.com/maliev/predictionservice/internal/registry"
)

// aliasedParamKeys names the request parameters that carry raw catalog
// identifiers (material codes, printer models, SKUs) subject to
// catalogalias normalization before fingerprinting (§4.3 step 1), so that
// "Prusa MK4" and "prusa-mk4" land on the same cache key and training row.
var aliasedParamKeys = map[string]bool{
	"material":     true,
	"printerModel": true,
	"materialSku":  true,
}

// Sentinel errors for the §7 error taxonomy this package is responsible for
// raising. The API layer maps these to RFC 7807 problem details and HTTP
// status codes; this package never references HTTP concerns directly.
var (
	// ErrValidation marks malformed input, an unsupported format, or an
	// out-of-range parameter (§7 ValidationError).
	ErrValidation = errors.New("orchestrator: validation error")

	// ErrInputTooLarge marks a geometry or batch payload exceeding its cap
	// (§7 InputTooLarge).
	ErrInputTooLarge = errors.New("orchestrator: input too large")

	// ErrNoActiveModel marks a type with no Active model and no configured
	// fallback (§7 NoActiveModel).
	ErrNoActiveModel = errors.New("orchestrator: no active model and no fallback configured")

	// ErrPredictorLoad wraps an artifact fetch or deserialization failure
	// (§7 PredictorLoadError).
	ErrPredictorLoad = errors.New("orchestrator: predictor load failed")

	// ErrInference wraps an unexpected condition raised during scoring (§7
	// InferenceError).
	ErrInference = errors.New("orchestrator: inference failed")
)

// Request is a normalized, per-type prediction request (§4.3 step 1 input).
// Params holds the type-specific named parameters (already decoded from the
// wire, not yet canonicalized); BinaryPayload carries an opaque input such
// as geometry bytes, participating in the fingerprint by content.
type Request struct {
	Type          model.Type
	Params        map[string]any
	BinaryPayload []byte
	UserID        string
	TenantID      string
}

// Explanation is the §6 response envelope's "explanation" field.
type Explanation struct {
	TopFactors    []model.FeatureContribution
	HumanReadable string
}

// Response is the §6 response envelope.
type Response struct {
	PredictedValue  float64
	Unit            string
	ConfidenceLower float64
	ConfidenceUpper float64
	Explanation     Explanation
	ModelVersion    string
	CacheStatus     model.CacheStatus
	Timestamp       time.Time
	Metadata        map[string]any
	Degraded        bool
}

// AuditWriter appends one immutable audit record per prediction attempt
// (§4.3 step 10, Invariant A1). Implemented by the storage package.
type AuditWriter interface {
	Append(ctx context.Context, entry model.AuditLog) error
}

// PopulationStats resolves the stored per-feature trailing-window
// statistics for a model, used by the Explainer for trend and percentile
// classification (§4.7). Implemented by the storage package, which reads
// them from Model.Metadata or a dedicated population-stats table.
type PopulationStats interface {
	Stats(ctx context.Context, t model.Type, modelID string) (map[string]explainer.PopulationStat, error)
}

// FeatureExtractor turns a normalized Request into the named feature vector
// a Predictor scores. One is registered per model.Type (extract.go).
type FeatureExtractor func(req Request) (map[string]float64, error)

// Orchestrator wires the registry, cache, predictor registry, and
// rule-based fallback into the §4.3 algorithm.
type Orchestrator struct {
	Registry   registry.Registry
	Cache      cache.Cache
	Predictors *predictor.Registry
	Fallback   *predictor.Fallback
	Audit      AuditWriter
	Population PopulationStats
	Aliases    *catalogalias.Resolver
	Clock      func() time.Time
	Logger     *slog.Logger

	extractors map[model.Type]FeatureExtractor
}

// WithAliases installs a catalog-alias resolver so raw material/printer/SKU
// identifiers are normalized before fingerprinting. Returns o for chaining.
func (o *Orchestrator) WithAliases(resolver *catalogalias.Resolver) *Orchestrator {
	o.Aliases = resolver

	return o
}

// New constructs an Orchestrator. Population and Audit may be nil in
// degraded deployments (explanations fall back to no population data;
// audit append failures are logged, never surfaced to the caller, since an
// audit outage must not block serving — see §7 TransientInfraError).
func New(
	reg registry.Registry,
	c cache.Cache,
	predictors *predictor.Registry,
	fallback *predictor.Fallback,
	audit AuditWriter,
	population PopulationStats,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	return &Orchestrator{
		Registry:   reg,
		Cache:      c,
		Predictors: predictors,
		Fallback:   fallback,
		Audit:      audit,
		Population: population,
		Clock:      time.Now,
		Logger:     logger,
		extractors: defaultExtractors(),
	}
}

// Predict runs the uniform eleven-step algorithm for req (§4.3).
func (o *Orchestrator) Predict(ctx context.Context, req Request) (Response, error) {
	start := o.Clock()
	requestID := uuid.NewString()

	if !req.Type.IsValid() {
		return Response{}, fmt.Errorf("%w: unrecognized model type %q", ErrValidation, req.Type)
	}

	extract, ok := o.extractors[req.Type]
	if !ok {
		return Response{}, fmt.Errorf("%w: no feature extractor registered for %q", ErrValidation, req.Type)
	}

	// Step 1-2: normalize (catalog-alias resolution, then canonicalization)
	// + fingerprint.
	if o.Aliases != nil {
		req.Params = o.Aliases.ResolveParams(req.Params, aliasedParamKeys)
	}

	fingerprint, err := canonicalization.Fingerprint(req.Params, req.BinaryPayload)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	// Step 3: resolve model.
	active, err := o.Registry.GetActive(ctx, req.Type)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			return Response{}, fmt.Errorf("%w: %w", ErrPredictorLoad, err)
		}

		return o.predictWithFallback(ctx, req, extract, requestID, start)
	}

	active, err = o.resolveCanaryTarget(ctx, active, requestID)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrPredictorLoad, err)
	}

	// Step 4: cache lookup.
	key := cache.Key(req.Type, fingerprint, active.Version)

	if stored, err := o.Cache.Get(ctx, key); err == nil {
		payload, decodeErr := cache.Decode(stored)
		if decodeErr == nil {
			resp, unmarshalErr := decodeResponse(payload)
			if unmarshalErr == nil {
				resp.CacheStatus = model.CacheHit
				o.auditAsync(ctx, req, active, fingerprint, resp, model.CacheHit, start, requestID, "")

				return resp, nil
			}
		}
	}

	// Step 5: load predictor.
	p, err := o.Predictors.Get(ctx, req.Type, active.ID)
	if err != nil {
		o.auditAsync(ctx, req, active, fingerprint, Response{}, model.CacheMiss, start, requestID, err.Error())

		return Response{}, fmt.Errorf("%w: %w", ErrPredictorLoad, err)
	}

	defer o.Predictors.Release(req.Type, active.ID)

	// Step 6: extract features.
	features, err := extract(req)
	if err != nil {
		o.auditAsync(ctx, req, active, fingerprint, Response{}, model.CacheMiss, start, requestID, err.Error())

		return Response{}, err
	}

	// Step 7: infer.
	result, err := p.Predict(ctx, features)
	if err != nil {
		o.auditAsync(ctx, req, active, fingerprint, Response{}, model.CacheMiss, start, requestID, err.Error())

		return Response{}, fmt.Errorf("%w: %w", ErrInference, err)
	}

	// Step 8: explain.
	population := o.populationFor(ctx, req.Type, active.ID)
	contributions := explainer.Explain(result.RawScores, result.FeatureValues, population)
	humanReadable := explainer.HumanReadable(contributions, result.FeatureValues, population)

	resp := Response{
		PredictedValue:  result.Value,
		Unit:            result.Unit,
		ConfidenceLower: result.ConfidenceLower,
		ConfidenceUpper: result.ConfidenceUpper,
		Explanation: Explanation{
			TopFactors:    contributions,
			HumanReadable: humanReadable,
		},
		ModelVersion: active.Version.String(),
		CacheStatus:  model.CacheMiss,
		Timestamp:    o.Clock(),
		Metadata:     result.Extra,
	}

	// Step 9: store in cache.
	if encoded, err := encodeResponse(resp); err == nil {
		if wrapped, err := cache.Encode(encoded); err == nil {
			if err := o.Cache.Put(ctx, key, wrapped, model.CacheTTL(req.Type)); err != nil {
				o.Logger.Warn("cache put failed", slog.String("key", key), slog.Any("error", err))
			}
		}
	}

	// Step 10: audit.
	o.auditAsync(ctx, req, active, fingerprint, resp, model.CacheMiss, start, requestID, "")

	// Step 11: return.
	return resp, nil
}

// predictWithFallback handles step 3's "no Active model" branch: serve the
// rule-based fallback with a degraded flag, or fail with ErrNoActiveModel
// if none is registered for the type (§7 NoActiveModel).
func (o *Orchestrator) predictWithFallback(
	ctx context.Context,
	req Request,
	extract FeatureExtractor,
	requestID string,
	start time.Time,
) (Response, error) {
	if o.Fallback == nil {
		return Response{}, fmt.Errorf("%w: %q", ErrNoActiveModel, req.Type)
	}

	features, err := extract(req)
	if err != nil {
		return Response{}, err
	}

	result, err := o.Fallback.Predict(ctx, string(req.Type), features)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrInference, err)
	}

	resp := Response{
		PredictedValue:  result.Value,
		Unit:            result.Unit,
		ConfidenceLower: result.ConfidenceLower,
		ConfidenceUpper: result.ConfidenceUpper,
		Explanation: Explanation{
			HumanReadable: "Served from rule-based fallback; no Active model is currently deployed for this type.",
		},
		ModelVersion: "",
		CacheStatus:  model.CacheBypass,
		Timestamp:    o.Clock(),
		Metadata:     result.Extra,
		Degraded:     true,
	}

	if o.Audit != nil {
		entry := model.AuditLog{
			ID:           requestID,
			RequestID:    requestID,
			ModelType:    req.Type,
			ResponseMS:   o.Clock().Sub(start).Milliseconds(),
			CacheStatus:  model.CacheBypass,
			UserID:       req.UserID,
			TenantID:     req.TenantID,
			Timestamp:    o.Clock(),
			OutputPrediction: fmt.Sprintf("%v", resp.PredictedValue),
		}

		if err := o.Audit.Append(ctx, entry); err != nil {
			o.Logger.Warn("audit append failed", slog.String("request_id", requestID), slog.Any("error", err))
		}
	}

	return resp, nil
}

// resolveCanaryTarget implements SPEC_FULL.md's canary-percent dispatch: when
// the Active model still carries a CanaryPercent below 100 (set by POST
// /predictions/v1/models/{id}/deploy), only that fraction of traffic is
// routed to it; the remainder keeps serving the version it replaced until
// cutover reaches 100. Routing is deterministic per request id (fnv-32a hash
// mod 100), so a request repeated with the same id lands on the same
// version and test runs are reproducible.
//
// Transition deprecates the prior Active model as part of the same promotion
// that sets active's CanaryPercent, so the stable predecessor is always the
// highest-versioned Deprecated model of the same type below active's
// version; if none exists (the type's first-ever model), the canary serves
// all traffic regardless of percent.
func (o *Orchestrator) resolveCanaryTarget(ctx context.Context, active *model.Model, requestID string) (*model.Model, error) {
	if active.CanaryPercent <= 0 || active.CanaryPercent >= 100 {
		return active, nil
	}

	versions, err := o.Registry.ListVersions(ctx, active.Type)
	if err != nil {
		o.Logger.Warn("canary: failed to list versions, serving canary model",
			slog.String("type", string(active.Type)), slog.Any("error", err))

		return active, nil
	}

	var predecessor *model.Model

	for _, v := range versions {
		if v.ID == active.ID || v.Status != model.StatusDeprecated || !v.Version.Less(active.Version) {
			continue
		}

		if predecessor == nil || predecessor.Version.Less(v.Version) {
			predecessor = v
		}
	}

	if predecessor == nil {
		return active, nil
	}

	if requestIDBucket(requestID) < active.CanaryPercent {
		return active, nil
	}

	return predecessor, nil
}

// requestIDBucket deterministically maps a request id to [0, 100).
func requestIDBucket(requestID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))

	return int(h.Sum32() % 100)
}

func (o *Orchestrator) populationFor(ctx context.Context, t model.Type, modelID string) map[string]explainer.PopulationStat {
	if o.Population == nil {
		return nil
	}

	stats, err := o.Population.Stats(ctx, t, modelID)
	if err != nil {
		o.Logger.Warn("population stats lookup failed",
			slog.String("type", string(t)), slog.String("model_id", modelID), slog.Any("error", err))

		return nil
	}

	return stats
}

func (o *Orchestrator) auditAsync(
	ctx context.Context,
	req Request,
	active *model.Model,
	fingerprint string,
	resp Response,
	status model.CacheStatus,
	start time.Time,
	requestID string,
	errMsg string,
) {
	if o.Audit == nil {
		return
	}

	confidence := resp.ConfidenceUpper - resp.ConfidenceLower

	entry := model.AuditLog{
		ID:               uuid.NewString(),
		RequestID:        requestID,
		ModelType:        req.Type,
		ModelVersion:     active.Version,
		InputFeatures:    map[string]string{"fingerprint": fingerprint},
		OutputPrediction: fmt.Sprintf("%v", resp.PredictedValue),
		Confidence:       &confidence,
		ResponseMS:       o.Clock().Sub(start).Milliseconds(),
		CacheStatus:      status,
		UserID:           req.UserID,
		TenantID:         req.TenantID,
		Timestamp:        o.Clock(),
		Error:            errMsg,
	}

	if err := o.Audit.Append(ctx, entry); err != nil {
		o.Logger.Warn("audit append failed", slog.Any("error", err))
	}
}

// predictorLoadErrorIsTerminal distinguishes a missing artifact (permanent,
// do not retry) from a transient store failure; used by callers deciding
// whether to retry with backoff per §7 PredictorLoadError/TransientInfraError.
func predictorLoadErrorIsTerminal(err error) bool {
	return errors.Is(err, artifactstore.ErrNotFound)
}
