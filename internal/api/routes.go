// Package api provides HTTP API server implementation for the prediction service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maliev/predictionservice/internal/api/middleware"
	"github.com/maliev/predictionservice/internal/lifecycle"
	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/orchestrator"
	"github.com/maliev/predictionservice/internal/registry"
	"github.com/maliev/predictionservice/internal/training"
)

const (
	maxBatchItems      = 100
	maxPrintTimeUpload = 64 << 20 // 64 MiB, §7 InputTooLarge for geometry payloads

	permissionAdmin     = "PredictionAdmin"
	permissionScientist = "DataScientist"
)

// setupRoutes registers every endpoint in the HTTP surface table (§6). The
// whole mux runs through one middleware chain built in NewServer; probes
// tolerate a missing PluginContext the same way requirePermission does, so
// they work whether or not auth is configured.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /predictions/v1/print-time", s.handlePrintTime)
	mux.HandleFunc("POST /predictions/v1/demand-forecast", s.handleDemandForecast)
	mux.HandleFunc("POST /predictions/v1/price-recommendation", s.handlePriceRecommendation)
	mux.HandleFunc("GET /predictions/v1/churn-risk/{customerId}", s.handleChurnRisk)
	mux.HandleFunc("POST /predictions/v1/material-demand", s.handleMaterialDemand)
	mux.HandleFunc("POST /predictions/v1/bottleneck-prediction", s.handleBottleneckPrediction)

	mux.HandleFunc("POST /predictions/v1/batch", s.handleBatchCreate)
	mux.HandleFunc("GET /predictions/v1/batch/{id}/status", s.handleBatchStatus)
	mux.HandleFunc("GET /predictions/v1/batch/{id}/results", s.handleBatchResults)

	mux.HandleFunc("GET /predictions/v1/models/{type}/health", s.handleModelHealth)
	mux.HandleFunc("GET /predictions/v1/models/{type}/versions", s.handleModelVersions)
	mux.HandleFunc("POST /predictions/v1/models/{type}/train", s.handleModelTrain)
	mux.HandleFunc("POST /predictions/v1/models/{id}/deploy", s.handleModelDeploy)
	mux.HandleFunc("POST /predictions/v1/models/{id}/rollback", s.handleModelRollback)

	mux.HandleFunc("DELETE /predictions/v1/user/{userId}", s.handleUserDeletion)

	mux.HandleFunc("GET /predictionservice/liveness", s.handleLiveness)
	mux.HandleFunc("GET /predictionservice/readiness", s.handleReadiness)
	mux.HandleFunc("GET /predictionservice/health", s.handleHealth)
	mux.Handle("GET /predictionservice/metrics", middleware.MetricsHandler())
}

// --- synchronous prediction endpoints ---

func (s *Server) handlePrintTime(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPrintTimeUpload); err != nil {
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge("geometry upload exceeds the maximum accepted size"))

		return
	}

	file, _, err := r.FormFile("geometry")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("multipart field \"geometry\" is required"))

		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read geometry upload"))

		return
	}

	params := map[string]any{}

	for _, key := range []string{"layerHeightMm", "infillPercent", "printSpeedMmS", "nozzleTempC", "bedTempC"} {
		if v := r.FormValue(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				params[key] = f
			}
		}
	}

	s.predict(w, r, model.PrintTime, params, payload)
}

func (s *Server) handleDemandForecast(w http.ResponseWriter, r *http.Request) {
	var req DemandForecastRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	s.predict(w, r, model.DemandForecast, map[string]any{
		"horizonDays":   req.HorizonDays,
		"recentAverage": req.RecentAverage,
		"productId":     req.ProductID,
		"granularity":   req.Granularity,
	}, nil)
}

func (s *Server) handlePriceRecommendation(w http.ResponseWriter, r *http.Request) {
	var req PriceRecommendationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	s.predict(w, r, model.PriceOptimization, map[string]any{
		"materialCost":        req.MaterialCost,
		"complexityScore":     req.ComplexityScore,
		"competitorBenchmark": req.CompetitorBenchmark,
		"orderId":             req.OrderID,
	}, nil)
}

func (s *Server) handleChurnRisk(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("customerId")
	if customerID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("customerId path parameter is required"))

		return
	}

	// Churn features (RFM + behavior) are precomputed upstream by a
	// customer-aggregation reader; this endpoint is a GET keyed only by
	// customer, so it accepts the same features via query parameters.
	q := r.URL.Query()
	s.predict(w, r, model.ChurnPrediction, map[string]any{
		"customerId":         customerID,
		"daysSinceLastOrder": parseQueryFloat(q, "daysSinceLastOrder"),
		"orderFrequency":     parseQueryFloat(q, "orderFrequency"),
		"averageOrderValue":  parseQueryFloat(q, "averageOrderValue"),
		"supportTicketCount": parseQueryFloat(q, "supportTicketCount"),
	}, nil)
}

func (s *Server) handleMaterialDemand(w http.ResponseWriter, r *http.Request) {
	var req MaterialDemandRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	s.predict(w, r, model.MaterialDemand, map[string]any{
		"horizonDays":   req.HorizonDays,
		"recentAverage": req.RecentAverage,
		"materialId":    req.MaterialID,
	}, nil)
}

func (s *Server) handleBottleneckPrediction(w http.ResponseWriter, r *http.Request) {
	var req BottleneckPredictionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	s.predict(w, r, model.BottleneckDetection, map[string]any{
		"utilizationPercent": req.UtilizationPercent,
		"queueDepth":         req.QueueDepth,
		"workCenterId":       req.WorkCenterID,
	}, nil)
}

// predict runs the orchestrator for t and writes the §6 response envelope,
// mapping orchestrator sentinel errors to their RFC 7807 problem (§7).
func (s *Server) predict(w http.ResponseWriter, r *http.Request, t model.Type, params map[string]any, payload []byte) {
	req := orchestrator.Request{
		Type:          t,
		Params:        params,
		BinaryPayload: payload,
		UserID:        principalID(r),
		TenantID:      r.Header.Get("X-Tenant-ID"),
	}

	resp, err := s.orchestrator.Predict(r.Context(), req)
	if err != nil {
		s.writePredictError(w, r, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, toPredictionResponse(resp))
}

func (s *Server) writePredictError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	case errors.Is(err, orchestrator.ErrInputTooLarge):
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge(err.Error()))
	case errors.Is(err, orchestrator.ErrNoActiveModel):
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable(err.Error()))
	case errors.Is(err, orchestrator.ErrPredictorLoad), errors.Is(err, orchestrator.ErrInference):
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable(err.Error()))
	default:
		s.logger.Error("prediction failed", slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("prediction failed"))
	}
}

func toPredictionResponse(resp orchestrator.Response) PredictionResponse {
	factors := make([]FeatureContribution, 0, len(resp.Explanation.TopFactors))
	for _, f := range resp.Explanation.TopFactors {
		factors = append(factors, FeatureContribution{Name: f.Name, Weight: f.Weight, Trend: string(f.Trend)})
	}

	return PredictionResponse{
		PredictedValue:  resp.PredictedValue,
		Unit:            resp.Unit,
		ConfidenceLower: resp.ConfidenceLower,
		ConfidenceUpper: resp.ConfidenceUpper,
		Explanation: Explanation{
			TopFactors:    factors,
			HumanReadable: resp.Explanation.HumanReadable,
		},
		ModelVersion: resp.ModelVersion,
		CacheStatus:  string(resp.CacheStatus),
		Timestamp:    resp.Timestamp,
		Metadata:     resp.Metadata,
		Degraded:     resp.Degraded,
	}
}

// --- batch endpoint ---

func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if len(req.Items) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("batch must contain at least one item"))

		return
	}

	if len(req.Items) > maxBatchItems {
		WriteErrorResponse(w, r, s.logger,
			PayloadTooLarge(fmt.Sprintf("batch contains %d items, maximum is %d", len(req.Items), maxBatchItems)))

		return
	}

	job := s.batches.create(len(req.Items))
	userID := principalID(r)
	tenantID := r.Header.Get("X-Tenant-ID")

	// Each item runs through the identical per-type orchestration a
	// synchronous call would use (§6 "Batch endpoint semantics"); only the
	// transport is asynchronous. Processing detaches from the request
	// context so a client that stops polling doesn't cancel in-flight work.
	go s.runBatch(job, req.Items, userID, tenantID)

	writeJSON(w, r, s.logger, http.StatusAccepted, BatchAcceptedResponse{
		BatchID: job.id,
		Status:  "Pending",
		Total:   len(req.Items),
	})
}

func (s *Server) runBatch(job *batchJob, items []BatchItem, userID, tenantID string) {
	ctx := context.Background()

	for i, item := range items {
		t := model.Type(item.Type)

		if !t.IsValid() {
			job.recordResult(BatchResult{Index: i, Error: fmt.Sprintf("unrecognized model type %q", item.Type)})

			continue
		}

		resp, err := s.orchestrator.Predict(ctx, orchestrator.Request{
			Type:     t,
			Params:   item.Params,
			UserID:   userID,
			TenantID: tenantID,
		})
		if err != nil {
			job.recordResult(BatchResult{Index: i, Error: err.Error()})

			continue
		}

		converted := toPredictionResponse(resp)
		job.recordResult(BatchResult{Index: i, Response: &converted})
	}
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.batches.get(r.PathValue("id"))
	if !ok {
		WriteErrorResponse(w, r, s.logger, NotFound("batch not found"))

		return
	}

	completed, total, _ := job.snapshot()
	writeJSON(w, r, s.logger, http.StatusOK, BatchStatusResponse{
		BatchID:   job.id,
		Status:    job.status(),
		Completed: completed,
		Total:     total,
	})
}

func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.batches.get(r.PathValue("id"))
	if !ok {
		WriteErrorResponse(w, r, s.logger, NotFound("batch not found"))

		return
	}

	completed, total, results := job.snapshot()
	if completed < total {
		WriteErrorResponse(w, r, s.logger, Conflict("batch is still running"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, BatchResultsResponse{BatchID: job.id, Results: results})
}

// --- model lifecycle endpoints ---

func (s *Server) handleModelHealth(w http.ResponseWriter, r *http.Request) {
	t := model.Type(r.PathValue("type"))
	if !t.IsValid() {
		WriteErrorResponse(w, r, s.logger, NotFound("unrecognized model type"))

		return
	}

	resp := ModelHealthResponse{Type: string(t)}

	active, err := s.registry.GetActive(r.Context(), t)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, InternalServerError("failed to read model health"))

			return
		}

		resp.Status = "NoActiveModel"
		writeJSON(w, r, s.logger, http.StatusOK, resp)

		return
	}

	resp.ActiveVersion = active.Version.String()
	resp.Status = string(active.Status)
	resp.DeployedAt = active.DeployedAt

	if s.population != nil {
		if value, sampleSize, err := s.population.RollingMetric(r.Context(), t, active.ID, 24*time.Hour); err == nil {
			resp.RollingMetric = &value
			resp.RollingSampleSize = sampleSize
		}
	}

	writeJSON(w, r, s.logger, http.StatusOK, resp)
}

func (s *Server) handleModelVersions(w http.ResponseWriter, r *http.Request) {
	t := model.Type(r.PathValue("type"))
	if !t.IsValid() {
		WriteErrorResponse(w, r, s.logger, NotFound("unrecognized model type"))

		return
	}

	versions, err := s.registry.ListVersions(r.Context(), t)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list model versions"))

		return
	}

	resp := ModelVersionsResponse{Type: string(t), Versions: make([]ModelVersion, 0, len(versions))}
	for _, v := range versions {
		resp.Versions = append(resp.Versions, ModelVersion{
			ID:             v.ID,
			Version:        v.Version.String(),
			Status:         string(v.Status),
			TrainedAt:      v.TrainedAt,
			DeployedAt:     v.DeployedAt,
			DeprecatedAt:   v.DeprecatedAt,
			RollbackReason: v.RollbackReason,
			RolledBackFrom: v.RolledBackFrom,
		})
	}

	writeJSON(w, r, s.logger, http.StatusOK, resp)
}

func (s *Server) handleModelTrain(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, s.logger, permissionScientist, permissionAdmin) {
		return
	}

	t := model.Type(r.PathValue("type"))
	if !t.IsValid() {
		WriteErrorResponse(w, r, s.logger, NotFound("unrecognized model type"))

		return
	}

	if s.training == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("training orchestration is not configured"))

		return
	}

	var req TrainModelRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	window := training.TimeWindow{Start: req.WindowStart, End: req.WindowEnd}

	job, err := s.training.RunJob(r.Context(), t, model.TriggerManual, window)
	if err != nil {
		s.writeTrainingError(w, r, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusAccepted, TrainModelResponse{
		JobID:     job.ID,
		ModelType: string(t),
		Status:    string(job.Status),
	})
}

func (s *Server) writeTrainingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrDatasetTooSmall),
		errors.Is(err, lifecycle.ErrDataQualityCritical):
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))
	case errors.Is(err, lifecycle.ErrInsufficientGain):
		WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
	default:
		s.logger.Error("training job failed", slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("training job failed"))
	}
}

func (s *Server) handleModelDeploy(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, s.logger, permissionAdmin) {
		return
	}

	id := r.PathValue("id")

	var req DeployModelRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if req.CanaryPercent < 0 || req.CanaryPercent > 100 {
		WriteErrorResponse(w, r, s.logger, BadRequest("canaryPercent must be between 0 and 100"))

		return
	}

	promoted, err := s.registry.Transition(r.Context(), id, model.StatusActive)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))
		} else {
			WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
		}

		return
	}

	if setter, ok := s.registry.(canaryPercentSetter); ok {
		if err := setter.SetCanaryPercent(r.Context(), id, req.CanaryPercent); err != nil {
			s.logger.Warn("failed to record canary percent", slog.String("model_id", id), slog.Any("error", err))
		}
	}

	writeJSON(w, r, s.logger, http.StatusOK, DeployModelResponse{
		ModelID:       promoted.ID,
		Status:        string(promoted.Status),
		CanaryPercent: req.CanaryPercent,
	})
}

// canaryPercentSetter is the optional capability a Registry backend may
// implement for recording §6 deploy-time canary percentage. Not part of
// registry.Registry; the orchestrator's resolveCanaryTarget consults the
// stored value on the Active model to weight routing between the canary
// and its predecessor (see DESIGN.md).
type canaryPercentSetter interface {
	SetCanaryPercent(ctx context.Context, id string, percent int) error
}

func (s *Server) handleModelRollback(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, s.logger, permissionAdmin) {
		return
	}

	id := r.PathValue("id")

	target, err := s.registry.GetByID(r.Context(), id)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))

		return
	}

	var req RollbackModelRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	version, err := model.ParseVersion(req.TargetVersion)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("targetVersion must be a major.minor.patch string"))

		return
	}

	if s.lifecycle == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("lifecycle management is not configured"))

		return
	}

	rolledBack, err := s.lifecycle.RollbackToVersion(r.Context(), target.Type, version, req.Reason)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))
		} else {
			WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
		}

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, RollbackModelResponse{
		ModelID:        rolledBack.ID,
		Version:        rolledBack.Version.String(),
		RollbackReason: rolledBack.RollbackReason,
	})
}

// --- compliance endpoint ---

func (s *Server) handleUserDeletion(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, s.logger, permissionAdmin) {
		return
	}

	userID := r.PathValue("userId")
	if userID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("userId path parameter is required"))

		return
	}

	if s.audit == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("audit store is not configured"))

		return
	}

	rows, err := s.audit.DeleteByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("user deletion failed", slog.String("user_id", userID), slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("user deletion failed"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, UserDeletionResponse{UserID: userID, RowsDeleted: rows})
}

// --- health probes ---

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.logger, http.StatusOK, HealthProbeResponse{Status: "ok", Service: "predictionservice"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil || s.registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("core dependencies not ready"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, HealthProbeResponse{Status: "ready", Service: "predictionservice"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.logger, http.StatusOK, HealthProbeResponse{
		Status:  "ok",
		Service: "predictionservice",
		Uptime:  time.Since(s.startTime).String(),
	})
}

// --- shared helpers ---

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed request body: "+err.Error()))

		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}

func principalID(r *http.Request) string {
	if pluginCtx, ok := middleware.GetPluginContext(r.Context()); ok {
		return pluginCtx.PluginID
	}

	return ""
}

// requirePermission writes a 403 and returns false unless the authenticated
// principal carries one of the named role claims. A request with no
// PluginContext at all (auth middleware disabled) is allowed through,
// matching the dev-mode posture the auth middleware itself takes.
func requirePermission(w http.ResponseWriter, r *http.Request, logger *slog.Logger, permissions ...string) bool {
	pluginCtx, ok := middleware.GetPluginContext(r.Context())
	if !ok {
		return true
	}

	for _, p := range permissions {
		if pluginCtx.HasPermission(p) {
			return true
		}
	}

	WriteErrorResponse(w, r, logger, NewProblemDetail(http.StatusForbidden, "Forbidden",
		"principal lacks required permission: "+strings.Join(permissions, " or ")))

	return false
}

func parseQueryFloat(q url.Values, key string) float64 {
	v, err := strconv.ParseFloat(q.Get(key), 64)
	if err != nil {
		return 0
	}

	return v
}
