package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maliev/predictionservice/internal/artifactstore"
	"github.com/maliev/predictionservice/internal/cache"
	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/predictor"
	"github.com/maliev/predictionservice/internal/registry"
)

type fakeAudit struct {
	entries []model.AuditLog
}

func (f *fakeAudit) Append(_ context.Context, entry model.AuditLog) error {
	f.entries = append(f.entries, entry)

	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, registry.Registry, *fakeAudit) {
	t.Helper()

	reg := registry.NewInMemory()
	c := cache.NewInMemory()

	store, err := artifactstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	predictors := predictor.NewRegistry(store, 8, nil)
	fallback := predictor.NewFallback()
	audit := &fakeAudit{}

	orch := New(reg, c, predictors, fallback, audit, nil, nil)

	return orch, reg, audit
}

func seedActivePrintTimeModel(t *testing.T, reg registry.Registry, store artifactstore.Store) *model.Model {
	t.Helper()

	coeffs := map[string]any{
		"bias":    1.0,
		"weights": map[string]float64{"volumeMm3": 0.001, "layerCount": 0.05},
		"unit":    "minutes",
	}
	data, err := json.Marshal(coeffs)
	require.NoError(t, err)

	uri, err := store.Upload(context.Background(), strings.NewReader(string(data)), "pt-v1", model.PrintTime)
	require.NoError(t, err)

	m := &model.Model{
		ID:          "pt-v1",
		Type:        model.PrintTime,
		Version:     model.Version{Major: 1},
		Status:      model.StatusDraft,
		ArtifactURI: uri,
		TrainedAt:   time.Now(),
	}

	require.NoError(t, reg.Save(context.Background(), m))

	_, err = reg.Transition(context.Background(), m.ID, model.StatusTesting)
	require.NoError(t, err)

	_, err = reg.Transition(context.Background(), m.ID, model.StatusActive)
	require.NoError(t, err)

	return m
}

func binarySTL(t *testing.T) []byte {
	t.Helper()

	buf := make([]byte, 80+4+50)
	// one degenerate-but-structurally-valid triangle is enough to exercise
	// the geometry extraction path without needing a real mesh fixture.
	buf[80] = 1

	return buf
}

func TestOrchestrator_PredictWithNoActiveModelUsesFallback(t *testing.T) {
	orch, _, audit := newTestOrchestrator(t)

	resp, err := orch.Predict(context.Background(), Request{
		Type:   model.PrintTime,
		Params: map[string]any{"layerHeightMm": 0.2, "infillPercent": 20.0},
		BinaryPayload: binarySTL(t),
	})

	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, model.CacheBypass, resp.CacheStatus)
	assert.Len(t, audit.entries, 1)
}

func TestOrchestrator_PredictMissThenHit(t *testing.T) {
	orch, reg, _ := newTestOrchestrator(t)

	store, err := artifactstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	orch.Predictors = predictor.NewRegistry(store, 8, nil)

	seedActivePrintTimeModel(t, reg, store)

	req := Request{
		Type:          model.PrintTime,
		Params:        map[string]any{"layerHeightMm": 0.2, "infillPercent": 20.0},
		BinaryPayload: binarySTL(t),
	}

	first, err := orch.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.CacheMiss, first.CacheStatus)
	assert.False(t, first.Degraded)
	assert.NotEmpty(t, first.Explanation.HumanReadable)

	second, err := orch.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.CacheHit, second.CacheStatus)
	assert.InDelta(t, first.PredictedValue, second.PredictedValue, 0.0001)
}

func TestOrchestrator_ResolveCanaryTarget(t *testing.T) {
	orch, reg, _ := newTestOrchestrator(t)
	ctx := context.Background()

	predecessor := &model.Model{
		ID: "v1", Type: model.PrintTime, Version: model.Version{Major: 1},
		Status: model.StatusDeprecated,
	}
	active := &model.Model{
		ID: "v2", Type: model.PrintTime, Version: model.Version{Major: 2},
		Status: model.StatusActive, CanaryPercent: 50,
	}
	require.NoError(t, reg.Save(ctx, predecessor))
	require.NoError(t, reg.Save(ctx, active))

	// find one request id bucketed below the canary percent and one at/above
	// it; requestIDBucket is deterministic so these assertions are stable.
	var belowID, aboveID string

	for i := 0; ; i++ {
		id := fmt.Sprintf("req-%d", i)
		bucket := requestIDBucket(id)

		if belowID == "" && bucket < active.CanaryPercent {
			belowID = id
		}

		if aboveID == "" && bucket >= active.CanaryPercent {
			aboveID = id
		}

		if belowID != "" && aboveID != "" {
			break
		}
	}

	served, err := orch.resolveCanaryTarget(ctx, active, belowID)
	require.NoError(t, err)
	assert.Equal(t, "v2", served.ID)

	served, err = orch.resolveCanaryTarget(ctx, active, aboveID)
	require.NoError(t, err)
	assert.Equal(t, "v1", served.ID)
}

func TestOrchestrator_ResolveCanaryTarget_NoStablePredecessorServesCanary(t *testing.T) {
	orch, reg, _ := newTestOrchestrator(t)
	ctx := context.Background()

	active := &model.Model{
		ID: "v1", Type: model.PrintTime, Version: model.Version{Major: 1},
		Status: model.StatusActive, CanaryPercent: 10,
	}
	require.NoError(t, reg.Save(ctx, active))

	served, err := orch.resolveCanaryTarget(ctx, active, "any-request-id")
	require.NoError(t, err)
	assert.Equal(t, "v1", served.ID)
}

func TestOrchestrator_ResolveCanaryTarget_FullCutoverBypassesLookup(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	active := &model.Model{ID: "v1", Type: model.PrintTime, CanaryPercent: 100}

	served, err := orch.resolveCanaryTarget(context.Background(), active, "req")
	require.NoError(t, err)
	assert.Same(t, active, served)
}

func TestOrchestrator_UnknownTypeIsValidationError(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	_, err := orch.Predict(context.Background(), Request{Type: model.Type("Bogus")})
	assert.ErrorIs(t, err, ErrValidation)
}
