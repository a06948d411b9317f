package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/registry"
)

func floatPtr(f float64) *float64 { return &f }

func TestCheckDatasetSizeGate(t *testing.T) {
	small := &model.TrainingDataset{ModelType: model.PrintTime, RecordCount: 100}
	assert.ErrorIs(t, CheckDatasetSizeGate(small), ErrDatasetTooSmall)

	big := &model.TrainingDataset{ModelType: model.PrintTime, RecordCount: 20000}
	assert.NoError(t, CheckDatasetSizeGate(big))
}

func TestCheckDataQualityGate(t *testing.T) {
	clean := &model.TrainingDataset{}
	assert.NoError(t, CheckDataQualityGate(clean))

	dirty := &model.TrainingDataset{
		DataQualityReport: model.DataQualityReport{
			Flags: []model.QualityFlag{{Severity: model.QualitySeverityCritical}},
		},
	}
	assert.ErrorIs(t, CheckDataQualityGate(dirty), ErrDataQualityCritical)
}

func TestCheckAccuracyImprovementGate_NoActiveModelPasses(t *testing.T) {
	reg := registry.NewInMemory()
	mgr := NewManager(reg, nil)

	candidate := &model.Model{
		ID: "c1", Type: model.PrintTime, Version: model.Version{Major: 1},
		Metrics: model.PerformanceMetrics{R2: floatPtr(0.8)},
	}

	assert.NoError(t, mgr.CheckAccuracyImprovementGate(context.Background(), candidate))
}

func TestCheckAccuracyImprovementGate_RequiresRelativeImprovement(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()

	active := &model.Model{
		ID: "active", Type: model.PrintTime, Version: model.Version{Major: 1}, Status: model.StatusActive,
		Metrics: model.PerformanceMetrics{R2: floatPtr(0.80)},
	}
	require.NoError(t, reg.Save(ctx, active))

	mgr := NewManager(reg, nil)

	marginal := &model.Model{
		ID: "marginal", Type: model.PrintTime, Version: model.Version{Major: 2},
		Metrics: model.PerformanceMetrics{R2: floatPtr(0.805)},
	}
	assert.ErrorIs(t, mgr.CheckAccuracyImprovementGate(ctx, marginal), ErrInsufficientGain)

	clear := &model.Model{
		ID: "clear", Type: model.PrintTime, Version: model.Version{Major: 2},
		Metrics: model.PerformanceMetrics{R2: floatPtr(0.90)},
	}
	assert.NoError(t, mgr.CheckAccuracyImprovementGate(ctx, clear))
}

func TestCheckAccuracyImprovementGate_LowerIsBetterDirection(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()

	active := &model.Model{
		ID: "active", Type: model.DemandForecast, Version: model.Version{Major: 1}, Status: model.StatusActive,
		Metrics: model.PerformanceMetrics{MAPE: floatPtr(10.0)},
	}
	require.NoError(t, reg.Save(ctx, active))

	mgr := NewManager(reg, nil)

	worse := &model.Model{
		ID: "worse", Type: model.DemandForecast, Version: model.Version{Major: 2},
		Metrics: model.PerformanceMetrics{MAPE: floatPtr(10.5)},
	}
	assert.ErrorIs(t, mgr.CheckAccuracyImprovementGate(ctx, worse), ErrInsufficientGain)

	better := &model.Model{
		ID: "better", Type: model.DemandForecast, Version: model.Version{Major: 2},
		Metrics: model.PerformanceMetrics{MAPE: floatPtr(9.0)},
	}
	assert.NoError(t, mgr.CheckAccuracyImprovementGate(ctx, better))
}

func TestPromoteToActive_FullFlow(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mgr := NewManager(reg, nil)

	candidate := &model.Model{
		ID: "c1", Type: model.ChurnPrediction, Version: model.Version{Major: 1}, Status: model.StatusTesting,
		Metrics: model.PerformanceMetrics{Precision: floatPtr(0.9)},
	}
	require.NoError(t, reg.Save(ctx, candidate))

	dataset := &model.TrainingDataset{ModelType: model.ChurnPrediction, RecordCount: 5000}

	promoted, err := mgr.PromoteToActive(ctx, candidate, dataset)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, promoted.Status)
}

func TestRollbackToVersion(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mgr := NewManager(reg, nil)

	v1 := &model.Model{ID: "v1", Type: model.PrintTime, Version: model.Version{Major: 1}, Status: model.StatusDeprecated}
	v2 := &model.Model{ID: "v2", Type: model.PrintTime, Version: model.Version{Major: 2}, Status: model.StatusActive}
	require.NoError(t, reg.Save(ctx, v1))
	require.NoError(t, reg.Save(ctx, v2))

	rolledBack, err := mgr.RollbackToVersion(ctx, model.PrintTime, model.Version{Major: 1}, "drift detected")
	require.NoError(t, err)
	assert.Equal(t, "v1", rolledBack.ID)
	assert.Equal(t, "drift detected", rolledBack.RollbackReason)
	assert.Equal(t, "2.0.0", rolledBack.RolledBackFrom)

	demoted, err := reg.GetByID(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeprecated, demoted.Status)
}

func TestRollbackToVersion_RejectsNonDeprecatedTarget(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mgr := NewManager(reg, nil)

	inTesting := &model.Model{ID: "v1", Type: model.PrintTime, Version: model.Version{Major: 1}, Status: model.StatusTesting}
	active := &model.Model{ID: "v2", Type: model.PrintTime, Version: model.Version{Major: 2}, Status: model.StatusActive}
	require.NoError(t, reg.Save(ctx, inTesting))
	require.NoError(t, reg.Save(ctx, active))

	_, err := mgr.RollbackToVersion(ctx, model.PrintTime, model.Version{Major: 1}, "drift detected")
	assert.ErrorIs(t, err, ErrRollbackTargetNotDeprecated)

	// the rejected rollback must not have touched the current Active model.
	stillActive, err := reg.GetByID(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stillActive.Status)
}

func TestArchiveEligible(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mgr := NewManager(reg, nil)

	old := time.Now().Add(-100 * 24 * time.Hour)
	recent := time.Now().Add(-1 * time.Hour)

	eligible := &model.Model{
		ID: "eligible", Type: model.PrintTime, Version: model.Version{Major: 1},
		Status: model.StatusDeprecated, DeprecatedAt: &old,
	}
	tooRecent := &model.Model{
		ID: "too-recent", Type: model.PrintTime, Version: model.Version{Major: 2},
		Status: model.StatusDeprecated, DeprecatedAt: &recent,
	}
	require.NoError(t, reg.Save(ctx, eligible))
	require.NoError(t, reg.Save(ctx, tooRecent))

	// four more recently deprecated versions, so "eligible" ranks sixth by
	// recency and falls outside the protected five.
	for i, id := range []string{"filler-a", "filler-b", "filler-c", "filler-d"} {
		filler := &model.Model{
			ID: id, Type: model.PrintTime, Version: model.Version{Major: 3 + i},
			Status: model.StatusDeprecated, DeprecatedAt: &recent,
		}
		require.NoError(t, reg.Save(ctx, filler))
	}

	archived := mgr.ArchiveEligible(ctx)
	assert.Equal(t, 1, archived)

	got, err := reg.GetByID(ctx, "eligible")
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, got.Status)

	stillDeprecated, err := reg.GetByID(ctx, "too-recent")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeprecated, stillDeprecated.Status)
}

func TestArchiveEligible_ProtectsMostRecentDeprecatedVersions(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mgr := NewManager(reg, nil)

	old := time.Now().Add(-200 * 24 * time.Hour)

	// seed more deprecated versions than model.MostRecentDeprecatedKept, all
	// old enough to otherwise qualify; only the oldest excess should archive.
	for i := 1; i <= model.MostRecentDeprecatedKept+1; i++ {
		deprecatedAt := old.Add(time.Duration(i) * time.Hour)
		m := &model.Model{
			ID:           fmt.Sprintf("v%d", i),
			Type:         model.PrintTime,
			Version:      model.Version{Major: i},
			Status:       model.StatusDeprecated,
			DeprecatedAt: &deprecatedAt,
		}
		require.NoError(t, reg.Save(ctx, m))
	}

	archived := mgr.ArchiveEligible(ctx)
	assert.Equal(t, 1, archived)

	oldest, err := reg.GetByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, oldest.Status)

	newest, err := reg.GetByID(ctx, fmt.Sprintf("v%d", model.MostRecentDeprecatedKept+1))
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeprecated, newest.Status)
}

func TestIsArchivalEligible(t *testing.T) {
	old := time.Now().Add(-100 * 24 * time.Hour)
	recent := time.Now().Add(-1 * time.Hour)

	eligible := &model.Model{Status: model.StatusDeprecated, DeprecatedAt: &old}
	assert.True(t, IsArchivalEligible(eligible, model.MostRecentDeprecatedKept, time.Now()))

	tooRecentlyDeprecated := &model.Model{Status: model.StatusDeprecated, DeprecatedAt: &recent}
	assert.False(t, IsArchivalEligible(tooRecentlyDeprecated, model.MostRecentDeprecatedKept, time.Now()))

	protectedByRank := &model.Model{Status: model.StatusDeprecated, DeprecatedAt: &old}
	assert.False(t, IsArchivalEligible(protectedByRank, 0, time.Now()))
}
