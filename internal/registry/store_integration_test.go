package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/maliev/predictionservice/internal/config"
	"github.com/maliev/predictionservice/internal/model"
)

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := NewStore(testDB.Connection)
	require.NoError(t, err)

	t.Run("Save_then_GetByID", func(t *testing.T) {
		m := &model.Model{
			ID:      "model-1",
			Type:    model.PrintTime,
			Version: model.Version{Major: 1},
			Status:  model.StatusDraft,
		}
		require.NoError(t, store.Save(ctx, m))

		got, err := store.GetByID(ctx, "model-1")
		require.NoError(t, err)
		assert.Equal(t, model.PrintTime, got.Type)
	})

	t.Run("Save_rejects_duplicate_version", func(t *testing.T) {
		m := &model.Model{
			ID:      "model-2",
			Type:    model.DemandForecast,
			Version: model.Version{Major: 1},
			Status:  model.StatusDraft,
		}
		require.NoError(t, store.Save(ctx, m))

		dup := &model.Model{
			ID:      "model-3",
			Type:    model.DemandForecast,
			Version: model.Version{Major: 1},
			Status:  model.StatusDraft,
		}
		err := store.Save(ctx, dup)
		assert.ErrorIs(t, err, ErrDuplicateVersion)
	})

	t.Run("Transition_to_active_deprecates_prior_active", func(t *testing.T) {
		v1 := &model.Model{ID: "churn-1", Type: model.ChurnPrediction, Version: model.Version{Major: 1}, Status: model.StatusTesting}
		v2 := &model.Model{ID: "churn-2", Type: model.ChurnPrediction, Version: model.Version{Major: 2}, Status: model.StatusTesting}
		require.NoError(t, store.Save(ctx, v1))
		require.NoError(t, store.Save(ctx, v2))

		_, err := store.Transition(ctx, "churn-1", model.StatusActive)
		require.NoError(t, err)

		_, err = store.Transition(ctx, "churn-2", model.StatusActive)
		require.NoError(t, err)

		old, err := store.GetByID(ctx, "churn-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusDeprecated, old.Status)

		active, err := store.GetActive(ctx, model.ChurnPrediction)
		require.NoError(t, err)
		assert.Equal(t, "churn-2", active.ID)
	})
}
