package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maliev/predictionservice/internal/model"
)

func newModel(t model.Type, v model.Version, status model.Status) *model.Model {
	return &model.Model{
		ID:      string(t) + "-" + v.String(),
		Type:    t,
		Version: v,
		Status:  status,
	}
}

func TestSave_RejectsDuplicateVersion(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()

	v := model.Version{Major: 1}
	require.NoError(t, r.Save(ctx, newModel(model.PrintTime, v, model.StatusDraft)))

	err := r.Save(ctx, newModel(model.PrintTime, v, model.StatusDraft))
	assert.ErrorIs(t, err, ErrDuplicateVersion)
}

func TestSave_RejectsNonMonotonicVersion(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()

	require.NoError(t, r.Save(ctx, newModel(model.PrintTime, model.Version{Major: 2}, model.StatusDraft)))

	err := r.Save(ctx, newModel(model.PrintTime, model.Version{Major: 1}, model.StatusDraft))
	assert.ErrorIs(t, err, ErrVersionNotMonotonic)
}

func TestTransition_PromotingToActiveDeprecatesPriorActive(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()

	v1 := newModel(model.PrintTime, model.Version{Major: 1}, model.StatusTesting)
	v2 := newModel(model.PrintTime, model.Version{Major: 2}, model.StatusTesting)
	require.NoError(t, r.Save(ctx, v1))
	require.NoError(t, r.Save(ctx, v2))

	_, err := r.Transition(ctx, v1.ID, model.StatusActive)
	require.NoError(t, err)

	_, err = r.Transition(ctx, v2.ID, model.StatusActive)
	require.NoError(t, err)

	old, err := r.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeprecated, old.Status)

	active, err := r.GetActive(ctx, model.PrintTime)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
}

func TestTransition_RejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()

	v := newModel(model.PrintTime, model.Version{Major: 1}, model.StatusDraft)
	require.NoError(t, r.Save(ctx, v))

	_, err := r.Transition(ctx, v.ID, model.StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGetActive_NotFoundWhenNoneActive(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()

	_, err := r.GetActive(ctx, model.PrintTime)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListVersions_OrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()

	require.NoError(t, r.Save(ctx, newModel(model.PrintTime, model.Version{Major: 1}, model.StatusArchived)))
	require.NoError(t, r.Save(ctx, newModel(model.PrintTime, model.Version{Major: 3}, model.StatusDraft)))
	require.NoError(t, r.Save(ctx, newModel(model.PrintTime, model.Version{Major: 2}, model.StatusDeprecated)))

	versions, err := r.ListVersions(ctx, model.PrintTime)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 1, versions[0].Version.Major)
	assert.Equal(t, 2, versions[1].Version.Major)
	assert.Equal(t, 3, versions[2].Version.Major)
}

func TestTransition_RollbackReactivatesDeprecatedVersion(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()

	v1 := newModel(model.PrintTime, model.Version{Major: 1}, model.StatusDeprecated)
	require.NoError(t, r.Save(ctx, v1))

	reactivated, err := r.Transition(ctx, v1.ID, model.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, reactivated.Status)
}
