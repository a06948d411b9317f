package training

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maliev/predictionservice/internal/artifactstore"
	"github.com/maliev/predictionservice/internal/lifecycle"
	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/registry"
)

type fakeProvider struct {
	rows           []Row
	featureColumns []string
	targetColumn   string
}

func (f *fakeProvider) Fetch(_ context.Context, _ model.Type, _ TimeWindow) ([]Row, []string, string, error) {
	return f.rows, f.featureColumns, f.targetColumn, nil
}

type fakeDatasetStore struct {
	byHash map[string]*model.TrainingDataset
}

func newFakeDatasetStore() *fakeDatasetStore {
	return &fakeDatasetStore{byHash: make(map[string]*model.TrainingDataset)}
}

func (s *fakeDatasetStore) FindByContentHash(_ context.Context, hash string) (*model.TrainingDataset, bool, error) {
	d, ok := s.byHash[hash]

	return d, ok, nil
}

func (s *fakeDatasetStore) Save(_ context.Context, dataset *model.TrainingDataset) error {
	s.byHash[dataset.ContentHash] = dataset

	return nil
}

type fakeJobStore struct {
	jobs []*model.TrainingJob
}

func (s *fakeJobStore) Save(_ context.Context, job *model.TrainingJob) error {
	s.jobs = append(s.jobs, job)

	return nil
}

func r2(v float64) model.PerformanceMetrics {
	return model.PerformanceMetrics{R2: &v}
}

func passingTrainer(_ context.Context, _ model.Type, _ []Row, _ []string, _ string) ([]byte, model.PerformanceMetrics, error) {
	return []byte(`{"bias":1,"unit":"minutes"}`), r2(0.95), nil
}

func manyRows(n int, present bool) []Row {
	rows := make([]Row, 0, n)

	for i := 0; i < n; i++ {
		row := Row{}
		if present {
			row["volumeMm3"] = float64(100 + i)
		}

		rows = append(rows, row)
	}

	return rows
}

func newOrchestrator(t *testing.T, rows []Row, trainer Trainer) (*Orchestrator, registry.Registry) {
	t.Helper()

	reg := registry.NewInMemory()
	lc := lifecycle.NewManager(reg, nil)

	store, err := artifactstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	orch := New(
		reg, lc, store,
		&fakeProvider{rows: rows, featureColumns: []string{"volumeMm3"}, targetColumn: "minutes"},
		newFakeDatasetStore(),
		&fakeJobStore{},
		map[model.Type]Trainer{model.PrintTime: trainer},
		nil, nil, nil,
	)

	return orch, reg
}

func TestRunJob_PromotesFirstModelOfType(t *testing.T) {
	orch, reg := newOrchestrator(t, manyRows(10000, true), passingTrainer)

	job, err := orch.RunJob(context.Background(), model.PrintTime, model.TriggerManual, TimeWindow{
		Start: time.Now().Add(-24 * time.Hour), End: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, job.Status)

	active, err := reg.GetActive(context.Background(), model.PrintTime)
	require.NoError(t, err)
	assert.Equal(t, job.ModelID, active.ID)
}

func TestRunJob_DatasetTooSmallFailsJob(t *testing.T) {
	orch, _ := newOrchestrator(t, manyRows(5, true), passingTrainer)

	job, err := orch.RunJob(context.Background(), model.PrintTime, model.TriggerManual, TimeWindow{})
	require.Error(t, err)
	assert.Equal(t, model.JobSucceeded, job.Status) // training ran; gate blocked promotion
	assert.NotEmpty(t, job.Error)
}

func TestRunJob_CriticalNullDensityFailsJob(t *testing.T) {
	orch, _ := newOrchestrator(t, manyRows(10000, false), passingTrainer)

	job, err := orch.RunJob(context.Background(), model.PrintTime, model.TriggerManual, TimeWindow{})
	require.Error(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
}

func TestRunJob_CoalescesConcurrentTrigger(t *testing.T) {
	orch, _ := newOrchestrator(t, manyRows(10000, true), passingTrainer)

	orch.mu.Lock()
	orch.running[model.PrintTime] = true
	orch.mu.Unlock()

	_, err := orch.RunJob(context.Background(), model.PrintTime, model.TriggerScheduled, TimeWindow{})
	assert.ErrorIs(t, err, ErrJobAlreadyRunning)
}

func TestHoldoutSplit_Deterministic(t *testing.T) {
	rows := manyRows(10, true)

	train1, holdout1 := HoldoutSplit(rows, 0.2)
	train2, holdout2 := HoldoutSplit(rows, 0.2)

	assert.Equal(t, holdout1, holdout2)
	assert.Equal(t, train1, train2)
	assert.Len(t, holdout1, 2)
}

func TestEnqueue_RunsJobInBackground(t *testing.T) {
	orch, reg := newOrchestrator(t, manyRows(10000, true), passingTrainer)

	err := orch.Enqueue(context.Background(), model.PrintTime, model.TriggerDrift)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := reg.GetActive(context.Background(), model.PrintTime)

		return err == nil
	}, time.Second, 10*time.Millisecond)
}
