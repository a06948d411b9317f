package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafka "github.com/segmentio/kafka-go"

	"github.com/maliev/predictionservice/internal/model"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: make(map[string]bool)}
}

func (d *fakeDedup) SeenRecently(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.seen[eventID], nil
}

func (d *fakeDedup) MarkSeen(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[eventID] = true

	return nil
}

type fakeDeadLetter struct {
	rejections []error
}

func (d *fakeDeadLetter) Record(_ context.Context, _ Envelope, reason error) error {
	d.rejections = append(d.rejections, reason)

	return nil
}

type fakeAppenderSimple struct {
	records []TrainingRecord
}

func (a *fakeAppenderSimple) Append(_ context.Context, record TrainingRecord, _ time.Time) (int, error) {
	a.records = append(a.records, record)

	return len(a.records), nil
}

type fakeTrainerEnqueuer struct {
	enqueued []model.Type
}

func (f *fakeTrainerEnqueuer) Enqueue(_ context.Context, t model.Type, _ model.JobTrigger) error {
	f.enqueued = append(f.enqueued, t)

	return nil
}

func TestConsumer_DuplicateEventIsNoOp(t *testing.T) {
	dedup := newFakeDedup()
	appender := &fakeAppenderSimple{}
	dlq := &fakeDeadLetter{}

	c := &Consumer{
		Dedup:      dedup,
		DeadLetter: dlq,
		Appender:   appender,
		Validators: defaultValidators(),
		Transforms: defaultTransforms(),
		Logger:     nopLogger(),
	}

	msg := kafka.Message{Value: []byte(`{
		"eventId":"evt-1","kind":"OrderCompleted","entityKey":"order-1",
		"payload":{"productId":"sku-1","actualMinutes":60}
	}`)}

	require.NoError(t, c.handle(context.Background(), msg))
	require.NoError(t, c.handle(context.Background(), msg))

	assert.Len(t, appender.records, 1)
}

func TestConsumer_SchemaInvalidGoesToDeadLetter(t *testing.T) {
	dedup := newFakeDedup()
	appender := &fakeAppenderSimple{}
	dlq := &fakeDeadLetter{}

	c := &Consumer{
		Dedup:      dedup,
		DeadLetter: dlq,
		Appender:   appender,
		Validators: defaultValidators(),
		Transforms: defaultTransforms(),
		Logger:     nopLogger(),
	}

	msg := kafka.Message{Value: []byte(`{
		"eventId":"evt-2","kind":"OrderCompleted","entityKey":"order-2",
		"payload":{"productId":"sku-1"}
	}`)}

	require.NoError(t, c.handle(context.Background(), msg))
	assert.Len(t, dlq.rejections, 1)
	assert.Empty(t, appender.records)
}

func TestConsumer_ThresholdTriggersTraining(t *testing.T) {
	dedup := newFakeDedup()
	appender := &fakeAppenderSimple{}
	trainer := &fakeTrainerEnqueuer{}

	c := &Consumer{
		Dedup:           dedup,
		Appender:        appender,
		Trainer:         trainer,
		Validators:      defaultValidators(),
		Transforms:      defaultTransforms(),
		MinDatasetDelta: map[model.Type]int{model.PrintTime: 1},
		Logger:          nopLogger(),
	}

	msg := kafka.Message{Value: []byte(`{
		"eventId":"evt-3","kind":"OrderCompleted","entityKey":"order-3",
		"payload":{"productId":"sku-1","actualMinutes":45}
	}`)}

	require.NoError(t, c.handle(context.Background(), msg))
	assert.Equal(t, []model.Type{model.PrintTime}, trainer.enqueued)
}
