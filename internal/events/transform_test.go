package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafka "github.com/segmentio/kafka-go"

	"github.com/maliev/predictionservice/internal/model"
)

func TestDecodeEnvelope_RoundTrip(t *testing.T) {
	msg := kafka.Message{Value: []byte(`{
		"eventId": "evt-1",
		"kind": "OrderCompleted",
		"entityKey": "order-42",
		"timestamp": "2026-01-01T00:00:00Z",
		"payload": {"productId": "sku-1", "actualMinutes": 120}
	}`)}

	env, err := decodeEnvelope(msg)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", env.EventID)
	assert.Equal(t, KindOrderCompleted, env.Kind)
	assert.Equal(t, "order-42", env.EntityKey)
}

func TestDecodeEnvelope_MissingEventIDIsSchemaInvalid(t *testing.T) {
	msg := kafka.Message{Value: []byte(`{"kind":"OrderCompleted","payload":{}}`)}

	_, err := decodeEnvelope(msg)
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestValidators_RequireFields(t *testing.T) {
	validators := defaultValidators()

	err := validators[KindOrderCompleted](Envelope{Payload: map[string]any{"productId": "sku-1"}})
	assert.ErrorIs(t, err, ErrSchemaInvalid)

	err = validators[KindOrderCompleted](Envelope{Payload: map[string]any{
		"productId": "sku-1", "actualMinutes": 90.0,
	}})
	assert.NoError(t, err)
}

func TestTransformOrderCompleted_ProducesPrintTimeRecord(t *testing.T) {
	env := Envelope{
		Kind:      KindOrderCompleted,
		Timestamp: time.Now(),
		Payload:   map[string]any{"actualMinutes": 75.0, "volumeMm3": 5000.0},
	}

	records, err := transformOrderCompleted(env)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.PrintTime, records[0].ModelType)
	assert.Equal(t, 75.0, records[0].Row["minutes"])
	assert.Equal(t, 5000.0, records[0].Row["volumeMm3"])
}

func TestTransformOrderCompleted_MissingActualMinutesFails(t *testing.T) {
	_, err := transformOrderCompleted(Envelope{Payload: map[string]any{}})
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}
