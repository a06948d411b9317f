package events

import (
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/maliev/predictionservice/internal/model"
)

// wireEnvelope is the on-wire JSON shape upstream producers send.
type wireEnvelope struct {
	EventID   string         `json:"eventId"`
	Kind      string         `json:"kind"`
	EntityKey string         `json:"entityKey"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

func decodeEnvelope(msg kafka.Message) (Envelope, error) {
	var wire wireEnvelope

	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		return Envelope{}, fmt.Errorf("events: unmarshal envelope: %w", err)
	}

	if wire.EventID == "" {
		return Envelope{}, fmt.Errorf("%w: missing eventId", ErrSchemaInvalid)
	}

	return Envelope{
		EventID:   wire.EventID,
		Kind:      Kind(wire.Kind),
		EntityKey: wire.EntityKey,
		Timestamp: wire.Timestamp,
		Payload:   wire.Payload,
	}, nil
}

// defaultValidators enforces the minimal required-field schema per kind
// (§4.6 step 2). Each checks only the fields this service's transforms
// actually read; a fuller schema registry is out of scope.
func defaultValidators() map[Kind]Validate {
	return map[Kind]Validate{
		KindOrderCreated:           requireFields("productId", "quantity"),
		KindOrderCompleted:         requireFields("productId", "actualMinutes"),
		KindCustomerUpdated:        requireFields("customerId"),
		KindMaterialTransaction:    requireFields("materialSku", "quantity"),
		KindInvoice:                requireFields("customerId", "amount"),
		KindManufacturingCompleted: requireFields("facilityId", "workstationId", "waitMinutes"),
		KindEmployeeEvent:          requireFields("employeeId"),
	}
}

func requireFields(fields ...string) Validate {
	return func(env Envelope) error {
		for _, f := range fields {
			if _, ok := env.Payload[f]; !ok {
				return fmt.Errorf("%w: missing field %q", ErrSchemaInvalid, f)
			}
		}

		return nil
	}
}

// defaultTransforms maps each upstream kind that feeds a dataset to the
// training-record shapes it feeds (§4.6 step 3, one event may feed multiple
// datasets). KindEmployeeEvent has no entry, so the consumer dead-letters it
// after validation.
func defaultTransforms() map[Kind]Transform {
	return map[Kind]Transform{
		KindOrderCreated:           transformOrderCreated,
		KindOrderCompleted:         transformOrderCompleted,
		KindMaterialTransaction:    transformMaterialTransaction,
		KindCustomerUpdated:        transformCustomerUpdated,
		KindInvoice:                transformInvoice,
		KindManufacturingCompleted: transformManufacturingCompleted,
	}
}

func transformOrderCreated(env Envelope) ([]TrainingRecord, error) {
	quantity, ok := numeric(env.Payload["quantity"])
	if !ok {
		return nil, fmt.Errorf("%w: quantity is not numeric", ErrSchemaInvalid)
	}

	row := map[string]float64{"demand": quantity}
	if v, ok := numeric(env.Payload["unitPrice"]); ok {
		row["unitPrice"] = v
	}

	return []TrainingRecord{{ModelType: model.DemandForecast, Row: row}}, nil
}

func transformInvoice(env Envelope) ([]TrainingRecord, error) {
	amount, ok := numeric(env.Payload["amount"])
	if !ok {
		return nil, fmt.Errorf("%w: amount is not numeric", ErrSchemaInvalid)
	}

	row := map[string]float64{"price": amount}
	for _, key := range []string{"materialCost", "complexityScore"} {
		if v, ok := numeric(env.Payload[key]); ok {
			row[key] = v
		}
	}

	return []TrainingRecord{{ModelType: model.PriceOptimization, Row: row}}, nil
}

func transformOrderCompleted(env Envelope) ([]TrainingRecord, error) {
	actualMinutes, ok := numeric(env.Payload["actualMinutes"])
	if !ok {
		return nil, fmt.Errorf("%w: actualMinutes is not numeric", ErrSchemaInvalid)
	}

	row := map[string]float64{"minutes": actualMinutes}
	for _, key := range []string{"volumeMm3", "layerCount", "complexityScore"} {
		if v, ok := numeric(env.Payload[key]); ok {
			row[key] = v
		}
	}

	return []TrainingRecord{{ModelType: model.PrintTime, Row: row}}, nil
}

func transformMaterialTransaction(env Envelope) ([]TrainingRecord, error) {
	quantity, ok := numeric(env.Payload["quantity"])
	if !ok {
		return nil, fmt.Errorf("%w: quantity is not numeric", ErrSchemaInvalid)
	}

	return []TrainingRecord{{ModelType: model.MaterialDemand, Row: map[string]float64{"quantity": quantity}}}, nil
}

func transformCustomerUpdated(env Envelope) ([]TrainingRecord, error) {
	row := map[string]float64{}

	for _, key := range []string{"daysSinceLastOrder", "orderFrequency", "averageOrderValue", "supportTicketCount", "churned"} {
		if v, ok := numeric(env.Payload[key]); ok {
			row[key] = v
		}
	}

	return []TrainingRecord{{ModelType: model.ChurnPrediction, Row: row}}, nil
}

func transformManufacturingCompleted(env Envelope) ([]TrainingRecord, error) {
	waitMinutes, ok := numeric(env.Payload["waitMinutes"])
	if !ok {
		return nil, fmt.Errorf("%w: waitMinutes is not numeric", ErrSchemaInvalid)
	}

	row := map[string]float64{"waitMinutes": waitMinutes}
	if v, ok := numeric(env.Payload["utilizationPercent"]); ok {
		row["utilizationPercent"] = v
	}

	return []TrainingRecord{{ModelType: model.BottleneckDetection, Row: row}}, nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
