// Package events implements upstream domain event consumption (§4.6) and
// downstream operational event publication (§6 "Event publication").
//
// Consumption reads from Kafka topics via github.com/segmentio/kafka-go,
// the broker client the teacher already declared in go.mod for the
// ingestion service it left as a placeholder (cmd/ingester); this package
// is that placeholder's implementation.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/maliev/predictionservice/internal/model"
)

// Kind identifies one of the recognized upstream domain event kinds (§4.6).
type Kind string

const (
	KindOrderCreated           Kind = "OrderCreated"
	KindOrderCompleted         Kind = "OrderCompleted"
	KindCustomerUpdated        Kind = "CustomerUpdated"
	KindMaterialTransaction    Kind = "MaterialTransaction"
	KindInvoice                Kind = "Invoice"
	KindManufacturingCompleted Kind = "ManufacturingJobCompleted"
	KindEmployeeEvent          Kind = "EmployeeEvent"
)

// Envelope is the decoded wire shape of an upstream domain event. Payload
// is left as a raw map so per-kind Transform functions can pick the fields
// they need without a shared, overly general struct.
type Envelope struct {
	EventID   string
	Kind      Kind
	EntityKey string // used for per-key ordering and as the dedup partition
	Timestamp time.Time
	Payload   map[string]any
}

// ErrUnrecognizedKind is recorded on the dead-letter collection when an
// event's kind has no validator, or passes validation but has no transform
// (as KindEmployeeEvent does).
var ErrUnrecognizedKind = errors.New("events: unrecognized event kind")

// ErrSchemaInvalid is recorded on the dead-letter collection when an
// event's payload fails schema validation for its kind (§4.6 step 2).
var ErrSchemaInvalid = errors.New("events: payload failed schema validation")

// Deduplicator reports whether an event id has already been processed,
// within a bounded sliding window (§6 "Event consumption": "deduplication
// is by event id within a sliding window").
type Deduplicator interface {
	SeenRecently(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// DeadLetterSink records a rejected event alongside the reason it was
// rejected (§4.6 step 2).
type DeadLetterSink interface {
	Record(ctx context.Context, env Envelope, reason error) error
}

// TrainingRecord is the output of transforming one upstream event into a
// training-record shape for one model type (§4.6 step 3: "one event may
// feed multiple datasets").
type TrainingRecord struct {
	ModelType model.Type
	Row       map[string]float64
}

// DatasetAppender appends a transformed record to the bucket for
// (ModelType, time partition) and reports the bucket's new size so the
// consumer can decide whether to enqueue training (§4.6 steps 4-5).
type DatasetAppender interface {
	Append(ctx context.Context, record TrainingRecord, partition time.Time) (bucketSize int, err error)
}

// TrainingEnqueuer enqueues a training trigger once a bucket crosses its
// configured minimum size.
type TrainingEnqueuer interface {
	Enqueue(ctx context.Context, t model.Type, trigger model.JobTrigger) error
}

// Transform turns one upstream Envelope into zero or more TrainingRecords.
// Registered per Kind (transform.go).
type Transform func(env Envelope) ([]TrainingRecord, error)

// Validate checks an Envelope's payload against its kind's expected schema,
// returning ErrSchemaInvalid (wrapped with detail) on failure. Registered
// per Kind (transform.go).
type Validate func(env Envelope) error

// Consumer processes one upstream Kafka topic, applying dedup, validation,
// transform, and threshold-triggered training enqueue (§4.6).
type Consumer struct {
	Reader          *kafka.Reader
	Dedup           Deduplicator
	DeadLetter      DeadLetterSink
	Appender        DatasetAppender
	Trainer         TrainingEnqueuer
	Validators      map[Kind]Validate
	Transforms      map[Kind]Transform
	MinDatasetDelta map[model.Type]int
	Logger          *slog.Logger

	// keyLocks serializes processing per EntityKey so per-key ordering is
	// preserved even though the reader itself is a single sequential
	// stream (§4.6 "Ordering: per-key ordering is preserved end-to-end").
	keyLocks sync.Map // map[string]*sync.Mutex
}

// NewConsumer constructs a Consumer reading from the given Kafka brokers and
// topic as part of groupID (one partition's worth of per-key ordering is
// preserved by kafka-go's consumer-group partition assignment).
func NewConsumer(
	brokers []string,
	topic, groupID string,
	dedup Deduplicator,
	deadLetter DeadLetterSink,
	appender DatasetAppender,
	trainer TrainingEnqueuer,
	minDatasetDelta map[model.Type]int,
	logger *slog.Logger,
) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		Reader:          reader,
		Dedup:           dedup,
		DeadLetter:      deadLetter,
		Appender:        appender,
		Trainer:         trainer,
		Validators:      defaultValidators(),
		Transforms:      defaultTransforms(),
		MinDatasetDelta: minDatasetDelta,
		Logger:          logger,
	}
}

// Run reads and processes messages until ctx is cancelled or the reader
// returns a non-recoverable error (§5 "Cancellation").
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.Reader.Close(); err != nil {
			c.Logger.Warn("kafka reader close failed", slog.Any("error", err))
		}
	}()

	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("events: fetch message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			c.Logger.Error("event processing failed", slog.Any("error", err))
		}

		if err := c.Reader.CommitMessages(ctx, msg); err != nil {
			c.Logger.Warn("commit offset failed", slog.Any("error", err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	env, err := decodeEnvelope(msg)
	if err != nil {
		return fmt.Errorf("events: decode message at offset %d: %w", msg.Offset, err)
	}

	lock := c.lockFor(env.EntityKey)
	lock.Lock()
	defer lock.Unlock()

	seen, err := c.Dedup.SeenRecently(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("events: dedup lookup: %w", err)
	}

	if seen {
		return nil // duplicate delivery is a no-op (§4.6 step 1)
	}

	validate, ok := c.Validators[env.Kind]
	if !ok {
		return c.reject(ctx, env, fmt.Errorf("%w: %q", ErrUnrecognizedKind, env.Kind))
	}

	if err := validate(env); err != nil {
		return c.reject(ctx, env, fmt.Errorf("%w: %w", ErrSchemaInvalid, err))
	}

	transform, ok := c.Transforms[env.Kind]
	if !ok {
		return c.reject(ctx, env, fmt.Errorf("%w: no transform for %q", ErrUnrecognizedKind, env.Kind))
	}

	records, err := transform(env)
	if err != nil {
		return c.reject(ctx, env, fmt.Errorf("events: transform: %w", err))
	}

	for _, record := range records {
		bucketSize, err := c.Appender.Append(ctx, record, env.Timestamp)
		if err != nil {
			return fmt.Errorf("events: append training record: %w", err)
		}

		if minimum, ok := c.MinDatasetDelta[record.ModelType]; ok && bucketSize >= minimum && c.Trainer != nil {
			if err := c.Trainer.Enqueue(ctx, record.ModelType, model.TriggerEvent); err != nil {
				c.Logger.Warn("enqueue ingestion-threshold training failed",
					slog.String("type", string(record.ModelType)), slog.Any("error", err))
			}
		}
	}

	return c.Dedup.MarkSeen(ctx, env.EventID)
}

func (c *Consumer) reject(ctx context.Context, env Envelope, reason error) error {
	if c.DeadLetter == nil {
		return reason
	}

	if err := c.DeadLetter.Record(ctx, env, reason); err != nil {
		return fmt.Errorf("events: dead-letter record failed after %w: %w", reason, err)
	}

	return nil
}

func (c *Consumer) lockFor(key string) *sync.Mutex {
	actual, _ := c.keyLocks.LoadOrStore(key, &sync.Mutex{})

	return actual.(*sync.Mutex)
}
