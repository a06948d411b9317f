// Package main provides the upstream domain event ingestion service: one
// Kafka consumer group per event kind, deduplicating, validating,
// transforming, and appending to training dataset buckets (§4.6).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/maliev/predictionservice/internal/artifactstore"
	"github.com/maliev/predictionservice/internal/config"
	"github.com/maliev/predictionservice/internal/events"
	"github.com/maliev/predictionservice/internal/lifecycle"
	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/registry"
	"github.com/maliev/predictionservice/internal/storage"
	"github.com/maliev/predictionservice/internal/training"
)

const (
	version = "1.0.0-dev"
	name    = "ingester"
)

// topicByKind names the upstream Kafka topic each event kind is published
// on. Each kind runs its own consumer group so one kind's backlog never
// blocks another's (§4.6 "one consumer group per event kind").
var topicByKind = map[events.Kind]string{
	events.KindOrderCreated:           "predictionservice.events.order-created",
	events.KindOrderCompleted:         "predictionservice.events.order-completed",
	events.KindCustomerUpdated:        "predictionservice.events.customer-updated",
	events.KindMaterialTransaction:    "predictionservice.events.material-transaction",
	events.KindInvoice:                "predictionservice.events.invoice",
	events.KindManufacturingCompleted: "predictionservice.events.manufacturing-job-completed",
	events.KindEmployeeEvent:          "predictionservice.events.employee-event",
}

// minDatasetDelta is the per-type bucket-size threshold that triggers a
// training enqueue once enough new rows have accumulated since the last
// run (§4.6 step 5).
var minDatasetDelta = map[model.Type]int{
	model.PrintTime:           500,
	model.DemandForecast:      200,
	model.PriceOptimization:   200,
	model.ChurnPrediction:     100,
	model.MaterialDemand:      200,
	model.BottleneckDetection: 200,
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logLevel := config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	logger.Info("starting ingestion service", slog.String("service", name), slog.String("version", version))

	dbConfig := storage.LoadConfig()
	if err := dbConfig.Validate(); err != nil {
		logger.Error("ingestion service requires DATABASE_URL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		logger.Error("database connection failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	trainer, err := buildTrainer(conn, logger)
	if err != nil {
		logger.Error("trainer wiring failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"))
	groupPrefix := config.GetEnvStr("KAFKA_CONSUMER_GROUP_PREFIX", "predictionservice-ingester")

	dedup := storage.NewEventDedupStore(conn)
	deadLetter := storage.NewDeadLetterStore(conn)
	appender := storage.NewDatasetBucketStore(conn)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	for kind, topic := range topicByKind {
		groupID := groupPrefix + "-" + string(kind)
		consumer := events.NewConsumer(brokers, topic, groupID, dedup, deadLetter, appender, trainer, minDatasetDelta, logger)

		wg.Add(1)

		go func(kind events.Kind, topic string) {
			defer wg.Done()

			logger.Info("consumer starting", slog.String("kind", string(kind)), slog.String("topic", topic))

			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("consumer stopped with error", slog.String("kind", string(kind)), slog.String("error", err.Error()))
			}
		}(kind, topic)
	}

	wg.Wait()

	logger.Info("ingestion service stopped")
}

// buildTrainer wires just enough of the training orchestrator for this
// service to enqueue runs once a dataset bucket crosses its threshold; the
// prediction server owns actually running and promoting models, but
// RunJob's single-writer lease is process-local, so whichever process
// first crosses the threshold kicks it off.
func buildTrainer(conn *storage.Connection, logger *slog.Logger) (events.TrainingEnqueuer, error) {
	regStore, err := registry.NewStore(conn.DB)
	if err != nil {
		return nil, err
	}

	lc := lifecycle.NewManager(regStore, logger)

	baseDir := config.GetEnvStr("ARTIFACT_LOCAL_DIR", "./data/artifacts")

	artifacts, err := artifactstore.NewLocal(baseDir)
	if err != nil {
		return nil, err
	}

	datasetRows := storage.NewDatasetBucketStore(conn)
	datasetSnap := storage.NewDatasetStore(conn)
	jobStore := storage.NewJobStore(conn)

	return training.New(
		regStore,
		lc,
		artifacts,
		datasetRows,
		datasetSnap,
		jobStore,
		training.DefaultTrainers(),
		nil,
		nil,
		logger,
	), nil
}
