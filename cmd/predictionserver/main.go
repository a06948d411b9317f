// Package main provides the prediction service: model registry and
// lifecycle, prediction orchestration, training orchestration, the drift
// monitor, and the HTTP API that fronts them.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maliev/predictionservice/internal/api"
	"github.com/maliev/predictionservice/internal/api/middleware"
	"github.com/maliev/predictionservice/internal/artifactstore"
	"github.com/maliev/predictionservice/internal/cache"
	"github.com/maliev/predictionservice/internal/catalogalias"
	"github.com/maliev/predictionservice/internal/config"
	"github.com/maliev/predictionservice/internal/drift"
	"github.com/maliev/predictionservice/internal/events"
	"github.com/maliev/predictionservice/internal/lifecycle"
	"github.com/maliev/predictionservice/internal/model"
	"github.com/maliev/predictionservice/internal/orchestrator"
	"github.com/maliev/predictionservice/internal/predictor"
	"github.com/maliev/predictionservice/internal/registry"
	"github.com/maliev/predictionservice/internal/storage"
	"github.com/maliev/predictionservice/internal/training"

	"github.com/redis/go-redis/v9"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "predictionservice"
)

// predictorCapacity is the bounded LRU size for the in-process predictor
// cache (§4.3 concurrency: "predictor instances are memoized per model
// version behind a bounded LRU").
const predictorCapacity = 64

// driftTick is how often the drift monitor evaluates every model type.
const driftTick = 5 * time.Minute

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting prediction service",
		slog.String("service", name),
		slog.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, closers, err := buildDependencies(logger)
	if err != nil {
		logger.Error("dependency wiring failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	serverConfig.APIKeyStore = deps.APIKeyStore
	serverConfig.RateLimiter = deps.RateLimiter

	server := api.NewServer(&serverConfig, deps)

	driftCtx, stopDrift := context.WithCancel(ctx)
	defer stopDrift()

	go deps.Drift.Run(driftCtx, driftTick)
	go deps.Lifecycle.RunArchival(driftCtx, lifecycle.ArchivalTick)

	scheduleIntervals := map[model.Type]time.Duration{
		model.PrintTime:           24 * time.Hour,
		model.DemandForecast:      24 * time.Hour,
		model.PriceOptimization:   24 * time.Hour,
		model.ChurnPrediction:     7 * 24 * time.Hour,
		model.MaterialDemand:      24 * time.Hour,
		model.BottleneckDetection: 24 * time.Hour,
	}
	deps.Training.Schedule(driftCtx, scheduleIntervals)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))

		for _, c := range closers {
			_ = c.Close()
		}

		os.Exit(1)
	}

	logger.Info("prediction service stopped")
}

type closer interface {
	Close() error
}

// buildDependencies performs explicit constructor-composition dependency
// injection (§9 "Dependency injection via explicit constructors at process
// start; no DI framework or reflection-based container"): it wires the
// storage backends, the registry/lifecycle/training/drift collaborators,
// and the orchestrator, selecting concrete implementations (Postgres vs
// in-memory, local vs remote artifact storage, in-memory vs Redis cache)
// from environment configuration.
func buildDependencies(logger *slog.Logger) (api.Dependencies, []closer, error) {
	var closers []closer

	dbConfig := storage.LoadConfig()

	var (
		reg         registry.Registry
		auditStore  *storage.AuditStore
		popStore    *storage.PopulationStore
		apiKeyStore storage.APIKeyStore
		datasetRows *storage.DatasetBucketStore
		datasetSnap *storage.DatasetStore
		jobStore    *storage.JobStore
	)

	if err := dbConfig.Validate(); err != nil {
		logger.Warn("no DATABASE_URL configured, running with in-memory registry and key store",
			slog.String("reason", err.Error()))

		reg = registry.NewInMemory()
		apiKeyStore = storage.NewInMemoryKeyStore()
	} else {
		conn, err := storage.NewConnection(dbConfig)
		if err != nil {
			return api.Dependencies{}, closers, err
		}

		closers = append(closers, conn)

		store, err := registry.NewStore(conn.DB)
		if err != nil {
			return api.Dependencies{}, closers, err
		}

		reg = store
		auditStore = storage.NewAuditStore(conn)
		popStore = storage.NewPopulationStore(conn)
		datasetRows = storage.NewDatasetBucketStore(conn)
		datasetSnap = storage.NewDatasetStore(conn)
		jobStore = storage.NewJobStore(conn)

		keyStore, err := storage.NewPersistentKeyStore(conn)
		if err != nil {
			return api.Dependencies{}, closers, err
		}

		apiKeyStore = keyStore
	}

	artifacts, err := buildArtifactStore(logger)
	if err != nil {
		return api.Dependencies{}, closers, err
	}

	cacheBackend := buildCache(logger)
	if c, ok := cacheBackend.(closer); ok {
		closers = append(closers, c)
	}

	predictors := predictor.NewRegistry(artifacts, predictorCapacity, logger)
	fallback := predictor.NewFallback()

	aliasResolver, err := catalogalias.LoadConfigFromEnv()
	if err != nil {
		logger.Warn("catalog alias config not loaded, proceeding without normalization",
			slog.String("error", err.Error()))
	}

	var resolver *catalogalias.Resolver
	if aliasResolver != nil {
		resolver = catalogalias.NewResolver(aliasResolver)
	}

	orch := orchestrator.New(reg, cacheBackend, predictors, fallback, auditWriter(auditStore), populationStats(popStore), logger)
	if resolver != nil {
		orch.WithAliases(resolver)
	}

	lc := lifecycle.NewManager(reg, logger)

	publisher := buildPublisher(logger)
	if publisher != nil {
		closers = append(closers, publisher)
	}

	trainingOrch := training.New(
		reg,
		lc,
		artifacts,
		datasetProvider(datasetRows),
		datasetStoreAdapter(datasetSnap),
		jobStoreAdapter(jobStore),
		training.DefaultTrainers(),
		trainingEventPublisher(publisher),
		cacheBackend,
		logger,
	)

	driftMonitor := drift.New(reg, groundTruthSource(popStore), lc, trainingOrch, driftEventPublisher(publisher), logger)

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())

	deps := api.Dependencies{
		Orchestrator: orch,
		Registry:     reg,
		Lifecycle:    lc,
		Training:     trainingOrch,
		Drift:        driftMonitor,
		Artifacts:    artifacts,
		Audit:        auditStore,
		Population:   popStore,
		APIKeyStore:  apiKeyStore,
		RateLimiter:  rateLimiter,
	}

	return deps, closers, nil
}

func buildArtifactStore(logger *slog.Logger) (artifactstore.Store, error) {
	backend := config.GetEnvStr("ARTIFACT_BACKEND", "local")

	switch backend {
	case "remote":
		baseURL := config.GetEnvStr("ARTIFACT_REMOTE_URL", "")
		token := config.GetEnvStr("ARTIFACT_REMOTE_TOKEN", "")

		logger.Info("artifact store backend selected", slog.String("backend", "remote"))

		return artifactstore.NewRemote(baseURL, token, nil), nil
	default:
		baseDir := config.GetEnvStr("ARTIFACT_LOCAL_DIR", "./data/artifacts")

		logger.Info("artifact store backend selected", slog.String("backend", "local"), slog.String("dir", baseDir))

		return artifactstore.NewLocal(baseDir)
	}
}

func buildCache(logger *slog.Logger) cache.Cache {
	backend := config.GetEnvStr("CACHE_BACKEND", "memory")

	if backend == "redis" {
		addr := config.GetEnvStr("REDIS_ADDR", "localhost:6379")
		client := redis.NewClient(&redis.Options{Addr: addr})

		logger.Info("cache backend selected", slog.String("backend", "redis"), slog.String("addr", addr))

		return cache.NewRedis(client, logger)
	}

	logger.Info("cache backend selected", slog.String("backend", "memory"))

	return cache.NewInMemory()
}

func buildPublisher(logger *slog.Logger) *events.Publisher {
	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", ""))
	if len(brokers) == 0 {
		logger.Warn("no KAFKA_BROKERS configured, operational events will not be published")

		return nil
	}

	topic := config.GetEnvStr("KAFKA_EVENTS_TOPIC", "predictionservice.operational-events")

	return events.NewPublisher(brokers, topic)
}

// The helpers below convert possibly-nil concrete storage/events types into
// the narrow interfaces the domain packages depend on. A typed nil pointer
// boxed directly into an interface value is non-nil from the interface's
// point of view, which would defeat the "Audit/Population/Events may be
// nil" degraded-mode checks in orchestrator, training, and drift; these
// helpers collapse a nil pointer to a true nil interface instead.

func auditWriter(s *storage.AuditStore) orchestrator.AuditWriter {
	if s == nil {
		return nil
	}

	return s
}

func populationStats(s *storage.PopulationStore) orchestrator.PopulationStats {
	if s == nil {
		return nil
	}

	return s
}

func groundTruthSource(s *storage.PopulationStore) drift.GroundTruthSource {
	if s == nil {
		return nil
	}

	return s
}

func datasetProvider(s *storage.DatasetBucketStore) training.DatasetProvider {
	if s == nil {
		return nil
	}

	return s
}

func datasetStoreAdapter(s *storage.DatasetStore) training.DatasetStore {
	if s == nil {
		return nil
	}

	return s
}

func jobStoreAdapter(s *storage.JobStore) training.JobStore {
	if s == nil {
		return nil
	}

	return s
}

func trainingEventPublisher(p *events.Publisher) training.EventPublisher {
	if p == nil {
		return nil
	}

	return p
}

func driftEventPublisher(p *events.Publisher) drift.EventPublisher {
	if p == nil {
		return nil
	}

	return p
}
