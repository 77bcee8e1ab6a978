package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/jibbs/catalog/internal/config"
	"github.com/jibbs/catalog/internal/logger"
	"github.com/jibbs/catalog/internal/repository"
	"github.com/jibbs/catalog/internal/service"
	"github.com/jibbs/catalog/internal/source"
	"github.com/jibbs/catalog/internal/source/staging"
	"github.com/jibbs/catalog/internal/storage"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "catalog-ingest",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	sourceType := flag.String("source", "staging", "Record source to ingest from")
	category := flag.String("category", "", "Ingest a single category instead of all configured ones")
	limit := flag.Int("limit", 0, "Maximum number of records to ingest (0 = no limit)")
	sweep := flag.Bool("sweep", false, "Run the orphan sweep instead of ingesting")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	appLogger.WithFields(logger.Fields{
		"source": *sourceType,
		"limit":  *limit,
		"sweep":  *sweep,
	}).Info("Starting catalog ingest")

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	productRepo := repository.NewProductRepository(db)
	embeddingRepo := repository.NewEmbeddingRecordRepository(db)
	qdrantRepo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
		Host:            cfg.Qdrant.Host,
		Port:            cfg.Qdrant.Port,
		APIKey:          cfg.Qdrant.APIKey,
		UseTLS:          cfg.Qdrant.UseTLS,
		VectorDimension: cfg.Embedding.Dimensions,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize Qdrant repository")
	}
	defer qdrantRepo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ensure both collections exist before any writes
	for _, collection := range []string{cfg.Qdrant.TextCollection, cfg.Qdrant.ImageCollection} {
		if err := qdrantRepo.EnsureCollection(ctx, collection); err != nil {
			appLogger.WithField("collection", collection).
				WithError(err).Fatal("Failed to ensure Qdrant collection")
		}
	}

	// Handle graceful shutdown: workers finish the product they hold
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	if *sweep {
		sweeper := service.NewSweeper(qdrantRepo, embeddingRepo,
			[]string{cfg.Qdrant.TextCollection, cfg.Qdrant.ImageCollection}, appLogger)
		stats, err := sweeper.Sweep(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Orphan sweep failed")
		}
		appLogger.WithFields(logger.Fields{
			"scanned":  stats.Scanned,
			"orphaned": stats.Orphaned,
			"deleted":  stats.Deleted,
			"failed":   stats.Failed,
		}).Info("Orphan sweep completed")
		return
	}

	// Initialize object storage
	objectStorage, err := storage.NewStorage(&storage.Config{
		Type:      cfg.Storage.Type,
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	// Initialize external clients
	embedder := service.NewJinaEmbedder(&cfg.Embedding)

	var captioner service.Captioner
	if cfg.Captioner.Enabled {
		captioner = service.NewVisionCaptioner(&cfg.Captioner)
	}

	mirror := service.NewImageMirror(objectStorage)
	tracker := service.NewEmbeddingTracker(qdrantRepo, embeddingRepo,
		cfg.Qdrant.TextCollection, cfg.Qdrant.ImageCollection)

	pipeline := service.NewPipeline(
		productRepo,
		tracker,
		embeddingRepo,
		mirror,
		captioner,
		embedder,
		appLogger,
		&service.PipelineConfig{
			Workers:      cfg.Ingest.Workers,
			BatchSize:    cfg.Ingest.BatchSize,
			RequestDelay: cfg.Ingest.RequestDelay,
		},
	)

	// Build record sources
	categories := cfg.Ingest.Categories
	if *category != "" {
		categories = []string{*category}
	}

	var src source.RecordSource
	switch *sourceType {
	case "staging":
		src = staging.NewAdapter(cfg.Ingest.StagingPath, categories)
	default:
		appLogger.WithField("source", *sourceType).Fatal("Unknown source type")
	}

	stats, err := pipeline.Run(ctx, src, *limit)
	if err != nil {
		appLogger.WithError(err).Fatal("Ingestion run failed")
	}

	appLogger.WithFields(logger.Fields{
		"total":     stats.TotalItems,
		"succeeded": stats.SucceededItems,
		"malformed": stats.MalformedItems,
		"failed":    stats.FailedItems,
		"upserted":  stats.VectorsUpserted,
		"refreshed": stats.VectorsRefreshed,
		"pruned":    stats.VectorsPruned,
		"leaked":    len(stats.LeakedVectorIDs),
	}).Info("Catalog ingest completed")

	if len(stats.LeakedVectorIDs) > 0 {
		appLogger.WithField("count", len(stats.LeakedVectorIDs)).
			Warn("Run left leaked index entries; run with -sweep to reclaim them")
	}
}
