package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jibbs/catalog/internal/api"
	"github.com/jibbs/catalog/internal/config"
	"github.com/jibbs/catalog/internal/logger"
	"github.com/jibbs/catalog/internal/repository"
	"github.com/jibbs/catalog/internal/service"
)

func main() {
	appLogger := logger.NewFromEnv(nil)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

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

	ctx := context.Background()
	for _, collection := range []string{cfg.Qdrant.TextCollection, cfg.Qdrant.ImageCollection} {
		if err := qdrantRepo.EnsureCollection(ctx, collection); err != nil {
			appLogger.WithField("collection", collection).
				WithError(err).Fatal("Failed to ensure Qdrant collection")
		}
	}

	// Initialize services
	embedder := service.NewJinaEmbedder(&cfg.Embedding)

	searchService := service.NewSearchService(
		productRepo,
		embeddingRepo,
		qdrantRepo,
		embedder,
		cfg.Qdrant.TextCollection,
		cfg.Qdrant.ImageCollection,
		appLogger,
	)

	sweeper := service.NewSweeper(qdrantRepo, embeddingRepo,
		[]string{cfg.Qdrant.TextCollection, cfg.Qdrant.ImageCollection}, appLogger)

	// Setup router
	router := api.SetupRouter(searchService, sweeper, &cfg.Server, appLogger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
