package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/IBM/taxinomitis/internal/config"
	"github.com/IBM/taxinomitis/internal/db"
	"github.com/IBM/taxinomitis/internal/learning"
	"github.com/IBM/taxinomitis/internal/learning/tree"
	"github.com/IBM/taxinomitis/internal/logger"
	"github.com/IBM/taxinomitis/internal/middleware"
	"github.com/IBM/taxinomitis/internal/routes"
	"github.com/IBM/taxinomitis/internal/services"
	"github.com/IBM/taxinomitis/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger first
	logger.Initialize(cfg.Log.Level, cfg.Log.File)

	store, err := storage.NewArtifactStore(cfg.Models.Dir)
	if err != nil {
		logger.Fatal("Failed to prepare saved models folder", map[string]interface{}{
			"dir":   cfg.Models.Dir,
			"error": err.Error(),
		})
	}

	// Owner index lives in the database when one is configured
	var (
		owners services.OwnerIndex = services.NewMemoryOwnerIndex()
		pingDB func() error
		conn   *gorm.DB
	)
	if cfg.DB.URL != "" {
		conn, err = db.Connect(cfg.DB.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
		}
		if err := db.AutoMigrate(conn); err != nil {
			logger.Fatal("Failed to migrate database", map[string]interface{}{"error": err.Error()})
		}
		owners = services.NewGormOwnerIndex(conn)
		pingDB = func() error { return db.Ping(conn) }
	} else {
		logger.Warn("DATABASE_URL not set, model owners are kept in memory", nil)
	}

	var mirror storage.Mirror = storage.NoopMirror{}
	if cfg.MinIO.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		m, err := storage.NewMinIOMirror(ctx, cfg.MinIO)
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect to MinIO", map[string]interface{}{
				"endpoint": cfg.MinIO.Endpoint,
				"error":    err.Error(),
			})
		}
		mirror = m
	}

	trainingService, err := services.NewTrainingService(services.Options{
		PublicModelsURL: cfg.PublicModelsURL(),
		CacheSize:       cfg.Models.CacheSize,
		Workers:         cfg.Training.Workers,
		QueueSize:       cfg.Training.QueueSize,
		Timeout:         cfg.Training.Timeout,
	}, services.Dependencies{
		Store:   store,
		Learner: tree.Learner{MaxDepth: cfg.Training.MaxDepth},
		Loader:  tree.Loader{},
		Renderer: tree.Renderer{
			Converter: learning.GraphvizConverter{Path: cfg.Training.GraphvizDot},
		},
		Owners: owners,
		Mirror: mirror,
	})
	if err != nil {
		logger.Fatal("Failed to start training service", map[string]interface{}{"error": err.Error()})
	}

	if cfg.Models.RehydrateCache {
		if _, err := trainingService.Rehydrate(context.Background()); err != nil {
			logger.Error("Failed to rehydrate model cache", map[string]interface{}{"error": err.Error()})
		}
	}

	// Set Gin mode
	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}

	// Create router without default middleware
	r := gin.New()

	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(gin.Recovery())

	if err := routes.SetupRoutes(r, cfg, trainingService, pingDB); err != nil {
		logger.Fatal("Failed to set up routes", map[string]interface{}{"error": err.Error()})
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting numbers service", map[string]interface{}{
		"port":       cfg.Server.Port,
		"gin_mode":   gin.Mode(),
		"cache_size": cfg.Models.CacheSize,
		"workers":    cfg.Training.Workers,
	})

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	logger.Info("Shutting down server gracefully...", nil)

	// Create a context with timeout for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Warn("Stopping training workers...", nil)
	trainingService.Stop()

	if conn != nil {
		if err := db.Close(conn); err != nil {
			logger.Error("Failed to close database", map[string]interface{}{"error": err.Error()})
		}
	}
	logger.Info("Server exited gracefully", nil)
}
