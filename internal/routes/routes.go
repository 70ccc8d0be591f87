package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/IBM/taxinomitis/internal/config"
	"github.com/IBM/taxinomitis/internal/controllers"
	"github.com/IBM/taxinomitis/internal/logger"
	"github.com/IBM/taxinomitis/internal/middleware"
	"github.com/IBM/taxinomitis/internal/services"
)

// SetupRoutes configures all application routes
func SetupRoutes(r *gin.Engine, cfg *config.Config, trainingService *services.TrainingService, pingDB func() error) error {
	basicAuth, err := middleware.BasicAuth(cfg.Auth.Username, cfg.Auth.Password, cfg.Auth.PasswordHash)
	if err != nil {
		return err
	}

	// Initialize controllers
	modelController := controllers.NewModelController(trainingService)
	healthController := controllers.NewHealthController(trainingService, pingDB)

	// Health checks
	r.GET("/", healthController.Root)
	r.GET("/health", healthController.Health)

	// Status files and download artifacts
	r.Static("/saved-models", cfg.Models.Dir)

	// Training requests
	requests := r.Group("/model-requests")
	requests.Use(basicAuth)
	{
		requests.POST("/:key", modelController.CreateModel)
		requests.GET("/:key", modelController.GetModel)
		requests.POST("/:key/predictions", modelController.Classify)
	}

	// Admin routes
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, admin routes are disabled", nil)
		return nil
	}
	admin := r.Group("/admin")
	admin.Use(middleware.AdminAuth(cfg.Auth.JWTSecret))
	{
		admin.DELETE("/models/:key", modelController.DeleteModel)
		admin.DELETE("/owners/:owner/models", modelController.DeleteOwnerModels)
	}

	return nil
}
