package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/IBM/taxinomitis/internal/services"
)

// Version is reported by the health check
const Version = "1.0.0"

type HealthController struct {
	trainingService *services.TrainingService
	pingDB          func() error
}

// NewHealthController builds the health endpoints. pingDB may be nil when
// no database is configured.
func NewHealthController(trainingService *services.TrainingService, pingDB func() error) *HealthController {
	return &HealthController{
		trainingService: trainingService,
		pingDB:          pingDB,
	}
}

// Root is the plain liveness check
func (hc *HealthController) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Health reports cache usage and database connectivity
func (hc *HealthController) Health(c *gin.Context) {
	overallStatus := "ok"
	statusCode := http.StatusOK

	database := gin.H{"status": "disabled"}
	if hc.pingDB != nil {
		if err := hc.pingDB(); err != nil {
			database = gin.H{"status": "error", "error": err.Error()}
			overallStatus = "error"
			statusCode = http.StatusServiceUnavailable
		} else {
			database = gin.H{"status": "ok"}
		}
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
		"services": gin.H{
			"database": database,
			"cache":    hc.trainingService.Stats(),
		},
	})
}
