package controllers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/IBM/taxinomitis/internal/dataset"
	"github.com/IBM/taxinomitis/internal/logger"
	"github.com/IBM/taxinomitis/internal/services"
	"github.com/IBM/taxinomitis/internal/storage"
)

// maxUploadBytes caps the size of one training CSV
const maxUploadBytes = 32 << 20

type ModelController struct {
	trainingService *services.TrainingService
}

func NewModelController(trainingService *services.TrainingService) *ModelController {
	return &ModelController{
		trainingService: trainingService,
	}
}

// CreateModel accepts a CSV upload and queues a training run for the key
func (mc *ModelController) CreateModel(c *gin.Context) {
	key := c.Param("key")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fileHeader, err := c.FormFile("csvfile")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Missing csvfile upload"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Unable to process CSV file"})
		return
	}
	defer file.Close()

	frame, err := dataset.ReadCSV(file)
	if err != nil {
		logger.Warn("Rejected training data", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Unable to process CSV file"})
		return
	}

	entry, err := mc.trainingService.Submit(c.Request.Context(), key, c.PostForm("owner"), frame)
	if err != nil {
		respondError(c, key, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

// GetModel returns the ledger entry for the key
func (mc *ModelController) GetModel(c *gin.Context) {
	key := c.Param("key")

	info, err := mc.trainingService.Status(key)
	if err != nil {
		respondError(c, key, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// Classify predicts a label for one set of feature values
func (mc *ModelController) Classify(c *gin.Context) {
	key := c.Param("key")

	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Request body must be a JSON object of feature values"})
		return
	}

	values := make(map[string]string, len(body))
	for name, v := range body {
		if v == nil {
			continue
		}
		values[name] = fmt.Sprint(v)
	}

	result, err := mc.trainingService.Classify(c.Request.Context(), key, values)
	if err != nil {
		respondError(c, key, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// DeleteModel removes one model (admin only)
func (mc *ModelController) DeleteModel(c *gin.Context) {
	key := c.Param("key")

	if err := mc.trainingService.Delete(c.Request.Context(), key); err != nil {
		respondError(c, key, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": []string{key}})
}

// DeleteOwnerModels removes every model recorded for an owner (admin only)
func (mc *ModelController) DeleteOwnerModels(c *gin.Context) {
	owner := c.Param("owner")

	keys, err := mc.trainingService.DeleteOwner(c.Request.Context(), owner)
	if err != nil {
		logger.Error("Failed to delete owner models", map[string]interface{}{
			"owner": owner,
			"error": err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to delete models"})
		return
	}
	if keys == nil {
		keys = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"deleted": keys})
}

func respondError(c *gin.Context, key string, err error) {
	switch {
	case errors.Is(err, services.ErrTrainingInProgress):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Model training in progress"})
	case errors.Is(err, storage.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid model key"})
	case errors.Is(err, services.ErrModelNotAvailable):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Model not available"})
	case errors.Is(err, services.ErrQueueFull), errors.Is(err, services.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Training service is busy. Try again later"})
	default:
		logger.Error("Model request failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
	}
}
