package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
	"github.com/trial-signal-server/internal/service"
)

// Handlers implements the REST endpoints.
type Handlers struct {
	store     domain.Store
	detection *service.DetectionService
	log       *logrus.Logger
}

// NewHandlers creates the REST handler set.
func NewHandlers(store domain.Store, detection *service.DetectionService, logger *logrus.Logger) *Handlers {
	return &Handlers{
		store:     store,
		detection: detection,
		log:       logger,
	}
}

// HandleHealth handles health check requests
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	})
}

// HandleRunDetection runs one synchronous detection pass.
func (h *Handlers) HandleRunDetection(c *gin.Context) {
	var req service.DetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body", err.Error())
		return
	}

	resp, err := h.detection.Run(c.Request.Context(), &req)
	if err != nil {
		h.respondDetectionError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// HandleGetSignal retrieves one signal by detection id.
func (h *Handlers) HandleGetSignal(c *gin.Context) {
	detectionID := c.Param("id")

	signal, err := h.store.GetSignalDetection(c.Request.Context(), detectionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.respondError(c, http.StatusNotFound, domain.ErrCodeNotFound, "signal not found", detectionID)
			return
		}
		h.log.WithError(err).WithField("detection_id", detectionID).Error("Failed to get signal")
		h.respondError(c, http.StatusInternalServerError, domain.ErrCodeDatabaseError, "failed to load signal", "")
		return
	}

	c.JSON(http.StatusOK, signal)
}

// HandleListTrialSignals lists all signals for a trial.
func (h *Handlers) HandleListTrialSignals(c *gin.Context) {
	trialID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid trial id", c.Param("id"))
		return
	}

	signals, err := h.store.ListSignalDetectionsByTrial(c.Request.Context(), trialID)
	if err != nil {
		h.log.WithError(err).WithField("trial_id", trialID).Error("Failed to list signals")
		h.respondError(c, http.StatusInternalServerError, domain.ErrCodeDatabaseError, "failed to list signals", "")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trial_id": trialID,
		"count":    len(signals),
		"signals":  signals,
	})
}

// HandleGetTask retrieves one task by task id.
func (h *Handlers) HandleGetTask(c *gin.Context) {
	taskID := c.Param("id")

	task, err := h.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.respondError(c, http.StatusNotFound, domain.ErrCodeNotFound, "task not found", taskID)
			return
		}
		h.log.WithError(err).WithField("task_id", taskID).Error("Failed to get task")
		h.respondError(c, http.StatusInternalServerError, domain.ErrCodeDatabaseError, "failed to load task", "")
		return
	}

	c.JSON(http.StatusOK, task)
}

// respondDetectionError maps detection failures onto the error taxonomy.
func (h *Handlers) respondDetectionError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		h.respondError(c, http.StatusBadRequest, domain.ErrCodeValidation, verr.Message, verr.Field)
	case errors.Is(err, domain.ErrNotFound):
		h.respondError(c, http.StatusNotFound, domain.ErrCodeNotFound, "trial not found", err.Error())
	default:
		h.log.WithError(err).Error("Detection run failed")
		h.respondError(c, http.StatusInternalServerError, domain.ErrCodeDetection, "detection run failed", "")
	}
}

func (h *Handlers) respondError(c *gin.Context, status int, code, message, details string) {
	requestID := c.GetString("request_id")
	c.JSON(status, gin.H{"error": domain.NewAPIError(code, message, details, requestID)})
}
