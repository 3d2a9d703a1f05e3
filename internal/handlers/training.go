package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anvilworks/ragserver/internal/platform/logger"
	"github.com/anvilworks/ragserver/internal/services"
)

type TrainingHandler struct {
	log      *logger.Logger
	training *services.TrainingCoordinator
}

func NewTrainingHandler(log *logger.Logger, training *services.TrainingCoordinator) *TrainingHandler {
	return &TrainingHandler{log: log.With("handler", "TrainingHandler"), training: training}
}

type trainRequest struct {
	Content  string         `json:"content" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

func (h *TrainingHandler) TrainOne(c *gin.Context) {
	var req trainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.training.TrainOne(c.Request.Context(), req.Content, req.Metadata); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "indexed"})
}

type trainBatchRequest struct {
	Documents []services.TrainingInput `json:"documents" binding:"required"`
}

func (h *TrainingHandler) TrainBatch(c *gin.Context) {
	var req trainBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := h.training.TrainBatch(c.Request.Context(), req.Documents)
	c.JSON(http.StatusOK, result)
}
