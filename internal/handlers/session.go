package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/anvilworks/ragserver/internal/platform/logger"
	"github.com/anvilworks/ragserver/internal/services"
)

type SessionHandler struct {
	log *logger.Logger
	rag *services.RagService
}

func NewSessionHandler(log *logger.Logger, rag *services.RagService) *SessionHandler {
	return &SessionHandler{log: log.With("handler", "SessionHandler"), rag: rag}
}

func (h *SessionHandler) Create(c *gin.Context) {
	id, err := h.rag.CreateSession(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": id})
}

func (h *SessionHandler) Info(c *gin.Context) {
	info, err := h.rag.GetSessionInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *SessionHandler) Clear(c *gin.Context) {
	if err := h.rag.ClearSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (h *SessionHandler) Turns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	turns, err := h.rag.SessionTurns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.rag.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type instructionsRequest struct {
	Instructions string `json:"instructions" binding:"required"`
}

func (h *SessionHandler) UpdateInstructions(c *gin.Context) {
	var req instructionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.rag.UpdateInstructions(req.Instructions); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *SessionHandler) GetInstructions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instructions": h.rag.GetInstructions()})
}
