package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anvilworks/ragserver/internal/platform/apierr"
	"github.com/anvilworks/ragserver/internal/platform/logger"
	"github.com/anvilworks/ragserver/internal/services"
)

type ChatHandler struct {
	log *logger.Logger
	rag *services.RagService
}

func NewChatHandler(log *logger.Logger, rag *services.RagService) *ChatHandler {
	return &ChatHandler{log: log.With("handler", "ChatHandler"), rag: rag}
}

type chatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"sessionId"`
}

func (h *ChatHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	answer, sessionID, err := h.rag.Chat(c.Request.Context(), req.Message, req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer, "sessionId": sessionID})
}

// ChatStream forwards generation chunks as server-sent events. A terminal
// "error" event is emitted when generation fails mid-stream.
func (h *ChatHandler) ChatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stream, err := h.rag.ChatStream(c.Request.Context(), req.Message, req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer stream.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Session-Id", stream.SessionID())

	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-stream.Chunks()
		if !ok {
			if streamErr := stream.Err(); streamErr != nil {
				c.SSEvent("error", streamErr.Error())
			} else {
				c.SSEvent("done", "")
			}
			return false
		}
		c.SSEvent("message", chunk)
		return true
	})
}

func respondError(c *gin.Context, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) && ae.Status != 0 {
		c.JSON(ae.Status, gin.H{"error": ae.Error(), "code": ae.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
