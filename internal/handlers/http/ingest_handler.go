package http

import (
	"context"
	"fmt"
	"net/http"

	"streamguard/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
)

type publishService interface {
	Publish(ctx context.Context, id domain.SessionID, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	Unpublish(id domain.SessionID) error
	SetViewers(id domain.SessionID, n int) error
}

// IngestHandler exchanges SDP with publishers whose media feeds the
// webrtc stats source.
type IngestHandler struct {
	ingest publishService
}

func NewIngestHandler(ingest publishService) *IngestHandler {
	return &IngestHandler{ingest: ingest}
}

func (h *IngestHandler) SetupRoutes(api *gin.RouterGroup, write gin.HandlerFunc) {
	api.POST("/sessions/:id/publish", write, h.Publish)
	api.DELETE("/sessions/:id/publish", write, h.Unpublish)
	api.POST("/sessions/:id/viewers", write, h.SetViewers)
}

func (h *IngestHandler) Publish(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil {
		badRequest(c, err)
		return
	}
	if offer.Type != webrtc.SDPTypeOffer {
		badRequest(c, fmt.Errorf("type must be offer"))
		return
	}

	answer, err := h.ingest.Publish(c.Request.Context(), id, offer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"type": answer.Type.String(),
		"sdp":  answer.SDP,
	})
}

func (h *IngestHandler) Unpublish(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.ingest.Unpublish(id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *IngestHandler) SetViewers(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req struct {
		Count *int `json:"count" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.ingest.SetViewers(id, *req.Count); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viewers": *req.Count})
}
