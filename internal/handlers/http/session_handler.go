package http

import (
	"fmt"
	"net/http"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
	"streamguard/pkg/validation"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	sessions ports.SessionService
}

func NewSessionHandler(sessions ports.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// SetupRoutes registers session routes. Mutating routes go through write,
// which carries the operator role check when auth is on.
func (h *SessionHandler) SetupRoutes(api *gin.RouterGroup, write gin.HandlerFunc) {
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.GET("/sessions/:id/constraints", h.GetConstraints)
	api.GET("/sessions/:id/health", h.GetHealth)
	api.GET("/sessions/:id/alerts", h.GetAlerts)

	api.POST("/sessions", write, h.CreateSession)
	api.POST("/sessions/:id/start", write, h.StartSession)
	api.POST("/sessions/:id/stop", write, h.StopSession)
	api.POST("/sessions/:id/switch-device", write, h.SwitchDevice)
	api.POST("/sessions/:id/quality", write, h.ApplyQuality)
	api.POST("/sessions/:id/constraints", write, h.ApplyConstraints)
	api.POST("/sessions/:id/monitoring/start", write, h.StartMonitoring)
	api.POST("/sessions/:id/monitoring/stop", write, h.StopMonitoring)
}

func sessionID(c *gin.Context) (domain.SessionID, bool) {
	id := c.Param("id")
	if err := validation.ValidateSessionID(id); err != nil {
		badRequest(c, err)
		return "", false
	}
	return domain.SessionID(id), true
}

type createSessionRequest struct {
	Title       string                  `json:"title" binding:"required"`
	Description string                  `json:"description"`
	Tier        domain.QualityTier      `json:"tier"`
	Audio       domain.AudioConstraints `json:"audio"`
	Video       domain.VideoConstraints `json:"video"`
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validation.ValidateTitle(req.Title); err != nil {
		badRequest(c, err)
		return
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		badRequest(c, err)
		return
	}
	if req.Tier != "" {
		if err := validation.ValidateTier(string(req.Tier)); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := validateVideo(req.Video); err != nil {
		badRequest(c, err)
		return
	}

	session, err := h.sessions.CreateSession(c.Request.Context(), ports.CreateSessionRequest{
		Title:       req.Title,
		Description: req.Description,
		Tier:        req.Tier,
		Audio:       req.Audio,
		Video:       req.Video,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	session, err := h.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	session, err := h.sessions.StartSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *SessionHandler) StopSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	session, err := h.sessions.StopSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *SessionHandler) GetConstraints(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	constraints, err := h.sessions.Constraints(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"constraints": constraints})
}

func (h *SessionHandler) SwitchDevice(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req struct {
		Kind     domain.DeviceKind `json:"kind" binding:"required"`
		DeviceID string            `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validation.ValidateDeviceKind(string(req.Kind)); err != nil {
		badRequest(c, err)
		return
	}
	if err := validation.ValidateDeviceID(req.DeviceID); err != nil {
		badRequest(c, err)
		return
	}

	constraints, err := h.sessions.SwitchDevice(c.Request.Context(), id, req.Kind, req.DeviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"constraints": constraints})
}

func (h *SessionHandler) ApplyQuality(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req struct {
		Tier domain.QualityTier `json:"tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validation.ValidateTier(string(req.Tier)); err != nil {
		badRequest(c, err)
		return
	}

	constraints, err := h.sessions.ApplyQualityPreset(c.Request.Context(), id, req.Tier)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"constraints": constraints})
}

func (h *SessionHandler) ApplyConstraints(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req struct {
		Audio domain.AudioConstraints `json:"audio"`
		Video domain.VideoConstraints `json:"video"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateVideo(req.Video); err != nil {
		badRequest(c, err)
		return
	}

	constraints, err := h.sessions.ApplyConstraints(c.Request.Context(), id, req.Audio, req.Video)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"constraints": constraints})
}

func (h *SessionHandler) StartMonitoring(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req struct {
		IntervalMS int `json:"interval_ms"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	interval := time.Duration(req.IntervalMS) * time.Millisecond
	if interval != 0 {
		if err := validation.ValidateMonitoringInterval(interval); err != nil {
			badRequest(c, err)
			return
		}
	}

	if err := h.sessions.StartMonitoring(c.Request.Context(), id, interval); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "monitoring": true})
}

func (h *SessionHandler) StopMonitoring(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	h.sessions.StopMonitoring(id)
	c.JSON(http.StatusOK, gin.H{"session_id": id, "monitoring": false})
}

func (h *SessionHandler) GetHealth(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	stats, found := h.sessions.Health(id)
	if !found {
		respondError(c, fmt.Errorf("%w: no health sample for %s", domain.ErrSessionNotFound, id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"health": stats})
}

func (h *SessionHandler) GetAlerts(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	alerts := h.sessions.Alerts(id)
	if alerts == nil {
		alerts = []domain.StreamHealthAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func validateVideo(v domain.VideoConstraints) error {
	if v.Width != nil {
		if err := validation.ValidateDimension(*v.Width, "width"); err != nil {
			return err
		}
	}
	if v.Height != nil {
		if err := validation.ValidateDimension(*v.Height, "height"); err != nil {
			return err
		}
	}
	if v.FrameRate != nil {
		if err := validation.ValidateFrameRate(*v.FrameRate); err != nil {
			return err
		}
	}
	if v.DeviceID != "" {
		if err := validation.ValidateDeviceID(v.DeviceID); err != nil {
			return err
		}
	}
	return nil
}
