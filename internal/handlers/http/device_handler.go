package http

import (
	"net/http"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
	"streamguard/pkg/validation"

	"github.com/gin-gonic/gin"
)

type presetLister interface {
	Presets() []domain.QualityPreset
}

type DeviceHandler struct {
	devices ports.DeviceService
	presets presetLister
}

func NewDeviceHandler(devices ports.DeviceService, presets presetLister) *DeviceHandler {
	return &DeviceHandler{devices: devices, presets: presets}
}

func (h *DeviceHandler) SetupRoutes(api *gin.RouterGroup, write gin.HandlerFunc) {
	api.GET("/devices", h.ListDevices)
	api.GET("/devices/:id/capabilities", h.GetCapabilities)
	api.GET("/presets", h.ListPresets)

	api.POST("/devices/refresh", write, h.Refresh)
}

func (h *DeviceHandler) ListDevices(c *gin.Context) {
	kind := c.Query("kind")
	if kind != "" {
		if err := validation.ValidateDeviceKind(kind); err != nil {
			badRequest(c, err)
			return
		}
	}

	devices := h.devices.ListDevices(c.Request.Context(), domain.DeviceKind(kind))
	if devices == nil {
		devices = []domain.CaptureDevice{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

func (h *DeviceHandler) Refresh(c *gin.Context) {
	devices := h.devices.Refresh(c.Request.Context())
	if devices == nil {
		devices = []domain.CaptureDevice{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

func (h *DeviceHandler) GetCapabilities(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateDeviceID(id); err != nil {
		badRequest(c, err)
		return
	}

	caps, err := h.devices.Capabilities(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": caps})
}

func (h *DeviceHandler) ListPresets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"presets": h.presets.Presets()})
}
