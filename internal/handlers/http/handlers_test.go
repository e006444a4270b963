package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
	"streamguard/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) CreateSession(ctx context.Context, req ports.CreateSessionRequest) (*domain.StreamSession, error) {
	args := m.Called(ctx, req)
	s, _ := args.Get(0).(*domain.StreamSession)
	return s, args.Error(1)
}

func (m *MockSessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*domain.StreamSession)
	return s, args.Error(1)
}

func (m *MockSessionService) ListSessions(ctx context.Context) ([]*domain.StreamSession, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).([]*domain.StreamSession)
	return s, args.Error(1)
}

func (m *MockSessionService) StartSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*domain.StreamSession)
	return s, args.Error(1)
}

func (m *MockSessionService) StopSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*domain.StreamSession)
	return s, args.Error(1)
}

func (m *MockSessionService) SwitchDevice(ctx context.Context, id domain.SessionID, kind domain.DeviceKind, deviceID string) (*ports.EffectiveConstraints, error) {
	args := m.Called(ctx, id, kind, deviceID)
	c, _ := args.Get(0).(*ports.EffectiveConstraints)
	return c, args.Error(1)
}

func (m *MockSessionService) ApplyQualityPreset(ctx context.Context, id domain.SessionID, tier domain.QualityTier) (*ports.EffectiveConstraints, error) {
	args := m.Called(ctx, id, tier)
	c, _ := args.Get(0).(*ports.EffectiveConstraints)
	return c, args.Error(1)
}

func (m *MockSessionService) ApplyConstraints(ctx context.Context, id domain.SessionID, audio domain.AudioConstraints, video domain.VideoConstraints) (*ports.EffectiveConstraints, error) {
	args := m.Called(ctx, id, audio, video)
	c, _ := args.Get(0).(*ports.EffectiveConstraints)
	return c, args.Error(1)
}

func (m *MockSessionService) Constraints(ctx context.Context, id domain.SessionID) (*ports.EffectiveConstraints, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*ports.EffectiveConstraints)
	return c, args.Error(1)
}

func (m *MockSessionService) StartMonitoring(ctx context.Context, id domain.SessionID, interval time.Duration) error {
	return m.Called(ctx, id, interval).Error(0)
}

func (m *MockSessionService) StopMonitoring(id domain.SessionID) {
	m.Called(id)
}

func (m *MockSessionService) Health(id domain.SessionID) (*domain.StreamHealthStats, bool) {
	args := m.Called(id)
	s, _ := args.Get(0).(*domain.StreamHealthStats)
	return s, args.Bool(1)
}

func (m *MockSessionService) Alerts(id domain.SessionID) []domain.StreamHealthAlert {
	args := m.Called(id)
	a, _ := args.Get(0).([]domain.StreamHealthAlert)
	return a
}

type stubDevices struct {
	devices []domain.CaptureDevice
	caps    map[string]*domain.DeviceCapabilities
}

func (s *stubDevices) ListDevices(ctx context.Context, kind domain.DeviceKind) []domain.CaptureDevice {
	var out []domain.CaptureDevice
	for _, d := range s.devices {
		if kind == "" || d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (s *stubDevices) Refresh(ctx context.Context) []domain.CaptureDevice {
	return s.devices
}

func (s *stubDevices) Capabilities(ctx context.Context, id string) (*domain.DeviceCapabilities, error) {
	caps, ok := s.caps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	return caps, nil
}

type stubPresets []domain.QualityPreset

func (p stubPresets) Presets() []domain.QualityPreset { return p }

func newRouter(t *testing.T, sessions ports.SessionService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	api := router.Group("/api/v1")

	devices := &stubDevices{
		devices: []domain.CaptureDevice{
			{ID: "cam-front", Kind: domain.DeviceKindVideo, Label: "Front Camera"},
			{ID: "mic-1", Kind: domain.DeviceKindAudio, Label: "Mic"},
		},
		caps: map[string]*domain.DeviceCapabilities{
			"cam-front": {DeviceID: "cam-front", Kind: domain.DeviceKindVideo, Width: &domain.IntRange{Min: 320, Max: 1920}},
		},
	}
	NewDeviceHandler(devices, stubPresets{{Tier: domain.TierLow}, {Tier: domain.TierMedium}}).SetupRoutes(api, middleware.Noop())
	NewSessionHandler(sessions).SetupRoutes(api, middleware.Noop())
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCreateSession(t *testing.T) {
	sessions := new(MockSessionService)
	router := newRouter(t, sessions)

	sessions.On("CreateSession", mock.Anything, mock.MatchedBy(func(req ports.CreateSessionRequest) bool {
		return req.Title == "Launch" && req.Tier == domain.TierHigh && *req.Video.Width == 1280
	})).Return(&domain.StreamSession{ID: "s1", Title: "Launch", Status: domain.SessionIdle}, nil)

	w := do(router, http.MethodPost, "/api/v1/sessions", `{"title":"Launch","tier":"high","video":{"width":1280}}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		Session domain.StreamSession `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.SessionID("s1"), body.Session.ID)
	sessions.AssertExpectations(t)
}

func TestCreateSession_Validation(t *testing.T) {
	sessions := new(MockSessionService)
	router := newRouter(t, sessions)

	for name, body := range map[string]string{
		"missing title":  `{"tier":"low"}`,
		"bad tier":       `{"title":"x","tier":"8k"}`,
		"bad width":      `{"title":"x","video":{"width":-1}}`,
		"bad frame rate": `{"title":"x","video":{"frame_rate":500}}`,
		"malformed":      `{`,
	} {
		t.Run(name, func(t *testing.T) {
			w := do(router, http.MethodPost, "/api/v1/sessions", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_INPUT", decodeError(t, w).Error)
		})
	}
	sessions.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
}

func TestStartSession_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"permission denied", domain.ErrPermissionDenied, http.StatusForbidden, "PERMISSION_DENIED", true},
		{"no viable constraints", fmt.Errorf("%w: nothing fits", domain.ErrNoViableConstraints), http.StatusUnprocessableEntity, "NO_VIABLE_CONSTRAINTS", false},
		{"acquisition", fmt.Errorf("%w: busy", domain.ErrDeviceAcquisitionFailed), http.StatusServiceUnavailable, "DEVICE_ACQUISITION_FAILED", true},
		{"terminal", domain.ErrSessionTerminal, http.StatusConflict, "INVALID_SESSION_STATE", false},
		{"not found", domain.ErrSessionNotFound, http.StatusNotFound, "NOT_FOUND", false},
		{"unexpected", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := new(MockSessionService)
			router := newRouter(t, sessions)
			sessions.On("StartSession", mock.Anything, domain.SessionID("s1")).Return(nil, tt.err)

			w := do(router, http.MethodPost, "/api/v1/sessions/s1/start", "")
			assert.Equal(t, tt.status, w.Code)

			body := decodeError(t, w)
			assert.Equal(t, tt.code, body.Error)
			assert.Equal(t, tt.retryable, body.Retryable)
		})
	}
}

func TestSessionLifecycleRoutes(t *testing.T) {
	sessions := new(MockSessionService)
	router := newRouter(t, sessions)

	active := &domain.StreamSession{ID: "s1", Status: domain.SessionActive, Tier: domain.TierMedium}
	stopped := &domain.StreamSession{ID: "s1", Status: domain.SessionDisconnected}
	sessions.On("StartSession", mock.Anything, domain.SessionID("s1")).Return(active, nil)
	sessions.On("GetSession", mock.Anything, domain.SessionID("s1")).Return(active, nil)
	sessions.On("StopSession", mock.Anything, domain.SessionID("s1")).Return(stopped, nil)
	sessions.On("ListSessions", mock.Anything).Return([]*domain.StreamSession{active}, nil)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/sessions/s1/start", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/v1/sessions/s1", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/v1/sessions", "").Code)

	w := do(router, http.MethodPost, "/api/v1/sessions/s1/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"disconnected"`)

	sessions.AssertExpectations(t)
}

func TestInvalidSessionID(t *testing.T) {
	sessions := new(MockSessionService)
	router := newRouter(t, sessions)

	w := do(router, http.MethodGet, "/api/v1/sessions/bad%20id", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSwitchDevice(t *testing.T) {
	sessions := new(MockSessionService)
	router := newRouter(t, sessions)

	sessions.On("SwitchDevice", mock.Anything, domain.SessionID("s1"), domain.DeviceKindVideo, "cam-back").
		Return(&ports.EffectiveConstraints{SessionID: "s1", Video: domain.VideoConstraints{DeviceID: "cam-back"}}, nil)
	sessions.On("SwitchDevice", mock.Anything, domain.SessionID("s1"), domain.DeviceKindVideo, "ghost").
		Return(nil, fmt.Errorf("%w: ghost", domain.ErrDeviceNotFound))

	w := do(router, http.MethodPost, "/api/v1/sessions/s1/switch-device", `{"kind":"videoinput","device_id":"cam-back"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cam-back")

	w = do(router, http.MethodPost, "/api/v1/sessions/s1/switch-device", `{"kind":"videoinput","device_id":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, http.MethodPost, "/api/v1/sessions/s1/switch-device", `{"kind":"screen","device_id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApplyQualityAndConstraints(t *testing.T) {
	sessions := new(MockSessionService)
	router := newRouter(t, sessions)

	drops := []domain.ConstraintDrop{{Kind: domain.DeviceKindVideo, Field: "width", Requested: 3840, Applied: 1920, Reason: domain.DropReasonClamped}}
	sessions.On("ApplyQualityPreset", mock.Anything, domain.SessionID("s1"), domain.TierUltra).
		Return(&ports.EffectiveConstraints{SessionID: "s1", Tier: domain.TierUltra, Drops: drops}, nil)
	sessions.On("ApplyConstraints", mock.Anything, domain.SessionID("s1"), mock.Anything, mock.Anything).
		Return(&ports.EffectiveConstraints{SessionID: "s1"}, nil)
	sessions.On("Constraints", mock.Anything, domain.SessionID("s1")).
		Return(&ports.EffectiveConstraints{SessionID: "s1", Tier: domain.TierUltra, Drops: drops}, nil)

	w := do(router, http.MethodPost, "/api/v1/sessions/s1/quality", `{"tier":"ultra"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"clamped"`)

	w = do(router, http.MethodPost, "/api/v1/sessions/s1/quality", `{"tier":"extreme"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/sessions/s1/constraints", `{"video":{"frame_rate":24}}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/api/v1/sessions/s1/constraints", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"width"`)
}

func TestMonitoringRoutes(t *testing.T) {
	sessions := new(MockSessionService)
	router := newRouter(t, sessions)

	sessions.On("StartMonitoring", mock.Anything, domain.SessionID("s1"), 500*time.Millisecond).Return(nil)
	sessions.On("StartMonitoring", mock.Anything, domain.SessionID("s1"), time.Duration(0)).Return(nil)
	sessions.On("StartMonitoring", mock.Anything, domain.SessionID("idle"), time.Duration(0)).Return(domain.ErrSessionNotActive)
	sessions.On("StopMonitoring", domain.SessionID("s1")).Return()

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/sessions/s1/monitoring/start", `{"interval_ms":500}`).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/sessions/s1/monitoring/start", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/sessions/s1/monitoring/start", `{"interval_ms":5}`).Code)
	assert.Equal(t, http.StatusConflict, do(router, http.MethodPost, "/api/v1/sessions/idle/monitoring/start", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/sessions/s1/monitoring/stop", "").Code)

	sessions.AssertExpectations(t)
}

func TestHealthAndAlerts(t *testing.T) {
	sessions := new(MockSessionService)
	router := newRouter(t, sessions)

	sessions.On("Health", domain.SessionID("s1")).Return(&domain.StreamHealthStats{SessionID: "s1", ConnectionQuality: domain.QualityGood}, true)
	sessions.On("Health", domain.SessionID("s2")).Return(nil, false)
	sessions.On("Alerts", domain.SessionID("s1")).Return([]domain.StreamHealthAlert{{ID: "a1", Severity: domain.SeverityWarning}})
	sessions.On("Alerts", domain.SessionID("s2")).Return(nil)

	w := do(router, http.MethodGet, "/api/v1/sessions/s1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connection_quality":"good"`)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/v1/sessions/s2/health", "").Code)

	w = do(router, http.MethodGet, "/api/v1/sessions/s1/alerts", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(router, http.MethodGet, "/api/v1/sessions/s2/alerts", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"alerts":[]`)
}

func TestDeviceRoutes(t *testing.T) {
	router := newRouter(t, new(MockSessionService))

	w := do(router, http.MethodGet, "/api/v1/devices?kind=videoinput", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/api/v1/devices?kind=printer", "").Code)

	w = do(router, http.MethodPost, "/api/v1/devices/refresh", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = do(router, http.MethodGet, "/api/v1/devices/cam-front/capabilities", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"max":1920`)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/v1/devices/ghost/capabilities", "").Code)

	w = do(router, http.MethodGet, "/api/v1/presets", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tier":"medium"`)
}
