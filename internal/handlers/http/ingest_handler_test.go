package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"streamguard/internal/core/domain"
	"streamguard/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockIngest struct {
	mock.Mock
}

func (m *MockIngest) Publish(ctx context.Context, id domain.SessionID, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	args := m.Called(ctx, id, offer)
	a, _ := args.Get(0).(*webrtc.SessionDescription)
	return a, args.Error(1)
}

func (m *MockIngest) Unpublish(id domain.SessionID) error {
	return m.Called(id).Error(0)
}

func (m *MockIngest) SetViewers(id domain.SessionID, n int) error {
	return m.Called(id, n).Error(0)
}

func newIngestRouter(t *testing.T, ingest publishService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	NewIngestHandler(ingest).SetupRoutes(router.Group("/api/v1"), middleware.Noop())
	return router
}

func TestPublish(t *testing.T) {
	ingest := new(MockIngest)
	router := newIngestRouter(t, ingest)

	ingest.On("Publish", mock.Anything, domain.SessionID("s1"), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}).
		Return(&webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil)
	ingest.On("Publish", mock.Anything, domain.SessionID("idle"), mock.Anything).
		Return(nil, fmt.Errorf("%w: idle", domain.ErrSessionNotActive))

	w := do(router, http.MethodPost, "/api/v1/sessions/s1/publish", `{"type":"offer","sdp":"v=0 offer"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var answer struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &answer))
	assert.Equal(t, "answer", answer.Type)
	assert.Equal(t, "v=0 answer", answer.SDP)

	w = do(router, http.MethodPost, "/api/v1/sessions/idle/publish", `{"type":"offer","sdp":"v=0"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodPost, "/api/v1/sessions/s1/publish", `{"type":"answer","sdp":"v=0"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ingest.AssertNumberOfCalls(t, "Publish", 2)
}

func TestUnpublishAndViewers(t *testing.T) {
	ingest := new(MockIngest)
	router := newIngestRouter(t, ingest)

	ingest.On("Unpublish", domain.SessionID("s1")).Return(nil).Once()
	ingest.On("Unpublish", domain.SessionID("s2")).Return(fmt.Errorf("%w: s2", domain.ErrNotPublishing))
	ingest.On("SetViewers", domain.SessionID("s1"), 0).Return(nil)

	w := do(router, http.MethodDelete, "/api/v1/sessions/s1/publish", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodDelete, "/api/v1/sessions/s2/publish", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, http.MethodPost, "/api/v1/sessions/s1/viewers", `{"count":0}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/v1/sessions/s1/viewers", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ingest.AssertExpectations(t)
}
