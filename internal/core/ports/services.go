package ports

import (
	"context"
	"time"

	"streamguard/internal/core/domain"
)

// EffectiveConstraints is the bundle currently applied to a session's capture handle.
type EffectiveConstraints struct {
	SessionID domain.SessionID        `json:"session_id"`
	Tier      domain.QualityTier      `json:"tier"`
	Audio     domain.AudioConstraints `json:"audio"`
	Video     domain.VideoConstraints `json:"video"`
	Drops     []domain.ConstraintDrop `json:"drops,omitempty"`
}

type CreateSessionRequest struct {
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	Tier        domain.QualityTier      `json:"tier"`
	Audio       domain.AudioConstraints `json:"audio"`
	Video       domain.VideoConstraints `json:"video"`
}

// SessionService is what the HTTP layer drives.
type SessionService interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.StreamSession, error)
	GetSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error)
	ListSessions(ctx context.Context) ([]*domain.StreamSession, error)
	StartSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error)
	StopSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error)
	SwitchDevice(ctx context.Context, id domain.SessionID, kind domain.DeviceKind, deviceID string) (*EffectiveConstraints, error)
	ApplyQualityPreset(ctx context.Context, id domain.SessionID, tier domain.QualityTier) (*EffectiveConstraints, error)
	ApplyConstraints(ctx context.Context, id domain.SessionID, audio domain.AudioConstraints, video domain.VideoConstraints) (*EffectiveConstraints, error)
	Constraints(ctx context.Context, id domain.SessionID) (*EffectiveConstraints, error)
	StartMonitoring(ctx context.Context, id domain.SessionID, interval time.Duration) error
	StopMonitoring(id domain.SessionID)
	Health(id domain.SessionID) (*domain.StreamHealthStats, bool)
	Alerts(id domain.SessionID) []domain.StreamHealthAlert
}

type DeviceService interface {
	ListDevices(ctx context.Context, kind domain.DeviceKind) []domain.CaptureDevice
	Refresh(ctx context.Context) []domain.CaptureDevice
	Capabilities(ctx context.Context, deviceID string) (*domain.DeviceCapabilities, error)
}
