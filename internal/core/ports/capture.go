package ports

import (
	"context"

	"streamguard/internal/core/domain"
)

// CaptureAPI is the device capture boundary. Implementations must translate
// platform permission refusals into domain.ErrPermissionDenied.
//
// Acquire opens only the kinds whose constraints carry a DeviceID; an empty
// DeviceID means that kind is not requested.
type CaptureAPI interface {
	EnumerateDevices(ctx context.Context) ([]domain.CaptureDevice, error)
	GetCapabilities(ctx context.Context, deviceID string) (*domain.DeviceCapabilities, error)
	Acquire(ctx context.Context, audio domain.AudioConstraints, video domain.VideoConstraints) (*domain.CaptureHandle, error)
	Release(ctx context.Context, handle *domain.CaptureHandle) error
}

// ActiveProbeRequirer is implemented by backends that can only report
// capabilities while the device is streaming.
type ActiveProbeRequirer interface {
	RequiresActiveProbe() bool
}

// StatsSource reports raw transport and encoder statistics for an active handle.
type StatsSource interface {
	Stats(ctx context.Context, handle *domain.CaptureHandle) (*domain.RawStats, error)
}

// HandleForgetter is implemented by stats sources that keep per-handle
// counters. Forget is called once a handle is no longer sampled.
type HandleForgetter interface {
	Forget(handleID string)
}

// ControlPlane is the streaming backend's create/start/end API.
type ControlPlane interface {
	CreateStream(ctx context.Context, title, description string) (*domain.StreamInfo, error)
	Start(ctx context.Context, id domain.StreamID) error
	End(ctx context.Context, id domain.StreamID) error
}
