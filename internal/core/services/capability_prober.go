package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"

	"go.uber.org/zap"
)

// CapabilityProber asks a capture backend what a device supports.
type CapabilityProber struct {
	capture ports.CaptureAPI
	timeout time.Duration
	now     func() time.Time
	logger  *zap.SugaredLogger
}

func NewCapabilityProber(capture ports.CaptureAPI, timeout time.Duration, logger *zap.SugaredLogger) *CapabilityProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &CapabilityProber{
		capture: capture,
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}
}

// Probe returns the capabilities of device. A device that exposes nothing
// yields an empty capability set, not an error. Backends that need a live
// stream get one for the duration of the query; it is released on every path.
func (p *CapabilityProber) Probe(ctx context.Context, device domain.CaptureDevice) (caps *domain.DeviceCapabilities, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if r, ok := p.capture.(ports.ActiveProbeRequirer); ok && r.RequiresActiveProbe() {
		handle, err := p.capture.Acquire(ctx, probeAudio(device), probeVideo(device))
		if err != nil {
			if errors.Is(err, domain.ErrPermissionDenied) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: probe acquire %s: %v", domain.ErrCapabilitiesUnavailable, device.ID, err)
		}
		defer func() {
			if relErr := p.capture.Release(context.WithoutCancel(ctx), handle); relErr != nil {
				p.logger.Warnw("failed to release probe handle",
					"device_id", device.ID,
					"handle_id", handle.ID,
					"error", relErr,
				)
			}
		}()
	}

	caps, err = p.capture.GetCapabilities(ctx, device.ID)
	if err != nil {
		if errors.Is(err, domain.ErrDeviceNotFound) || errors.Is(err, domain.ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCapabilitiesUnavailable, device.ID, err)
	}
	if caps == nil {
		caps = &domain.DeviceCapabilities{}
	}

	out := *caps
	out.DeviceID = device.ID
	out.Kind = device.Kind
	if out.ProbedAt.IsZero() {
		out.ProbedAt = p.now()
	}
	return &out, nil
}

func probeAudio(d domain.CaptureDevice) domain.AudioConstraints {
	if d.Kind != domain.DeviceKindAudio {
		return domain.AudioConstraints{}
	}
	return domain.AudioConstraints{DeviceID: d.ID}
}

func probeVideo(d domain.CaptureDevice) domain.VideoConstraints {
	if d.Kind != domain.DeviceKindVideo {
		return domain.VideoConstraints{}
	}
	return domain.VideoConstraints{DeviceID: d.ID}
}
