// Package virtual implements ports.CaptureAPI over devices declared in
// configuration. It backs demos, tests and hosts without capture hardware.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"streamguard/internal/core/domain"
	"streamguard/pkg/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errDeviceBusy = errors.New("device busy")

type Config struct {
	// RequiresActiveProbe makes GetCapabilities fail unless the device has an
	// open handle, like platforms that only report settings while streaming.
	RequiresActiveProbe bool
	DenyPermission      bool
	Devices             []config.VirtualDevice
}

type Backend struct {
	requiresActiveProbe bool
	logger              *zap.SugaredLogger

	mu        sync.Mutex
	deny      bool
	order     []string
	devices   map[string]config.VirtualDevice
	handles   map[string]*domain.CaptureHandle
	streaming map[string]int
}

func New(cfg Config, logger *zap.SugaredLogger) *Backend {
	b := &Backend{
		requiresActiveProbe: cfg.RequiresActiveProbe,
		logger:              logger,
		deny:                cfg.DenyPermission,
		devices:             make(map[string]config.VirtualDevice),
		handles:             make(map[string]*domain.CaptureHandle),
		streaming:           make(map[string]int),
	}
	for _, d := range cfg.Devices {
		b.plugLocked(d)
	}
	return b
}

func (b *Backend) RequiresActiveProbe() bool {
	return b.requiresActiveProbe
}

// EnumerateDevices lists declared devices. Without permission, labels are
// blank, mirroring what browsers do before the user grants access.
func (b *Backend) EnumerateDevices(ctx context.Context) ([]domain.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.CaptureDevice, 0, len(b.order))
	for _, id := range b.order {
		d := b.devices[id]
		dev := domain.CaptureDevice{
			ID:      d.ID,
			Kind:    d.Kind,
			Label:   d.Label,
			GroupID: d.GroupID,
		}
		if b.deny {
			dev.Label = ""
		}
		out = append(out, dev)
	}
	return out, nil
}

func (b *Backend) GetCapabilities(ctx context.Context, deviceID string) (*domain.DeviceCapabilities, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	if b.deny {
		return nil, domain.ErrPermissionDenied
	}
	if b.requiresActiveProbe && b.streaming[deviceID] == 0 {
		return nil, fmt.Errorf("%w: %s is not streaming", domain.ErrCapabilitiesUnavailable, deviceID)
	}
	return capabilitiesOf(d), nil
}

func (b *Backend) Acquire(ctx context.Context, audio domain.AudioConstraints, video domain.VideoConstraints) (*domain.CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if audio.DeviceID == "" && video.DeviceID == "" {
		return nil, fmt.Errorf("%w: no device requested", domain.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deny {
		return nil, domain.ErrPermissionDenied
	}
	if audio.DeviceID != "" {
		if err := b.checkLocked(audio.DeviceID, domain.DeviceKindAudio); err != nil {
			return nil, err
		}
		if err := checkAudio(b.devices[audio.DeviceID], audio); err != nil {
			return nil, err
		}
	}
	if video.DeviceID != "" {
		if err := b.checkLocked(video.DeviceID, domain.DeviceKindVideo); err != nil {
			return nil, err
		}
		if err := checkVideo(b.devices[video.DeviceID], video); err != nil {
			return nil, err
		}
	}

	handle := &domain.CaptureHandle{
		ID:            uuid.New().String(),
		AudioDeviceID: audio.DeviceID,
		VideoDeviceID: video.DeviceID,
		Audio:         audio.Clone(),
		Video:         video.Clone(),
	}
	b.handles[handle.ID] = handle
	if audio.DeviceID != "" {
		b.streaming[audio.DeviceID]++
	}
	if video.DeviceID != "" {
		b.streaming[video.DeviceID]++
	}

	b.logger.Debugw("virtual capture acquired",
		"handle_id", handle.ID,
		"audio_device_id", audio.DeviceID,
		"video_device_id", video.DeviceID,
	)
	return handle, nil
}

// Release closes handle. Releasing an unknown or already released handle is a no-op.
func (b *Backend) Release(ctx context.Context, handle *domain.CaptureHandle) error {
	if handle == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handles[handle.ID]; !ok {
		return nil
	}
	delete(b.handles, handle.ID)
	b.stopStreamingLocked(handle.AudioDeviceID)
	b.stopStreamingLocked(handle.VideoDeviceID)

	b.logger.Debugw("virtual capture released", "handle_id", handle.ID)
	return nil
}

// Plug adds or replaces a device, as when hardware is connected.
func (b *Backend) Plug(d config.VirtualDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plugLocked(d)
}

// Unplug removes a device. Open handles stay valid until released.
func (b *Backend) Unplug(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.devices[deviceID]; !ok {
		return
	}
	delete(b.devices, deviceID)
	for i, id := range b.order {
		if id == deviceID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Backend) SetPermissionDenied(deny bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deny = deny
}

// SetFailAcquire makes every acquisition of deviceID fail with a transient error.
func (b *Backend) SetFailAcquire(deviceID string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[deviceID]; ok {
		d.FailAcquire = fail
		b.devices[deviceID] = d
	}
}

// OpenHandles returns the number of unreleased handles.
func (b *Backend) OpenHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

func (b *Backend) plugLocked(d config.VirtualDevice) {
	if _, exists := b.devices[d.ID]; !exists {
		b.order = append(b.order, d.ID)
	}
	b.devices[d.ID] = d
}

func (b *Backend) stopStreamingLocked(deviceID string) {
	if deviceID == "" {
		return
	}
	if b.streaming[deviceID] <= 1 {
		delete(b.streaming, deviceID)
		return
	}
	b.streaming[deviceID]--
}

func (b *Backend) checkLocked(deviceID string, kind domain.DeviceKind) error {
	d, ok := b.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	if d.Kind != kind {
		return fmt.Errorf("%w: %s is %s, not %s", domain.ErrInvalidArgument, deviceID, d.Kind, kind)
	}
	if d.FailAcquire {
		return fmt.Errorf("%s: %w", deviceID, errDeviceBusy)
	}
	return nil
}

// overconstrained mirrors getUserMedia rejecting an exact value the device
// cannot produce.
func overconstrained(deviceID, field string, v any) error {
	return fmt.Errorf("%s: overconstrained %s=%v", deviceID, field, v)
}

func checkVideo(d config.VirtualDevice, v domain.VideoConstraints) error {
	if v.Width != nil && d.Width != nil && !d.Width.Contains(*v.Width) {
		return overconstrained(d.ID, "width", *v.Width)
	}
	if v.Height != nil && d.Height != nil && !d.Height.Contains(*v.Height) {
		return overconstrained(d.ID, "height", *v.Height)
	}
	if v.FrameRate != nil && d.FrameRate != nil && !d.FrameRate.Contains(*v.FrameRate) {
		return overconstrained(d.ID, "frame_rate", *v.FrameRate)
	}
	return nil
}

func checkAudio(d config.VirtualDevice, a domain.AudioConstraints) error {
	if a.SampleRate != nil && d.SampleRate != nil && !d.SampleRate.Contains(*a.SampleRate) {
		return overconstrained(d.ID, "sample_rate", *a.SampleRate)
	}
	if a.ChannelCount != nil && d.ChannelCount != nil && !d.ChannelCount.Contains(*a.ChannelCount) {
		return overconstrained(d.ID, "channel_count", *a.ChannelCount)
	}
	return nil
}

func capabilitiesOf(d config.VirtualDevice) *domain.DeviceCapabilities {
	caps := &domain.DeviceCapabilities{
		DeviceID:         d.ID,
		Kind:             d.Kind,
		Width:            cloneRange(d.Width),
		Height:           cloneRange(d.Height),
		FrameRate:        cloneRange(d.FrameRate),
		Zoom:             cloneRange(d.Zoom),
		Torch:            d.Torch,
		SampleRate:       cloneRange(d.SampleRate),
		ChannelCount:     cloneRange(d.ChannelCount),
		EchoCancellation: d.EchoCancellation,
		NoiseSuppression: d.NoiseSuppression,
		AutoGainControl:  d.AutoGainControl,
	}
	if len(d.FocusModes) > 0 {
		caps.FocusModes = append([]string(nil), d.FocusModes...)
	}
	return caps
}

func cloneRange[T any](r *T) *T {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}
