package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
	"streamguard/pkg/cache"

	"go.uber.org/zap"
)

// DeviceRegistry caches the enumerated device list and per-device capabilities.
type DeviceRegistry struct {
	capture ports.CaptureAPI
	prober  *CapabilityProber
	caps    *cache.Cache[*domain.DeviceCapabilities]
	logger  *zap.SugaredLogger

	refreshMu sync.Mutex

	mu           sync.RWMutex
	loaded       bool
	devices      []domain.CaptureDevice
	defaultAudio string
	defaultVideo string

	removedMu        sync.RWMutex
	removedObservers []func([]domain.CaptureDevice)
}

func NewDeviceRegistry(capture ports.CaptureAPI, prober *CapabilityProber, capsTTL time.Duration, logger *zap.SugaredLogger) *DeviceRegistry {
	return &DeviceRegistry{
		capture: capture,
		prober:  prober,
		caps:    cache.New[*domain.DeviceCapabilities](capsTTL),
		logger:  logger,
	}
}

// Close stops the capability cache sweeper.
func (r *DeviceRegistry) Close() {
	r.caps.Close()
}

// OnDevicesRemoved registers fn for devices that disappear between two
// successful enumerations.
func (r *DeviceRegistry) OnDevicesRemoved(fn func([]domain.CaptureDevice)) {
	r.removedMu.Lock()
	defer r.removedMu.Unlock()
	r.removedObservers = append(r.removedObservers, fn)
}

// Watch refreshes the device list every interval until ctx is done.
func (r *DeviceRegistry) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// ListDevices returns devices of kind, or all devices when kind is empty.
// The first call enumerates lazily.
func (r *DeviceRegistry) ListDevices(ctx context.Context, kind domain.DeviceKind) []domain.CaptureDevice {
	r.ensureLoaded(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.CaptureDevice, 0, len(r.devices))
	for _, d := range r.devices {
		if kind == "" || d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Refresh re-enumerates and replaces the cached list. Enumeration failures
// leave an empty list; callers treat that as "no usable hardware".
func (r *DeviceRegistry) Refresh(ctx context.Context) []domain.CaptureDevice {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	enumerated, err := r.capture.EnumerateDevices(ctx)
	if err != nil {
		r.logger.Warnw("device enumeration failed",
			"error", err,
		)
		enumerated = nil
	}

	seen := make(map[string]bool, len(enumerated))
	devices := make([]domain.CaptureDevice, 0, len(enumerated))
	for _, d := range enumerated {
		if d.ID == "" || !d.Kind.Valid() || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		devices = append(devices, d)
	}

	r.mu.Lock()
	previous := make(map[string]domain.CaptureDevice, len(r.devices))
	for _, d := range r.devices {
		previous[d.ID] = d
	}
	r.devices = devices
	r.loaded = true
	r.defaultVideo = pickDefault(devices, domain.DeviceKindVideo, r.defaultVideo)
	r.defaultAudio = pickDefault(devices, domain.DeviceKindAudio, r.defaultAudio)
	defaultVideo, defaultAudio := r.defaultVideo, r.defaultAudio
	r.mu.Unlock()

	// Capabilities survive only for devices that are still present unchanged.
	var removed []domain.CaptureDevice
	changed := len(previous) != len(devices)
	for id, old := range previous {
		if !seen[id] {
			r.caps.Delete(id)
			removed = append(removed, old)
			changed = true
			continue
		}
		for _, d := range devices {
			if d.ID == id && d != old {
				r.caps.Delete(id)
				changed = true
			}
		}
	}

	if changed {
		r.logger.Infow("device list refreshed",
			"devices", len(devices),
			"removed", len(removed),
			"default_video", defaultVideo,
			"default_audio", defaultAudio,
		)
	} else {
		r.logger.Debugw("device list unchanged",
			"devices", len(devices),
		)
	}

	// A failed enumeration says nothing about which devices went away.
	if err == nil && len(removed) > 0 {
		r.removedMu.RLock()
		observers := r.removedObservers
		r.removedMu.RUnlock()
		for _, fn := range observers {
			fn(removed)
		}
	}

	out := make([]domain.CaptureDevice, len(devices))
	copy(out, devices)
	return out
}

func (r *DeviceRegistry) ensureLoaded(ctx context.Context) {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if !loaded {
		r.Refresh(ctx)
	}
}

// pickDefault keeps the current default while it is still present. Otherwise
// a video device labelled front/user wins, then the first of kind.
func pickDefault(devices []domain.CaptureDevice, kind domain.DeviceKind, current string) string {
	first := ""
	preferred := ""
	for _, d := range devices {
		if d.Kind != kind {
			continue
		}
		if d.ID == current {
			return current
		}
		if first == "" {
			first = d.ID
		}
		if kind == domain.DeviceKindVideo && preferred == "" && isUserFacingLabel(d.Label) {
			preferred = d.ID
		}
	}
	if preferred != "" {
		return preferred
	}
	return first
}

func isUserFacingLabel(label string) bool {
	l := strings.ToLower(label)
	return strings.Contains(l, "front") || strings.Contains(l, "user")
}

// Device looks up an enumerated device by its platform id.
func (r *DeviceRegistry) Device(ctx context.Context, id string) (domain.CaptureDevice, error) {
	r.ensureLoaded(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.CaptureDevice{}, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
}

// DefaultDevice returns the preferred device of kind, if any.
func (r *DeviceRegistry) DefaultDevice(ctx context.Context, kind domain.DeviceKind) (domain.CaptureDevice, bool) {
	r.ensureLoaded(ctx)

	r.mu.RLock()
	id := r.defaultVideo
	if kind == domain.DeviceKindAudio {
		id = r.defaultAudio
	}
	r.mu.RUnlock()

	if id == "" {
		return domain.CaptureDevice{}, false
	}
	d, err := r.Device(ctx, id)
	return d, err == nil
}

// Capabilities returns the probed capabilities of a known device.
func (r *DeviceRegistry) Capabilities(ctx context.Context, id string) (*domain.DeviceCapabilities, error) {
	device, err := r.Device(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.caps.GetOrLoad(ctx, id, func(ctx context.Context) (*domain.DeviceCapabilities, error) {
		return r.prober.Probe(ctx, device)
	})
}
