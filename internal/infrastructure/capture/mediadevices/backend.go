// Package mediadevices implements ports.CaptureAPI on top of
// github.com/pion/mediadevices. Drivers register themselves through blank
// imports; see drivers.go.
package mediadevices

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync"

	"streamguard/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
)

// probeDriver is the part of driver.Driver used to read device properties.
type probeDriver interface {
	Open() error
	Close() error
	Properties() []prop.Media
	Status() driver.State
}

type trackCloser interface {
	Close() error
}

// platform is the seam over the package-level mediadevices API.
type platform interface {
	Enumerate() []mediadevices.MediaDeviceInfo
	Query(deviceID string) []probeDriver
	Open(constraints mediadevices.MediaStreamConstraints) ([]trackCloser, error)
}

type pionPlatform struct{}

func (pionPlatform) Enumerate() []mediadevices.MediaDeviceInfo {
	return mediadevices.EnumerateDevices()
}

func (pionPlatform) Query(deviceID string) []probeDriver {
	drivers := driver.GetManager().Query(driver.FilterID(deviceID))
	out := make([]probeDriver, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, d)
	}
	return out
}

func (pionPlatform) Open(constraints mediadevices.MediaStreamConstraints) ([]trackCloser, error) {
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	tracks := stream.GetTracks()
	out := make([]trackCloser, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out, nil
}

type Backend struct {
	platform platform
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	handles map[string][]trackCloser
}

func New(logger *zap.SugaredLogger) *Backend {
	return newBackend(pionPlatform{}, logger)
}

func newBackend(p platform, logger *zap.SugaredLogger) *Backend {
	return &Backend{
		platform: p,
		logger:   logger,
		handles:  make(map[string][]trackCloser),
	}
}

// RequiresActiveProbe is false: closed drivers are opened for the duration of
// GetCapabilities instead.
func (b *Backend) RequiresActiveProbe() bool {
	return false
}

func (b *Backend) EnumerateDevices(ctx context.Context) ([]domain.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos := b.platform.Enumerate()
	out := make([]domain.CaptureDevice, 0, len(infos))
	for _, info := range infos {
		var kind domain.DeviceKind
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = domain.DeviceKindVideo
		case mediadevices.AudioInput:
			kind = domain.DeviceKindAudio
		default:
			continue
		}
		out = append(out, domain.CaptureDevice{
			ID:    info.DeviceID,
			Kind:  kind,
			Label: info.Label,
		})
	}
	return out, nil
}

// GetCapabilities reads the driver's advertised properties. A closed driver
// is opened for the query and always closed again.
func (b *Backend) GetCapabilities(ctx context.Context, deviceID string) (caps *domain.DeviceCapabilities, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	drivers := b.platform.Query(deviceID)
	if len(drivers) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	d := drivers[0]

	if d.Status() == driver.StateClosed {
		if err := d.Open(); err != nil {
			return nil, translateError(fmt.Errorf("open %s: %w", deviceID, err))
		}
		defer func() {
			if closeErr := d.Close(); closeErr != nil {
				b.logger.Warnw("failed to close probed driver",
					"device_id", deviceID,
					"error", closeErr,
				)
			}
		}()
	}

	return capabilitiesFromProps(deviceID, d.Properties()), nil
}

func (b *Backend) Acquire(ctx context.Context, audio domain.AudioConstraints, video domain.VideoConstraints) (*domain.CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if audio.DeviceID == "" && video.DeviceID == "" {
		return nil, fmt.Errorf("%w: no device requested", domain.ErrInvalidArgument)
	}

	tracks, err := b.platform.Open(streamConstraints(audio, video))
	if err != nil {
		return nil, translateError(err)
	}

	handle := &domain.CaptureHandle{
		ID:            uuid.New().String(),
		AudioDeviceID: audio.DeviceID,
		VideoDeviceID: video.DeviceID,
		Audio:         audio.Clone(),
		Video:         video.Clone(),
	}

	b.mu.Lock()
	b.handles[handle.ID] = tracks
	b.mu.Unlock()

	b.logger.Infow("capture acquired",
		"handle_id", handle.ID,
		"audio_device_id", audio.DeviceID,
		"video_device_id", video.DeviceID,
		"tracks", len(tracks),
	)
	return handle, nil
}

// Release closes every track of handle. Unknown handles are ignored.
func (b *Backend) Release(ctx context.Context, handle *domain.CaptureHandle) error {
	if handle == nil {
		return nil
	}

	b.mu.Lock()
	tracks, ok := b.handles[handle.ID]
	delete(b.handles, handle.ID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func streamConstraints(audio domain.AudioConstraints, video domain.VideoConstraints) mediadevices.MediaStreamConstraints {
	var out mediadevices.MediaStreamConstraints
	if video.DeviceID != "" {
		v := video
		out.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(v.DeviceID)
			if v.Width != nil {
				c.Width = prop.Int(*v.Width)
			}
			if v.Height != nil {
				c.Height = prop.Int(*v.Height)
			}
			if v.FrameRate != nil {
				c.FrameRate = prop.Float(*v.FrameRate)
			}
		}
	}
	if audio.DeviceID != "" {
		a := audio
		out.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(a.DeviceID)
			if a.SampleRate != nil {
				c.SampleRate = prop.Int(*a.SampleRate)
			}
			if a.ChannelCount != nil {
				c.ChannelCount = prop.Int(*a.ChannelCount)
			}
		}
	}
	return out
}

// translateError maps OS permission refusals to domain.ErrPermissionDenied.
func translateError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}
	return err
}

// capabilitiesFromProps folds the discrete modes a driver reports into ranges.
func capabilitiesFromProps(deviceID string, props []prop.Media) *domain.DeviceCapabilities {
	caps := &domain.DeviceCapabilities{DeviceID: deviceID}
	var (
		width, height, sampleRate, channels intBounds
		frameRate                           floatBounds
	)
	for _, p := range props {
		width.add(p.Video.Width)
		height.add(p.Video.Height)
		frameRate.add(float64(p.Video.FrameRate))
		sampleRate.add(p.Audio.SampleRate)
		channels.add(p.Audio.ChannelCount)
	}
	caps.Width = width.toRange()
	caps.Height = height.toRange()
	caps.FrameRate = frameRate.toRange()
	caps.SampleRate = sampleRate.toRange()
	caps.ChannelCount = channels.toRange()

	switch {
	case caps.Width != nil || caps.Height != nil:
		caps.Kind = domain.DeviceKindVideo
	case caps.SampleRate != nil || caps.ChannelCount != nil:
		caps.Kind = domain.DeviceKindAudio
	}
	return caps
}

type intBounds struct {
	min, max int
	seen     bool
}

func (b *intBounds) add(v int) {
	if v <= 0 {
		return
	}
	if !b.seen {
		b.min, b.max, b.seen = v, v, true
		return
	}
	b.min = min(b.min, v)
	b.max = max(b.max, v)
}

func (b intBounds) toRange() *domain.IntRange {
	if !b.seen {
		return nil
	}
	return &domain.IntRange{Min: b.min, Max: b.max}
}

type floatBounds struct {
	min, max float64
	seen     bool
}

func (b *floatBounds) add(v float64) {
	if v <= 0 || math.IsNaN(v) {
		return
	}
	if !b.seen {
		b.min, b.max, b.seen = v, v, true
		return
	}
	b.min = math.Min(b.min, v)
	b.max = math.Max(b.max, v)
}

func (b floatBounds) toRange() *domain.FloatRange {
	if !b.seen {
		return nil
	}
	return &domain.FloatRange{Min: b.min, Max: b.max}
}
