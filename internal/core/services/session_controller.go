package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
	"streamguard/pkg/retry"
	"streamguard/pkg/tracing"

	"go.uber.org/zap"
)

// SessionController owns the idle -> active -> disconnected state machine of
// one StreamSession and the single capture handle that backs it.
type SessionController struct {
	capture    ports.CaptureAPI
	registry   *DeviceRegistry
	negotiator *ConstraintNegotiator
	presets    *PresetTable
	retryCfg   retry.Config
	now        func() time.Time
	logger     *zap.SugaredLogger

	// opMu serializes lifecycle operations; mu guards the fields below and is
	// never held across backend calls.
	opMu sync.Mutex

	mu            sync.RWMutex
	session       domain.StreamSession
	handle        *domain.CaptureHandle
	audioOverride domain.AudioConstraints
	videoOverride domain.VideoConstraints
	effective     ports.EffectiveConstraints

	listenersMu sync.Mutex
	listenerSeq int
	listeners   []stateListener
}

type stateListener struct {
	id int
	fn func(domain.StreamSession)
}

// SessionControllerDeps groups the collaborators shared by all controllers.
type SessionControllerDeps struct {
	Capture    ports.CaptureAPI
	Registry   *DeviceRegistry
	Negotiator *ConstraintNegotiator
	Presets    *PresetTable
	Retry      retry.Config
	Logger     *zap.SugaredLogger
}

// NewSessionController creates an idle controller for session. The session's
// tier selects the initial preset; audio and video are per-field overrides.
func NewSessionController(deps SessionControllerDeps, session domain.StreamSession, audio domain.AudioConstraints, video domain.VideoConstraints) (*SessionController, error) {
	if session.Tier == "" {
		session.Tier = domain.TierMedium
	}
	presetAudio, presetVideo, err := deps.Presets.PresetsFor(session.Tier)
	if err != nil {
		return nil, err
	}
	session.Status = domain.SessionIdle

	return &SessionController{
		capture:       deps.Capture,
		registry:      deps.Registry,
		negotiator:    deps.Negotiator,
		presets:       deps.Presets,
		retryCfg:      deps.Retry,
		now:           time.Now,
		logger:        deps.Logger.With("session_id", session.ID),
		session:       session,
		audioOverride: audio.Clone(),
		videoOverride: video.Clone(),
		effective: ports.EffectiveConstraints{
			SessionID: session.ID,
			Tier:      session.Tier,
			Audio:     presetAudio.Merge(audio).Clone(),
			Video:     presetVideo.Merge(video).Clone(),
		},
	}, nil
}

func (c *SessionController) ID() domain.SessionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.ID
}

// Snapshot returns a copy of the session record.
func (c *SessionController) Snapshot() domain.StreamSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Constraints returns the bundle currently in effect.
func (c *SessionController) Constraints() ports.EffectiveConstraints {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyEffective(c.effective)
}

// OnStateChange registers fn to run after every status transition. It
// returns a function that removes the registration. Listeners run while the
// controller is mid-operation and must not call lifecycle methods.
func (c *SessionController) OnStateChange(fn func(domain.StreamSession)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	c.listenerSeq++
	id := c.listenerSeq
	c.listeners = append(c.listeners, stateListener{id: id, fn: fn})

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *SessionController) notify(s domain.StreamSession) {
	c.listenersMu.Lock()
	listeners := make([]stateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(s)
	}
}

// WithActiveHandle runs fn with the live handle while holding a read lock, so
// the handle cannot be released underneath it.
func (c *SessionController) WithActiveHandle(fn func(domain.StreamSession, *domain.CaptureHandle) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session.Status != domain.SessionActive || c.handle == nil {
		return domain.ErrSessionNotActive
	}
	return fn(c.session, c.handle)
}

// UsesDevice reports whether the live capture handle holds device id.
func (c *SessionController) UsesDevice(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session.Status != domain.SessionActive || c.handle == nil || id == "" {
		return false
	}
	return c.handle.AudioDeviceID == id || c.handle.VideoDeviceID == id
}

// Start negotiates constraints, acquires capture and goes active. A failure
// leaves the session idle. Starting an active or disconnected session is a no-op.
func (c *SessionController) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	status := c.session.Status
	tier := c.session.Tier
	audio, video := c.audioOverride, c.videoOverride
	c.mu.RUnlock()

	switch status {
	case domain.SessionActive:
		return nil
	case domain.SessionDisconnected:
		c.logger.Debugw("start ignored on terminal session")
		return nil
	}

	ctx, span := tracing.TraceSession(ctx, "start", string(c.session.ID))
	defer span.End()

	res, err := c.resolve(ctx, tier, audio, video)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	handle, err := c.acquire(ctx, res)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	c.mu.Lock()
	c.session.Status = domain.SessionActive
	c.session.StartedAt = c.now()
	c.handle = handle
	c.effective = ports.EffectiveConstraints{SessionID: c.session.ID, Tier: tier, Audio: res.Audio, Video: res.Video, Drops: res.Drops}
	snapshot := c.session
	c.mu.Unlock()

	c.logger.Infow("session active",
		"tier", tier,
		"handle_id", handle.ID,
		"audio_device_id", handle.AudioDeviceID,
		"video_device_id", handle.VideoDeviceID,
	)
	c.notify(snapshot)
	return nil
}

// Stop ends the session and releases its capture handle.
func (c *SessionController) Stop(ctx context.Context) error {
	return c.Disconnect(ctx, "stopped")
}

// Disconnect moves the session to its terminal state. The handle is detached
// before listeners run and released after, so no sampler can observe a
// released handle. Disconnecting a terminal session is a no-op.
func (c *SessionController) Disconnect(ctx context.Context, reason string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.session.Status == domain.SessionDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.session.Status = domain.SessionDisconnected
	c.session.EndedAt = c.now()
	c.session.EndReason = reason
	handle := c.handle
	c.handle = nil
	snapshot := c.session
	c.mu.Unlock()

	c.logger.Infow("session disconnected",
		"reason", reason,
		"duration", snapshot.Duration(snapshot.EndedAt),
	)
	c.notify(snapshot)

	if handle != nil {
		if err := c.capture.Release(context.WithoutCancel(ctx), handle); err != nil {
			c.logger.Warnw("failed to release capture handle",
				"handle_id", handle.ID,
				"error", err,
			)
		}
	}
	return nil
}

// SwitchDevice replaces the device of kind. The new handle is acquired before
// the old one is released; on failure the session stays on the old device
// with its constraints unchanged.
func (c *SessionController) SwitchDevice(ctx context.Context, kind domain.DeviceKind, deviceID string) (ports.EffectiveConstraints, error) {
	device, err := c.registry.Device(ctx, deviceID)
	if err != nil {
		return ports.EffectiveConstraints{}, err
	}
	if device.Kind != kind {
		return ports.EffectiveConstraints{}, fmt.Errorf("%w: %s is %s, not %s", domain.ErrDeviceNotFound, deviceID, device.Kind, kind)
	}

	return c.reconfigure(ctx, "switch_device", func(tier domain.QualityTier, audio domain.AudioConstraints, video domain.VideoConstraints) (domain.QualityTier, domain.AudioConstraints, domain.VideoConstraints) {
		if kind == domain.DeviceKindAudio {
			audio.DeviceID = deviceID
		} else {
			video.DeviceID = deviceID
		}
		return tier, audio, video
	})
}

// ApplyQualityPreset moves to tier, keeping the selected devices and
// discarding other per-field overrides.
func (c *SessionController) ApplyQualityPreset(ctx context.Context, tier domain.QualityTier) (ports.EffectiveConstraints, error) {
	if _, ok := c.presets.Lookup(tier); !ok {
		return ports.EffectiveConstraints{}, fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	}
	return c.reconfigure(ctx, "apply_preset", func(_ domain.QualityTier, audio domain.AudioConstraints, video domain.VideoConstraints) (domain.QualityTier, domain.AudioConstraints, domain.VideoConstraints) {
		return tier, domain.AudioConstraints{DeviceID: audio.DeviceID}, domain.VideoConstraints{DeviceID: video.DeviceID}
	})
}

// ApplyConstraints layers explicit per-field overrides on top of the current ones.
func (c *SessionController) ApplyConstraints(ctx context.Context, audio domain.AudioConstraints, video domain.VideoConstraints) (ports.EffectiveConstraints, error) {
	return c.reconfigure(ctx, "apply_constraints", func(tier domain.QualityTier, curAudio domain.AudioConstraints, curVideo domain.VideoConstraints) (domain.QualityTier, domain.AudioConstraints, domain.VideoConstraints) {
		return tier, curAudio.Merge(audio), curVideo.Merge(video)
	})
}

// Downgrade steps exactly one tier down.
func (c *SessionController) Downgrade(ctx context.Context) (domain.QualityTier, error) {
	next, err := c.negotiator.StepDown(c.Snapshot().Tier)
	if err != nil {
		return "", err
	}
	if _, err := c.ApplyQualityPreset(ctx, next); err != nil {
		return "", err
	}
	return next, nil
}

// Upgrade steps exactly one tier up.
func (c *SessionController) Upgrade(ctx context.Context) (domain.QualityTier, error) {
	next, err := c.negotiator.StepUp(c.Snapshot().Tier)
	if err != nil {
		return "", err
	}
	if _, err := c.ApplyQualityPreset(ctx, next); err != nil {
		return "", err
	}
	return next, nil
}

type overrideFunc func(domain.QualityTier, domain.AudioConstraints, domain.VideoConstraints) (domain.QualityTier, domain.AudioConstraints, domain.VideoConstraints)

// reconfigure applies change. Idle sessions only record the new request;
// active sessions acquire-then-release.
func (c *SessionController) reconfigure(ctx context.Context, op string, change overrideFunc) (ports.EffectiveConstraints, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	status := c.session.Status
	tier, audio, video := change(c.session.Tier, c.audioOverride.Clone(), c.videoOverride.Clone())
	c.mu.RUnlock()

	switch status {
	case domain.SessionDisconnected:
		return ports.EffectiveConstraints{}, domain.ErrSessionTerminal
	case domain.SessionIdle:
		presetAudio, presetVideo, err := c.presets.PresetsFor(tier)
		if err != nil {
			return ports.EffectiveConstraints{}, err
		}
		c.mu.Lock()
		c.session.Tier = tier
		c.audioOverride, c.videoOverride = audio, video
		c.effective = ports.EffectiveConstraints{SessionID: c.session.ID, Tier: tier, Audio: presetAudio.Merge(audio).Clone(), Video: presetVideo.Merge(video).Clone()}
		out := copyEffective(c.effective)
		c.mu.Unlock()
		return out, nil
	}

	ctx, span := tracing.TraceSession(ctx, op, string(c.session.ID))
	defer span.End()

	res, err := c.resolve(ctx, tier, audio, video)
	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Warnw("reconfigure rejected, keeping current capture",
			"op", op,
			"tier", tier,
			"error", err,
		)
		return ports.EffectiveConstraints{}, err
	}
	handle, err := c.acquire(ctx, res)
	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Warnw("replacement capture failed, keeping current capture",
			"op", op,
			"tier", tier,
			"error", err,
		)
		return ports.EffectiveConstraints{}, err
	}

	c.mu.Lock()
	old := c.handle
	c.handle = handle
	c.session.Tier = tier
	c.audioOverride, c.videoOverride = audio, video
	c.effective = ports.EffectiveConstraints{SessionID: c.session.ID, Tier: tier, Audio: res.Audio, Video: res.Video, Drops: res.Drops}
	out := copyEffective(c.effective)
	c.mu.Unlock()

	if old != nil {
		if err := c.capture.Release(context.WithoutCancel(ctx), old); err != nil {
			c.logger.Warnw("failed to release previous capture handle",
				"handle_id", old.ID,
				"error", err,
			)
		}
	}

	c.logger.Infow("capture reconfigured",
		"op", op,
		"tier", tier,
		"handle_id", handle.ID,
		"drops", len(res.Drops),
	)
	return out, nil
}

// resolve picks devices, probes them and negotiates tier+overrides.
func (c *SessionController) resolve(ctx context.Context, tier domain.QualityTier, audioOverride domain.AudioConstraints, videoOverride domain.VideoConstraints) (NegotiationResult, error) {
	presetAudio, presetVideo, err := c.presets.PresetsFor(tier)
	if err != nil {
		return NegotiationResult{}, err
	}
	audio := presetAudio.Merge(audioOverride)
	video := presetVideo.Merge(videoOverride)

	if video.DeviceID == "" {
		if d, ok := c.registry.DefaultDevice(ctx, domain.DeviceKindVideo); ok {
			video.DeviceID = d.ID
		}
	}
	if audio.DeviceID == "" {
		if d, ok := c.registry.DefaultDevice(ctx, domain.DeviceKindAudio); ok {
			audio.DeviceID = d.ID
		}
	}
	if audio.DeviceID == "" && video.DeviceID == "" {
		return NegotiationResult{}, domain.ErrNoDevices
	}

	videoCaps, err := c.capabilities(ctx, video.DeviceID)
	if err != nil {
		return NegotiationResult{}, err
	}
	if err := c.negotiator.CheckViable(videoCaps); err != nil {
		return NegotiationResult{}, err
	}
	audioCaps, err := c.capabilities(ctx, audio.DeviceID)
	if err != nil {
		return NegotiationResult{}, err
	}

	return c.negotiator.Negotiate(audio, video, audioCaps, videoCaps), nil
}

// capabilities tolerates backends that cannot describe a device; only an
// unknown device or a permission refusal is fatal.
func (c *SessionController) capabilities(ctx context.Context, deviceID string) (*domain.DeviceCapabilities, error) {
	if deviceID == "" {
		return nil, nil
	}
	caps, err := c.registry.Capabilities(ctx, deviceID)
	switch {
	case err == nil:
		return caps, nil
	case errors.Is(err, domain.ErrDeviceNotFound), errors.Is(err, domain.ErrPermissionDenied):
		return nil, err
	default:
		c.logger.Warnw("capabilities unavailable, negotiating without them",
			"device_id", deviceID,
			"error", err,
		)
		return nil, nil
	}
}

func (c *SessionController) acquire(ctx context.Context, res NegotiationResult) (*domain.CaptureHandle, error) {
	cfg := c.retryCfg
	cfg.NonRetryableErrors = append([]error{domain.ErrPermissionDenied, domain.ErrDeviceNotFound}, cfg.NonRetryableErrors...)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warnw("capture acquire failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	ctx, span := tracing.TraceCapture(ctx, "acquire", res.Video.DeviceID)
	defer span.End()

	handle, err := retry.RetryWithResult(ctx, cfg, func() (*domain.CaptureHandle, error) {
		return c.capture.Acquire(ctx, res.Audio, res.Video)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrPermissionDenied) || errors.Is(err, domain.ErrDeviceAcquisitionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrDeviceAcquisitionFailed, err)
	}
	handle.SessionID = c.ID()
	return handle, nil
}

func copyEffective(e ports.EffectiveConstraints) ports.EffectiveConstraints {
	out := e
	out.Audio = e.Audio.Clone()
	out.Video = e.Video.Clone()
	if e.Drops != nil {
		out.Drops = make([]domain.ConstraintDrop, len(e.Drops))
		copy(out.Drops, e.Drops)
	}
	return out
}
