package services

import (
	"fmt"

	"streamguard/internal/core/domain"

	"go.uber.org/zap"
)

// NegotiationResult is a device-valid constraint pair plus every field that
// was clamped or dropped on the way.
type NegotiationResult struct {
	Audio domain.AudioConstraints
	Video domain.VideoConstraints
	Drops []domain.ConstraintDrop
}

// ConstraintNegotiator reconciles requested bundles with device capabilities.
type ConstraintNegotiator struct {
	presets *PresetTable
	logger  *zap.SugaredLogger
}

func NewConstraintNegotiator(presets *PresetTable, logger *zap.SugaredLogger) *ConstraintNegotiator {
	return &ConstraintNegotiator{presets: presets, logger: logger}
}

// Negotiate clamps every requested numeric field into the advertised range and
// drops requested modes and flags the device does not support. A nil
// capability set means nothing beyond plain capture is supported; numeric
// fields without an advertised range are passed through unchanged.
func (n *ConstraintNegotiator) Negotiate(
	audio domain.AudioConstraints,
	video domain.VideoConstraints,
	audioCaps, videoCaps *domain.DeviceCapabilities,
) NegotiationResult {
	var res NegotiationResult
	res.Audio = n.negotiateAudio(audio.Clone(), audioCaps, &res.Drops)
	res.Video = n.negotiateVideo(video.Clone(), videoCaps, &res.Drops)

	if len(res.Drops) > 0 {
		n.logger.Debugw("constraints adjusted to device capabilities",
			"audio_device_id", audio.DeviceID,
			"video_device_id", video.DeviceID,
			"drops", len(res.Drops),
		)
	}
	return res
}

// CheckViable fails with ErrNoViableConstraints when the video device cannot
// reach the lowest tier's resolution or frame rate.
func (n *ConstraintNegotiator) CheckViable(caps *domain.DeviceCapabilities) error {
	if caps == nil {
		return nil
	}
	floor := n.presets.Lowest().Video

	if caps.Width != nil && floor.Width != nil && caps.Width.Max < *floor.Width {
		return fmt.Errorf("%w: device %s max width %d below %d", domain.ErrNoViableConstraints, caps.DeviceID, caps.Width.Max, *floor.Width)
	}
	if caps.Height != nil && floor.Height != nil && caps.Height.Max < *floor.Height {
		return fmt.Errorf("%w: device %s max height %d below %d", domain.ErrNoViableConstraints, caps.DeviceID, caps.Height.Max, *floor.Height)
	}
	if caps.FrameRate != nil && floor.FrameRate != nil && caps.FrameRate.Max < *floor.FrameRate {
		return fmt.Errorf("%w: device %s max frame rate %.1f below %.1f", domain.ErrNoViableConstraints, caps.DeviceID, caps.FrameRate.Max, *floor.FrameRate)
	}
	return nil
}

// StepDown returns the tier exactly one rung below current.
func (n *ConstraintNegotiator) StepDown(current domain.QualityTier) (domain.QualityTier, error) {
	return n.presets.Lower(current)
}

// StepUp returns the tier exactly one rung above current.
func (n *ConstraintNegotiator) StepUp(current domain.QualityTier) (domain.QualityTier, error) {
	return n.presets.Higher(current)
}

func (n *ConstraintNegotiator) negotiateAudio(a domain.AudioConstraints, caps *domain.DeviceCapabilities, drops *[]domain.ConstraintDrop) domain.AudioConstraints {
	if a.DeviceID == "" {
		return domain.AudioConstraints{}
	}
	if caps == nil {
		caps = &domain.DeviceCapabilities{}
	}
	k := domain.DeviceKindAudio

	a.SampleRate = clampInt(k, "sample_rate", a.SampleRate, caps.SampleRate, drops)
	a.ChannelCount = clampInt(k, "channel_count", a.ChannelCount, caps.ChannelCount, drops)
	a.EchoCancellation = dropFlag(k, "echo_cancellation", a.EchoCancellation, caps.EchoCancellation, drops)
	a.NoiseSuppression = dropFlag(k, "noise_suppression", a.NoiseSuppression, caps.NoiseSuppression, drops)
	a.AutoGainControl = dropFlag(k, "auto_gain_control", a.AutoGainControl, caps.AutoGainControl, drops)
	return a
}

func (n *ConstraintNegotiator) negotiateVideo(v domain.VideoConstraints, caps *domain.DeviceCapabilities, drops *[]domain.ConstraintDrop) domain.VideoConstraints {
	if v.DeviceID == "" {
		return domain.VideoConstraints{}
	}
	if caps == nil {
		caps = &domain.DeviceCapabilities{}
	}
	k := domain.DeviceKindVideo

	v.Width = clampInt(k, "width", v.Width, caps.Width, drops)
	v.Height = clampInt(k, "height", v.Height, caps.Height, drops)
	v.FrameRate = clampFloat(k, "frame_rate", v.FrameRate, caps.FrameRate, drops, false)

	// Image controls are meaningless without an advertised range.
	v.Zoom = clampFloat(k, "zoom", v.Zoom, caps.Zoom, drops, true)
	v.Brightness = clampFloat(k, "brightness", v.Brightness, caps.Brightness, drops, true)
	v.Contrast = clampFloat(k, "contrast", v.Contrast, caps.Contrast, drops, true)
	v.Saturation = clampFloat(k, "saturation", v.Saturation, caps.Saturation, drops, true)

	v.FocusMode = dropMode(k, "focus_mode", v.FocusMode, caps.SupportsFocusMode, drops)
	v.ExposureMode = dropMode(k, "exposure_mode", v.ExposureMode, caps.SupportsExposureMode, drops)
	v.WhiteBalanceMode = dropMode(k, "white_balance_mode", v.WhiteBalanceMode, caps.SupportsWhiteBalanceMode, drops)
	if v.FacingMode != "" && !caps.SupportsFacingMode(v.FacingMode) {
		*drops = append(*drops, domain.ConstraintDrop{Kind: k, Field: "facing_mode", Requested: v.FacingMode, Reason: domain.DropReasonUnsupported})
		v.FacingMode = ""
	}
	v.Torch = dropFlag(k, "torch", v.Torch, caps.Torch, drops)
	return v
}

func clampInt(kind domain.DeviceKind, field string, v *int, r *domain.IntRange, drops *[]domain.ConstraintDrop) *int {
	if v == nil || r == nil {
		return v
	}
	clamped := r.Clamp(*v)
	if clamped != *v {
		*drops = append(*drops, domain.ConstraintDrop{Kind: kind, Field: field, Requested: *v, Applied: clamped, Reason: domain.DropReasonClamped})
	}
	return &clamped
}

func clampFloat(kind domain.DeviceKind, field string, v *float64, r *domain.FloatRange, drops *[]domain.ConstraintDrop, dropIfAbsent bool) *float64 {
	if v == nil {
		return nil
	}
	if r == nil {
		if dropIfAbsent {
			*drops = append(*drops, domain.ConstraintDrop{Kind: kind, Field: field, Requested: *v, Reason: domain.DropReasonUnsupported})
			return nil
		}
		return v
	}
	clamped := r.Clamp(*v)
	if clamped != *v {
		*drops = append(*drops, domain.ConstraintDrop{Kind: kind, Field: field, Requested: *v, Applied: clamped, Reason: domain.DropReasonClamped})
	}
	return &clamped
}

// dropFlag removes a flag requested as true on a device that lacks it.
// Requesting false is always satisfiable.
func dropFlag(kind domain.DeviceKind, field string, v *bool, supported bool, drops *[]domain.ConstraintDrop) *bool {
	if v == nil || !*v || supported {
		return v
	}
	*drops = append(*drops, domain.ConstraintDrop{Kind: kind, Field: field, Requested: true, Reason: domain.DropReasonUnsupported})
	return nil
}

func dropMode(kind domain.DeviceKind, field, mode string, supports func(string) bool, drops *[]domain.ConstraintDrop) string {
	if mode == "" || supports(mode) {
		return mode
	}
	*drops = append(*drops, domain.ConstraintDrop{Kind: kind, Field: field, Requested: mode, Reason: domain.DropReasonUnsupported})
	return ""
}
