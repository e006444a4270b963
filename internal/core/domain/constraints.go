package domain

type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// AudioConstraints is a requested or negotiated audio bundle. Nil pointers
// mean "not requested".
type AudioConstraints struct {
	DeviceID         string `json:"device_id,omitempty"`
	EchoCancellation *bool  `json:"echo_cancellation,omitempty"`
	NoiseSuppression *bool  `json:"noise_suppression,omitempty"`
	AutoGainControl  *bool  `json:"auto_gain_control,omitempty"`
	SampleRate       *int   `json:"sample_rate,omitempty"`
	ChannelCount     *int   `json:"channel_count,omitempty"`
}

// VideoConstraints is a requested or negotiated video bundle. Nil pointers and
// empty mode strings mean "not requested".
type VideoConstraints struct {
	DeviceID         string     `json:"device_id,omitempty"`
	Width            *int       `json:"width,omitempty"`
	Height           *int       `json:"height,omitempty"`
	FrameRate        *float64   `json:"frame_rate,omitempty"`
	FacingMode       FacingMode `json:"facing_mode,omitempty"`
	FocusMode        string     `json:"focus_mode,omitempty"`
	ExposureMode     string     `json:"exposure_mode,omitempty"`
	WhiteBalanceMode string     `json:"white_balance_mode,omitempty"`
	Zoom             *float64   `json:"zoom,omitempty"`
	Brightness       *float64   `json:"brightness,omitempty"`
	Contrast         *float64   `json:"contrast,omitempty"`
	Saturation       *float64   `json:"saturation,omitempty"`
	Torch            *bool      `json:"torch,omitempty"`
}

// Merge returns a copy of a with every field set in override replacing it.
func (a AudioConstraints) Merge(override AudioConstraints) AudioConstraints {
	out := a
	if override.DeviceID != "" {
		out.DeviceID = override.DeviceID
	}
	if override.EchoCancellation != nil {
		out.EchoCancellation = override.EchoCancellation
	}
	if override.NoiseSuppression != nil {
		out.NoiseSuppression = override.NoiseSuppression
	}
	if override.AutoGainControl != nil {
		out.AutoGainControl = override.AutoGainControl
	}
	if override.SampleRate != nil {
		out.SampleRate = override.SampleRate
	}
	if override.ChannelCount != nil {
		out.ChannelCount = override.ChannelCount
	}
	return out
}

func (v VideoConstraints) Merge(override VideoConstraints) VideoConstraints {
	out := v
	if override.DeviceID != "" {
		out.DeviceID = override.DeviceID
	}
	if override.Width != nil {
		out.Width = override.Width
	}
	if override.Height != nil {
		out.Height = override.Height
	}
	if override.FrameRate != nil {
		out.FrameRate = override.FrameRate
	}
	if override.FacingMode != "" {
		out.FacingMode = override.FacingMode
	}
	if override.FocusMode != "" {
		out.FocusMode = override.FocusMode
	}
	if override.ExposureMode != "" {
		out.ExposureMode = override.ExposureMode
	}
	if override.WhiteBalanceMode != "" {
		out.WhiteBalanceMode = override.WhiteBalanceMode
	}
	if override.Zoom != nil {
		out.Zoom = override.Zoom
	}
	if override.Brightness != nil {
		out.Brightness = override.Brightness
	}
	if override.Contrast != nil {
		out.Contrast = override.Contrast
	}
	if override.Saturation != nil {
		out.Saturation = override.Saturation
	}
	if override.Torch != nil {
		out.Torch = override.Torch
	}
	return out
}

// ConstraintDrop reports a field the negotiator changed or removed.
type ConstraintDrop struct {
	Kind      DeviceKind `json:"kind"`
	Field     string     `json:"field"`
	Requested any        `json:"requested"`
	Applied   any        `json:"applied,omitempty"`
	Reason    string     `json:"reason"`
}

const (
	DropReasonUnsupported = "unsupported"
	DropReasonClamped     = "clamped"
)

// CaptureHandle is the owned token for an acquired capture session. Ownership
// moves with the value; the lifecycle controller holds at most one.
type CaptureHandle struct {
	ID            string           `json:"id"`
	SessionID     SessionID        `json:"session_id,omitempty"`
	AudioDeviceID string           `json:"audio_device_id,omitempty"`
	VideoDeviceID string           `json:"video_device_id,omitempty"`
	Audio         AudioConstraints `json:"audio"`
	Video         VideoConstraints `json:"video"`
}

// Clone returns a copy that shares no pointers with a.
func (a AudioConstraints) Clone() AudioConstraints {
	out := a
	out.EchoCancellation = clonePtr(a.EchoCancellation)
	out.NoiseSuppression = clonePtr(a.NoiseSuppression)
	out.AutoGainControl = clonePtr(a.AutoGainControl)
	out.SampleRate = clonePtr(a.SampleRate)
	out.ChannelCount = clonePtr(a.ChannelCount)
	return out
}

// Clone returns a copy that shares no pointers with v.
func (v VideoConstraints) Clone() VideoConstraints {
	out := v
	out.Width = clonePtr(v.Width)
	out.Height = clonePtr(v.Height)
	out.FrameRate = clonePtr(v.FrameRate)
	out.Zoom = clonePtr(v.Zoom)
	out.Brightness = clonePtr(v.Brightness)
	out.Contrast = clonePtr(v.Contrast)
	out.Saturation = clonePtr(v.Saturation)
	out.Torch = clonePtr(v.Torch)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
