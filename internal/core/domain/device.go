package domain

import (
	"math"
	"time"
)

type DeviceKind string

const (
	DeviceKindAudio DeviceKind = "audioinput"
	DeviceKindVideo DeviceKind = "videoinput"
)

func (k DeviceKind) Valid() bool {
	return k == DeviceKindAudio || k == DeviceKindVideo
}

// CaptureDevice is an enumerated input device. Instances are never mutated;
// a new enumeration yields new values.
type CaptureDevice struct {
	ID      string     `json:"id"`
	Kind    DeviceKind `json:"kind"`
	Label   string     `json:"label"`
	GroupID string     `json:"group_id,omitempty"`
}

// IntRange is an inclusive range. Step 0 means any value in range is accepted.
type IntRange struct {
	Min  int `json:"min" yaml:"min"`
	Max  int `json:"max" yaml:"max"`
	Step int `json:"step,omitempty" yaml:"step,omitempty"`
}

func (r IntRange) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Clamp returns v limited to the range and snapped down onto the step grid.
func (r IntRange) Clamp(v int) int {
	if v < r.Min {
		v = r.Min
	}
	if v > r.Max {
		v = r.Max
	}
	if r.Step > 0 {
		v = r.Min + ((v-r.Min)/r.Step)*r.Step
	}
	return v
}

type FloatRange struct {
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Step float64 `json:"step,omitempty" yaml:"step,omitempty"`
}

func (r FloatRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r FloatRange) Clamp(v float64) float64 {
	if v < r.Min {
		v = r.Min
	}
	if v > r.Max {
		v = r.Max
	}
	if r.Step > 0 {
		v = r.Min + math.Floor((v-r.Min)/r.Step+1e-9)*r.Step
		if v > r.Max {
			v = r.Max
		}
	}
	return v
}

// DeviceCapabilities describes what a device advertises. A nil range or a false
// flag means the capability is unsupported, never an error.
type DeviceCapabilities struct {
	DeviceID string     `json:"device_id"`
	Kind     DeviceKind `json:"kind"`

	Width      *IntRange   `json:"width,omitempty"`
	Height     *IntRange   `json:"height,omitempty"`
	FrameRate  *FloatRange `json:"frame_rate,omitempty"`
	Zoom       *FloatRange `json:"zoom,omitempty"`
	Brightness *FloatRange `json:"brightness,omitempty"`
	Contrast   *FloatRange `json:"contrast,omitempty"`
	Saturation *FloatRange `json:"saturation,omitempty"`

	FocusModes        []string     `json:"focus_modes,omitempty"`
	ExposureModes     []string     `json:"exposure_modes,omitempty"`
	WhiteBalanceModes []string     `json:"white_balance_modes,omitempty"`
	FacingModes       []FacingMode `json:"facing_modes,omitempty"`
	Torch             bool         `json:"torch"`

	SampleRate       *IntRange `json:"sample_rate,omitempty"`
	ChannelCount     *IntRange `json:"channel_count,omitempty"`
	EchoCancellation bool      `json:"echo_cancellation"`
	NoiseSuppression bool      `json:"noise_suppression"`
	AutoGainControl  bool      `json:"auto_gain_control"`

	ProbedAt time.Time `json:"probed_at"`
}

func (c *DeviceCapabilities) SupportsFocusMode(mode string) bool {
	return containsString(c.FocusModes, mode)
}

func (c *DeviceCapabilities) SupportsExposureMode(mode string) bool {
	return containsString(c.ExposureModes, mode)
}

func (c *DeviceCapabilities) SupportsWhiteBalanceMode(mode string) bool {
	return containsString(c.WhiteBalanceModes, mode)
}

func (c *DeviceCapabilities) SupportsFacingMode(mode FacingMode) bool {
	for _, m := range c.FacingModes {
		if m == mode {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
