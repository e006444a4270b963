package services

import (
	"math/rand"
	"testing"

	"streamguard/internal/core/domain"
	"streamguard/internal/ptr"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestNegotiator() *ConstraintNegotiator {
	return NewConstraintNegotiator(NewDefaultPresetTable(), zap.NewNop().Sugar())
}

func TestNegotiate_ClampsAndDrops(t *testing.T) {
	n := newTestNegotiator()

	caps := &domain.DeviceCapabilities{
		Width:      &domain.IntRange{Min: 320, Max: 1280},
		Height:     &domain.IntRange{Min: 240, Max: 720},
		FrameRate:  &domain.FloatRange{Min: 5, Max: 30},
		FocusModes: []string{"continuous"},
	}
	video := domain.VideoConstraints{
		DeviceID:     "cam",
		Width:        ptr.New(1920),
		Height:       ptr.New(1080),
		FrameRate:    ptr.New(60.0),
		FocusMode:    "continuous",
		ExposureMode: "manual",
		Zoom:         ptr.New(2.0),
		Torch:        ptr.New(true),
		FacingMode:   domain.FacingUser,
	}

	res := n.Negotiate(domain.AudioConstraints{}, video, nil, caps)

	want := domain.VideoConstraints{
		DeviceID:  "cam",
		Width:     ptr.New(1280),
		Height:    ptr.New(720),
		FrameRate: ptr.New(30.0),
		FocusMode: "continuous",
	}
	if diff := cmp.Diff(want, res.Video); diff != "" {
		t.Fatalf("negotiated video mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, domain.AudioConstraints{}, res.Audio)

	fields := map[string]string{}
	for _, d := range res.Drops {
		fields[d.Field] = d.Reason
	}
	assert.Equal(t, map[string]string{
		"width":         domain.DropReasonClamped,
		"height":        domain.DropReasonClamped,
		"frame_rate":    domain.DropReasonClamped,
		"exposure_mode": domain.DropReasonUnsupported,
		"zoom":          domain.DropReasonUnsupported,
		"torch":         domain.DropReasonUnsupported,
		"facing_mode":   domain.DropReasonUnsupported,
	}, fields)
}

func TestNegotiate_AudioFlags(t *testing.T) {
	n := newTestNegotiator()
	caps := &domain.DeviceCapabilities{
		SampleRate:       &domain.IntRange{Min: 8000, Max: 44100},
		ChannelCount:     &domain.IntRange{Min: 1, Max: 1},
		EchoCancellation: true,
	}
	audio := domain.AudioConstraints{
		DeviceID:         "mic",
		EchoCancellation: ptr.New(true),
		NoiseSuppression: ptr.New(true),
		AutoGainControl:  ptr.New(false),
		SampleRate:       ptr.New(48000),
		ChannelCount:     ptr.New(2),
	}

	res := n.Negotiate(audio, domain.VideoConstraints{}, caps, nil)

	want := domain.AudioConstraints{
		DeviceID:         "mic",
		EchoCancellation: ptr.New(true),
		AutoGainControl:  ptr.New(false),
		SampleRate:       ptr.New(44100),
		ChannelCount:     ptr.New(1),
	}
	if diff := cmp.Diff(want, res.Audio); diff != "" {
		t.Fatalf("negotiated audio mismatch (-want +got):\n%s", diff)
	}
}

func TestNegotiate_DoesNotMutateRequest(t *testing.T) {
	n := newTestNegotiator()
	width := ptr.New(4000)
	video := domain.VideoConstraints{DeviceID: "cam", Width: width}

	n.Negotiate(domain.AudioConstraints{}, video, nil, &domain.DeviceCapabilities{Width: &domain.IntRange{Min: 1, Max: 100}})
	assert.Equal(t, 4000, *width)
}

func TestNegotiate_NeverLeavesAdvertisedRange(t *testing.T) {
	n := newTestNegotiator()
	rng := rand.New(rand.NewSource(42))

	randIntRange := func() *domain.IntRange {
		lo := rng.Intn(2000) + 1
		return &domain.IntRange{Min: lo, Max: lo + rng.Intn(4000), Step: rng.Intn(4)}
	}
	randFloatRange := func() *domain.FloatRange {
		lo := rng.Float64() * 30
		return &domain.FloatRange{Min: lo, Max: lo + rng.Float64()*90}
	}

	for i := 0; i < 2000; i++ {
		caps := &domain.DeviceCapabilities{
			Width:      randIntRange(),
			Height:     randIntRange(),
			FrameRate:  randFloatRange(),
			Zoom:       randFloatRange(),
			SampleRate: randIntRange(),
		}
		video := domain.VideoConstraints{
			DeviceID:  "cam",
			Width:     ptr.New(rng.Intn(10000) - 100),
			Height:    ptr.New(rng.Intn(10000) - 100),
			FrameRate: ptr.New(rng.Float64()*200 - 10),
			Zoom:      ptr.New(rng.Float64() * 200),
		}
		audio := domain.AudioConstraints{DeviceID: "mic", SampleRate: ptr.New(rng.Intn(200000))}

		res := n.Negotiate(audio, video, caps, caps)

		require.True(t, caps.Width.Contains(*res.Video.Width), "width %d outside %+v", *res.Video.Width, *caps.Width)
		require.True(t, caps.Height.Contains(*res.Video.Height), "height %d outside %+v", *res.Video.Height, *caps.Height)
		require.True(t, caps.FrameRate.Contains(*res.Video.FrameRate), "fps %f outside %+v", *res.Video.FrameRate, *caps.FrameRate)
		require.True(t, caps.Zoom.Contains(*res.Video.Zoom), "zoom %f outside %+v", *res.Video.Zoom, *caps.Zoom)
		require.True(t, caps.SampleRate.Contains(*res.Audio.SampleRate), "sample rate %d outside %+v", *res.Audio.SampleRate, *caps.SampleRate)
	}
}

func TestCheckViable(t *testing.T) {
	n := newTestNegotiator()

	assert.NoError(t, n.CheckViable(nil))
	assert.NoError(t, n.CheckViable(&domain.DeviceCapabilities{}))
	assert.NoError(t, n.CheckViable(&domain.DeviceCapabilities{
		Width:  &domain.IntRange{Min: 160, Max: 640},
		Height: &domain.IntRange{Min: 120, Max: 360},
	}))

	err := n.CheckViable(&domain.DeviceCapabilities{DeviceID: "tiny", Width: &domain.IntRange{Min: 160, Max: 320}})
	assert.ErrorIs(t, err, domain.ErrNoViableConstraints)

	err = n.CheckViable(&domain.DeviceCapabilities{FrameRate: &domain.FloatRange{Min: 1, Max: 10}})
	assert.ErrorIs(t, err, domain.ErrNoViableConstraints)
}

func TestStepDown_ExactlyOneTier(t *testing.T) {
	n := newTestNegotiator()
	tiers := n.presets.Tiers()

	for i := len(tiers) - 1; i > 0; i-- {
		next, err := n.StepDown(tiers[i])
		require.NoError(t, err)
		assert.Equal(t, tiers[i-1], next)
		assert.NotEqual(t, tiers[i], next)
	}
	_, err := n.StepDown(tiers[0])
	assert.ErrorIs(t, err, domain.ErrAlreadyLowestTier)
}
