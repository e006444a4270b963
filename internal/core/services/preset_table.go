package services

import (
	"fmt"

	"streamguard/internal/core/domain"
	"streamguard/internal/ptr"
)

// PresetTable is the ordered quality ladder, lowest tier first.
type PresetTable struct {
	order   []domain.QualityTier
	presets map[domain.QualityTier]domain.QualityPreset
}

// DefaultPresets returns the built-in ladder.
func DefaultPresets() []domain.QualityPreset {
	audio := func(channels int) domain.AudioConstraints {
		return domain.AudioConstraints{
			EchoCancellation: ptr.New(true),
			NoiseSuppression: ptr.New(true),
			AutoGainControl:  ptr.New(true),
			SampleRate:       ptr.New(48000),
			ChannelCount:     ptr.New(channels),
		}
	}
	video := func(w, h int, fps float64) domain.VideoConstraints {
		return domain.VideoConstraints{
			Width:     ptr.New(w),
			Height:    ptr.New(h),
			FrameRate: ptr.New(fps),
		}
	}

	return []domain.QualityPreset{
		{Tier: domain.TierLow, Audio: audio(1), Video: video(640, 360, 15), VideoBitrate: 500_000, AudioBitrate: 64_000},
		{Tier: domain.TierMedium, Audio: audio(1), Video: video(854, 480, 24), VideoBitrate: 1_000_000, AudioBitrate: 96_000},
		{Tier: domain.TierHigh, Audio: audio(2), Video: video(1280, 720, 30), VideoBitrate: 2_500_000, AudioBitrate: 128_000},
		{Tier: domain.TierUltra, Audio: audio(2), Video: video(1920, 1080, 30), VideoBitrate: 4_500_000, AudioBitrate: 160_000},
	}
}

// NewDefaultPresetTable builds the table from DefaultPresets.
func NewDefaultPresetTable() *PresetTable {
	t, err := NewPresetTable(DefaultPresets())
	if err != nil {
		panic(fmt.Sprintf("default presets are invalid: %v", err))
	}
	return t
}

// NewPresetTable validates presets (given lowest first) and builds the table.
func NewPresetTable(presets []domain.QualityPreset) (*PresetTable, error) {
	if len(presets) < 4 {
		return nil, fmt.Errorf("need at least 4 tiers, got %d", len(presets))
	}

	t := &PresetTable{
		order:   make([]domain.QualityTier, 0, len(presets)),
		presets: make(map[domain.QualityTier]domain.QualityPreset, len(presets)),
	}

	var prev *domain.QualityPreset
	for i := range presets {
		p := presets[i]
		if err := validatePreset(p); err != nil {
			return nil, err
		}
		if _, dup := t.presets[p.Tier]; dup {
			return nil, fmt.Errorf("duplicate tier %q", p.Tier)
		}
		if prev != nil {
			if *p.Video.Width < *prev.Video.Width ||
				*p.Video.Height < *prev.Video.Height ||
				*p.Video.FrameRate < *prev.Video.FrameRate ||
				p.VideoBitrate < prev.VideoBitrate {
				return nil, fmt.Errorf("tier %q is lower than %q", p.Tier, prev.Tier)
			}
		}
		t.order = append(t.order, p.Tier)
		t.presets[p.Tier] = p
		prev = &presets[i]
	}
	return t, nil
}

func validatePreset(p domain.QualityPreset) error {
	v := p.Video
	if p.Tier == "" {
		return fmt.Errorf("preset has empty tier")
	}
	if v.Width == nil || v.Height == nil || v.FrameRate == nil {
		return fmt.Errorf("tier %q must set width, height and frame rate", p.Tier)
	}
	if *v.Width <= 0 || *v.Height <= 0 || *v.FrameRate <= 0 || p.VideoBitrate <= 0 {
		return fmt.Errorf("tier %q has non-positive video fields", p.Tier)
	}
	if ceiling := maxFrameRateFor(*v.Height); *v.FrameRate > ceiling {
		return fmt.Errorf("tier %q frame rate %.0f exceeds %.0f for %dp", p.Tier, *v.FrameRate, ceiling, *v.Height)
	}
	if p.Audio.SampleRate != nil && *p.Audio.SampleRate <= 0 {
		return fmt.Errorf("tier %q has non-positive sample rate", p.Tier)
	}
	if p.Audio.ChannelCount != nil && (*p.Audio.ChannelCount < 1 || *p.Audio.ChannelCount > 2) {
		return fmt.Errorf("tier %q channel count must be 1 or 2", p.Tier)
	}
	return nil
}

func maxFrameRateFor(height int) float64 {
	if height > 1080 {
		return 30
	}
	return 60
}

// Tiers returns the ladder order, lowest first.
func (t *PresetTable) Tiers() []domain.QualityTier {
	out := make([]domain.QualityTier, len(t.order))
	copy(out, t.order)
	return out
}

// Presets returns every preset, lowest first.
func (t *PresetTable) Presets() []domain.QualityPreset {
	out := make([]domain.QualityPreset, 0, len(t.order))
	for _, tier := range t.order {
		p, _ := t.Lookup(tier)
		out = append(out, p)
	}
	return out
}

// Lookup returns a copy of the preset for tier.
func (t *PresetTable) Lookup(tier domain.QualityTier) (domain.QualityPreset, bool) {
	p, ok := t.presets[tier]
	if !ok {
		return domain.QualityPreset{}, false
	}
	p.Audio = p.Audio.Clone()
	p.Video = p.Video.Clone()
	return p, true
}

// PresetsFor returns the constraint bundle pair for tier.
func (t *PresetTable) PresetsFor(tier domain.QualityTier) (domain.AudioConstraints, domain.VideoConstraints, error) {
	p, ok := t.Lookup(tier)
	if !ok {
		return domain.AudioConstraints{}, domain.VideoConstraints{}, fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	}
	return p.Audio, p.Video, nil
}

func (t *PresetTable) index(tier domain.QualityTier) int {
	for i, v := range t.order {
		if v == tier {
			return i
		}
	}
	return -1
}

// Lower returns the tier exactly one step below tier.
func (t *PresetTable) Lower(tier domain.QualityTier) (domain.QualityTier, error) {
	i := t.index(tier)
	switch {
	case i < 0:
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	case i == 0:
		return "", domain.ErrAlreadyLowestTier
	}
	return t.order[i-1], nil
}

// Higher returns the tier exactly one step above tier.
func (t *PresetTable) Higher(tier domain.QualityTier) (domain.QualityTier, error) {
	i := t.index(tier)
	switch {
	case i < 0:
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	case i == len(t.order)-1:
		return "", domain.ErrAlreadyHighestTier
	}
	return t.order[i+1], nil
}

// Lowest returns the bottom rung.
func (t *PresetTable) Lowest() domain.QualityPreset {
	p, _ := t.Lookup(t.order[0])
	return p
}
