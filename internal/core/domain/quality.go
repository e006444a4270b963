package domain

type QualityTier string

const (
	TierLow    QualityTier = "low"
	TierMedium QualityTier = "medium"
	TierHigh   QualityTier = "high"
	TierUltra  QualityTier = "ultra"
)

// QualityPreset is one rung of the preset ladder.
type QualityPreset struct {
	Tier         QualityTier      `json:"tier"`
	Audio        AudioConstraints `json:"audio"`
	Video        VideoConstraints `json:"video"`
	VideoBitrate int              `json:"video_bitrate"` // bits per second
	AudioBitrate int              `json:"audio_bitrate"` // bits per second
}
