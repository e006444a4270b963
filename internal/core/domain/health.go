package domain

import "time"

type ConnectionQuality string

const (
	QualityUnknown   ConnectionQuality = ""
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

type VideoMetrics struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	FrameRate     float64 `json:"frame_rate"`
	Bitrate       int     `json:"bitrate"` // bits per second
	Codec         string  `json:"codec,omitempty"`
	DroppedFrames int64   `json:"dropped_frames"`
	TotalFrames   int64   `json:"total_frames"`
}

// DroppedRatio returns droppedFrames/totalFrames, or zero when nothing was sent.
func (v VideoMetrics) DroppedRatio() float64 {
	if v.TotalFrames <= 0 {
		return 0
	}
	return float64(v.DroppedFrames) / float64(v.TotalFrames)
}

type AudioMetrics struct {
	Bitrate    int    `json:"bitrate"`
	SampleRate int    `json:"sample_rate"`
	Codec      string `json:"codec,omitempty"`
}

type NetworkMetrics struct {
	AvailableBandwidth int           `json:"available_bandwidth"` // bits per second
	PacketLoss         float64       `json:"packet_loss"`         // percent, 0-100
	RoundTripTime      time.Duration `json:"round_trip_time"`
}

// RawStats is what a stats source reports for one active capture handle.
type RawStats struct {
	Timestamp      time.Time
	CurrentViewers int
	IsLive         bool
	Video          VideoMetrics
	Audio          AudioMetrics
	Network        NetworkMetrics
}

type ViewerMetrics struct {
	Current int `json:"current"`
	Peak    int `json:"peak"`
}

// StreamHealthStats is one sample tick. Only the latest is retained.
type StreamHealthStats struct {
	SessionID         SessionID         `json:"session_id"`
	Timestamp         time.Time         `json:"timestamp"`
	Viewers           ViewerMetrics     `json:"viewers"`
	Duration          time.Duration     `json:"duration"`
	IsLive            bool              `json:"is_live"`
	Video             VideoMetrics      `json:"video"`
	Audio             AudioMetrics      `json:"audio"`
	Network           NetworkMetrics    `json:"network"`
	ConnectionQuality ConnectionQuality `json:"connection_quality"`
	Degraded          bool              `json:"degraded,omitempty"`
}

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Rank orders severities; higher is more severe.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

type AlertCondition string

const (
	ConditionPacketLoss         AlertCondition = "packet_loss"
	ConditionDroppedFrames      AlertCondition = "dropped_frames"
	ConditionRoundTripTime      AlertCondition = "round_trip_time"
	ConditionStreamDisconnected AlertCondition = "stream_disconnected"
)

// StreamHealthAlert is immutable once created.
type StreamHealthAlert struct {
	ID        string         `json:"id"`
	SessionID SessionID      `json:"session_id"`
	Severity  AlertSeverity  `json:"severity"`
	Condition AlertCondition `json:"condition"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}
