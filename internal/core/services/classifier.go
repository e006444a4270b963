package services

import (
	"fmt"
	"time"

	"streamguard/internal/core/domain"

	"github.com/google/uuid"
)

// Thresholds are the tier bands and alert trip points. Packet loss is in percent.
type Thresholds struct {
	ExcellentPacketLoss float64
	ExcellentRTT        time.Duration
	GoodPacketLoss      float64
	GoodRTT             time.Duration
	FairPacketLoss      float64
	FairRTT             time.Duration

	PacketLossWarning     float64
	PacketLossCritical    float64
	DroppedFrameRatioWarn float64
	RoundTripTimeInfo     time.Duration
}

const (
	defaultExcellentPacketLoss = 1.0
	defaultExcellentRTT        = 100 * time.Millisecond
	defaultGoodPacketLoss      = 2.0
	defaultGoodRTT             = 200 * time.Millisecond
	defaultFairPacketLoss      = 5.0
	defaultFairRTT             = 400 * time.Millisecond

	defaultPacketLossWarning     = 2.0
	defaultPacketLossCritical    = 5.0
	defaultDroppedFrameRatioWarn = 0.02
	defaultRoundTripTimeInfo     = 300 * time.Millisecond
)

func DefaultThresholds() Thresholds {
	return Thresholds{
		ExcellentPacketLoss:   defaultExcellentPacketLoss,
		ExcellentRTT:          defaultExcellentRTT,
		GoodPacketLoss:        defaultGoodPacketLoss,
		GoodRTT:               defaultGoodRTT,
		FairPacketLoss:        defaultFairPacketLoss,
		FairRTT:               defaultFairRTT,
		PacketLossWarning:     defaultPacketLossWarning,
		PacketLossCritical:    defaultPacketLossCritical,
		DroppedFrameRatioWarn: defaultDroppedFrameRatioWarn,
		RoundTripTimeInfo:     defaultRoundTripTimeInfo,
	}
}

// Classifier derives a connection tier and edge-triggered alerts from a
// sample and its predecessor. It holds no per-session state.
type Classifier struct {
	th    Thresholds
	newID func() string
}

func NewClassifier(th Thresholds) *Classifier {
	return &Classifier{th: th, newID: uuid.NewString}
}

func (c *Classifier) Thresholds() Thresholds {
	return c.th
}

// Tier maps one sample onto the quality ladder.
func (c *Classifier) Tier(s domain.StreamHealthStats) domain.ConnectionQuality {
	if !s.IsLive {
		return domain.QualityPoor
	}
	loss, rtt := s.Network.PacketLoss, s.Network.RoundTripTime
	switch {
	case loss < c.th.ExcellentPacketLoss && rtt < c.th.ExcellentRTT && s.Video.DroppedRatio() <= c.th.DroppedFrameRatioWarn:
		return domain.QualityExcellent
	case loss < c.th.GoodPacketLoss && rtt < c.th.GoodRTT:
		return domain.QualityGood
	case loss < c.th.FairPacketLoss && rtt < c.th.FairRTT:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

// Classify returns the tier of sample and the alerts for conditions that were
// entered, or escalated, since prev. prev is nil for the first sample and
// carries its own ConnectionQuality.
func (c *Classifier) Classify(sample domain.StreamHealthStats, prev *domain.StreamHealthStats) (domain.ConnectionQuality, []domain.StreamHealthAlert) {
	tier := c.Tier(sample)
	var alerts []domain.StreamHealthAlert

	emit := func(sev domain.AlertSeverity, cond domain.AlertCondition, msg string) {
		alerts = append(alerts, domain.StreamHealthAlert{
			ID:        c.newID(),
			SessionID: sample.SessionID,
			Severity:  sev,
			Condition: cond,
			Message:   msg,
			Timestamp: sample.Timestamp,
		})
	}

	if prev != nil && prev.IsLive && !sample.IsLive {
		emit(domain.SeverityCritical, domain.ConditionStreamDisconnected, "stream disconnected")
	}

	// Degraded samples repeat old numbers: they keep the previous tier, stay
	// unknown before the first real sample, and cannot enter a new condition.
	if sample.Degraded {
		if prev == nil {
			return domain.QualityUnknown, alerts
		}
		return prev.ConnectionQuality, alerts
	}

	loss := sample.Network.PacketLoss
	if sev := c.packetLossSeverity(loss); sev.Rank() > c.packetLossSeverity(prevLoss(prev)).Rank() {
		limit := c.th.PacketLossWarning
		if sev == domain.SeverityCritical {
			limit = c.th.PacketLossCritical
		}
		emit(sev, domain.ConditionPacketLoss, fmt.Sprintf("packet loss %.1f%% exceeds %.1f%%", loss, limit))
	}

	ratio := sample.Video.DroppedRatio()
	if ratio > c.th.DroppedFrameRatioWarn && (prev == nil || prev.Video.DroppedRatio() <= c.th.DroppedFrameRatioWarn) {
		emit(domain.SeverityWarning, domain.ConditionDroppedFrames,
			fmt.Sprintf("dropped frames %.1f%% (%d of %d)", ratio*100, sample.Video.DroppedFrames, sample.Video.TotalFrames))
	}

	rtt := sample.Network.RoundTripTime
	if rtt > c.th.RoundTripTimeInfo && (prev == nil || prev.Network.RoundTripTime <= c.th.RoundTripTimeInfo) {
		emit(domain.SeverityInfo, domain.ConditionRoundTripTime,
			fmt.Sprintf("round-trip time %dms exceeds %dms", rtt.Milliseconds(), c.th.RoundTripTimeInfo.Milliseconds()))
	}

	return tier, alerts
}

func (c *Classifier) packetLossSeverity(loss float64) domain.AlertSeverity {
	switch {
	case loss > c.th.PacketLossCritical:
		return domain.SeverityCritical
	case loss > c.th.PacketLossWarning:
		return domain.SeverityWarning
	default:
		return ""
	}
}

func prevLoss(prev *domain.StreamHealthStats) float64 {
	if prev == nil {
		return 0
	}
	return prev.Network.PacketLoss
}
