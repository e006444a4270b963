package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamguard/internal/core/domain"

	"go.uber.org/zap"
)

// QualitySwitcher steps a session's capture tier one rung at a time.
type QualitySwitcher interface {
	Downgrade(ctx context.Context) (domain.QualityTier, error)
	Upgrade(ctx context.Context) (domain.QualityTier, error)
}

type AdaptiveConfig struct {
	PoorSamplesBeforeDowngrade int
	GoodSamplesBeforeUpgrade   int
	MinTimeBetweenSwitches     time.Duration
	SwitchTimeout              time.Duration
}

func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		PoorSamplesBeforeDowngrade: 3,
		GoodSamplesBeforeUpgrade:   10,
		MinTimeBetweenSwitches:     10 * time.Second,
		SwitchTimeout:              10 * time.Second,
	}
}

// AdaptiveQualityService reacts to sustained poor or excellent connection
// quality by moving the session one tier down or up.
type AdaptiveQualityService struct {
	cfg    AdaptiveConfig
	now    func() time.Time
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.SessionID]*adaptiveState
}

type adaptiveState struct {
	switcher   QualitySwitcher
	poor       int
	excellent  int
	lastSwitch time.Time
	history    []qualitySwitch
}

type qualitySwitch struct {
	Tier      domain.QualityTier
	Quality   domain.ConnectionQuality
	Timestamp time.Time
}

const maxSwitchHistory = 100

func NewAdaptiveQualityService(cfg AdaptiveConfig, logger *zap.SugaredLogger) *AdaptiveQualityService {
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = 10 * time.Second
	}
	return &AdaptiveQualityService{
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
		sessions: make(map[domain.SessionID]*adaptiveState),
	}
}

// Track starts adapting id. The hold-off window starts now.
func (a *AdaptiveQualityService) Track(id domain.SessionID, switcher QualitySwitcher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[id] = &adaptiveState{switcher: switcher, lastSwitch: a.now()}
}

func (a *AdaptiveQualityService) Forget(id domain.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, id)
}

// HandleStats is a HealthMonitor stats observer. Degraded samples do not count.
func (a *AdaptiveQualityService) HandleStats(s domain.StreamHealthStats) {
	if s.Degraded || !s.IsLive {
		return
	}

	a.mu.Lock()
	st, ok := a.sessions[s.SessionID]
	if !ok {
		a.mu.Unlock()
		return
	}

	switch s.ConnectionQuality {
	case domain.QualityPoor:
		st.poor++
		st.excellent = 0
	case domain.QualityExcellent:
		st.excellent++
		st.poor = 0
	default:
		st.poor = 0
		st.excellent = 0
	}

	now := a.now()
	var step func(context.Context) (domain.QualityTier, error)
	direction := ""
	if now.Sub(st.lastSwitch) >= a.cfg.MinTimeBetweenSwitches {
		switch {
		case st.poor >= a.cfg.PoorSamplesBeforeDowngrade:
			step, direction = st.switcher.Downgrade, "down"
		case st.excellent >= a.cfg.GoodSamplesBeforeUpgrade:
			step, direction = st.switcher.Upgrade, "up"
		}
	}
	a.mu.Unlock()

	if step == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SwitchTimeout)
	defer cancel()
	tier, err := step(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok = a.sessions[s.SessionID]
	if !ok {
		return
	}
	st.poor = 0
	st.excellent = 0

	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyLowestTier) && !errors.Is(err, domain.ErrAlreadyHighestTier) {
			a.logger.Warnw("adaptive quality switch failed",
				"session_id", s.SessionID,
				"direction", direction,
				"error", err,
			)
		}
		return
	}

	st.lastSwitch = now
	st.history = append(st.history, qualitySwitch{Tier: tier, Quality: s.ConnectionQuality, Timestamp: now})
	if len(st.history) > maxSwitchHistory {
		st.history = st.history[len(st.history)-maxSwitchHistory:]
	}

	a.logger.Infow("adaptive quality switch",
		"session_id", s.SessionID,
		"direction", direction,
		"tier", tier,
		"connection_quality", s.ConnectionQuality,
		"packet_loss", s.Network.PacketLoss,
		"rtt", s.Network.RoundTripTime,
	)
}

// History returns the tiers switched to for id, oldest first.
func (a *AdaptiveQualityService) History(id domain.SessionID) []domain.QualityTier {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sessions[id]
	if !ok {
		return nil
	}
	out := make([]domain.QualityTier, 0, len(st.history))
	for _, h := range st.history {
		out = append(out, h.Tier)
	}
	return out
}
