package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
	"streamguard/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// ActiveSession is the part of a session controller the sampler needs.
type ActiveSession interface {
	ID() domain.SessionID
	WithActiveHandle(fn func(domain.StreamSession, *domain.CaptureHandle) error) error
}

// HealthSampler pulls raw stats for an active session and turns them into a
// StreamHealthStats sample. Stats failures never surface; the previous
// numbers are carried forward and the sample is marked degraded.
type HealthSampler struct {
	stats      ports.StatsSource
	timeout    time.Duration
	breakerCfg circuitbreaker.Config
	now        func() time.Time
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[domain.SessionID]*circuitbreaker.CircuitBreaker
	inFlight map[domain.SessionID]bool
	handles  map[domain.SessionID]string
}

var (
	errStatsTimeout  = fmt.Errorf("%w: stats call timed out", domain.ErrStatsUnavailable)
	errStatsInFlight = fmt.Errorf("%w: previous stats call still running", domain.ErrStatsUnavailable)
)

func NewHealthSampler(stats ports.StatsSource, timeout time.Duration, breakerCfg circuitbreaker.Config, logger *zap.SugaredLogger) *HealthSampler {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HealthSampler{
		stats:      stats,
		timeout:    timeout,
		breakerCfg: breakerCfg,
		now:        time.Now,
		logger:     logger,
		breakers:   make(map[domain.SessionID]*circuitbreaker.CircuitBreaker),
		inFlight:   make(map[domain.SessionID]bool),
		handles:    make(map[domain.SessionID]string),
	}
}

func (s *HealthSampler) breaker(id domain.SessionID) *circuitbreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[id]
	if !ok {
		cb = circuitbreaker.New(s.breakerCfg)
		s.breakers[id] = cb
	}
	return cb
}

// Forget drops per-session breaker state and the source's counters for the
// last sampled handle.
func (s *HealthSampler) Forget(id domain.SessionID) {
	s.mu.Lock()
	handleID := s.handles[id]
	delete(s.breakers, id)
	delete(s.handles, id)
	s.mu.Unlock()

	s.forgetHandle(handleID)
}

// noteHandle records the handle sampled for id and forgets the one it
// replaced after a device switch or reconfigure.
func (s *HealthSampler) noteHandle(id domain.SessionID, handleID string) {
	s.mu.Lock()
	previous := s.handles[id]
	s.handles[id] = handleID
	s.mu.Unlock()

	if previous != handleID {
		s.forgetHandle(previous)
	}
}

func (s *HealthSampler) forgetHandle(handleID string) {
	if handleID == "" {
		return
	}
	if f, ok := s.stats.(ports.HandleForgetter); ok {
		f.Forget(handleID)
	}
}

// Sample returns domain.ErrSessionNotActive when there is nothing to sample.
// ConnectionQuality is left for the classifier.
func (s *HealthSampler) Sample(ctx context.Context, src ActiveSession, prev *domain.StreamHealthStats) (*domain.StreamHealthStats, error) {
	var (
		session domain.StreamSession
		raw     *domain.RawStats
		rawErr  error
	)
	err := src.WithActiveHandle(func(sess domain.StreamSession, h *domain.CaptureHandle) error {
		session = sess
		s.noteHandle(sess.ID, h.ID)
		raw, rawErr = s.fetch(ctx, sess.ID, h)
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := &domain.StreamHealthStats{
		SessionID: session.ID,
		Timestamp: now,
		Duration:  session.Duration(now),
	}

	if rawErr != nil {
		s.logger.Debugw("stats unavailable, carrying previous sample forward",
			"session_id", session.ID,
			"error", rawErr,
		)
		if prev != nil {
			out.Viewers = prev.Viewers
			out.Video = prev.Video
			out.Audio = prev.Audio
			out.Network = prev.Network
		}
		out.IsLive = true
		out.Degraded = true
		return out, nil
	}

	out.IsLive = raw.IsLive
	out.Video = raw.Video
	out.Audio = raw.Audio
	out.Network = raw.Network
	sanitize(out)

	current := raw.CurrentViewers
	if current < 0 {
		current = 0
	}
	peak := current
	if prev != nil && prev.Viewers.Peak > peak {
		peak = prev.Viewers.Peak
	}
	out.Viewers = domain.ViewerMetrics{Current: current, Peak: peak}
	return out, nil
}

// fetch bounds the stats call by the sampler timeout even if the source
// ignores its context. At most one call per session is outstanding: while a
// timed-out call is still running, later ticks skip the source. A timeout
// counts as a breaker failure; cancellation of ctx does not.
func (s *HealthSampler) fetch(ctx context.Context, id domain.SessionID, h *domain.CaptureHandle) (*domain.RawStats, error) {
	if !s.acquireSlot(id) {
		return nil, errStatsInFlight
	}

	started := false
	raw, err := circuitbreaker.Execute(ctx, s.breaker(id), func() (*domain.RawStats, error) {
		started = true
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		type result struct {
			raw *domain.RawStats
			err error
		}
		ch := make(chan result, 1)

		go func() {
			defer s.releaseSlot(id)
			raw, err := s.stats.Stats(callCtx, h)
			if err == nil && raw == nil {
				err = domain.ErrStatsUnavailable
			}
			ch <- result{raw: raw, err: err}
		}()

		select {
		case r := <-ch:
			return r.raw, r.err
		case <-callCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errStatsTimeout
		}
	})
	if !started {
		// the breaker rejected the call
		s.releaseSlot(id)
	}
	return raw, err
}

func (s *HealthSampler) acquireSlot(id domain.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *HealthSampler) releaseSlot(id domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func sanitize(st *domain.StreamHealthStats) {
	v := &st.Video
	if v.TotalFrames < 0 {
		v.TotalFrames = 0
	}
	if v.DroppedFrames < 0 {
		v.DroppedFrames = 0
	}
	if v.DroppedFrames > v.TotalFrames {
		v.DroppedFrames = v.TotalFrames
	}
	if v.FrameRate < 0 {
		v.FrameRate = 0
	}
	if v.Bitrate < 0 {
		v.Bitrate = 0
	}
	if st.Audio.Bitrate < 0 {
		st.Audio.Bitrate = 0
	}

	n := &st.Network
	if n.PacketLoss < 0 {
		n.PacketLoss = 0
	}
	if n.PacketLoss > 100 {
		n.PacketLoss = 100
	}
	if n.RoundTripTime < 0 {
		n.RoundTripTime = 0
	}
	if n.AvailableBandwidth < 0 {
		n.AvailableBandwidth = 0
	}
}
