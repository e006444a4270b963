// Package synthetic generates stats for handles from the virtual capture
// backend, following a scripted network profile.
package synthetic

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/ptr"

	"go.uber.org/zap"
)

// Profile is the network condition a handle reports. Variation jitters loss
// and RTT by up to that fraction in either direction.
type Profile struct {
	PacketLoss    float64
	RoundTripTime time.Duration
	Variation     float64
	Viewers       int
	Live          bool
	// Fail makes Stats return domain.ErrStatsUnavailable.
	Fail bool
}

type handleState struct {
	profile    Profile
	hasProfile bool
	frames     int64
	dropped    float64
	lastSample time.Time
}

type Source struct {
	logger *zap.SugaredLogger
	now    func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	defaults Profile
	handles  map[string]*handleState
}

func NewSource(defaults Profile, seed int64, logger *zap.SugaredLogger) *Source {
	return &Source{
		logger:   logger,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		defaults: defaults,
		handles:  make(map[string]*handleState),
	}
}

// SetDefault changes the profile of every handle without an explicit one.
func (s *Source) SetDefault(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = p
}

// SetProfile scripts the conditions reported for one handle.
func (s *Source) SetProfile(handleID string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(handleID)
	st.profile = p
	st.hasProfile = true
	s.logger.Debugw("synthetic profile set",
		"handle_id", handleID,
		"packet_loss", p.PacketLoss,
		"round_trip_time", p.RoundTripTime,
		"live", p.Live,
	)
}

// Forget drops per-handle counters.
func (s *Source) Forget(handleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, handleID)
}

func (s *Source) stateLocked(handleID string) *handleState {
	st, ok := s.handles[handleID]
	if !ok {
		st = &handleState{}
		s.handles[handleID] = st
	}
	return st
}

func (s *Source) Stats(ctx context.Context, handle *domain.CaptureHandle) (*domain.RawStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, fmt.Errorf("%w: no handle", domain.ErrStatsUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(handle.ID)
	p := s.defaults
	if st.hasProfile {
		p = st.profile
	}
	if p.Fail {
		return nil, fmt.Errorf("%w: scripted failure", domain.ErrStatsUnavailable)
	}

	now := s.now()
	width := ptr.Deref(handle.Video.Width, 0)
	height := ptr.Deref(handle.Video.Height, 0)
	fps := ptr.Deref(handle.Video.FrameRate, 0)
	if handle.VideoDeviceID != "" && fps == 0 {
		fps = 30
	}

	loss := clampLoss(s.jitter(p.PacketLoss, p.Variation))
	rtt := time.Duration(s.jitter(float64(p.RoundTripTime), p.Variation))
	if rtt < 0 {
		rtt = 0
	}

	out := &domain.RawStats{
		Timestamp:      now,
		CurrentViewers: p.Viewers,
		IsLive:         p.Live,
		Network: domain.NetworkMetrics{
			PacketLoss:    loss,
			RoundTripTime: rtt,
		},
	}

	if handle.VideoDeviceID != "" && p.Live {
		elapsed := time.Second
		if !st.lastSample.IsZero() {
			elapsed = now.Sub(st.lastSample)
		}
		sent := int64(fps * elapsed.Seconds())
		st.frames += sent
		// frames lost in transit grow with packet loss
		st.dropped += float64(sent) * loss / 100

		bitrate := videoBitrate(width, height, fps)
		out.Video = domain.VideoMetrics{
			Width:         width,
			Height:        height,
			FrameRate:     fps * (1 - loss/100),
			Bitrate:       int(float64(bitrate) * (1 - loss/100)),
			Codec:         "VP8",
			TotalFrames:   st.frames,
			DroppedFrames: int64(st.dropped),
		}
		out.Network.AvailableBandwidth = bitrate * 2
	}
	if handle.AudioDeviceID != "" && p.Live {
		out.Audio = domain.AudioMetrics{
			Bitrate:    64_000,
			SampleRate: ptr.Deref(handle.Audio.SampleRate, 48_000),
			Codec:      "opus",
		}
	}
	st.lastSample = now
	return out, nil
}

func (s *Source) jitter(v, variation float64) float64 {
	if variation <= 0 || v == 0 {
		return v
	}
	return v * (1 + variation*(2*s.rng.Float64()-1))
}

func clampLoss(v float64) float64 {
	return min(max(v, 0), 100)
}

// videoBitrate approximates an encoder target of 0.1 bits per pixel per frame.
func videoBitrate(width, height int, fps float64) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	return int(float64(width*height) * fps * 0.1)
}
