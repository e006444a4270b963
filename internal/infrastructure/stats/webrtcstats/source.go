// Package webrtcstats is a ports.StatsSource for sessions whose media flows
// over a pion PeerConnection. Entries are keyed by capture handle id or, for
// media that outlives a device switch, by session id.
package webrtcstats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"streamguard/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// peerStats is the part of *webrtc.PeerConnection the source reads.
type peerStats interface {
	GetStats() webrtc.StatsReport
	ConnectionState() webrtc.PeerConnectionState
}

type trackedHandle struct {
	peer    peerStats
	rtcp    *RTCPTracker
	video   *FrameMeter
	audio   *FrameMeter
	viewers int
}

type Source struct {
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.SugaredLogger

	mu      sync.RWMutex
	handles map[string]*trackedHandle
}

// NewSource creates a source. Handles without a PeerConnection count as live
// while packets arrived within staleAfter.
func NewSource(staleAfter time.Duration, logger *zap.SugaredLogger) *Source {
	if staleAfter <= 0 {
		staleAfter = 3 * time.Second
	}
	return &Source{
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
		handles:    make(map[string]*trackedHandle),
	}
}

func (s *Source) track(handleID string) *trackedHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[handleID]
	if !ok {
		h = &trackedHandle{
			rtcp:  NewRTCPTracker(),
			video: NewFrameMeter(time.Second),
			audio: NewFrameMeter(time.Second),
		}
		h.rtcp.now = s.now
		h.video.now = s.now
		h.audio.now = s.now
		s.handles[handleID] = h
	}
	return h
}

func (s *Source) lookup(handleID string) (*trackedHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[handleID]
	return h, ok
}

// Attach binds the PeerConnection carrying the media of handleID.
func (s *Source) Attach(handleID string, pc *webrtc.PeerConnection) {
	s.attach(handleID, pc)
}

func (s *Source) attach(handleID string, p peerStats) {
	h := s.track(handleID)
	s.mu.Lock()
	h.peer = p
	s.mu.Unlock()
	s.logger.Debugw("peer connection attached", "handle_id", handleID)
}

// Detach forgets handleID; later Stats calls report it unavailable.
func (s *Source) Detach(handleID string) {
	s.mu.Lock()
	delete(s.handles, handleID)
	s.mu.Unlock()
}

// Forget drops the counters of a released capture handle.
func (s *Source) Forget(handleID string) {
	s.Detach(handleID)
}

// ObserveRTP feeds a packet of the given kind.
func (s *Source) ObserveRTP(handleID string, kind domain.DeviceKind, p *rtp.Packet) {
	h := s.track(handleID)
	if kind == domain.DeviceKindAudio {
		h.audio.Observe(p)
		return
	}
	h.video.Observe(p)
}

func (s *Source) ObserveRTCP(handleID string, packets []rtcp.Packet) {
	s.track(handleID).rtcp.Process(packets)
}

// SetViewers records the audience size reported by the distribution side.
func (s *Source) SetViewers(handleID string, n int) {
	h := s.track(handleID)
	s.mu.Lock()
	h.viewers = n
	s.mu.Unlock()
}

// ReadReceiverRTCP pumps the sender reports arriving on receiver.
func (s *Source) ReadReceiverRTCP(ctx context.Context, handleID string, receiver *webrtc.RTPReceiver) error {
	return s.ReadRTCP(ctx, handleID, func() ([]rtcp.Packet, error) {
		packets, _, err := receiver.ReadRTCP()
		return packets, err
	})
}

// ReadRTCP feeds packets from read until the transport closes or ctx is done.
func (s *Source) ReadRTCP(ctx context.Context, handleID string, read func() ([]rtcp.Packet, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		packets, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			s.logger.Warnw("error reading RTCP packets",
				"handle_id", handleID,
				"error", err,
			)
			return err
		}
		s.ObserveRTCP(handleID, packets)
	}
}

func (s *Source) Stats(ctx context.Context, handle *domain.CaptureHandle) (*domain.RawStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, fmt.Errorf("%w: no handle", domain.ErrStatsUnavailable)
	}
	h, ok := s.lookup(handle.ID)
	if !ok && handle.SessionID != "" {
		h, ok = s.lookup(string(handle.SessionID))
	}
	if !ok {
		return nil, fmt.Errorf("%w: handle %s is not tracked", domain.ErrStatsUnavailable, handle.ID)
	}

	s.mu.RLock()
	peer, viewers := h.peer, h.viewers
	s.mu.RUnlock()

	now := s.now()
	video := h.video.Snapshot()
	audio := h.audio.Snapshot()

	out := &domain.RawStats{
		Timestamp:      now,
		CurrentViewers: viewers,
		Video: domain.VideoMetrics{
			FrameRate:     video.FrameRate,
			Bitrate:       video.Bitrate,
			DroppedFrames: video.DroppedFrames,
			TotalFrames:   video.TotalFrames,
		},
		Audio: domain.AudioMetrics{
			Bitrate: audio.Bitrate,
		},
	}
	if handle.Video.Width != nil {
		out.Video.Width = *handle.Video.Width
	}
	if handle.Video.Height != nil {
		out.Video.Height = *handle.Video.Height
	}
	if handle.Audio.SampleRate != nil {
		out.Audio.SampleRate = *handle.Audio.SampleRate
	}

	loss, hasLoss, rtt, hasRTT := h.rtcp.Snapshot()
	if !hasLoss {
		// inbound media: loss from sequence gaps
		lost := video.LostPackets + audio.LostPackets
		if total := video.Packets + audio.Packets + lost; total > 0 {
			loss, hasLoss = float64(lost)/float64(total)*100, true
		}
	}
	if hasLoss {
		out.Network.PacketLoss = loss
	}
	if hasRTT {
		out.Network.RoundTripTime = rtt
	}

	if peer != nil {
		out.IsLive = peer.ConnectionState() == webrtc.PeerConnectionStateConnected
		applyReport(out, peer.GetStats(), !hasLoss, !hasRTT)
	} else {
		last := video.LastPacket
		if audio.LastPacket.After(last) {
			last = audio.LastPacket
		}
		out.IsLive = !last.IsZero() && now.Sub(last) <= s.staleAfter
	}
	return out, nil
}

// applyReport fills bandwidth, and loss or RTT when RTCP has not supplied
// them, from a GetStats report.
func applyReport(out *domain.RawStats, report webrtc.StatsReport, wantLoss, wantRTT bool) {
	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if !st.Nominated {
				continue
			}
			out.Network.AvailableBandwidth = int(st.AvailableOutgoingBitrate)
			if wantRTT && st.CurrentRoundTripTime > 0 {
				out.Network.RoundTripTime = secondsToDuration(st.CurrentRoundTripTime)
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if wantLoss {
				out.Network.PacketLoss = st.FractionLost * 100
			}
			if wantRTT && st.RoundTripTime > 0 {
				out.Network.RoundTripTime = secondsToDuration(st.RoundTripTime)
			}
		}
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
