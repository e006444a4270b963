// Package ingest terminates publisher PeerConnections and feeds what arrives
// on them into the webrtc stats source, keyed by session.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/infrastructure/stats/webrtcstats"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// GatherTimeout bounds ICE gathering before the answer is returned.
	GatherTimeout time.Duration
	// IncludeLoopback offers loopback candidates, for publishers on the same host.
	IncludeLoopback bool
}

// SessionLookup resolves the session a publisher feeds.
type SessionLookup interface {
	GetSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error)
}

type publisher struct {
	sessionID domain.SessionID
	pc        *webrtc.PeerConnection
	cancel    context.CancelFunc
	pumps     sync.WaitGroup
}

// Ingest accepts one publisher per active session.
type Ingest struct {
	cfg      Config
	api      *webrtc.API
	stats    *webrtcstats.Source
	sessions SessionLookup
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	publishers map[domain.SessionID]*publisher
}

func New(cfg Config, stats *webrtcstats.Source, sessions SessionLookup, logger *zap.SugaredLogger) *Ingest {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			logger.Warnw("ignoring webrtc port range", "error", err)
		}
	}

	return &Ingest{
		cfg:        cfg,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		stats:      stats,
		sessions:   sessions,
		logger:     logger,
		publishers: make(map[domain.SessionID]*publisher),
	}
}

// Publish answers a publisher offer for an active session. A second offer for
// the same session replaces the first connection.
func (i *Ingest) Publish(ctx context.Context, id domain.SessionID, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	session, err := i.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotActive, id)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: expected an sdp offer", domain.ErrInvalidArgument)
	}

	pc, err := i.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   i.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	pubCtx, cancel := context.WithCancel(context.Background())
	p := &publisher{sessionID: id, pc: pc, cancel: cancel}

	pc.OnTrack(i.handleTrack(pubCtx, p))
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		i.logger.Infow("publisher connection state changed",
			"session_id", id,
			"state", state,
		)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			i.remove(p)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		cancel()
		_ = pc.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		cancel()
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		cancel()
		_ = pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(i.cfg.GatherTimeout):
		i.logger.Warnw("ice gathering timed out, answering with partial candidates",
			"session_id", id,
		)
	case <-ctx.Done():
		cancel()
		_ = pc.Close()
		return nil, ctx.Err()
	}

	i.mu.Lock()
	previous := i.publishers[id]
	i.publishers[id] = p
	i.mu.Unlock()
	if previous != nil {
		i.close(previous)
		previous.pumps.Wait()
	}
	i.stats.Attach(string(id), pc)

	i.logger.Infow("publisher connected",
		"session_id", id,
		"replaced", previous != nil,
	)
	return pc.LocalDescription(), nil
}

// handleTrack pumps RTP and RTCP of one inbound track into the stats source.
func (i *Ingest) handleTrack(ctx context.Context, p *publisher) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	id := p.sessionID
	key := string(id)
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := domain.DeviceKindVideo
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			kind = domain.DeviceKindAudio
		}
		i.logger.Infow("publisher started streaming track",
			"session_id", id,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)

		p.pumps.Add(2)
		go func() {
			defer p.pumps.Done()
			_ = i.stats.ReadReceiverRTCP(ctx, key, receiver)
		}()
		go func() {
			defer p.pumps.Done()
			for {
				packet, _, err := track.ReadRTP()
				if err != nil {
					if !errors.Is(err, io.EOF) && ctx.Err() == nil {
						i.logger.Debugw("publisher track ended",
							"session_id", id,
							"track_id", track.ID(),
							"error", err,
						)
					}
					return
				}
				i.stats.ObserveRTP(key, kind, packet)
			}
		}()
	}
}

// Unpublish closes the publisher of id.
func (i *Ingest) Unpublish(id domain.SessionID) error {
	i.mu.Lock()
	p, ok := i.publishers[id]
	i.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotPublishing, id)
	}
	i.remove(p)
	return nil
}

// SetViewers records the audience size of a publishing session.
func (i *Ingest) SetViewers(id domain.SessionID, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: viewer count must be >= 0", domain.ErrInvalidArgument)
	}
	if !i.IsPublishing(id) {
		return fmt.Errorf("%w: %s", domain.ErrNotPublishing, id)
	}
	i.stats.SetViewers(string(id), n)
	return nil
}

func (i *Ingest) IsPublishing(id domain.SessionID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.publishers[id]
	return ok
}

// HandleSessionState closes the publisher of a disconnected session.
func (i *Ingest) HandleSessionState(s domain.StreamSession) {
	if s.Status != domain.SessionDisconnected {
		return
	}
	if err := i.Unpublish(s.ID); err == nil {
		i.logger.Infow("publisher closed with session", "session_id", s.ID)
	}
}

// remove drops p if it is still the publisher of its session.
func (i *Ingest) remove(p *publisher) {
	i.mu.Lock()
	current, ok := i.publishers[p.sessionID]
	if ok && current == p {
		delete(i.publishers, p.sessionID)
	}
	i.mu.Unlock()

	i.close(p)
	p.pumps.Wait()
	if ok && current == p {
		i.stats.Detach(string(p.sessionID))
	}
}

func (i *Ingest) close(p *publisher) {
	p.cancel()
	if err := p.pc.Close(); err != nil {
		i.logger.Warnw("error closing publisher connection",
			"session_id", p.sessionID,
			"error", err,
		)
	}
}

// Close closes every publisher and waits for the track pumps to exit.
func (i *Ingest) Close() {
	i.mu.Lock()
	publishers := make([]*publisher, 0, len(i.publishers))
	for _, p := range i.publishers {
		publishers = append(publishers, p)
	}
	i.mu.Unlock()

	for _, p := range publishers {
		i.remove(p)
	}
}
