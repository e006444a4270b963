// Package memory is an in-process ports.ControlPlane for single-node runs.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"streamguard/internal/core/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type streamState struct {
	info    domain.StreamInfo
	started bool
	ended   bool
}

type ControlPlane struct {
	playbackBase *url.URL
	ingestBase   *url.URL
	now          func() time.Time
	logger       *zap.SugaredLogger

	mu      sync.RWMutex
	streams map[domain.StreamID]*streamState
}

func NewControlPlane(playbackBaseURL, ingestBaseURL string, logger *zap.SugaredLogger) (*ControlPlane, error) {
	playback, err := url.Parse(playbackBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid playback base url: %w", err)
	}
	ingest, err := url.Parse(ingestBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ingest base url: %w", err)
	}
	return &ControlPlane{
		playbackBase: playback,
		ingestBase:   ingest,
		now:          time.Now,
		logger:       logger,
		streams:      make(map[domain.StreamID]*streamState),
	}, nil
}

func (c *ControlPlane) CreateStream(ctx context.Context, title, description string) (*domain.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := domain.StreamID(uuid.New().String())
	info := domain.StreamInfo{
		ID:          id,
		Title:       title,
		Description: description,
		PlaybackURL: c.playbackBase.JoinPath(string(id)).String(),
		IngestURL:   c.ingestBase.JoinPath(string(id)).String(),
		CreatedAt:   c.now(),
	}

	c.mu.Lock()
	c.streams[id] = &streamState{info: info}
	c.mu.Unlock()

	c.logger.Infow("stream created", "stream_id", id, "title", title)
	out := info
	return &out, nil
}

func (c *ControlPlane) Start(ctx context.Context, id domain.StreamID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStreamNotFound, id)
	}
	if st.ended {
		return fmt.Errorf("stream %s already ended", id)
	}
	st.started = true
	c.logger.Infow("stream started", "stream_id", id)
	return nil
}

// End marks the stream finished. Ending twice is not an error.
func (c *ControlPlane) End(ctx context.Context, id domain.StreamID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStreamNotFound, id)
	}
	if !st.ended {
		st.ended = true
		c.logger.Infow("stream ended", "stream_id", id)
	}
	return nil
}

// Stream returns the stream and whether it is started and ended.
func (c *ControlPlane) Stream(id domain.StreamID) (info domain.StreamInfo, started, ended bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.streams[id]
	if !ok {
		return domain.StreamInfo{}, false, false, false
	}
	return st.info, st.started, st.ended, true
}
