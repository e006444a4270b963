package domain

import (
	"time"
)

type StreamID string
type SessionID string

// StreamInfo is the control-plane view of a stream object.
type StreamInfo struct {
	ID          StreamID  `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	PlaybackURL string    `json:"playback_url"`
	IngestURL   string    `json:"ingest_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type SessionStatus string

const (
	SessionIdle         SessionStatus = "idle"
	SessionActive       SessionStatus = "active"
	SessionDisconnected SessionStatus = "disconnected"
)

// StreamSession is one logical stream as seen by the lifecycle controller.
type StreamSession struct {
	ID        SessionID     `json:"id"`
	StreamID  StreamID      `json:"stream_id"`
	Title     string        `json:"title"`
	Status    SessionStatus `json:"status"`
	Tier      QualityTier   `json:"tier"`
	CreatedAt time.Time     `json:"created_at"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	EndReason string        `json:"end_reason,omitempty"`
}

func (s StreamSession) IsActive() bool {
	return s.Status == SessionActive
}

func (s StreamSession) IsTerminal() bool {
	return s.Status == SessionDisconnected
}

// Duration returns the time since the session went active, or zero if it never did.
func (s StreamSession) Duration(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := now
	if !s.EndedAt.IsZero() {
		end = s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}
