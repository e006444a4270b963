package memory

import (
	"context"
	"fmt"
	"sync"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
)

// MemorySessionRepository stores copies, so callers never share records.
type MemorySessionRepository struct {
	sessions map[domain.SessionID]domain.StreamSession
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]domain.StreamSession),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, session.ID)
	}
	r.sessions[session.ID] = *session
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return &session, nil
}

func (r *MemorySessionRepository) Update(ctx context.Context, session *domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, session.ID)
	}
	r.sessions[session.ID] = *session
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	return nil
}

func (r *MemorySessionRepository) ListActive(ctx context.Context) ([]*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*domain.StreamSession
	for _, session := range r.sessions {
		if session.IsActive() {
			s := session
			active = append(active, &s)
		}
	}
	return active, nil
}
