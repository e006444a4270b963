package ports

import (
	"context"

	"streamguard/internal/core/domain"
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.StreamSession) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error)
	Update(ctx context.Context, session *domain.StreamSession) error
	Delete(ctx context.Context, id domain.SessionID) error
	ListActive(ctx context.Context) ([]*domain.StreamSession, error)
}
