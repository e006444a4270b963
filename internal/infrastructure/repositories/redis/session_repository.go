package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "streamguard:session:"
	sessionActiveKey = "streamguard:sessions:active"
)

type RedisSessionRepository struct {
	client *redis.Client
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{client: client}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return sessionKeyPrefix + string(id)
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.StreamSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, session.ID)
	}
	return r.syncActive(ctx, session)
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.StreamSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.StreamSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.SetXX(ctx, r.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, session.ID)
	}
	return r.syncActive(ctx, session)
}

func (r *RedisSessionRepository) syncActive(ctx context.Context, session *domain.StreamSession) error {
	var err error
	if session.IsActive() {
		err = r.client.SAdd(ctx, sessionActiveKey, string(session.ID)).Err()
	} else {
		err = r.client.SRem(ctx, sessionActiveKey, string(session.ID)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update active session set: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, sessionActiveKey, string(id))
	del := pipe.Del(ctx, r.sessionKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return nil
}

func (r *RedisSessionRepository) ListActive(ctx context.Context) ([]*domain.StreamSession, error) {
	ids, err := r.client.SMembers(ctx, sessionActiveKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active sessions from Redis: %w", err)
	}

	sessions := make([]*domain.StreamSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.GetByID(ctx, domain.SessionID(id))
		if err != nil {
			// Skip sessions that no longer exist
			continue
		}
		if session.IsActive() {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}
