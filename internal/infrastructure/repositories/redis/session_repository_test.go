package redis

import (
	"context"
	"testing"
	"time"

	"streamguard/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(mr.Addr(), "", 0, 4, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseRedisClient(client) })
	return client, mr
}

func TestRedisSessionRepository_CRUD(t *testing.T) {
	client, _ := newTestClient(t)
	repo := NewRedisSessionRepository(client)
	ctx := context.Background()

	session := &domain.StreamSession{
		ID:        "sess-1",
		StreamID:  "stream-1",
		Title:     "Morning show",
		Status:    domain.SessionIdle,
		Tier:      domain.TierMedium,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, repo.Create(ctx, session))
	assert.ErrorIs(t, repo.Create(ctx, session), domain.ErrSessionExists)

	got, err := repo.GetByID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.Title, got.Title)
	assert.True(t, session.CreatedAt.Equal(got.CreatedAt))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	session.Status = domain.SessionActive
	session.StartedAt = time.Now().UTC()
	require.NoError(t, repo.Update(ctx, session))

	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.SessionID("sess-1"), active[0].ID)

	session.Status = domain.SessionDisconnected
	require.NoError(t, repo.Update(ctx, session))
	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, repo.Delete(ctx, "sess-1"))
	_, err = repo.GetByID(ctx, "sess-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "sess-1"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Update(ctx, session), domain.ErrSessionNotFound)
}

func TestMigrate_PrunesDanglingActiveMembers(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := mr.SAdd(sessionActiveKey, "ghost", "live")
	require.NoError(t, err)
	require.NoError(t, mr.Set(sessionKeyPrefix+"live", "{}"))

	client, err := NewRedisClient(mr.Addr(), "", 0, 4, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	members, err := mr.Members(sessionActiveKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, members)

	version, err := mr.Get(schemaVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}
