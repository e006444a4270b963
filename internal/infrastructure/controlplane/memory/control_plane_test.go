package memory

import (
	"context"
	"testing"

	"streamguard/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestControlPlane_Lifecycle(t *testing.T) {
	cp, err := NewControlPlane("https://play.example.com/live", "rtmp://ingest.example.com/app", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	ctx := context.Background()

	info, err := cp.CreateStream(ctx, "Morning show", "daily")
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "https://play.example.com/live/"+string(info.ID), info.PlaybackURL)
	assert.Equal(t, "rtmp://ingest.example.com/app/"+string(info.ID), info.IngestURL)

	require.NoError(t, cp.Start(ctx, info.ID))
	_, started, ended, ok := cp.Stream(info.ID)
	require.True(t, ok)
	assert.True(t, started)
	assert.False(t, ended)

	require.NoError(t, cp.End(ctx, info.ID))
	require.NoError(t, cp.End(ctx, info.ID))
	_, _, ended, _ = cp.Stream(info.ID)
	assert.True(t, ended)

	assert.Error(t, cp.Start(ctx, info.ID))
}

func TestControlPlane_UnknownStream(t *testing.T) {
	cp, err := NewControlPlane("http://localhost/play", "http://localhost/ingest", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	assert.ErrorIs(t, cp.Start(context.Background(), "missing"), domain.ErrStreamNotFound)
	assert.ErrorIs(t, cp.End(context.Background(), "missing"), domain.ErrStreamNotFound)

	_, _, _, ok := cp.Stream("missing")
	assert.False(t, ok)
}

func TestControlPlane_InvalidBaseURL(t *testing.T) {
	_, err := NewControlPlane("://bad", "http://localhost", zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
