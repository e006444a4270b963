package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCache_SetGet(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Close()

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New[string](0)
	defer c.Close()
	c.now = func() time.Time { return now }

	c.SetWithTTL("k", "v", time.Second)
	_, ok := c.Get("k")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)

	c.Invalidate("")
	assert.Equal(t, 0, c.Len())
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New[int](0)
	defer c.Close()

	c.Set("caps:cam-1", 1)
	c.Set("caps:cam-2", 2)
	c.Set("other", 3)

	c.Invalidate("caps:")
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("other")
	assert.True(t, ok)
}

func TestCache_GetOrLoad(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Close()

	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return 7, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(context.Background(), "k", load)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	}
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), "bad", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("bad")
	assert.False(t, ok)
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New[int](10 * time.Millisecond)
	c.Close()
	c.Close()
}
