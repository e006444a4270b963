package services

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type activeStub struct {
	session domain.StreamSession
	handle  *domain.CaptureHandle
}

func newActiveStub() *activeStub {
	return &activeStub{
		session: domain.StreamSession{ID: "sess-1", Status: domain.SessionActive, StartedAt: time.Now().Add(-time.Minute)},
		handle:  &domain.CaptureHandle{ID: "h1"},
	}
}

func (a *activeStub) ID() domain.SessionID { return a.session.ID }

func (a *activeStub) WithActiveHandle(fn func(domain.StreamSession, *domain.CaptureHandle) error) error {
	if a.session.Status != domain.SessionActive {
		return domain.ErrSessionNotActive
	}
	return fn(a.session, a.handle)
}

func newTestSampler(t *testing.T, stats *fakeStats, timeout time.Duration) *HealthSampler {
	return NewHealthSampler(stats, timeout, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t).Sugar())
}

func TestHealthSampler_Sample(t *testing.T) {
	stats := &fakeStats{next: func(int) (*domain.RawStats, error) {
		return liveStats(0.5, 40*time.Millisecond, 7), nil
	}}
	s := newTestSampler(t, stats, time.Second)

	out, err := s.Sample(context.Background(), newActiveStub(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("sess-1"), out.SessionID)
	assert.True(t, out.IsLive)
	assert.False(t, out.Degraded)
	assert.Equal(t, domain.ViewerMetrics{Current: 7, Peak: 7}, out.Viewers)
	assert.InDelta(t, time.Minute.Seconds(), out.Duration.Seconds(), 5)
	assert.Equal(t, 0.5, out.Network.PacketLoss)
	assert.Equal(t, domain.QualityUnknown, out.ConnectionQuality)
}

func TestHealthSampler_NotActive(t *testing.T) {
	stats := &fakeStats{next: func(int) (*domain.RawStats, error) { return liveStats(0, 0, 0), nil }}
	s := newTestSampler(t, stats, time.Second)

	src := newActiveStub()
	src.session.Status = domain.SessionIdle

	_, err := s.Sample(context.Background(), src, nil)
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
	assert.Equal(t, 0, stats.calls)
}

func TestHealthSampler_PeakViewersNeverDecrease(t *testing.T) {
	viewers := []int{5, 3, 8, 0, -2, 6}
	stats := &fakeStats{next: func(n int) (*domain.RawStats, error) {
		return liveStats(0, 0, viewers[n-1]), nil
	}}
	s := newTestSampler(t, stats, time.Second)
	src := newActiveStub()

	var prev *domain.StreamHealthStats
	wantPeak := []int{5, 5, 8, 8, 8, 8}
	for i := range viewers {
		out, err := s.Sample(context.Background(), src, prev)
		require.NoError(t, err)
		assert.Equal(t, wantPeak[i], out.Viewers.Peak, "sample %d", i)
		assert.GreaterOrEqual(t, out.Viewers.Current, 0)
		prev = out
	}
}

func TestHealthSampler_SanitizesRawNumbers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	stats := &fakeStats{next: func(int) (*domain.RawStats, error) {
		raw := liveStats(rng.Float64()*300-100, time.Duration(rng.Int63n(int64(time.Second)))-500*time.Millisecond, rng.Intn(10))
		raw.Video.TotalFrames = rng.Int63n(1000) - 100
		raw.Video.DroppedFrames = rng.Int63n(2000) - 100
		return raw, nil
	}}
	s := newTestSampler(t, stats, time.Second)
	src := newActiveStub()

	for i := 0; i < 500; i++ {
		out, err := s.Sample(context.Background(), src, nil)
		require.NoError(t, err)
		require.GreaterOrEqual(t, out.Video.DroppedFrames, int64(0))
		require.LessOrEqual(t, out.Video.DroppedFrames, out.Video.TotalFrames)
		require.GreaterOrEqual(t, out.Network.PacketLoss, 0.0)
		require.LessOrEqual(t, out.Network.PacketLoss, 100.0)
		require.GreaterOrEqual(t, out.Network.RoundTripTime, time.Duration(0))
	}
}

func TestHealthSampler_StatsFailureCarriesPreviousForward(t *testing.T) {
	tests := []struct {
		name string
		next func(int) (*domain.RawStats, error)
	}{
		{"error", func(int) (*domain.RawStats, error) { return nil, errors.New("getStats rejected") }},
		{"nil stats", func(int) (*domain.RawStats, error) { return nil, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSampler(t, &fakeStats{next: tt.next}, time.Second)
			prev := &domain.StreamHealthStats{
				SessionID: "sess-1",
				IsLive:    true,
				Viewers:   domain.ViewerMetrics{Current: 4, Peak: 9},
				Network:   domain.NetworkMetrics{PacketLoss: 1.5, RoundTripTime: 80 * time.Millisecond},
			}

			out, err := s.Sample(context.Background(), newActiveStub(), prev)
			require.NoError(t, err)
			assert.True(t, out.Degraded)
			assert.True(t, out.IsLive)
			assert.Equal(t, prev.Viewers, out.Viewers)
			assert.Equal(t, prev.Network, out.Network)
		})
	}
}

func TestHealthSampler_BlockingSourceTimesOut(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stats := &fakeStats{next: func(int) (*domain.RawStats, error) {
		<-release
		return liveStats(0, 0, 1), nil
	}}
	s := newTestSampler(t, stats, 20*time.Millisecond)

	start := time.Now()
	out, err := s.Sample(context.Background(), newActiveStub(), nil)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Less(t, time.Since(start), time.Second)
}

func samplerBusy(s *HealthSampler, id domain.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[id]
}

func TestHealthSampler_HungSourceIsNotStacked(t *testing.T) {
	release := make(chan struct{})
	stats := &fakeStats{next: func(int) (*domain.RawStats, error) {
		<-release
		return liveStats(0, 0, 1), nil
	}}
	s := newTestSampler(t, stats, 5*time.Millisecond)
	src := newActiveStub()

	for i := 0; i < 10; i++ {
		out, err := s.Sample(context.Background(), src, nil)
		require.NoError(t, err)
		assert.True(t, out.Degraded, "sample %d", i)
	}
	assert.Equal(t, 1, stats.callCount())

	close(release)
	require.Eventually(t, func() bool { return !samplerBusy(s, src.ID()) }, time.Second, time.Millisecond)

	stats.set(func(int) (*domain.RawStats, error) { return liveStats(0, 0, 2), nil })
	out, err := s.Sample(context.Background(), src, nil)
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.Equal(t, 2, stats.callCount())
}

func TestHealthSampler_TimeoutsOpenBreaker(t *testing.T) {
	release := make(chan struct{})
	stats := &fakeStats{next: func(int) (*domain.RawStats, error) {
		<-release
		return liveStats(0, 0, 1), nil
	}}
	s := NewHealthSampler(stats, 5*time.Millisecond, circuitbreaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Minute,
	}, zaptest.NewLogger(t).Sugar())
	src := newActiveStub()

	for i := 0; i < 2; i++ {
		out, err := s.Sample(context.Background(), src, nil)
		require.NoError(t, err)
		assert.True(t, out.Degraded)

		release <- struct{}{}
		require.Eventually(t, func() bool { return !samplerBusy(s, src.ID()) }, time.Second, time.Millisecond)
	}

	out, err := s.Sample(context.Background(), src, nil)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, 2, stats.callCount(), "open breaker must not reach the source")
	assert.False(t, samplerBusy(s, src.ID()))
}

func TestHealthSampler_ForgetsReplacedHandles(t *testing.T) {
	stats := &fakeStats{next: func(int) (*domain.RawStats, error) {
		return liveStats(0.5, 40*time.Millisecond, 1), nil
	}}
	s := newTestSampler(t, stats, time.Second)
	src := newActiveStub()
	ctx := context.Background()

	_, err := s.Sample(ctx, src, nil)
	require.NoError(t, err)
	_, err = s.Sample(ctx, src, nil)
	require.NoError(t, err)
	assert.Empty(t, stats.forgottenHandles())

	src.handle = &domain.CaptureHandle{ID: "h2"}
	_, err = s.Sample(ctx, src, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, stats.forgottenHandles())

	s.Forget(src.session.ID)
	assert.Equal(t, []string{"h1", "h2"}, stats.forgottenHandles())

	s.Forget(src.session.ID)
	assert.Equal(t, []string{"h1", "h2"}, stats.forgottenHandles())
}
