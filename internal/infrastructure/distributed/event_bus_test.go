package distributed

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

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func subscribe(t *testing.T, bus *EventBus) <-chan *Event {
	t.Helper()
	events := make(chan *Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Subscribe(ctx, func(e *Event) error {
			events <- e
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// miniredis reports the subscriber once Subscribe has been confirmed
	require.Eventually(t, func() bool {
		n, err := bus.client.PubSubNumSub(context.Background(), bus.channel).Result()
		return err == nil && n[bus.channel] == 1
	}, 2*time.Second, 5*time.Millisecond)
	return events
}

func receive(t *testing.T, events <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestEventBus_FansOutAcrossInstances(t *testing.T) {
	client := newTestClient(t)
	logger := zaptest.NewLogger(t).Sugar()

	publisher := NewEventBus(client, "instance-a", "", logger)
	listener := NewEventBus(client, "instance-b", "", logger)
	events := subscribe(t, listener)

	now := time.Now().UTC().Truncate(time.Millisecond)
	publisher.PublishAlert(domain.StreamHealthAlert{
		ID:        "alert-1",
		SessionID: "s1",
		Severity:  domain.SeverityCritical,
		Condition: domain.ConditionPacketLoss,
		Timestamp: now,
	})

	e := receive(t, events)
	assert.Equal(t, EventHealthAlert, e.Type)
	assert.Equal(t, "instance-a", e.InstanceID)
	assert.Equal(t, domain.SessionID("s1"), e.SessionID)

	alert, err := e.DecodeAlert()
	require.NoError(t, err)
	assert.Equal(t, "alert-1", alert.ID)
	assert.True(t, now.Equal(alert.Timestamp))

	_, err = e.DecodeStats()
	assert.Error(t, err)
}

func TestEventBus_SkipsOwnEvents(t *testing.T) {
	client := newTestClient(t)
	logger := zaptest.NewLogger(t).Sugar()

	bus := NewEventBus(client, "instance-a", "custom:channel", logger)
	other := NewEventBus(client, "instance-b", "custom:channel", logger)
	events := subscribe(t, bus)

	bus.PublishStats(domain.StreamHealthStats{SessionID: "own"})
	other.PublishSessionState(domain.StreamSession{ID: "s2", Status: domain.SessionDisconnected})

	e := receive(t, events)
	assert.Equal(t, EventSessionState, e.Type)

	session, err := e.DecodeSession()
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDisconnected, session.Status)
}

func TestEventBus_StatsRoundTrip(t *testing.T) {
	client := newTestClient(t)
	logger := zaptest.NewLogger(t).Sugar()

	publisher := NewEventBus(client, "a", "", logger)
	events := subscribe(t, NewEventBus(client, "b", "", logger))

	publisher.PublishStats(domain.StreamHealthStats{
		SessionID:         "s1",
		IsLive:            true,
		ConnectionQuality: domain.QualityGood,
		Network:           domain.NetworkMetrics{PacketLoss: 1.5, RoundTripTime: 80 * time.Millisecond},
	})

	stats, err := receive(t, events).DecodeStats()
	require.NoError(t, err)
	assert.Equal(t, domain.QualityGood, stats.ConnectionQuality)
	assert.Equal(t, 80*time.Millisecond, stats.Network.RoundTripTime)
}

func TestEventBus_SubscribeTwice(t *testing.T) {
	client := newTestClient(t)
	bus := NewEventBus(client, "a", "", zaptest.NewLogger(t).Sugar())
	subscribe(t, bus)

	err := bus.Subscribe(context.Background(), func(*Event) error { return nil })
	assert.EqualError(t, err, "already subscribed")
}

func TestEventBus_PublishFailureIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	bus := NewEventBus(client, "a", "", zaptest.NewLogger(t).Sugar())
	err := bus.Publish(context.Background(), &Event{Type: EventHealthStats})
	assert.Error(t, err)

	// observers swallow the error
	bus.PublishStats(domain.StreamHealthStats{SessionID: "s1"})
}
