package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"streamguard/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventHealthStats  EventType = "health.stats"
	EventHealthAlert  EventType = "health.alert"
	EventSessionState EventType = "session.state"
)

const (
	DefaultChannel = "streamguard:events"

	publishTimeout = 2 * time.Second
)

// Event represents a distributed event
type Event struct {
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  domain.SessionID `json:"session_id,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// EventBus fans health samples, alerts and session transitions out to other
// instances over redis pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"session_id", event.SessionID,
	)
	return nil
}

// Subscribe blocks, calling handler for every event published by another
// instance, until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	// wait for the subscription to be confirmed so no event published after
	// Subscribe returns its first message is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

func (eb *EventBus) publishPayload(typ EventType, id domain.SessionID, ts time.Time, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		eb.logger.Warnw("failed to marshal event payload", "type", typ, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := eb.Publish(ctx, &Event{
		Type:      typ,
		SessionID: id,
		Timestamp: ts,
		Payload:   raw,
	}); err != nil {
		eb.logger.Warnw("event publish failed",
			"type", typ,
			"session_id", id,
			"error", err,
		)
	}
}

// PublishStats is a HealthMonitor stats observer.
func (eb *EventBus) PublishStats(s domain.StreamHealthStats) {
	eb.publishPayload(EventHealthStats, s.SessionID, s.Timestamp, s)
}

// PublishAlert is a HealthMonitor alert observer.
func (eb *EventBus) PublishAlert(a domain.StreamHealthAlert) {
	eb.publishPayload(EventHealthAlert, a.SessionID, a.Timestamp, a)
}

// PublishSessionState is a session state observer.
func (eb *EventBus) PublishSessionState(s domain.StreamSession) {
	eb.publishPayload(EventSessionState, s.ID, time.Time{}, s)
}

// DecodeStats returns the stats carried by a health.stats event.
func (e *Event) DecodeStats() (domain.StreamHealthStats, error) {
	var s domain.StreamHealthStats
	if e.Type != EventHealthStats {
		return s, fmt.Errorf("event %s does not carry stats", e.Type)
	}
	err := json.Unmarshal(e.Payload, &s)
	return s, err
}

// DecodeAlert returns the alert carried by a health.alert event.
func (e *Event) DecodeAlert() (domain.StreamHealthAlert, error) {
	var a domain.StreamHealthAlert
	if e.Type != EventHealthAlert {
		return a, fmt.Errorf("event %s does not carry an alert", e.Type)
	}
	err := json.Unmarshal(e.Payload, &a)
	return a, err
}

// DecodeSession returns the session carried by a session.state event.
func (e *Event) DecodeSession() (domain.StreamSession, error) {
	var s domain.StreamSession
	if e.Type != EventSessionState {
		return s, fmt.Errorf("event %s does not carry a session", e.Type)
	}
	err := json.Unmarshal(e.Payload, &s)
	return s, err
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
