package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chatcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventCallCreated EventType = "call.created"
	EventCallUpdated EventType = "call.updated"
)

// Event is the envelope published on every call channel.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	CallID     domain.CallID   `json:"call_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus publishes events to Redis channels and fans them out to
// subscribers across instances.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

func NewEventBus(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Publish stamps the event with this instance and publishes it on channel.
func (eb *EventBus) Publish(ctx context.Context, channel string, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"channel", channel,
		"type", event.Type,
		"call_id", event.CallID,
	)
	return nil
}

// PublishCall publishes rec as the payload of an event of type t.
func (eb *EventBus) PublishCall(ctx context.Context, channel string, t EventType, rec *domain.CallRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}
	return eb.Publish(ctx, channel, &Event{
		Type:    t,
		CallID:  rec.ID,
		Payload: payload,
	})
}

// Subscribe returns once the subscription is live on the server. The handler
// runs on a goroutine owned by the subscription; the returned cancel func
// stops delivery without waiting and may be called from the handler.
func (eb *EventBus) Subscribe(ctx context.Context, channel string, handler func(*Event) error) (func(), error) {
	pubsub := eb.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					eb.logger.Warnw("failed to unmarshal event",
						"channel", channel,
						"error", err,
					)
					continue
				}
				if err := handler(&event); err != nil {
					eb.logger.Warnw("error handling event",
						"channel", channel,
						"type", event.Type,
						"error", err,
					)
				}
			}
		}
	}()

	return cancel, nil
}

// DecodeCall extracts the call record carried by a call event.
func DecodeCall(event *Event) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	if err := json.Unmarshal(event.Payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	if err := rec.CheckStored(); err != nil {
		return nil, err
	}
	return &rec, nil
}
