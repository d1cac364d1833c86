package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"storyreel/internal/telemetry"
)

// Publisher emits structured change events onto the shared broker channel.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// RedisPublisher sends envelopes over a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	log     zerolog.Logger
}

// NewRedisPublisher builds a publisher bound to the given channel. An empty
// channel name falls back to DefaultChannel.
func NewRedisPublisher(client redis.UniversalClient, channel string, log zerolog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, log: log}
}

// Publish sends exactly one message and does not retry. A failed send is
// reported as ErrBrokerUnavailable; the caller decides what to do with it.
// The call blocks only for the time it takes to hand the message to the
// broker.
func (p *RedisPublisher) Publish(ctx context.Context, topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	body, err := json.Marshal(Envelope{Topic: topic, Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		telemetry.PublishFailures.Inc()
		p.log.Warn().Err(err).Str("topic", topic).Str("event", event).Msg("event publish failed")
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	telemetry.EventsPublished.Inc()
	return nil
}
