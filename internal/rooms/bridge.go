package rooms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"storyreel/internal/events"
)

// Bridge runs the single process-wide subscription to the shared broker
// channel and forwards each received triple into the hub.
type Bridge struct {
	client  redis.UniversalClient
	channel string
	hub     *Hub
	log     zerolog.Logger
}

// NewBridge wires a broker client and hub together. An empty channel name
// falls back to events.DefaultChannel.
func NewBridge(client redis.UniversalClient, channel string, hub *Hub, log zerolog.Logger) *Bridge {
	if channel == "" {
		channel = events.DefaultChannel
	}
	return &Bridge{client: client, channel: channel, hub: hub, log: log}
}

// Run subscribes and forwards until the context is cancelled. Malformed
// messages are logged and skipped; the loop never dies on bad input.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Force the subscription to be established before reporting started, so
	// callers know joins from here on will see events.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Msg("room bridge subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("broker subscription closed")
			}
			var env events.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Msg("skipping malformed broker message")
				continue
			}
			b.hub.Broadcast(env.Topic, env.Event, env.Payload)
		}
	}
}
