package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRedisPublisherWireFormat(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := NewRedisPublisher(client, "", zerolog.Nop())
	if err := pub.Publish(ctx, "story-1", EventImageCreated, map[string]any{"page_id": "p1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		// The wire format is a JSON array: [topic, eventName, payload].
		var parts []json.RawMessage
		if err := json.Unmarshal([]byte(msg.Payload), &parts); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(parts) != 3 {
			t.Fatalf("want 3 elements, got %d", len(parts))
		}
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Topic != "story-1" || env.Event != EventImageCreated {
			t.Fatalf("unexpected envelope %+v", env)
		}
		if string(env.Payload) != `{"page_id":"p1"}` {
			t.Fatalf("unexpected payload %s", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisPublisherBrokerDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	pub := NewRedisPublisher(client, "", zerolog.Nop())
	err = pub.Publish(context.Background(), "story-1", EventImageCreated, nil)
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("want ErrBrokerUnavailable, got %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{Topic: "t", Event: "video.created", Payload: json.RawMessage(`{"a":1}`)}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Topic != in.Topic || out.Event != in.Event || string(out.Payload) != string(in.Payload) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestEnvelopeNilPayload(t *testing.T) {
	data, err := json.Marshal(Envelope{Topic: "t", Event: "e"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["t","e",null]` {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestEnvelopeRejectsWrongArity(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`["t","e"]`), &env); err == nil {
		t.Fatal("expected error for 2-element array")
	}
	if err := json.Unmarshal([]byte(`{"topic":"t"}`), &env); err == nil {
		t.Fatal("expected error for object form")
	}
}
