// Package events carries state-change notifications across the shared
// broker channel. Messages are fire-and-forget: at-most-once delivery to
// the broker, fan-out to subscribers handled by the room bridge.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultChannel is the single shared broker channel all publishers and
// the room bridge agree on.
const DefaultChannel = "storyreel:events"

// ErrBrokerUnavailable indicates the broker connection could not accept a
// message. The caller decides whether to retry or drop; nothing here does.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Event names, grouped by artifact kind. Payload shape is artifact-specific
// and opaque to this package.
const (
	EventJobCreated = "job.created"
	EventJobReady   = "job.ready"
	EventJobUpdated = "job.updated"

	EventImageCreated         = "image.created"
	EventImageUpdated         = "image.updated"
	EventImageDeleted         = "image.deleted"
	EventImageDefaultSelected = "image.default_selected"

	EventSpeechCreated         = "speech.created"
	EventSpeechUpdated         = "speech.updated"
	EventSpeechDeleted         = "speech.deleted"
	EventSpeechDefaultSelected = "speech.default_selected"

	EventVideoCreated = "video.created"
	EventVideoUpdated = "video.updated"
	EventVideoDeleted = "video.deleted"

	EventStorySettingsUpdated = "story.settings_updated"
	EventPageGenerating       = "page.generating"
)

// Envelope is the (topic, event, payload) triple sent over the wire,
// JSON-encoded as a three-element array.
type Envelope struct {
	Topic   string
	Event   string
	Payload json.RawMessage
}

// MarshalJSON encodes the envelope as [topic, event, payload].
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal([]json.RawMessage{
		mustQuote(e.Topic),
		mustQuote(e.Event),
		payload,
	})
}

// UnmarshalJSON decodes a [topic, event, payload] array.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("decode event envelope: want 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &e.Topic); err != nil {
		return fmt.Errorf("decode event topic: %w", err)
	}
	if err := json.Unmarshal(parts[1], &e.Event); err != nil {
		return fmt.Errorf("decode event name: %w", err)
	}
	e.Payload = parts[2]
	return nil
}

func mustQuote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
