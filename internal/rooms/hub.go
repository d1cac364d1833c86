// Package rooms re-broadcasts broker events to topic-scoped observer
// groups. The hub is stateless with respect to event content: it matches on
// topic and forwards, nothing else.
package rooms

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"storyreel/internal/telemetry"
)

// Conn is one observer's transport connection. Send must be safe to call
// from a single writer goroutine and should bound its own blocking time.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Frame is what observers receive: the (eventName, payload) pair; the topic
// is implied by the room the observer joined.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

const defaultBufferSize = 64

// Hub tracks observer connections grouped into topic rooms. Delivery is
// fan-out, not load-balanced: every observer in a room gets every frame.
// Each observer has a bounded buffer drained by its own writer goroutine,
// so a slow or disconnected observer never stalls delivery to others;
// frames that overflow an observer's buffer are dropped.
type Hub struct {
	mu         sync.Mutex
	rooms      map[string]map[*Observer]struct{}
	bufferSize int
	log        zerolog.Logger
}

// NewHub builds an empty hub. bufferSize <= 0 selects the default per-
// observer buffer.
func NewHub(bufferSize int, log zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		rooms:      make(map[string]map[*Observer]struct{}),
		bufferSize: bufferSize,
		log:        log,
	}
}

// Observer is a registered connection plus its outbound buffer. Joins
// requested before the transport signals readiness are queued and applied
// on Ready, giving at-least-once registration.
type Observer struct {
	hub     *Hub
	conn    Conn
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	ready   bool
	pending []string
	topics  map[string]struct{}
}

// Register adds a connection to the hub and starts its writer. The observer
// is not in any room until it joins one.
func (h *Hub) Register(conn Conn) *Observer {
	o := &Observer{
		hub:    h,
		conn:   conn,
		out:    make(chan []byte, h.bufferSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
	telemetry.RoomObservers.Inc()
	go o.writeLoop()
	return o
}

// Join adds the observer to a topic room. If the observer's transport is
// not ready yet the join is queued and retried automatically on Ready.
func (h *Hub) Join(topic string, o *Observer) {
	if topic == "" {
		return
	}
	o.mu.Lock()
	if !o.ready {
		o.pending = append(o.pending, topic)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	h.join(topic, o)
}

func (h *Hub) join(topic string, o *Observer) {
	h.mu.Lock()
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[*Observer]struct{})
		h.rooms[topic] = room
	}
	room[o] = struct{}{}
	h.mu.Unlock()

	o.mu.Lock()
	o.topics[topic] = struct{}{}
	o.mu.Unlock()

	h.log.Debug().Str("topic", topic).Msg("observer joined room")
}

// Remove drops the observer from every room and releases its writer. Leave
// is implicit: it happens when the transport connection closes.
func (h *Hub) Remove(o *Observer) {
	o.mu.Lock()
	topics := make([]string, 0, len(o.topics))
	for t := range o.topics {
		topics = append(topics, t)
	}
	o.topics = make(map[string]struct{})
	o.mu.Unlock()

	h.mu.Lock()
	for _, t := range topics {
		if room, ok := h.rooms[t]; ok {
			delete(room, o)
			if len(room) == 0 {
				delete(h.rooms, t)
			}
		}
	}
	h.mu.Unlock()

	o.once.Do(func() {
		close(o.done)
		telemetry.RoomObservers.Dec()
	})
}

// Broadcast forwards the frame to every observer currently in the topic
// room. The send to each observer is non-blocking; overflow drops the frame
// for that observer only.
func (h *Hub) Broadcast(topic, event string, payload json.RawMessage) {
	data, err := json.Marshal(Frame{Event: event, Payload: payload})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("frame marshal failed")
		return
	}

	h.mu.Lock()
	targets := make([]*Observer, 0, len(h.rooms[topic]))
	for o := range h.rooms[topic] {
		targets = append(targets, o)
	}
	h.mu.Unlock()

	for _, o := range targets {
		select {
		case <-o.done:
		case o.out <- data:
		default:
			telemetry.FramesDropped.Inc()
			h.log.Warn().Str("topic", topic).Str("event", event).Msg("dropping frame for slow observer")
		}
	}
}

// Ready marks the observer's transport as established and applies any
// queued joins.
func (o *Observer) Ready() {
	o.mu.Lock()
	o.ready = true
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()
	for _, topic := range pending {
		o.hub.join(topic, o)
	}
}

func (o *Observer) writeLoop() {
	for {
		select {
		case <-o.done:
			return
		case data := <-o.out:
			if err := o.conn.Send(data); err != nil {
				o.hub.log.Debug().Err(err).Msg("observer send failed, removing")
				o.hub.Remove(o)
				_ = o.conn.Close()
				return
			}
		}
	}
}
