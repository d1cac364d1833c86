// Package transport adapts raw websocket connections into room observers.
// The room bridge itself is transport-agnostic; this is the one concrete
// push channel the API serves.
package transport

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"storyreel/internal/rooms"
)

const writeTimeout = 5 * time.Second

// wsConn wraps a raw websocket connection as a rooms.Conn. Send applies a
// write deadline so one stuck peer cannot wedge its writer goroutine.
type wsConn struct {
	conn net.Conn
}

func (c *wsConn) Send(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// clientFrame is the inbound control message observers send. The only
// action today is joining additional topics on an open connection.
type clientFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Handler upgrades HTTP requests to websocket observers. The topic argument
// extractor lets routes pre-join a topic (typically the story id from the
// URL); further joins arrive as {"action":"join","topic":...} frames.
func Handler(hub *rooms.Hub, topicFromRequest func(*http.Request) string, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}

		observer := hub.Register(&wsConn{conn: conn})
		if topicFromRequest != nil {
			if topic := topicFromRequest(r); topic != "" {
				// Queued until Ready: registration is at-least-once even
				// when the join races the handshake.
				hub.Join(topic, observer)
			}
		}
		observer.Ready()

		go readLoop(conn, hub, observer, log)
	}
}

func readLoop(conn net.Conn, hub *rooms.Hub, observer *rooms.Observer, log zerolog.Logger) {
	defer func() {
		// Leave is implicit: closing the transport removes the observer
		// from every room.
		hub.Remove(observer)
		_ = conn.Close()
	}()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed client frame")
			continue
		}
		if frame.Action == "join" && frame.Topic != "" {
			hub.Join(frame.Topic, observer)
		}
	}
}
