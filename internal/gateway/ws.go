package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patchdeck/patchdeck-agent/internal/review"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10

	wsMaxMessageBytes = 4 << 20 // resolved diffs can be large
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The agent binds locally; origin enforcement is the deployment's
		// reverse proxy concern.
		return true
	},
}

// client is one realtime connection. All frames - events and command
// responses alike - go through one ordered queue drained by a single
// writer goroutine, so a connection never sees reordered frames.
type client struct {
	conn *websocket.Conn

	send chan []byte
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientQueueSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// trySend queues a frame without blocking. A full queue drops the frame:
// delivery is best-effort per connection, and what is delivered stays in
// order.
func (c *client) trySend(frame []byte) {
	if c == nil {
		return
	}
	select {
	case <-c.stop:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) writeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	if c == nil {
		return
	}
	c.once.Do(func() { close(c.stop) })
	_ = c.conn.Close()
	<-c.done
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(conn)
	s.hub.register(c)
	defer s.hub.unregister(c)

	conn.SetReadLimit(wsMaxMessageBytes)
	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd inboundCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.respond(c, "", nil, &review.Error{Kind: review.KindInvalidRequest, Message: "invalid command envelope: " + err.Error()})
			continue
		}

		// A disconnect does not abort the operation: once dispatched it
		// completes normally, the response is simply undeliverable.
		data, re := s.dispatch(context.Background(), cmd)
		s.respond(c, cmd.ID, data, re)
	}
}

// respond sends a correlation response to the requesting connection only.
func (s *Server) respond(c *client, id string, data json.RawMessage, re *review.Error) {
	frame, err := json.Marshal(newResponse(id, data, re))
	if err != nil {
		s.log.Warn("response encode failed", "error", err)
		return
	}
	c.trySend(frame)
}
