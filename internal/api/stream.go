package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is served from anywhere during development; the API
	// carries no credentials, so cross-origin reads leak nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // ping interval, must be < pongWait
	writeWait  = 10 * time.Second // per-message write deadline
	sendBuffer = 64               // outbound channel depth per client
)

// streamClient pushes bus events to one dashboard WebSocket. All writes go
// through the send channel into writePump; readPump only consumes pongs and
// notices the peer hanging up.
type streamClient struct {
	conn *websocket.Conn
	bus  *events.Bus
	sub  chan *events.Event
	send chan []byte
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

// handleEventStream upgrades the request and streams events as JSON lines.
// ?streams=a,b narrows the subscription; default is everything.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var streams []string
	if raw := r.URL.Query().Get("streams"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				streams = append(streams, name)
			}
		}
	}

	c := &streamClient{
		conn: conn,
		bus:  s.bus,
		sub:  s.bus.Subscribe(streams...),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  s.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}

	c.log.Debug().Strs("streams", streams).Msg("event stream connected")
	go c.writePump()
	go c.readPump()
	go c.forward()
}

// close tears the client down exactly once. Unsubscribe closes the sub
// channel, which in turn ends forward().
func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.bus.Unsubscribe(c.sub)
		c.conn.Close()
		c.log.Debug().Msg("event stream disconnected")
	})
}

// forward serializes subscribed events into the send queue. A slow client
// loses events rather than stalling the bus.
func (c *streamClient) forward() {
	for ev := range c.sub {
		buf, err := ev.JSON()
		if err != nil {
			continue
		}
		select {
		case c.send <- buf:
		default:
			c.log.Debug().Str("type", ev.Type).Msg("client backlogged, dropping event")
		}
	}
}

// writePump owns every write to the connection: queued events, the ping
// keepalive, nothing else touches it.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			// Flush whatever queued up behind the first message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump drains the connection so pongs and close frames are processed.
// The stream is one-way; inbound payloads are discarded.
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
