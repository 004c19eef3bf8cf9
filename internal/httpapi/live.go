package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	liveWriteWait  = 10 * time.Second
	livePingPeriod = 30 * time.Second
	// liveSendBuffer bounds per-client queueing; slow clients get dropped
	// rather than stalling the hub.
	liveSendBuffer = 64
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// liveMessage is one opportunity event pushed to websocket clients. The
// payload is the bus event verbatim.
type liveMessage struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func encodeLiveMessage(topic string, payload []byte) ([]byte, error) {
	return json.Marshal(liveMessage{Topic: topic, Payload: payload})
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

// liveHub fans opportunity events out to connected websocket clients.
type liveHub struct {
	mu      sync.Mutex
	clients map[*liveClient]struct{}
}

func newLiveHub() *liveHub {
	return &liveHub{clients: make(map[*liveClient]struct{})}
}

func (h *liveHub) run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// broadcast wraps the raw bus payload with its topic and queues it on every
// client. Clients with a full queue are dropped.
func (h *liveHub) broadcast(topic string, payload []byte) {
	frame, err := encodeLiveMessage(topic, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *liveHub) add(c *liveClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *liveHub) remove(c *liveClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// clientCount is used by tests.
func (h *liveHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleLive upgrades the connection and streams opportunity events until
// the client disconnects.
func (s *Server) handleLive(w http.ResponseWriter, req *http.Request) {
	conn, err := liveUpgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &liveClient{conn: conn, send: make(chan []byte, liveSendBuffer)}
	s.hub.add(client)

	go s.writeLoop(client)
	s.readLoop(client)
}

func (s *Server) writeLoop(c *liveClient) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames so pong handling works; any read error ends
// the session.
func (s *Server) readLoop(c *liveClient) {
	defer s.hub.remove(c)
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
