package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled at the HTTP layer by rs/cors
	},
}

// Hub tracks every live WebSocket connection so it can be torn down
// cleanly on shutdown; all fanout itself is delegated to the broadcast.Bus
// (C12) rather than kept in a second, parallel channel here.
//
// Grounded on the teacher's pkg/api/websocket.go Hub — the register/
// unregister bookkeeping and per-client send-channel shape are kept, but
// the teacher's own internal `broadcast chan []byte` loop is removed: a
// client's channel subscriptions now map directly onto broadcast.Bus
// topics instead of a second competing fanout mechanism.
type Hub struct {
	bus     *broadcast.Bus
	bufSize int
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*Client]bool
}

func NewHub(bus *broadcast.Bus, bufSize int, logger *zap.SugaredLogger) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{bus: bus, bufSize: bufSize, logger: logger, clients: make(map[*Client]bool)}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Client is one live WebSocket connection with its own set of per-topic
// broadcast.Bus subscriptions.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	logger *zap.SugaredLogger

	subsMu sync.Mutex
	subs   map[string]*clientSub
}

type clientSub struct {
	sub  *broadcast.Subscriber
	stop chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, logger *zap.SugaredLogger) *Client {
	return &Client{
		hub: hub, conn: conn, send: make(chan []byte, 256),
		id: conn.RemoteAddr().String(), logger: logger,
		subs: make(map[string]*clientSub),
	}
}

// subscribe opens a broadcast.Bus subscription on channel and starts a
// goroutine forwarding every event into the client's own send channel as a
// WSMessage envelope.
func (c *Client) subscribe(channel string) {
	c.subsMu.Lock()
	if _, ok := c.subs[channel]; ok {
		c.subsMu.Unlock()
		return
	}
	sub := c.hub.bus.Subscribe(channel, c.hub.bufSize)
	cs := &clientSub{sub: sub, stop: make(chan struct{})}
	c.subs[channel] = cs
	c.subsMu.Unlock()

	go c.forward(channel, cs)
}

func (c *Client) unsubscribe(channel string) {
	c.subsMu.Lock()
	cs, ok := c.subs[channel]
	if ok {
		delete(c.subs, channel)
	}
	c.subsMu.Unlock()
	if !ok {
		return
	}
	close(cs.stop)
	c.hub.bus.Unsubscribe(cs.sub)
}

func (c *Client) unsubscribeAll() {
	c.subsMu.Lock()
	all := c.subs
	c.subs = make(map[string]*clientSub)
	c.subsMu.Unlock()
	for _, cs := range all {
		close(cs.stop)
		c.hub.bus.Unsubscribe(cs.sub)
	}
}

func (c *Client) forward(channel string, cs *clientSub) {
	for {
		select {
		case <-cs.stop:
			return
		case ev, ok := <-cs.sub.Events():
			if !ok {
				return
			}
			msg, err := json.Marshal(WSMessage{Channel: channel, Seq: ev.Seq, Data: ev.Payload})
			if err != nil {
				continue
			}
			select {
			case c.send <- msg:
			default:
				// Client's own write side is backed up; drop rather than block
				// the publisher's forwarding goroutine (spec.md §5's
				// never-block-the-producer rule applies transitively here).
			}
		}
	}
}

// readPump pumps subscribe/unsubscribe control messages from the
// connection into the client's topic set.
func (c *Client) readPump() {
	defer func() {
		c.unsubscribeAll()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Infow("ws_read_error", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.Infow("ws_invalid_message", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				c.subscribe(channel)
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.unsubscribe(channel)
			}
		default:
			c.logger.Infow("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump pumps messages queued by forward() out to the connection,
// coalescing whatever is queued into one write and pinging on idle
// (teacher's pkg/api/websocket.go writePump shape, kept verbatim).
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the connection and starts the client's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Infow("ws_upgrade_error", "err", err)
		return
	}

	client := newClient(s.hub, conn, s.logger)
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}
