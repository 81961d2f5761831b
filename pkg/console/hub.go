package console

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Entry kinds
const (
	KindLog    = "log"    // Console log line
	KindResult = "result" // Renegotiation result shown on screen
	KindState  = "state"  // Call state change
)

// Entry is one line pushed to the page
type Entry struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}

// Hub fans log entries out to websocket clients and keeps a short backlog
// for clients that connect late
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	mu         sync.Mutex
	clients    map[*client]struct{}
	backlog    []Entry
	maxBacklog int
	closed     bool
}

// client is one websocket subscriber
type client struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	closeCh chan struct{}
	once    sync.Once
}

const (
	pingInterval = 25 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// NewHub creates a hub keeping up to maxBacklog entries
func NewHub(maxBacklog int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBacklog <= 0 {
		maxBacklog = 200
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]struct{}),
		maxBacklog: maxBacklog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Publish sends an entry to every client. Slow clients drop entries.
func (h *Hub) Publish(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode console entry", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.backlog = append(h.backlog, e)
	if len(h.backlog) > h.maxBacklog {
		h.backlog = h.backlog[len(h.backlog)-h.maxBacklog:]
	}

	for c := range h.clients {
		select {
		case c.sendCh <- data:
		default:
			h.logger.Warn("console client too slow, dropping entry")
		}
	}
}

// Report publishes a result line, the on-screen log of the page
func (h *Hub) Report(text string) {
	h.Publish(Entry{Kind: KindResult, Text: text})
}

// Backlog returns a copy of the retained entries
func (h *Hub) Backlog() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.backlog))
	copy(out, h.backlog)
	return out
}

// ClientCount returns the number of connected websocket clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS handles GET /ws/log: backlog first, then live entries
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		sendCh:  make(chan []byte, sendBuffer+h.maxBacklog),
		closeCh: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	for _, e := range h.backlog {
		data, _ := json.Marshal(e)
		c.sendCh <- data
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("console client connected", "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop consumes client frames so pongs and close frames are processed
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop delivers queued entries and keeps the connection alive
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("console write failed", "error", err)
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.closeCh)
		c.conn.Close()
	})
}

// Close disconnects every client
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
	return nil
}
