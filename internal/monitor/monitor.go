package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdougie/spotflow/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Event types
const (
	EventLog      = "log"
	EventProgress = "progress"
	EventUnit     = "unit"
	EventDone     = "done"
)

// Event is one message pushed to every connected client
type Event struct {
	Type  string    `json:"type"`
	Time  time.Time `json:"time"`
	RunID string    `json:"run_id,omitempty"`

	Line string `json:"line,omitempty"`

	Done  int `json:"done,omitempty"`
	Total int `json:"total,omitempty"`

	Unit   int    `json:"unit,omitempty"`
	State  string `json:"state,omitempty"`
	Frames int    `json:"frames,omitempty"`
	Spots  int    `json:"spots,omitempty"`
	Error  string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local monitoring page
	},
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans run events out to websocket clients. Slow clients drop
// events rather than stalling the run.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	runID   string
	closed  bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// SetRunID tags subsequent events with the run identifier
func (h *Hub) SetRunID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runID = id
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends ev to every client
func (h *Hub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if ev.RunID == "" {
		ev.RunID = h.runID
	}
	if len(h.clients) == 0 {
		return
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal monitor event", "error", err)
		return
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("monitor client too slow, dropping event", "remote", c.conn.RemoteAddr().String())
		}
	}
}

// Line forwards a tool log line
func (h *Hub) Line(line string) {
	h.Broadcast(Event{Type: EventLog, Line: line})
}

// Progress reports finished task units
func (h *Hub) Progress(done, total int) {
	h.Broadcast(Event{Type: EventProgress, Done: done, Total: total})
}

// Unit reports a task unit state change
func (h *Hub) Unit(res models.TaskResult) {
	ev := Event{Type: EventUnit, Unit: res.Unit, State: res.State.String(), Frames: res.Frames, Spots: res.Spots}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	h.Broadcast(ev)
}

// Finish reports the end of a run
func (h *Hub) Finish(spots int, err error) {
	ev := Event{Type: EventDone, Spots: spots}
	if err != nil {
		ev.Error = err.Error()
	}
	h.Broadcast(ev)
}

// ServeHTTP upgrades the request and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("monitor client connected", "remote", conn.RemoteAddr().String())

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the client going away
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		h.logger.Debug("monitor client disconnected", "remote", c.conn.RemoteAddr().String())
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("unexpected websocket close", "error", err)
			}
			return
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Serve runs an HTTP server exposing the hub on /ws until ctx is done
func Serve(ctx context.Context, addr string, hub *Hub) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Close()
		srv.Shutdown(shutdownCtx)
	}()

	hub.logger.Info("monitor listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
