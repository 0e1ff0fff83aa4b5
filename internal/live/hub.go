package live

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"onix_miner/internal/types"
)

// Resolver maps a bearer token to a user identity.
type Resolver interface {
	ResolveIdentity(ctx context.Context, token string) (types.Identity, error)
}

// Observer is notified about connection counts and dropped messages. Optional.
type Observer interface {
	ConnectionsChanged(total, authenticated int)
	MessageDropped()
}

type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	AuthTimeout     time.Duration
	AllowedOrigins  []string
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  4096,
		SendBuffer:      64,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		AuthTimeout:     5 * time.Second,
	}
}

// Hub keeps every open live connection and at most one connection per user.
type Hub struct {
	cfg      Config
	resolver Resolver
	upgrader websocket.Upgrader
	observer Observer
	initial  func() (types.StatsMessage, bool)

	mu      sync.RWMutex
	clients map[*Client]struct{}
	byUser  map[int64]*Client
	closed  bool

	dropped atomic.Int64
}

func NewHub(cfg Config, resolver Resolver) *Hub {
	h := &Hub{
		cfg:      cfg,
		resolver: resolver,
		clients:  make(map[*Client]struct{}),
		byUser:   make(map[int64]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithObserver attaches connection metrics.
func (h *Hub) WithObserver(o Observer) *Hub {
	h.observer = o
	return h
}

// WithInitialStats makes new connections receive the latest stats right away.
func (h *Hub) WithInitialStats(fn func() (types.StatsMessage, bool)) *Hub {
	h.initial = fn
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request. The connection is anonymous until it sends an auth message.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live: upgrade failed: %v", err)
		return
	}

	c := &Client{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
	}
	if !h.addClient(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	if h.initial != nil {
		if stats, ok := h.initial(); ok {
			h.enqueue(c, stats)
		}
	}
}

func (h *Hub) addClient(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	total, authed := len(h.clients), len(h.byUser)
	h.mu.Unlock()
	h.notifyCount(total, authed)
	return true
}

// removeClient drops c and its user mapping, but only if the mapping still points at c.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	if c.userID != 0 && h.byUser[c.userID] == c {
		delete(h.byUser, c.userID)
	}
	total, authed := len(h.clients), len(h.byUser)
	h.mu.Unlock()
	h.notifyCount(total, authed)
}

// bind maps userID to c. A previous connection for the same user stays open
// as an anonymous broadcast listener.
func (h *Hub) bind(c *Client, userID int64) bool {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return false
	}
	if c.userID != 0 && c.userID != userID && h.byUser[c.userID] == c {
		delete(h.byUser, c.userID)
	}
	if prev, ok := h.byUser[userID]; ok && prev != c {
		prev.userID = 0
	}
	c.userID = userID
	h.byUser[userID] = c
	total, authed := len(h.clients), len(h.byUser)
	h.mu.Unlock()
	h.notifyCount(total, authed)
	return true
}

func (h *Hub) notifyCount(total, authed int) {
	if h.observer != nil {
		h.observer.ConnectionsChanged(total, authed)
	}
}

// enqueue never blocks: a full or closed queue drops the message.
func (h *Hub) enqueue(c *Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("live: marshal %T: %v", v, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.trySend(c, payload)
}

// trySend requires h.mu held.
func (h *Hub) trySend(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.dropped.Add(1)
		if h.observer != nil {
			h.observer.MessageDropped()
		}
	}
}

// SendToUser pushes msg to the user's connection, if any.
func (h *Hub) SendToUser(userID int64, msg types.DeltaMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("live: marshal delta: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.byUser[userID]; ok {
		h.trySend(c, payload)
	}
}

// BroadcastAll pushes msg to every open connection, authenticated or not.
func (h *Hub) BroadcastAll(msg types.StatsMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("live: marshal stats: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.trySend(c, payload)
	}
}

// Online reports whether userID has a registered connection.
func (h *Hub) Online(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byUser[userID]
	return ok
}

// Count returns the number of open and of authenticated connections.
func (h *Hub) Count() (total, authenticated int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients), len(h.byUser)
}

// Dropped is the number of messages discarded because a queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops accepting connections and closes the open ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	log.Printf("live: closed %d connections", len(conns))
}

func (h *Hub) authenticate(c *Client, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.AuthTimeout)
	defer cancel()

	id, err := h.resolver.ResolveIdentity(ctx, token)
	if err != nil {
		h.enqueue(c, types.ErrorMessage{Type: types.MessageError, Error: "unauthorized"})
		return
	}
	h.bind(c, id.UserID)
}
