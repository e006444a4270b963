package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Message is one frame on the telemetry socket, in either direction.
type Message struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

const (
	MessageStats       = "stats"
	MessageAlert       = "alert"
	MessageSession     = "session"
	MessageError       = "error"
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
)

type HubConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	// StatsPerSecond caps stats frames per client; alerts are never throttled.
	StatsPerSecond float64
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     32,
		StatsPerSecond: 4,
	}
}

// TelemetryHub pushes health samples, alerts and session transitions to
// websocket clients. Publishing never blocks: a client whose buffer is full is
// dropped.
type TelemetryHub struct {
	cfg    HubConfig
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	wg sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	// statsRate caps stats frames per session; zero means unthrottled.
	statsRate rate.Limit

	mu sync.RWMutex
	// An empty subscription set means every session.
	sessions map[domain.SessionID]bool
	limiters map[domain.SessionID]*rate.Limiter

	closeOnce sync.Once
}

func NewTelemetryHub(cfg HubConfig, logger *zap.SugaredLogger) *TelemetryHub {
	def := DefaultHubConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &TelemetryHub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// HandleWebSocket upgrades the request. An optional session_id query
// parameter subscribes the client to that session right away.
func (h *TelemetryHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		if err := validation.ValidateSessionID(sessionID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		sessions: make(map[domain.SessionID]bool),
		limiters: make(map[domain.SessionID]*rate.Limiter),
	}
	if h.cfg.StatsPerSecond > 0 {
		c.statsRate = rate.Limit(h.cfg.StatsPerSecond)
	}
	if sessionID != "" {
		c.sessions[domain.SessionID(sessionID)] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Infow("telemetry client connected",
		"remote_addr", r.RemoteAddr,
		"session_id", sessionID,
	)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *TelemetryHub) readPump(c *client) {
	defer h.wg.Done()
	defer h.drop(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugw("telemetry client read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if err := h.handleMessage(c, msg); err != nil {
			h.enqueue(c, mustFrame(MessageError, msg.SessionID, map[string]string{"error": err.Error()}))
		}
	}
}

func (h *TelemetryHub) handleMessage(c *client, msg Message) error {
	switch msg.Type {
	case MessageSubscribe:
		if err := validation.ValidateSessionID(string(msg.SessionID)); err != nil {
			return err
		}
		c.mu.Lock()
		c.sessions[msg.SessionID] = true
		c.mu.Unlock()
		return nil
	case MessageUnsubscribe:
		c.mu.Lock()
		delete(c.sessions, msg.SessionID)
		delete(c.limiters, msg.SessionID)
		c.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}
}

func (h *TelemetryHub) writePump(c *client) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debugw("telemetry write failed", "error", err)
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// drop unregisters c and closes its send queue; the write pump then closes
// the connection, which ends the read pump.
func (h *TelemetryHub) drop(c *client) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
	})
}

func (h *TelemetryHub) enqueue(c *client, frame []byte) {
	// drop and enqueue race on c.send; hold the hub lock so a closed channel
	// is never written.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		go h.drop(c)
		h.logger.Warnw("dropping slow telemetry client")
	}
}

func (c *client) subscribed(id domain.SessionID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 || c.sessions[id]
}

// allowStats applies the stats rate of one session; sessions do not share
// a budget.
func (c *client) allowStats(id domain.SessionID) bool {
	if c.statsRate <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[id]
	if !ok {
		l = rate.NewLimiter(c.statsRate, 1)
		c.limiters[id] = l
	}
	return l.Allow()
}

func (c *client) forgetSession(id domain.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.limiters, id)
}

func (h *TelemetryHub) broadcast(id domain.SessionID, frame []byte, throttle bool) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.subscribed(id) {
			continue
		}
		if throttle && !c.allowStats(id) {
			continue
		}
		h.enqueue(c, frame)
	}
}

// PublishStats is a HealthMonitor stats observer.
func (h *TelemetryHub) PublishStats(s domain.StreamHealthStats) {
	h.broadcast(s.SessionID, mustFrame(MessageStats, s.SessionID, s), true)
}

// PublishAlert is a HealthMonitor alert observer.
func (h *TelemetryHub) PublishAlert(a domain.StreamHealthAlert) {
	h.broadcast(a.SessionID, mustFrame(MessageAlert, a.SessionID, a), false)
}

// PublishSessionState forwards lifecycle transitions.
func (h *TelemetryHub) PublishSessionState(s domain.StreamSession) {
	h.broadcast(s.ID, mustFrame(MessageSession, s.ID, s), false)
	if s.Status != domain.SessionDisconnected {
		return
	}
	h.mu.RLock()
	for c := range h.clients {
		c.forgetSession(s.ID)
	}
	h.mu.RUnlock()
}

// ClientCount returns the number of connected clients.
func (h *TelemetryHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines.
func (h *TelemetryHub) Close() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.drop(c)
	}
	h.wg.Wait()
}

func mustFrame(typ string, id domain.SessionID, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"error": err.Error()})
		typ = MessageError
	}
	frame, _ := json.Marshal(Message{Type: typ, SessionID: id, Payload: raw})
	return frame
}
