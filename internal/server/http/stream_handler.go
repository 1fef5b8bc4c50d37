package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"scout/internal/events"
	"scout/internal/logging"
	"scout/internal/server/app"
)

// StreamConfig bounds every wait of a stream connection.
type StreamConfig struct {
	HeartbeatInterval time.Duration
	DeadPeerTimeout   time.Duration
	WriteTimeout      time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DeadPeerTimeout <= c.HeartbeatInterval {
		c.DeadPeerTimeout = 3 * c.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// StreamHandler serves the per-session event stream over WebSocket, with SSE
// as the one-way fallback. Every connection starts with the rehydration
// snapshot and continues with live events.
type StreamHandler struct {
	sessions *app.SessionService
	hub      *app.Hub
	cfg      StreamConfig
	logger   logging.Logger
	upgrader websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

// NewStreamHandler creates the stream handler.
func NewStreamHandler(sessions *app.SessionService, hub *app.Hub, cfg StreamConfig, logger logging.Logger) *StreamHandler {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("StreamHandler")
	}
	return &StreamHandler{
		sessions: sessions,
		hub:      hub,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
}

// Close ends every open stream. Hijacked WebSocket connections are not
// tracked by http.Server.Shutdown, so the server calls this first.
func (h *StreamHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// ServeWebSocket handles GET /api/sessions/:id/stream.
func (h *StreamHandler) ServeWebSocket(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.sessions.GetState(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the request.
		h.logger.Warn("Session %s: websocket upgrade failed: %v", id, err)
		return
	}

	sub, snapshot := h.hub.Subscribe(id)
	defer sub.Close()

	peerGone := make(chan struct{})
	go h.readPump(conn, peerGone)
	defer func() {
		_ = conn.Close()
		<-peerGone
	}()

	if err := h.writeFrame(conn, events.SnapshotFrame(id, snapshot)); err != nil {
		h.logger.Debug("Session %s: snapshot write failed: %v", id, err)
		return
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				h.closeConn(conn, websocket.CloseGoingAway, "subscription closed")
				return
			}
			if err := h.writeFrame(conn, events.EventFrame(env)); err != nil {
				h.logger.Debug("Session %s: subscriber %d write failed: %v", id, sub.ID, err)
				return
			}
		case <-heartbeat.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.logger.Debug("Session %s: subscriber %d ping failed: %v", id, sub.ID, err)
				return
			}
		case <-peerGone:
			return
		case <-h.closing:
			h.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// readPump consumes client frames so control frames are processed. A peer
// that stays silent past the dead-peer timeout, pongs included, is dropped.
func (h *StreamHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.DeadPeerTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.DeadPeerTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("Stream reader ended: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.DeadPeerTimeout))
	}
}

func (h *StreamHandler) writeFrame(conn *websocket.Conn, frame events.Frame) error {
	data, err := events.MarshalFrame(frame)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *StreamHandler) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
}
