package http

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"scout/internal/events"
)

// ServeSSE handles GET /api/sessions/:id/events. Frames are identical to the
// WebSocket stream; each is sent as one SSE event named after its type.
func (h *StreamHandler) ServeSSE(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.sessions.GetState(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub, snapshot := h.hub.Subscribe(id)
	defer sub.Close()

	if err := writeSSEFrame(w, events.SnapshotFrame(id, snapshot)); err != nil {
		h.logger.Debug("Session %s: SSE snapshot write failed: %v", id, err)
		return
	}
	w.Flush()

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, events.EventFrame(env)); err != nil {
				h.logger.Debug("Session %s: SSE write failed: %v", id, err)
				return
			}
			w.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				h.logger.Debug("Session %s: SSE heartbeat failed: %v", id, err)
				return
			}
			w.Flush()
		case <-ctx.Done():
			return
		case <-h.closing:
			return
		}
	}
}

func writeSSEFrame(w io.Writer, frame events.Frame) error {
	data, err := events.MarshalFrame(frame)
	if err != nil {
		return err
	}
	name := events.TypeSnapshot
	if !frame.Snapshot {
		name = string(frame.Event.Type())
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
