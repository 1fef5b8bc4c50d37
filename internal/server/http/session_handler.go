package http

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	scouterrors "scout/internal/errors"
	"scout/internal/logging"
	"scout/internal/server/app"
	"scout/internal/server/ports"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxSubmitBody    = 64 << 10
)

// SessionHandler serves the session REST endpoints.
type SessionHandler struct {
	sessions *app.SessionService
	logger   logging.Logger
}

// NewSessionHandler creates the REST handler.
func NewSessionHandler(sessions *app.SessionService, logger logging.Logger) *SessionHandler {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("SessionHandler")
	}
	return &SessionHandler{sessions: sessions, logger: logger}
}

type submitResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

type listResponse struct {
	Sessions []ports.SessionRecord `json:"sessions"`
	Total    int                   `json:"total"`
	Limit    int                   `json:"limit"`
	Offset   int                   `json:"offset"`
}

// Submit handles POST /api/sessions.
func (h *SessionHandler) Submit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSubmitBody)
	var req app.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, fmt.Errorf("decode request: %v: %w", err, scouterrors.ErrInvalidInput))
		return
	}
	record, err := h.sessions.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusAccepted, submitResponse{
		SessionID: record.ID,
		Status:    string(record.Status),
		StreamURL: "/api/sessions/" + record.ID + "/stream",
	})
}

// List handles GET /api/sessions?limit=&offset=.
func (h *SessionHandler) List(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	records, total, err := h.sessions.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if records == nil {
		records = []ports.SessionRecord{}
	}
	respondOK(c, http.StatusOK, listResponse{Sessions: records, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	state, err := h.sessions.GetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, state)
}

// Delete handles DELETE /api/sessions/:id.
func (h *SessionHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Cleanup(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"session_id": id, "deleted": true})
}

// Download handles GET /api/sessions/:id/files/:filename. The name is
// resolved against the session's artifact index, never joined blindly.
func (h *SessionHandler) Download(c *gin.Context) {
	id := c.Param("id")
	name := c.Param("filename")
	path, err := h.sessions.Download(c.Request.Context(), id, name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.FileAttachment(path, attachmentName(name, path))
}

// attachmentName prefers the requested display name over the opaque
// physical one.
func attachmentName(requested, path string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return filepath.Base(path)
	}
	return requested
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s: expected a non-negative integer, got %q: %w", key, raw, scouterrors.ErrInvalidInput)
	}
	return value, nil
}
