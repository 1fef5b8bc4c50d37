package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	scouterrors "scout/internal/errors"
	"scout/internal/logging"
	"scout/internal/server/app"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, logger logging.Logger, err error) {
	status := statusForError(err)
	logger = logging.FromContext(c.Request.Context(), logger)
	if status >= http.StatusInternalServerError {
		logger.Error("HTTP %d %s %s: %v", status, c.Request.Method, c.FullPath(), err)
	} else {
		logger.Debug("HTTP %d %s %s: %v", status, c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, APIResponse{Success: false, Error: err.Error()})
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, scouterrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, scouterrors.ErrSessionNotFound), errors.Is(err, scouterrors.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, scouterrors.ErrSessionExists), errors.Is(err, app.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, app.ErrUnavailable):
		return http.StatusServiceUnavailable
	case scouterrors.IsLaunchError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
