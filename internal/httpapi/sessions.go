package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/session"
)

// SessionsHandler exposes read-only session status over HTTP.
type SessionsHandler struct {
	store *session.Store
}

func NewSessionsHandler(store *session.Store) *SessionsHandler {
	return &SessionsHandler{store: store}
}

// List returns every session this process's sessions directory knows about,
// newest first.
func (h *SessionsHandler) List(c *gin.Context) {
	summaries, err := h.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

// Get returns one session's metadata. It reports 404 for a missing file and
// 409 for a session whose file failed to decode, distinguishing "never ran"
// from "corrupt" the same way the run command's exit codes do.
func (h *SessionsHandler) Get(c *gin.Context) {
	sessionID := c.Param("session_id")

	summaries, err := h.store.List()
	if err != nil {
		if errors.Is(err, domain.ErrSessionCorrupt) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, s := range summaries {
		if s.SessionID == sessionID {
			c.JSON(http.StatusOK, s)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
}
