// Package httpapi is the thin admin surface the research CLI can optionally
// serve alongside (or instead of) a one-shot `run`: session listing and a
// health check, for an operator driving several batches from a dashboard
// rather than a terminal. It never touches the UI Bus's own WebSocket
// endpoint (internal/uibus/wsadapter) — that stays the one real-time
// surface; this is read-only status over what's already on disk.
// Grounded on the teacher's internal/http/router package shape (a
// gin.Engine, route groups, a bare /health handler).
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/deepresearch-dev/agent/internal/session"
)

// Config controls the admin surface's exposed behavior.
type Config struct {
	IsProduction bool
}

// NewRouter builds the gin.Engine for the admin surface over one process's
// session store.
func NewRouter(store *session.Store, cfg Config) *gin.Engine {
	if cfg.IsProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("deepresearch-agent"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	admin := router.Group("/admin")
	{
		sessions := NewSessionsHandler(store)
		admin.GET("/sessions", sessions.List)
		admin.GET("/sessions/:session_id", sessions.Get)
	}

	return router
}
