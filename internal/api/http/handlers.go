// Package http exposes the host's operator surface: session inspection,
// lifecycle injection, bug reports and the catalog view.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"

	"github.com/cartemplate/host/internal/catalog"
	"github.com/cartemplate/host/internal/domain/registry"
	"github.com/cartemplate/host/internal/shared/id"
	"github.com/cartemplate/host/internal/shared/types"
	"github.com/cartemplate/host/internal/telemetry"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	sessions *registry.Manager
	catalog  *catalog.Directory
	started  time.Time
	version  string
}

// NewHandlers creates a new handler set.
func NewHandlers(sessions *registry.Manager, cat *catalog.Directory, version string) *Handlers {
	return &Handlers{
		sessions: sessions,
		catalog:  cat,
		started:  time.Now(),
		version:  version,
	}
}

// Root handles health check.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "cartemplate host",
		"version": h.version,
	})
}

// Health handles detailed health check.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": h.sessions.Count(),
		"uptime":   time.Since(h.started).String(),
		"catalog": gin.H{
			"apps":       len(h.catalog.Apps()),
			"fetched_at": h.catalog.FetchedAt(),
		},
	})
}

type sessionView struct {
	ID        id.SessionID `json:"id"`
	App       string       `json:"app"`
	State     string       `json:"state"`
	APILevel  int          `json:"api_level"`
	FlowDepth int          `json:"flow_depth"`
	LastStep  int          `json:"last_step"`
	CreatedAt time.Time    `json:"created_at"`
}

func viewOf(s *registry.Session) sessionView {
	return sessionView{
		ID:        s.ID,
		App:       s.App.String(),
		State:     s.Binding.State().String(),
		APILevel:  s.Binding.APILevel(),
		FlowDepth: s.Validator.Depth(),
		LastStep:  s.Validator.LastStep(),
		CreatedAt: s.CreatedAt,
	}
}

// ListSessions lists all live sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.sessions.List()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (h *Handlers) session(c *gin.Context) (*registry.Session, bool) {
	s, ok := h.sessions.GetByID(id.SessionID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
	}
	return s, ok
}

// GetSession returns one session's state.
func (h *Handlers) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

// CloseSession unbinds and removes a session.
func (h *Handlers) CloseSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.sessions.Remove(s.App)
	c.JSON(http.StatusOK, gin.H{"success": true, "id": s.ID})
}

var lifecycleEvents = map[string]types.LifecycleEvent{
	"start":  types.LifecycleStart,
	"resume": types.LifecycleResume,
	"pause":  types.LifecyclePause,
	"stop":   types.LifecycleStop,
}

// Lifecycle injects a lifecycle transition into a session, the way the
// head unit's screen manager would.
func (h *Handlers) Lifecycle(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct {
		Event string `json:"event"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, ok := lifecycleEvents[body.Event]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown lifecycle event " + body.Event})
		return
	}
	s.Binding.DispatchAppLifecycleEvent(ev)
	c.JSON(http.StatusOK, gin.H{"success": true, "event": body.Event})
}

// BackPressed forwards a hardware back press to the session's app.
func (h *Handlers) BackPressed(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	s.Binding.Dispatch(types.ServiceApp, telemetry.APIOnBackPressed, nil)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ResetFlow marks the session's next template update as the start of a
// fresh task, as after a cold reattach.
func (h *Handlers) ResetFlow(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if !s.Loop.PostAndWait(s.Validator.RequestReset) {
		c.JSON(http.StatusConflict, gin.H{"error": "session closed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// BugReport streams the diagnostic state of every session, gzip-compressed.
// PII is redacted unless ?pii=show.
func (h *Handlers) BugReport(c *gin.Context) {
	pii := types.PIIHide
	if c.Query("pii") == "show" {
		pii = types.PIIShow
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Content-Encoding", "gzip")
	c.Status(http.StatusOK)

	zw := gzip.NewWriter(c.Writer)
	defer zw.Close()
	h.sessions.ReportStatus(zw, pii)
}

// Catalog returns the approved-app directory view.
func (h *Handlers) Catalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"apps":       h.catalog.Apps(),
		"fetched_at": h.catalog.FetchedAt(),
	})
}

// RefreshCatalog re-fetches the remote directory.
func (h *Handlers) RefreshCatalog(c *gin.Context) {
	if err := h.catalog.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "apps": len(h.catalog.Apps())})
}
