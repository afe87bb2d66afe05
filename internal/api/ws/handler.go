// Package ws is the WebSocket rendition of the app transport: a simulated
// app process connects, announces itself with a hello frame, and from then
// on the host drives it through call/result frames while the app streams
// template updates and vehicle events back.
package ws

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cartemplate/host/internal/catalog"
	"github.com/cartemplate/host/internal/domain/binding"
	"github.com/cartemplate/host/internal/domain/flow"
	"github.com/cartemplate/host/internal/domain/registry"
	"github.com/cartemplate/host/internal/events"
	"github.com/cartemplate/host/internal/infrastructure/config"
	"github.com/cartemplate/host/internal/infrastructure/logging"
	"github.com/cartemplate/host/internal/infrastructure/monitoring"
	"github.com/cartemplate/host/internal/shared/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // simulated apps connect from anywhere on the bench
	},
}

// eventTypes maps wire event names onto the session event bus.
var eventTypes = map[string]events.Type{
	"configuration_changed": events.ConfigurationChanged,
	"surface_area_changed":  events.SurfaceAreaChanged,
	"constraints_changed":   events.ConstraintsChanged,
	"place_list_changed":    events.PlaceListChanged,
	"window_focus_changed":  events.WindowFocusChanged,
	"touched_or_focused":    events.TouchedOrFocused,
}

// Handler manages app WebSocket connections.
type Handler struct {
	sessions *registry.Manager
	catalog  *catalog.Directory
	cfg      *config.Config
	log      *logging.Logger
	metrics  *monitoring.Metrics
}

// NewHandler creates a new WebSocket handler.
func NewHandler(sessions *registry.Manager, cat *catalog.Directory, cfg *config.Config, log *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handler{
		sessions: sessions,
		catalog:  cat,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
	}
}

// HandleConnection upgrades the request and runs one app connection to
// completion.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newAppConn(ws)
	defer conn.Close()

	h.metrics.WSConnected()
	defer h.metrics.WSDisconnected()

	var hello frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != frameHello {
		conn.write(frame{Type: frameError, Error: "expected hello frame"})
		return
	}
	app := types.AppIdentity{PackageName: hello.PackageName, ServiceName: hello.ServiceName}
	if !app.IsValid() {
		conn.write(frame{Type: frameError, Error: "hello frame missing app identity"})
		return
	}
	if !h.catalog.Allowed(app) {
		h.log.Warn("refusing app missing from catalog", logging.App(app))
		conn.write(frame{Type: frameError, Error: "app not in catalog"})
		return
	}

	// A reconnecting app supersedes its previous session.
	h.sessions.Remove(app)

	bnd := &binder{conn: conn}
	sess, err := h.sessions.Create(app, bnd, binding.Options{
		Host: types.HostInfo{
			Name:     h.cfg.Host.Name,
			APILevel: h.cfg.Host.APILevel,
		},
		MinAPILevel:     h.cfg.Host.MinAPILevel,
		IdleUnbindDelay: h.cfg.Binding.IdleUnbindDelay,
		NavigationApp:   h.catalog.NavigationApp(app),
	})
	if err != nil {
		conn.write(frame{Type: frameError, Error: err.Error()})
		return
	}
	defer h.sessions.Remove(app)

	intent := types.Intent{Identity: app}
	if hello.Intent != nil {
		intent.Action = hello.Intent.Action
		intent.Extras = hello.Intent.Extras
	}
	sess.Binding.Bind(intent)

	limiter := rate.NewLimiter(rate.Limit(h.cfg.RateLimit.RequestsPerSecond), h.cfg.RateLimit.Burst)
	h.readLoop(conn, bnd, sess, limiter)
}

func (h *Handler) readLoop(conn *appConn, bnd *binder, sess *registry.Session, limiter *rate.Limiter) {
	for {
		var f frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			conn.mu.Lock()
			closedLocally := conn.closed
			conn.mu.Unlock()
			if closedLocally {
				// The host hung up (idle unbind, shutdown); not an
				// app death.
				return
			}
			sink := bnd.events()
			if sink == nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sink.Disconnected()
			} else {
				h.log.Info("app connection died",
					logging.App(sess.App),
					zap.Error(err),
				)
				sink.Died()
			}
			return
		}

		switch f.Type {
		case frameResult:
			conn.resolve(f)
		case frameTemplate:
			h.handleTemplate(conn, sess, f, limiter)
		case frameEvent:
			h.handleEvent(conn, sess, f)
		default:
			conn.write(frame{Type: frameError, ID: f.ID, Error: "unknown frame type " + f.Type})
		}
	}
}

// handleTemplate feeds one template update through the session's flow
// validator on the session loop and reports the classification back.
func (h *Handler) handleTemplate(conn *appConn, sess *registry.Session, f frame, limiter *rate.Limiter) {
	if f.Template == nil {
		conn.write(frame{Type: frameTemplateResult, ID: f.ID, Error: "template frame missing template"})
		return
	}
	if !f.Template.Kind.Valid() {
		conn.write(frame{Type: frameTemplateResult, ID: f.ID,
			Error: "unknown template kind " + string(f.Template.Kind)})
		return
	}
	if !limiter.Allow() {
		conn.write(frame{Type: frameTemplateResult, ID: f.ID, Error: "template rate limit exceeded"})
		return
	}

	granted := h.catalog.Permissions(sess.App)
	var (
		result flow.Result
		verr   error
	)
	ran := sess.Loop.PostAndWait(func() {
		if verr = sess.Validator.ValidateHasRequiredPermissions(f.Template, sess.App, granted); verr != nil {
			return
		}
		result, verr = sess.Validator.ValidateFlow(f.Template)
	})
	if !ran {
		// Session torn down underneath us; never confirm an unvalidated
		// template.
		conn.write(frame{Type: frameTemplateResult, ID: f.ID, Error: "session closed"})
		return
	}

	if verr != nil {
		h.metrics.RecordTemplate("rejected")
		var violation *flow.Violation
		if errors.As(verr, &violation) {
			h.metrics.RecordFlowViolation(violation.Kind.String())
		}
		h.log.Warn("template rejected",
			logging.App(sess.App),
			zap.String("template_id", f.Template.ID),
			zap.Error(verr),
		)
		conn.write(frame{Type: frameTemplateResult, ID: f.ID, Error: verr.Error()})
		return
	}
	h.metrics.RecordTemplate(result.String())
	conn.write(frame{Type: frameTemplateResult, ID: f.ID, Result: result.String()})
}

// handleEvent publishes a vehicle-side notification on the session bus.
func (h *Handler) handleEvent(conn *appConn, sess *registry.Session, f frame) {
	t, ok := eventTypes[f.Event]
	if !ok {
		conn.write(frame{Type: frameError, ID: f.ID, Error: "unknown event " + f.Event})
		return
	}
	sess.Events.Publish(events.Event{Type: t, App: sess.App, Payload: f.Payload})
}
