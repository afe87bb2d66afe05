// Package registry tracks the live host sessions, one per connected car
// app. All collaborators are injected; there are no ambient singletons, so
// tests and multi-display hosts can run isolated registries side by side.
package registry

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cartemplate/host/internal/anr"
	"github.com/cartemplate/host/internal/domain/binding"
	"github.com/cartemplate/host/internal/domain/flow"
	"github.com/cartemplate/host/internal/domain/template"
	"github.com/cartemplate/host/internal/events"
	"github.com/cartemplate/host/internal/infrastructure/logging"
	"github.com/cartemplate/host/internal/infrastructure/monitoring"
	"github.com/cartemplate/host/internal/infrastructure/resilience"
	"github.com/cartemplate/host/internal/mainloop"
	"github.com/cartemplate/host/internal/shared/id"
	"github.com/cartemplate/host/internal/shared/types"
	"github.com/cartemplate/host/internal/telemetry"
	"github.com/cartemplate/host/internal/transport"
)

// Session bundles everything the host runs for one app: its main loop, its
// event manager, the binding state machine and the flow validator.
type Session struct {
	ID        id.SessionID
	App       types.AppIdentity
	CreatedAt time.Time

	Loop      *mainloop.Loop
	Events    *events.Manager
	Binding   *binding.Binding
	Validator *flow.Validator

	crash *resilience.Tracker
}

// Close unbinds the app and stops the session loop. Safe to call once.
func (s *Session) Close() {
	s.Binding.Unbind()
	s.Loop.Stop()
}

// ReportStatus appends the session's diagnostic state to a bug report.
func (s *Session) ReportStatus(w io.Writer, pii types.PIIMode) {
	fmt.Fprintf(w, "session %s created=%s\n", s.ID, s.CreatedAt.Format(time.RFC3339))
	s.Binding.ReportStatus(w, pii)
	s.Validator.ReportStatus(w, pii)
}

// Settings holds the per-session policy the registry stamps onto every new
// session.
type Settings struct {
	// StepLimit caps the task flow depth.
	StepLimit int
	// ANRTimeout is the deadline for every one-way call to the app.
	ANRTimeout time.Duration
	// Crash is the binder-death policy.
	Crash resilience.Settings
	// Templates supplies refresh and permission checkers; nil means the
	// built-in defaults.
	Templates *template.Registry
}

// Manager is the session registry: app identity to live session.
type Manager struct {
	settings Settings
	log      *logging.Logger
	metrics  *monitoring.Metrics
	reporter telemetry.Reporter

	mu    sync.RWMutex
	byApp map[types.AppIdentity]*Session
	byID  map[id.SessionID]*Session
}

// NewManager creates an empty registry.
func NewManager(settings Settings, log *logging.Logger, metrics *monitoring.Metrics, reporter telemetry.Reporter) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	if reporter == nil {
		reporter = telemetry.Nop{}
	}
	if settings.Templates == nil {
		settings.Templates = template.Defaults()
	}
	return &Manager{
		settings: settings,
		log:      log,
		metrics:  metrics,
		reporter: reporter,
		byApp:    make(map[types.AppIdentity]*Session),
		byID:     make(map[id.SessionID]*Session),
	}
}

// Create builds a session for app and registers it. A second session for
// the same app is refused; the caller must Remove the old one first.
func (m *Manager) Create(app types.AppIdentity, binder transport.Binder, opts binding.Options) (*Session, error) {
	if !app.IsValid() {
		return nil, fmt.Errorf("registry: invalid app identity %q", app)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byApp[app]; ok {
		return nil, fmt.Errorf("registry: session %s already exists for %s", existing.ID, app)
	}

	s := &Session{
		ID:        id.NewSessionID(),
		App:       app,
		CreatedAt: time.Now(),
		Loop:      mainloop.New(),
		Events:    events.NewManager(),
		Validator: flow.NewValidator(m.settings.StepLimit, m.settings.Templates),
		crash:     resilience.New(app.String(), m.settings.Crash),
	}
	watchdog := anr.New(m.settings.ANRTimeout, func(api telemetry.API) {
		m.reporter.Failure(app, api, anr.ErrNoResponse)
		m.metrics.RecordANRTimeout(string(api))
	})
	s.Binding = binding.New(app, binder, binding.Config{
		Loop:     s.Loop,
		Events:   s.Events,
		Reporter: m.reporter,
		Watchdog: watchdog,
		Crash:    s.crash,
		Log:      m.log,
		Metrics:  m.metrics,
		Options:  opts,
	})

	m.byApp[app] = s
	m.byID[s.ID] = s
	m.metrics.SetSessions(len(m.byApp))
	m.log.Info("session created",
		zap.String("session_id", s.ID.String()),
		logging.App(app),
	)
	return s, nil
}

// Get returns the session for app, if any.
func (m *Manager) Get(app types.AppIdentity) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byApp[app]
	return s, ok
}

// GetByID returns the session with the given id, if any.
func (m *Manager) GetByID(sid id.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sid]
	return s, ok
}

// Remove closes the session for app and drops it from the registry.
// Removing an unknown app is a no-op.
func (m *Manager) Remove(app types.AppIdentity) {
	m.mu.Lock()
	s, ok := m.byApp[app]
	if ok {
		delete(m.byApp, app)
		delete(m.byID, s.ID)
		m.metrics.SetSessions(len(m.byApp))
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	m.log.Info("session removed",
		zap.String("session_id", s.ID.String()),
		logging.App(app),
	)
}

// List returns the live sessions sorted by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.byApp))
	for _, s := range m.byApp {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byApp)
}

// CloseAll removes every session. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byApp))
	for _, s := range m.byApp {
		sessions = append(sessions, s)
	}
	m.byApp = make(map[types.AppIdentity]*Session)
	m.byID = make(map[id.SessionID]*Session)
	m.metrics.SetSessions(0)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// ReportStatus appends every session's diagnostic state to a bug report.
func (m *Manager) ReportStatus(w io.Writer, pii types.PIIMode) {
	sessions := m.List()
	fmt.Fprintf(w, "sessions: %d\n", len(sessions))
	for _, s := range sessions {
		s.ReportStatus(w, pii)
	}
}
