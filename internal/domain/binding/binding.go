// Package binding owns the lifecycle of the host's connection to one remote
// car app: the UNBOUND/BINDING/BOUND state machine, the version-negotiation
// handshake, lazy manager caching and the ANR-guarded one-way dispatch
// layer.
//
// All state mutation happens on the session's main loop. Transport
// callbacks arrive on arbitrary goroutines and are reposted before touching
// anything; the state field is atomic only so incidental readers never see
// a torn value.
package binding

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cartemplate/host/internal/anr"
	"github.com/cartemplate/host/internal/events"
	"github.com/cartemplate/host/internal/infrastructure/logging"
	"github.com/cartemplate/host/internal/infrastructure/monitoring"
	"github.com/cartemplate/host/internal/infrastructure/resilience"
	"github.com/cartemplate/host/internal/mainloop"
	"github.com/cartemplate/host/internal/shared/types"
	"github.com/cartemplate/host/internal/telemetry"
	"github.com/cartemplate/host/internal/transport"
)

// Options carries the per-app policy knobs.
type Options struct {
	Host types.HostInfo
	// MinAPILevel is the oldest API level the host still speaks.
	MinAPILevel int
	// IdleUnbindDelay is how long a stopped app stays bound.
	IdleUnbindDelay time.Duration
	// NavigationApp exempts the app from idle unbinding.
	NavigationApp bool
}

// Config bundles the collaborators a binding needs.
type Config struct {
	Loop     *mainloop.Loop
	Events   *events.Manager
	Reporter telemetry.Reporter
	Watchdog *anr.Watchdog
	Crash    *resilience.Tracker
	Log      *logging.Logger
	Metrics  *monitoring.Metrics
	Options  Options
}

// Binding is the per-app bind/connect state machine.
type Binding struct {
	app    types.AppIdentity
	binder transport.Binder

	loop     *mainloop.Loop
	events   *events.Manager
	reporter telemetry.Reporter
	watchdog *anr.Watchdog
	crash    *resilience.Tracker
	log      *logging.Logger
	metrics  *monitoring.Metrics
	opts     Options

	state    atomic.Int32
	apiLevel atomic.Int32

	// Everything below is touched on the loop only.
	conn         transport.Conn
	managers     map[types.ServiceKey]transport.Manager
	lastIntent   types.Intent
	connectToken *anr.Token
	idleTimer    *mainloop.Timer
	rebindTimer  *mainloop.Timer
}

// New creates an unbound binding for the given app.
func New(app types.AppIdentity, binder transport.Binder, cfg Config) *Binding {
	log := cfg.Log
	if log == nil {
		log = logging.NewNop()
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = telemetry.Nop{}
	}
	watchdog := cfg.Watchdog
	if watchdog == nil {
		watchdog = anr.New(5*time.Second, nil)
	}
	crash := cfg.Crash
	if crash == nil {
		crash = resilience.New(app.String(), resilience.Settings{})
	}
	b := &Binding{
		app:      app,
		binder:   binder,
		loop:     cfg.Loop,
		events:   cfg.Events,
		reporter: reporter,
		watchdog: watchdog,
		crash:    crash,
		log:      log,
		metrics:  cfg.Metrics,
		opts:     cfg.Options,
		managers: make(map[types.ServiceKey]transport.Manager),
	}
	b.state.Store(int32(types.StateUnbound))
	return b
}

// App returns the bound app's identity.
func (b *Binding) App() types.AppIdentity {
	return b.app
}

// State returns the current binding state. Safe from any goroutine.
func (b *Binding) State() types.BindState {
	return types.BindState(b.state.Load())
}

// APILevel returns the negotiated API level, 0 before the handshake. Safe
// from any goroutine.
func (b *Binding) APILevel() int {
	return int(b.apiLevel.Load())
}

// ConnEvents returns the sink the transport must deliver connection
// notifications to.
func (b *Binding) ConnEvents() transport.ConnEvents {
	return (*connEvents)(b)
}

// Bind requests a connection and delivers intent to the app. While BINDING
// the call coalesces; while BOUND it is routed as a new intent.
func (b *Binding) Bind(intent types.Intent) {
	b.loop.Post(func() { b.bindLocked(intent) })
}

// Unbind releases the connection. Idempotent: unbinding an unbound binding
// is a no-op and fires no events.
func (b *Binding) Unbind() {
	b.loop.Post(func() { b.unbindLocked(nil) })
}

// Dispatch sends a named one-way call through the manager for key, fetching
// and caching the manager first if needed. If the binding is not BOUND the
// call fails locally: reported, never thrown. An invalid key is a host bug
// and panics.
func (b *Binding) Dispatch(key types.ServiceKey, api telemetry.API, payload interface{}) {
	if !key.IsValid() {
		panic(fmt.Sprintf("binding: unknown manager service key %q", key))
	}
	b.loop.Post(func() { b.dispatchLocked(key, api, payload) })
}

// DispatchAppLifecycleEvent forwards a lifecycle transition. A STOP starts
// the idle-unbind clock unless the app is a navigation app; START and
// RESUME cancel it.
func (b *Binding) DispatchAppLifecycleEvent(ev types.LifecycleEvent) {
	b.loop.Post(func() { b.lifecycleLocked(ev) })
}

// ----------------------------------------------------------------------------
// Loop-side implementation
// ----------------------------------------------------------------------------

func (b *Binding) bindLocked(intent types.Intent) {
	switch b.State() {
	case types.StateBound:
		b.newIntentLocked(intent)
	case types.StateBinding:
		// Coalesce concurrent bind attempts.
	case types.StateUnbound:
		if !intent.Identity.IsValid() {
			b.failLocked(&Error{Kind: ErrorBindFailed, App: b.app,
				Err: fmt.Errorf("malformed intent identity %q", intent.Identity)})
			return
		}
		b.lastIntent = intent
		b.rebindTimer.Cancel()
		b.idleTimer.Cancel()
		b.setState(types.StateBinding)

		if err := b.binder.Bind(b.app, b.ConnEvents()); err != nil {
			b.setState(types.StateUnbound)
			b.failLocked(&Error{Kind: ErrorBindFailed, App: b.app, Err: err})
			return
		}
		b.connectToken = b.watchdog.Track(telemetry.APIBind)
	}
}

func (b *Binding) newIntentLocked(intent types.Intent) {
	conn := b.conn
	if conn == nil {
		return
	}
	token := b.watchdog.Track(telemetry.APIOnNewIntent)
	start := time.Now()
	conn.OnNewIntent(intent, func(err error) {
		b.loop.Post(func() {
			token.Dismiss()
			if err != nil {
				b.reporter.Failure(b.app, telemetry.APIOnNewIntent, err)
				return
			}
			b.reporter.Success(b.app, telemetry.APIOnNewIntent, time.Since(start))
		})
	})
}

// connectedLocked runs the handshake: app info, version negotiation,
// handshake-completed, app-create. Only after the final step succeeds does
// the state become BOUND.
func (b *Binding) connectedLocked(conn transport.Conn) {
	if b.State() != types.StateBinding {
		// Stale connection from a superseded bind attempt.
		conn.Close()
		return
	}
	if b.connectToken != nil {
		b.connectToken.Dismiss()
		b.connectToken = nil
	}
	b.conn = conn

	token := b.watchdog.Track(telemetry.APIGetAppVersion)
	start := time.Now()
	conn.GetAppInfo(func(info types.AppInfo, err error) {
		b.loop.Post(func() {
			token.Dismiss()
			if !b.handshakeAlive(conn) {
				return
			}
			if err != nil {
				b.reporter.Failure(b.app, telemetry.APIGetAppVersion, err)
				b.unbindLocked(&Error{Kind: ErrorBindFailed, App: b.app, Err: err})
				return
			}
			b.reporter.Success(b.app, telemetry.APIGetAppVersion, time.Since(start))
			b.negotiateLocked(conn, info)
		})
	})
}

func (b *Binding) negotiateLocked(conn transport.Conn, info types.AppInfo) {
	negotiated := b.opts.Host.APILevel
	if info.LatestAPILevel < negotiated {
		negotiated = info.LatestAPILevel
	}
	if negotiated < info.MinAPILevel || negotiated < b.opts.MinAPILevel {
		b.unbindLocked(&Error{Kind: ErrorIncompatibleVersion, App: b.app,
			Err: fmt.Errorf("app supports %d..%d, host supports %d..%d",
				info.MinAPILevel, info.LatestAPILevel, b.opts.MinAPILevel, b.opts.Host.APILevel)})
		return
	}
	b.apiLevel.Store(int32(negotiated))

	token := b.watchdog.Track(telemetry.APIOnHandshakeCompleted)
	start := time.Now()
	host := types.HostInfo{Name: b.opts.Host.Name, APILevel: negotiated}
	conn.OnHandshakeCompleted(host, func(err error) {
		b.loop.Post(func() {
			token.Dismiss()
			if !b.handshakeAlive(conn) {
				return
			}
			if err != nil {
				b.reporter.Failure(b.app, telemetry.APIOnHandshakeCompleted, err)
				b.unbindLocked(&Error{Kind: ErrorBindFailed, App: b.app, Err: err})
				return
			}
			b.reporter.Success(b.app, telemetry.APIOnHandshakeCompleted, time.Since(start))
			b.appCreateLocked(conn)
		})
	})
}

func (b *Binding) appCreateLocked(conn transport.Conn) {
	token := b.watchdog.Track(telemetry.APIOnAppCreate)
	start := time.Now()
	conn.OnAppCreate(b.lastIntent, func(err error) {
		b.loop.Post(func() {
			token.Dismiss()
			if !b.handshakeAlive(conn) {
				return
			}
			if err != nil {
				b.reporter.Failure(b.app, telemetry.APIOnAppCreate, err)
				b.unbindLocked(&Error{Kind: ErrorAppFailure, App: b.app, Err: err})
				return
			}
			b.reporter.Success(b.app, telemetry.APIOnAppCreate, time.Since(start))

			b.setState(types.StateBound)
			b.crash.RecordConnected()
			b.log.Info("app bound",
				logging.App(b.app),
				zap.Int("api_level", b.APILevel()),
			)
			b.publish(events.AppBound, nil)
		})
	})
}

// handshakeAlive guards handshake callbacks against unbinds and superseded
// connections.
func (b *Binding) handshakeAlive(conn transport.Conn) bool {
	return b.State() == types.StateBinding && b.conn == conn
}

func (b *Binding) unbindLocked(cause *Error) {
	// An explicit unbind supersedes any rebind pending from a crash, even
	// when the state is already UNBOUND.
	b.rebindTimer.Cancel()
	if b.State() == types.StateUnbound {
		return
	}
	wasBound := b.State() == types.StateBound
	b.setState(types.StateUnbound)

	if b.connectToken != nil {
		b.connectToken.Dismiss()
		b.connectToken = nil
	}
	b.idleTimer.Cancel()
	b.managers = make(map[types.ServiceKey]transport.Manager)
	b.apiLevel.Store(0)

	if conn := b.conn; conn != nil {
		b.conn = nil
		conn.Close()
	}
	b.binder.Unbind(b.app)

	if cause != nil {
		b.failLocked(cause)
		b.publish(events.AppDisconnected, cause)
	} else if wasBound {
		b.publish(events.AppUnbound, nil)
	}
}

func (b *Binding) failLocked(cause *Error) {
	b.log.Warn("binding error",
		logging.App(b.app),
		zap.String("kind", cause.Kind.String()),
		zap.Error(cause.Err),
	)
	b.metrics.RecordBindError(cause.Kind.String())
}

func (b *Binding) dispatchLocked(key types.ServiceKey, api telemetry.API, payload interface{}) {
	if b.State() != types.StateBound || b.conn == nil {
		b.reporter.Failure(b.app, api, &Error{Kind: ErrorNotBound, App: b.app,
			Err: fmt.Errorf("dispatch %s while %s", api, b.State())})
		return
	}
	if mgr, ok := b.managers[key]; ok {
		b.invokeLocked(mgr, api, payload)
		return
	}

	conn := b.conn
	token := b.watchdog.Track(telemetry.APIGetManager)
	conn.GetManager(key, func(mgr transport.Manager, err error) {
		b.loop.Post(func() {
			token.Dismiss()
			if err != nil {
				b.reporter.Failure(b.app, telemetry.APIGetManager, err)
				return
			}
			if b.State() != types.StateBound || b.conn != conn {
				// Binding lost while the manager was in flight.
				return
			}
			b.managers[key] = mgr
			b.invokeLocked(mgr, api, payload)
		})
	})
}

func (b *Binding) invokeLocked(mgr transport.Manager, api telemetry.API, payload interface{}) {
	token := b.watchdog.Track(api)
	start := time.Now()
	mgr.Invoke(api, payload, func(err error) {
		b.loop.Post(func() {
			token.Dismiss()
			if err != nil {
				b.reporter.Failure(b.app, api, err)
				return
			}
			b.reporter.Success(b.app, api, time.Since(start))
		})
	})
}

func (b *Binding) lifecycleLocked(ev types.LifecycleEvent) {
	if b.State() != types.StateBound || b.conn == nil {
		b.reporter.Failure(b.app, lifecycleAPI(ev), &Error{Kind: ErrorNotBound, App: b.app,
			Err: fmt.Errorf("lifecycle %s while %s", ev, b.State())})
		return
	}

	api := lifecycleAPI(ev)
	token := b.watchdog.Track(api)
	start := time.Now()
	b.conn.DispatchLifecycle(ev, func(err error) {
		b.loop.Post(func() {
			token.Dismiss()
			if err != nil {
				b.reporter.Failure(b.app, api, err)
				return
			}
			b.reporter.Success(b.app, api, time.Since(start))
		})
	})

	switch ev {
	case types.LifecycleStart, types.LifecycleResume:
		b.idleTimer.Cancel()
	case types.LifecycleStop:
		// Navigation apps keep running turn-by-turn while stopped.
		if !b.opts.NavigationApp && b.opts.IdleUnbindDelay > 0 {
			b.idleTimer.Cancel()
			b.idleTimer = b.loop.PostDelayed(func() {
				b.unbindLocked(nil)
			}, b.opts.IdleUnbindDelay)
		}
	}
}

func (b *Binding) diedLocked() {
	if b.State() == types.StateUnbound {
		return
	}

	decision := b.crash.RecordDeath()
	delay := b.crash.RetryDelay()
	cause := &Error{Kind: ErrorCrashed, App: b.app, Err: fmt.Errorf("app process died")}
	b.unbindLocked(cause)

	if decision == resilience.DecisionRetry {
		b.log.Info("scheduling rebind after app death",
			logging.App(b.app),
			zap.Duration("delay", delay),
		)
		b.rebindTimer = b.loop.PostDelayed(func() {
			if b.State() == types.StateUnbound && !b.crash.Fatal() {
				b.bindLocked(b.lastIntent)
			}
		}, delay)
		return
	}
	b.log.Error("app crashed repeatedly, giving up",
		logging.App(b.app),
		zap.Uint32("deaths", b.crash.Counts().Deaths),
	)
}

func (b *Binding) setState(s types.BindState) {
	b.state.Store(int32(s))
	b.metrics.RecordBindTransition(s.String())
}

func (b *Binding) publish(t events.Type, payload interface{}) {
	if b.events == nil {
		return
	}
	b.events.Publish(events.Event{Type: t, App: b.app, Payload: payload})
}

// lifecycleAPI maps a lifecycle event to its telemetry label.
func lifecycleAPI(ev types.LifecycleEvent) telemetry.API {
	switch ev {
	case types.LifecycleStart:
		return telemetry.APIOnAppStart
	case types.LifecycleResume:
		return telemetry.APIOnAppResume
	case types.LifecyclePause:
		return telemetry.APIOnAppPause
	default:
		return telemetry.APIOnAppStop
	}
}

// ReportStatus appends human-readable binding state to a bug report. The
// snapshot is assembled on the loop behind a short blocking wait; on
// contention it reports what the atomics allow.
func (b *Binding) ReportStatus(w io.Writer, pii types.PIIMode) {
	buf, err := anr.Block(time.Second, func(done func(*bytes.Buffer, error)) {
		b.loop.Post(func() {
			var out bytes.Buffer
			fmt.Fprintf(&out, "binding %s: state=%s api_level=%d navigation=%t\n",
				pii.Redact(b.app.String()), b.State(), b.APILevel(), b.opts.NavigationApp)
			fmt.Fprintf(&out, "  cached managers:")
			for key := range b.managers {
				fmt.Fprintf(&out, " %s", key)
			}
			fmt.Fprintln(&out)
			counts := b.crash.Counts()
			fmt.Fprintf(&out, "  crash policy: connects=%d deaths=%d fatal=%t\n",
				counts.Connects, counts.Deaths, b.crash.Fatal())
			done(&out, nil)
		})
	})
	if err != nil {
		fmt.Fprintf(w, "binding %s: state=%s (loop busy)\n",
			pii.Redact(b.app.String()), b.State())
		return
	}
	w.Write(buf.Bytes())
}

// connEvents adapts transport notifications onto the loop.
type connEvents Binding

func (c *connEvents) Connected(conn transport.Conn) {
	b := (*Binding)(c)
	b.loop.Post(func() { b.connectedLocked(conn) })
}

func (c *connEvents) Disconnected() {
	b := (*Binding)(c)
	b.loop.Post(func() { b.unbindLocked(nil) })
}

func (c *connEvents) Died() {
	b := (*Binding)(c)
	b.loop.Post(func() { b.diedLocked() })
}
