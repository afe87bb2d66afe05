// Package transport defines the host's boundary to a remote car-app
// process. The wire mechanism (binder on the platform, WebSocket in this
// host) is hidden behind Conn: every call is one-way, returns immediately,
// and reports its outcome through a done callback that may fire on any
// goroutine. Callers must repost onto their session loop before touching
// shared state.
package transport

import (
	"github.com/cartemplate/host/internal/shared/types"
	"github.com/cartemplate/host/internal/telemetry"
)

// DoneFn reports the completion of a one-way call. A nil error means the
// app acknowledged the call.
type DoneFn func(err error)

// Manager is a lazily fetched proxy for one logical remote service.
type Manager interface {
	// Invoke sends a named one-way call through this service.
	Invoke(api telemetry.API, payload interface{}, done DoneFn)
}

// Conn is a live connection to an app process.
type Conn interface {
	// GetAppInfo fetches the app's version information.
	GetAppInfo(done func(types.AppInfo, error))
	// OnHandshakeCompleted tells the app which API level was negotiated.
	OnHandshakeCompleted(host types.HostInfo, done DoneFn)
	// OnAppCreate delivers the original launch intent.
	OnAppCreate(intent types.Intent, done DoneFn)
	// OnNewIntent delivers a follow-up intent to an already-bound app.
	OnNewIntent(intent types.Intent, done DoneFn)
	// GetManager fetches the proxy for one logical service.
	GetManager(key types.ServiceKey, done func(Manager, error))
	// DispatchLifecycle forwards a coarse lifecycle transition.
	DispatchLifecycle(ev types.LifecycleEvent, done DoneFn)
	// Close releases the connection. Idempotent.
	Close() error
}

// ConnEvents receives asynchronous connection notifications from the
// transport. Implementations are invoked from transport goroutines.
type ConnEvents interface {
	// Connected delivers the live connection after a successful bind.
	Connected(conn Conn)
	// Disconnected signals a clean remote close.
	Disconnected()
	// Died signals the app process died without closing cleanly.
	Died()
}

// Binder establishes connections, the analog of platform service binding.
type Binder interface {
	// Bind requests a connection to the app. A non-nil error is a
	// synchronous refusal; otherwise the outcome arrives via events.
	Bind(identity types.AppIdentity, events ConnEvents) error
	// Unbind releases the platform-level connection.
	Unbind(identity types.AppIdentity)
}
