package binding

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cartemplate/host/internal/events"
	"github.com/cartemplate/host/internal/infrastructure/resilience"
	"github.com/cartemplate/host/internal/mainloop"
	"github.com/cartemplate/host/internal/shared/types"
	"github.com/cartemplate/host/internal/telemetry"
	"github.com/cartemplate/host/internal/transport"
)

var testApp = types.AppIdentity{PackageName: "com.example.nav", ServiceName: "CarService"}

// fakeManager records the invocations routed through one service proxy.
type fakeManager struct {
	mu    sync.Mutex
	calls []telemetry.API
	err   error
}

func (m *fakeManager) Invoke(api telemetry.API, payload interface{}, done transport.DoneFn) {
	m.mu.Lock()
	m.calls = append(m.calls, api)
	m.mu.Unlock()
	done(m.err)
}

func (m *fakeManager) invoked() []telemetry.API {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.API(nil), m.calls...)
}

// fakeConn is a connection whose done callbacks fire synchronously.
type fakeConn struct {
	info         types.AppInfo
	infoErr      error
	handshakeErr error
	createErr    error
	mgr          *fakeManager
	mgrErr       error

	mu          sync.Mutex
	closed      bool
	host        types.HostInfo
	created     []types.Intent
	newIntents  []types.Intent
	lifecycles  []types.LifecycleEvent
	managerGets int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		info: types.AppInfo{MinAPILevel: 1, LatestAPILevel: 5, SDKVersion: "1.4.0"},
		mgr:  &fakeManager{},
	}
}

func (c *fakeConn) GetAppInfo(done func(types.AppInfo, error)) {
	done(c.info, c.infoErr)
}

func (c *fakeConn) OnHandshakeCompleted(host types.HostInfo, done transport.DoneFn) {
	c.mu.Lock()
	c.host = host
	c.mu.Unlock()
	done(c.handshakeErr)
}

func (c *fakeConn) OnAppCreate(intent types.Intent, done transport.DoneFn) {
	c.mu.Lock()
	c.created = append(c.created, intent)
	c.mu.Unlock()
	done(c.createErr)
}

func (c *fakeConn) OnNewIntent(intent types.Intent, done transport.DoneFn) {
	c.mu.Lock()
	c.newIntents = append(c.newIntents, intent)
	c.mu.Unlock()
	done(nil)
}

func (c *fakeConn) GetManager(key types.ServiceKey, done func(transport.Manager, error)) {
	c.mu.Lock()
	c.managerGets++
	c.mu.Unlock()
	if c.mgrErr != nil {
		done(nil, c.mgrErr)
		return
	}
	done(c.mgr, nil)
}

func (c *fakeConn) DispatchLifecycle(ev types.LifecycleEvent, done transport.DoneFn) {
	c.mu.Lock()
	c.lifecycles = append(c.lifecycles, ev)
	c.mu.Unlock()
	done(nil)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) snapshot() (host types.HostInfo, created, newIntents int, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host, len(c.created), len(c.newIntents), c.closed
}

// fakeBinder hands out the sink so tests can drive connection events.
type fakeBinder struct {
	mu      sync.Mutex
	bindErr error
	binds   int
	unbinds int
	sink    transport.ConnEvents
}

func (f *fakeBinder) Bind(identity types.AppIdentity, sink transport.ConnEvents) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds++
	if f.bindErr != nil {
		return f.bindErr
	}
	f.sink = sink
	return nil
}

func (f *fakeBinder) Unbind(identity types.AppIdentity) {
	f.mu.Lock()
	f.unbinds++
	f.mu.Unlock()
}

func (f *fakeBinder) counts() (binds, unbinds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binds, f.unbinds
}

func (f *fakeBinder) connect(conn transport.Conn) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink.Connected(conn)
}

func (f *fakeBinder) die() {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink.Died()
}

// recordingReporter captures telemetry outcomes for assertions.
type recordingReporter struct {
	mu        sync.Mutex
	successes []telemetry.API
	failures  []telemetry.API
}

func (r *recordingReporter) Success(app types.AppIdentity, api telemetry.API, elapsed time.Duration) {
	r.mu.Lock()
	r.successes = append(r.successes, api)
	r.mu.Unlock()
}

func (r *recordingReporter) Failure(app types.AppIdentity, api telemetry.API, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, api)
	r.mu.Unlock()
}

func (r *recordingReporter) failed(api telemetry.API) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.failures {
		if a == api {
			return true
		}
	}
	return false
}

// eventCounter counts published binding events per type.
type eventCounter struct {
	mu     sync.Mutex
	counts map[events.Type]int
	last   events.Event
}

func watchEvents(em *events.Manager) *eventCounter {
	c := &eventCounter{counts: make(map[events.Type]int)}
	for _, t := range []events.Type{events.AppBound, events.AppUnbound, events.AppDisconnected} {
		em.Subscribe(c, t, func(ev events.Event) {
			c.mu.Lock()
			c.counts[ev.Type]++
			c.last = ev
			c.mu.Unlock()
		})
	}
	return c
}

func (c *eventCounter) count(t events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

func (c *eventCounter) lastEvent() events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type fixture struct {
	loop     *mainloop.Loop
	events   *events.Manager
	counter  *eventCounter
	binder   *fakeBinder
	reporter *recordingReporter
	binding  *Binding
}

func newFixture(t *testing.T, cfgFn func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		loop:     mainloop.New(),
		events:   events.NewManager(),
		binder:   &fakeBinder{},
		reporter: &recordingReporter{},
	}
	f.counter = watchEvents(f.events)
	cfg := Config{
		Loop:     f.loop,
		Events:   f.events,
		Reporter: f.reporter,
		Options: Options{
			Host:        types.HostInfo{Name: "test-host", APILevel: 7},
			MinAPILevel: 1,
		},
	}
	if cfgFn != nil {
		cfgFn(&cfg)
	}
	f.binding = New(testApp, f.binder, cfg)
	t.Cleanup(f.loop.Stop)
	return f
}

func testIntent() types.Intent {
	return types.Intent{Identity: testApp, Action: "androidx.car.app.action.NAVIGATE"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// bindAndConnect drives the full handshake to BOUND.
func bindAndConnect(t *testing.T, f *fixture, conn *fakeConn) {
	t.Helper()
	f.binding.Bind(testIntent())
	waitFor(t, "binder bind", func() bool { binds, _ := f.binder.counts(); return binds >= 1 })
	f.binder.connect(conn)
	waitFor(t, "bound state", func() bool { return f.binding.State() == types.StateBound })
}

func TestBindHandshake(t *testing.T) {
	f := newFixture(t, nil)
	conn := newFakeConn()

	f.binding.Bind(testIntent())
	waitFor(t, "bind request", func() bool { binds, _ := f.binder.counts(); return binds == 1 })
	if got := f.binding.State(); got != types.StateBinding {
		t.Fatalf("state after bind = %s, want binding", got)
	}

	f.binder.connect(conn)
	waitFor(t, "bound state", func() bool { return f.binding.State() == types.StateBound })

	// Negotiated level is the lower of host (7) and app latest (5).
	if got := f.binding.APILevel(); got != 5 {
		t.Errorf("negotiated api level = %d, want 5", got)
	}
	host, created, _, _ := conn.snapshot()
	if host.APILevel != 5 {
		t.Errorf("handshake announced api level %d, want 5", host.APILevel)
	}
	if created != 1 {
		t.Errorf("onAppCreate delivered %d times, want 1", created)
	}
	waitFor(t, "app bound event", func() bool { return f.counter.count(events.AppBound) == 1 })
	if ev := f.counter.lastEvent(); ev.App != testApp {
		t.Errorf("bound event app = %s, want %s", ev.App, testApp)
	}
}

func TestBindRejectsMalformedIntent(t *testing.T) {
	f := newFixture(t, nil)

	f.binding.Bind(types.Intent{})
	f.loop.PostAndWait(func() {})

	if got := f.binding.State(); got != types.StateUnbound {
		t.Errorf("state = %s, want unbound", got)
	}
	if binds, _ := f.binder.counts(); binds != 0 {
		t.Errorf("binder called %d times for malformed intent, want 0", binds)
	}
}

func TestBindSynchronousRefusal(t *testing.T) {
	f := newFixture(t, nil)
	f.binder.bindErr = errors.New("service not exported")

	f.binding.Bind(testIntent())
	f.loop.PostAndWait(func() {})

	if got := f.binding.State(); got != types.StateUnbound {
		t.Errorf("state = %s, want unbound after refused bind", got)
	}
	if f.counter.count(events.AppBound) != 0 {
		t.Error("bound event fired for a refused bind")
	}
}

func TestBindCoalescesWhileBinding(t *testing.T) {
	f := newFixture(t, nil)

	f.binding.Bind(testIntent())
	f.binding.Bind(testIntent())
	f.loop.PostAndWait(func() {})

	if binds, _ := f.binder.counts(); binds != 1 {
		t.Errorf("binder called %d times, want 1 (second bind coalesces)", binds)
	}
}

func TestIncompatibleVersionUnbinds(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Options.MinAPILevel = 3
	})
	conn := newFakeConn()
	conn.info = types.AppInfo{MinAPILevel: 1, LatestAPILevel: 2}

	f.binding.Bind(testIntent())
	waitFor(t, "bind request", func() bool { binds, _ := f.binder.counts(); return binds == 1 })
	f.binder.connect(conn)

	waitFor(t, "disconnected event", func() bool { return f.counter.count(events.AppDisconnected) == 1 })
	if got := f.binding.State(); got != types.StateUnbound {
		t.Errorf("state = %s, want unbound", got)
	}
	var bindErr *Error
	if ev := f.counter.lastEvent(); !errors.As(ev.Payload.(error), &bindErr) || bindErr.Kind != ErrorIncompatibleVersion {
		t.Errorf("disconnect payload = %v, want incompatible-version error", ev.Payload)
	}
	if _, _, _, closed := conn.snapshot(); !closed {
		t.Error("incompatible connection left open")
	}
	if f.counter.count(events.AppBound) != 0 {
		t.Error("bound event fired despite failed negotiation")
	}
}

func TestAppCreateFailureUnbinds(t *testing.T) {
	f := newFixture(t, nil)
	conn := newFakeConn()
	conn.createErr = errors.New("app threw in onCreate")

	f.binding.Bind(testIntent())
	waitFor(t, "bind request", func() bool { binds, _ := f.binder.counts(); return binds == 1 })
	f.binder.connect(conn)

	waitFor(t, "disconnected event", func() bool { return f.counter.count(events.AppDisconnected) == 1 })
	if got := f.binding.State(); got != types.StateUnbound {
		t.Errorf("state = %s, want unbound", got)
	}
	if f.counter.count(events.AppBound) != 0 {
		t.Error("bound event fired despite failed app create")
	}
	if !f.reporter.failed(telemetry.APIOnAppCreate) {
		t.Error("onAppCreate failure not reported")
	}
}

func TestUnbindIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	conn := newFakeConn()
	bindAndConnect(t, f, conn)

	f.binding.Unbind()
	f.binding.Unbind()
	f.loop.PostAndWait(func() {})

	if got := f.binding.State(); got != types.StateUnbound {
		t.Errorf("state = %s, want unbound", got)
	}
	if got := f.counter.count(events.AppUnbound); got != 1 {
		t.Errorf("unbound event fired %d times, want 1", got)
	}
	if _, unbinds := f.binder.counts(); unbinds != 1 {
		t.Errorf("binder unbind called %d times, want 1", unbinds)
	}
	if f.binding.APILevel() != 0 {
		t.Errorf("api level %d survives unbind, want 0", f.binding.APILevel())
	}
	if _, _, _, closed := conn.snapshot(); !closed {
		t.Error("connection left open after unbind")
	}
}

func TestNewIntentWhileBound(t *testing.T) {
	f := newFixture(t, nil)
	conn := newFakeConn()
	bindAndConnect(t, f, conn)

	second := testIntent()
	second.Action = "androidx.car.app.action.SEARCH"
	f.binding.Bind(second)

	waitFor(t, "new intent", func() bool { _, _, n, _ := conn.snapshot(); return n == 1 })
	if binds, _ := f.binder.counts(); binds != 1 {
		t.Errorf("binder called %d times, want 1 (bound bind routes as new intent)", binds)
	}
	if got := f.binding.State(); got != types.StateBound {
		t.Errorf("state = %s, want bound", got)
	}
}

func TestDispatchFetchesAndCachesManager(t *testing.T) {
	f := newFixture(t, nil)
	conn := newFakeConn()
	bindAndConnect(t, f, conn)

	f.binding.Dispatch(types.ServiceApp, telemetry.APIOnBackPressed, nil)
	f.binding.Dispatch(types.ServiceApp, telemetry.APIOnSurfaceAvailable, map[string]interface{}{"width": 800})

	waitFor(t, "both invocations", func() bool { return len(conn.mgr.invoked()) == 2 })
	conn.mu.Lock()
	gets := conn.managerGets
	conn.mu.Unlock()
	if gets != 1 {
		t.Errorf("manager fetched %d times, want 1 (cached after first dispatch)", gets)
	}
	calls := conn.mgr.invoked()
	if calls[0] != telemetry.APIOnBackPressed || calls[1] != telemetry.APIOnSurfaceAvailable {
		t.Errorf("invocations = %v, want back-pressed then surface-available", calls)
	}
}

func TestDispatchWhileUnboundFailsLocally(t *testing.T) {
	f := newFixture(t, nil)

	f.binding.Dispatch(types.ServiceNavigation, telemetry.APIStartLocationUpdates, nil)
	f.loop.PostAndWait(func() {})

	if !f.reporter.failed(telemetry.APIStartLocationUpdates) {
		t.Error("dispatch while unbound must surface as a reported failure")
	}
}

func TestDispatchPanicsOnUnknownServiceKey(t *testing.T) {
	f := newFixture(t, nil)
	defer func() {
		if recover() == nil {
			t.Error("dispatch with an unknown service key must panic")
		}
	}()
	f.binding.Dispatch(types.ServiceKey("climate"), telemetry.APIOnBackPressed, nil)
}

func TestIdleUnbindAfterStop(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Options.IdleUnbindDelay = 10 * time.Millisecond
	})
	conn := newFakeConn()
	bindAndConnect(t, f, conn)

	f.binding.DispatchAppLifecycleEvent(types.LifecycleStop)

	waitFor(t, "idle unbind", func() bool { return f.binding.State() == types.StateUnbound })
	if got := f.counter.count(events.AppUnbound); got != 1 {
		t.Errorf("unbound event fired %d times, want 1", got)
	}
}

func TestNavigationAppExemptFromIdleUnbind(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Options.IdleUnbindDelay = 10 * time.Millisecond
		cfg.Options.NavigationApp = true
	})
	conn := newFakeConn()
	bindAndConnect(t, f, conn)

	f.binding.DispatchAppLifecycleEvent(types.LifecycleStop)
	time.Sleep(50 * time.Millisecond)
	f.loop.PostAndWait(func() {})

	if got := f.binding.State(); got != types.StateBound {
		t.Errorf("navigation app unbound while stopped, state = %s", got)
	}
}

func TestResumeCancelsIdleUnbind(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Options.IdleUnbindDelay = 30 * time.Millisecond
	})
	conn := newFakeConn()
	bindAndConnect(t, f, conn)

	f.binding.DispatchAppLifecycleEvent(types.LifecycleStop)
	f.binding.DispatchAppLifecycleEvent(types.LifecycleResume)
	time.Sleep(60 * time.Millisecond)
	f.loop.PostAndWait(func() {})

	if got := f.binding.State(); got != types.StateBound {
		t.Errorf("resume did not cancel idle unbind, state = %s", got)
	}
}

func TestDeathAfterConnectRetriesBind(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Crash = resilience.New(testApp.String(), resilience.Settings{
			RetryDelay:    2 * time.Millisecond,
			MaxRetryDelay: 10 * time.Millisecond,
		})
	})
	conn := newFakeConn()
	bindAndConnect(t, f, conn)

	f.binder.die()

	waitFor(t, "crash disconnect", func() bool { return f.counter.count(events.AppDisconnected) == 1 })
	var bindErr *Error
	if ev := f.counter.lastEvent(); !errors.As(ev.Payload.(error), &bindErr) || bindErr.Kind != ErrorCrashed {
		t.Errorf("disconnect payload = %v, want crashed error", f.counter.lastEvent().Payload)
	}

	// The rebind fires after the retry delay.
	waitFor(t, "rebind", func() bool { binds, _ := f.binder.counts(); return binds == 2 })
	f.binder.connect(newFakeConn())
	waitFor(t, "rebound", func() bool { return f.binding.State() == types.StateBound })
	if got := f.counter.count(events.AppBound); got != 2 {
		t.Errorf("bound events = %d, want 2 after successful rebind", got)
	}
}

func TestUnbindCancelsPendingRebind(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Crash = resilience.New(testApp.String(), resilience.Settings{
			RetryDelay:    50 * time.Millisecond,
			MaxRetryDelay: 100 * time.Millisecond,
		})
	})
	bindAndConnect(t, f, newFakeConn())

	f.binder.die()
	waitFor(t, "crash disconnect", func() bool { return f.counter.count(events.AppDisconnected) == 1 })

	// A deliberate release while the rebind is still pending must win over
	// the retry.
	f.binding.Unbind()
	f.loop.PostAndWait(func() {})

	time.Sleep(120 * time.Millisecond)
	if binds, _ := f.binder.counts(); binds != 1 {
		t.Errorf("binder called %d times after explicit unbind, want 1 (no rebind)", binds)
	}
	if got := f.binding.State(); got != types.StateUnbound {
		t.Errorf("state = %s, want UNBOUND after explicit unbind", got)
	}
}

func TestDeathBeforeConnectIsFatal(t *testing.T) {
	crash := resilience.New(testApp.String(), resilience.Settings{
		RetryDelay: 2 * time.Millisecond,
	})
	f := newFixture(t, func(cfg *Config) {
		cfg.Crash = crash
	})

	f.binding.Bind(testIntent())
	waitFor(t, "bind request", func() bool { binds, _ := f.binder.counts(); return binds == 1 })
	f.binder.die()

	waitFor(t, "unbound state", func() bool { return f.binding.State() == types.StateUnbound })
	if !crash.Fatal() {
		t.Error("death before connect must be fatal")
	}
	time.Sleep(20 * time.Millisecond)
	if binds, _ := f.binder.counts(); binds != 1 {
		t.Errorf("binder called %d times, want 1 (fatal sessions never rebind)", binds)
	}
}

func TestRepeatedDeathsTurnFatal(t *testing.T) {
	crash := resilience.New(testApp.String(), resilience.Settings{
		MaxDeaths:     2,
		RetryDelay:    2 * time.Millisecond,
		MaxRetryDelay: 10 * time.Millisecond,
	})
	f := newFixture(t, func(cfg *Config) {
		cfg.Crash = crash
	})
	bindAndConnect(t, f, newFakeConn())

	f.binder.die()
	waitFor(t, "rebind", func() bool { binds, _ := f.binder.counts(); return binds == 2 })
	f.binder.connect(newFakeConn())
	waitFor(t, "rebound", func() bool { return f.binding.State() == types.StateBound })

	f.binder.die()
	waitFor(t, "second crash", func() bool { return f.counter.count(events.AppDisconnected) == 2 })
	if !crash.Fatal() {
		t.Error("second death within the window must be fatal")
	}
	time.Sleep(20 * time.Millisecond)
	if binds, _ := f.binder.counts(); binds != 2 {
		t.Errorf("binder called %d times, want 2 (no rebind after fatal)", binds)
	}
}

func TestReportStatus(t *testing.T) {
	f := newFixture(t, nil)
	bindAndConnect(t, f, newFakeConn())

	var buf bytes.Buffer
	f.binding.ReportStatus(&buf, types.PIIShow)
	out := buf.String()
	if !strings.Contains(out, testApp.String()) {
		t.Errorf("report missing app identity:\n%s", out)
	}
	if !strings.Contains(out, "state=bound") {
		t.Errorf("report missing state:\n%s", out)
	}

	buf.Reset()
	f.binding.ReportStatus(&buf, types.PIIHide)
	if strings.Contains(buf.String(), testApp.PackageName) {
		t.Errorf("redacted report leaks package name:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "<redacted>") {
		t.Errorf("redacted report missing placeholder:\n%s", buf.String())
	}
}
