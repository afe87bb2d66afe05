package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cartemplate/host/internal/domain/template"
	"github.com/cartemplate/host/internal/shared/id"
	"github.com/cartemplate/host/internal/shared/types"
	"github.com/cartemplate/host/internal/telemetry"
	"github.com/cartemplate/host/internal/transport"
)

// ErrConnClosed is reported to callbacks still pending when the socket
// goes away.
var ErrConnClosed = errors.New("connection closed")

// Frame types exchanged with the app process.
const (
	frameHello          = "hello"
	frameCall           = "call"
	frameResult         = "result"
	frameTemplate       = "template"
	frameTemplateResult = "template_result"
	frameEvent          = "event"
	frameError          = "error"
)

type intentBody struct {
	Action string            `json:"action,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
}

// frame is the JSON envelope for every message in both directions.
type frame struct {
	Type    string           `json:"type"`
	ID      id.RequestID     `json:"id,omitempty"`
	API     telemetry.API    `json:"api,omitempty"`
	Service types.ServiceKey `json:"service,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	Error   string           `json:"error,omitempty"`

	// hello
	PackageName string      `json:"package_name,omitempty"`
	ServiceName string      `json:"service_name,omitempty"`
	Intent      *intentBody `json:"intent,omitempty"`

	// template update
	Template *template.Wrapper `json:"template,omitempty"`
	Result   string            `json:"result,omitempty"`

	// vehicle event
	Event string `json:"event,omitempty"`
}

// appConn adapts one WebSocket to the one-way call contract: every host
// call becomes a call frame with a request id, and the matching result
// frame settles the done callback.
type appConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[id.RequestID]func(json.RawMessage, error)
	closed  bool
}

func newAppConn(ws *websocket.Conn) *appConn {
	return &appConn{
		ws:      ws,
		pending: make(map[id.RequestID]func(json.RawMessage, error)),
	}
}

func (c *appConn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *appConn) call(api telemetry.API, service types.ServiceKey, payload interface{}, done func(json.RawMessage, error)) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			done(nil, fmt.Errorf("failed to encode %s payload: %w", api, err))
			return
		}
		raw = data
	}

	reqID := id.NewRequestID()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done(nil, ErrConnClosed)
		return
	}
	c.pending[reqID] = done
	c.mu.Unlock()

	if err := c.write(frame{Type: frameCall, ID: reqID, API: api, Service: service, Payload: raw}); err != nil {
		c.settle(reqID, nil, err)
	}
}

// settle pops and fires one pending callback. Duplicate results are dropped.
func (c *appConn) settle(reqID id.RequestID, payload json.RawMessage, err error) {
	c.mu.Lock()
	done, ok := c.pending[reqID]
	delete(c.pending, reqID)
	c.mu.Unlock()
	if ok {
		done(payload, err)
	}
}

// resolve settles the callback for an inbound result frame.
func (c *appConn) resolve(f frame) {
	var err error
	if f.Error != "" {
		err = errors.New(f.Error)
	}
	c.settle(f.ID, f.Payload, err)
}

func (c *appConn) GetAppInfo(done func(types.AppInfo, error)) {
	c.call(telemetry.APIGetAppVersion, types.ServiceApp, nil, func(raw json.RawMessage, err error) {
		if err != nil {
			done(types.AppInfo{}, err)
			return
		}
		var info types.AppInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			done(types.AppInfo{}, fmt.Errorf("malformed app info: %w", err))
			return
		}
		done(info, nil)
	})
}

func (c *appConn) OnHandshakeCompleted(host types.HostInfo, done transport.DoneFn) {
	c.call(telemetry.APIOnHandshakeCompleted, types.ServiceApp, host, ack(done))
}

func (c *appConn) OnAppCreate(intent types.Intent, done transport.DoneFn) {
	c.call(telemetry.APIOnAppCreate, types.ServiceApp, intent, ack(done))
}

func (c *appConn) OnNewIntent(intent types.Intent, done transport.DoneFn) {
	c.call(telemetry.APIOnNewIntent, types.ServiceApp, intent, ack(done))
}

func (c *appConn) GetManager(key types.ServiceKey, done func(transport.Manager, error)) {
	payload := map[string]string{"service": string(key)}
	c.call(telemetry.APIGetManager, key, payload, func(_ json.RawMessage, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		done(&manager{conn: c, key: key}, nil)
	})
}

func (c *appConn) DispatchLifecycle(ev types.LifecycleEvent, done transport.DoneFn) {
	payload := map[string]string{"event": ev.String()}
	c.call(lifecycleAPI(ev), types.ServiceApp, payload, ack(done))
}

// Close fails every pending callback and closes the socket. Idempotent.
func (c *appConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[id.RequestID]func(json.RawMessage, error))
	c.mu.Unlock()

	for _, done := range pending {
		done(nil, ErrConnClosed)
	}
	return c.ws.Close()
}

// ack adapts a payload-less done callback.
func ack(done transport.DoneFn) func(json.RawMessage, error) {
	return func(_ json.RawMessage, err error) { done(err) }
}

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

// manager routes invocations for one service key through the connection.
type manager struct {
	conn *appConn
	key  types.ServiceKey
}

func (m *manager) Invoke(api telemetry.API, payload interface{}, done transport.DoneFn) {
	m.conn.call(api, m.key, payload, ack(done))
}

// binder adapts the inverted connection model: the app dialed us, so Bind
// simply hands the live connection to the binding.
type binder struct {
	conn *appConn

	mu   sync.Mutex
	sink transport.ConnEvents
}

func (b *binder) Bind(identity types.AppIdentity, sink transport.ConnEvents) error {
	b.conn.mu.Lock()
	closed := b.conn.closed
	b.conn.mu.Unlock()
	if closed {
		return ErrConnClosed
	}

	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
	sink.Connected(b.conn)
	return nil
}

func (b *binder) Unbind(identity types.AppIdentity) {}

func (b *binder) events() transport.ConnEvents {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink
}
