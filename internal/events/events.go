// Package events implements the host's publish/subscribe registry. It
// decouples UI-side listeners from binding-state and configuration changes.
//
// Subscriptions are keyed by (listener identity, event type); a listener
// must unsubscribe explicitly. The listener set is snapshotted before each
// dispatch so subscribing or unsubscribing mid-dispatch never corrupts
// iteration.
package events

import (
	"sync"

	"github.com/cartemplate/host/internal/shared/types"
)

// Type enumerates the events presenters consume.
type Type int

const (
	ConfigurationChanged Type = iota
	AppBound
	AppUnbound
	AppDisconnected
	SurfaceAreaChanged
	ConstraintsChanged
	PlaceListChanged
	WindowFocusChanged
	TouchedOrFocused
)

// String returns the string representation of the event type.
func (t Type) String() string {
	switch t {
	case ConfigurationChanged:
		return "configuration_changed"
	case AppBound:
		return "app_bound"
	case AppUnbound:
		return "app_unbound"
	case AppDisconnected:
		return "app_disconnected"
	case SurfaceAreaChanged:
		return "surface_area_changed"
	case ConstraintsChanged:
		return "constraints_changed"
	case PlaceListChanged:
		return "place_list_changed"
	case WindowFocusChanged:
		return "window_focus_changed"
	case TouchedOrFocused:
		return "touched_or_focused"
	default:
		return "unknown"
	}
}

// Event is a single published notification.
type Event struct {
	Type    Type
	App     types.AppIdentity
	Payload interface{}
}

// Handler consumes published events. Handlers run on the publisher's
// goroutine; long work must be handed off.
type Handler func(Event)

// Manager is the pub/sub registry.
type Manager struct {
	mu   sync.RWMutex
	subs map[Type]map[interface{}]Handler
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		subs: make(map[Type]map[interface{}]Handler),
	}
}

// Subscribe registers handler for events of type t under the given listener
// identity. Re-subscribing the same identity replaces the previous handler.
func (m *Manager) Subscribe(listener interface{}, t Type, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byListener, ok := m.subs[t]
	if !ok {
		byListener = make(map[interface{}]Handler)
		m.subs[t] = byListener
	}
	byListener[listener] = handler
}

// Unsubscribe removes the listener's handler for events of type t.
func (m *Manager) Unsubscribe(listener interface{}, t Type) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if byListener, ok := m.subs[t]; ok {
		delete(byListener, listener)
	}
}

// UnsubscribeAll removes the listener from every event type.
func (m *Manager) UnsubscribeAll(listener interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, byListener := range m.subs {
		delete(byListener, listener)
	}
}

// Publish delivers ev to every handler subscribed to its type. The handler
// set is copied first, so handlers may subscribe or unsubscribe freely.
func (m *Manager) Publish(ev Event) {
	m.mu.RLock()
	byListener := m.subs[ev.Type]
	handlers := make([]Handler, 0, len(byListener))
	for _, h := range byListener {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// SubscriberCount returns the number of handlers for a type.
func (m *Manager) SubscriberCount(t Type) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[t])
}
