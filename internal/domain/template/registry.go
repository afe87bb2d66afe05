package template

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/cartemplate/host/internal/shared/types"
)

// RefreshChecker decides whether incoming is a content refresh of prev.
// Both wrappers are guaranteed to carry the same Kind.
type RefreshChecker interface {
	IsRefresh(incoming, prev *Wrapper) bool
}

// RefreshCheckerFunc adapts a function to the RefreshChecker interface.
type RefreshCheckerFunc func(incoming, prev *Wrapper) bool

func (f RefreshCheckerFunc) IsRefresh(incoming, prev *Wrapper) bool {
	return f(incoming, prev)
}

// PermissionChecker verifies the app holds the permissions a template type
// requires, given the set the app has been granted.
type PermissionChecker interface {
	Check(app types.AppIdentity, granted map[string]bool) error
}

// PermissionError reports permissions the app lacks. It is always fatal to
// the attempted operation and distinct from a flow violation.
type PermissionError struct {
	App     types.AppIdentity
	Kind    Kind
	Missing []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("app %s lacks permissions for %s template: %s",
		e.App, e.Kind, strings.Join(e.Missing, ", "))
}

// RequirePermissions is a PermissionChecker demanding a fixed permission set.
type RequirePermissions struct {
	Kind        Kind
	Permissions []string
}

func (r RequirePermissions) Check(app types.AppIdentity, granted map[string]bool) error {
	var missing []string
	for _, p := range r.Permissions {
		if !granted[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &PermissionError{App: app, Kind: r.Kind, Missing: missing}
	}
	return nil
}

// Registry holds the per-type checkers. Refresh checkers are optional (a
// type without one is simply never classified as a refresh); permission
// checkers are mandatory for every type the host accepts.
type Registry struct {
	mu      sync.RWMutex
	refresh map[Kind]RefreshChecker
	perms   map[Kind]PermissionChecker
}

// NewRegistry creates an empty checker registry.
func NewRegistry() *Registry {
	return &Registry{
		refresh: make(map[Kind]RefreshChecker),
		perms:   make(map[Kind]PermissionChecker),
	}
}

// RegisterRefreshChecker installs the refresh checker for a type.
func (r *Registry) RegisterRefreshChecker(k Kind, c RefreshChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh[k] = c
}

// RegisterPermissionChecker installs the permission checker for a type.
func (r *Registry) RegisterPermissionChecker(k Kind, c PermissionChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perms[k] = c
}

// RefreshCheckerFor returns the refresh checker for a type, if any.
func (r *Registry) RefreshCheckerFor(k Kind) (RefreshChecker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.refresh[k]
	return c, ok
}

// PermissionCheckerFor returns the permission checker for a type. A missing
// checker is a host deployment bug, not app misbehavior, so it panics rather
// than returning a recoverable error.
func (r *Registry) PermissionCheckerFor(k Kind) PermissionChecker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.perms[k]
	if !ok {
		panic(fmt.Sprintf("template: no permission checker registered for kind %q", k))
	}
	return c
}

// ContentRefresh is the default refresh verdict: same screen identity with
// possibly different content.
func ContentRefresh(incoming, prev *Wrapper) bool {
	if incoming.ID == prev.ID {
		return true
	}
	// Different ids still refresh when the content title matches, which is
	// how apps re-issue the current screen after rebuilding it.
	it, iok := incoming.Content["title"]
	pt, pok := prev.Content["title"]
	return iok && pok && reflect.DeepEqual(it, pt)
}

// Defaults returns a registry covering every known kind: the content-refresh
// checker everywhere, location permissions on map-backed types, and
// no-requirement permission checkers for the rest.
func Defaults() *Registry {
	r := NewRegistry()
	kinds := []Kind{
		KindList, KindGrid, KindSearch, KindMessage, KindLongMessage,
		KindPane, KindSignIn, KindMap, KindPlaceList, KindNavigation,
	}
	for _, k := range kinds {
		r.RegisterRefreshChecker(k, RefreshCheckerFunc(ContentRefresh))
		switch k {
		case KindMap, KindPlaceList, KindNavigation:
			r.RegisterPermissionChecker(k, RequirePermissions{
				Kind:        k,
				Permissions: []string{"location.fine"},
			})
		default:
			r.RegisterPermissionChecker(k, RequirePermissions{Kind: k})
		}
	}
	return r
}
