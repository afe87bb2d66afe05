// Package flow enforces the template distraction policy. Each update from
// an app is classified as BACK, REFRESH or NEW against a stack of previously
// seen templates; NEW templates consume a bounded step budget so the app
// cannot flood the screen with unbounded navigation depth.
//
// A Validator is owned by one app session and must only be mutated from the
// session's main loop; it takes no locks of its own.
package flow

import (
	"fmt"
	"io"

	"github.com/cartemplate/host/internal/domain/template"
	"github.com/cartemplate/host/internal/shared/types"
)

// Result is the accepted classification of one update.
type Result int

const (
	ResultNew Result = iota
	ResultBack
	ResultRefresh
)

// String returns the string representation of the result.
func (r Result) String() string {
	switch r {
	case ResultNew:
		return "new"
	case ResultBack:
		return "back"
	case ResultRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// StackItem is one entry of the validated template history.
type StackItem struct {
	ID   string
	Kind template.Kind
	Step int
}

// Validator tracks one app's template flow.
type Validator struct {
	limit    int
	checkers *template.Registry

	stack    []StackItem
	lastStep int
	// last is the most recently validated wrapper, used only for refresh
	// diffing. Reset whenever an out-of-band template is spliced in.
	last *template.Wrapper

	pendingReset bool
	// forceRefreshOnce makes the next same-type update a refresh regardless
	// of the checker's verdict, then clears itself.
	forceRefreshOnce bool
}

// NewValidator creates a validator with the given step limit.
func NewValidator(limit int, checkers *template.Registry) *Validator {
	if limit < 1 {
		limit = 1
	}
	if checkers == nil {
		checkers = template.Defaults()
	}
	return &Validator{limit: limit, checkers: checkers}
}

// RequestReset makes the next accepted template restart step counting at 1.
func (v *Validator) RequestReset() {
	v.pendingReset = true
}

// ForceNextRefreshIfSameType forces the next same-type update to classify as
// a refresh, once.
func (v *Validator) ForceNextRefreshIfSameType() {
	v.forceRefreshOnce = true
}

// ValidateFlow classifies w, mutates the stack accordingly and returns the
// classification. On a Violation the stack, counter and pending flags are
// left untouched.
func (v *Validator) ValidateFlow(w *template.Wrapper) (Result, error) {
	v.reconcile(w)

	// Back-flow: look for the incoming id below the top of stack. The top
	// itself is not a back target; re-sending the current top is a refresh.
	for i := len(v.stack) - 1; i >= 0; i-- {
		if v.stack[i].ID != w.ID {
			continue
		}
		if i == len(v.stack)-1 {
			break
		}
		if v.stack[i].Kind != w.Kind {
			return 0, backTypeMismatch(w, v.stack[i].Kind)
		}
		v.stack = v.stack[:i+1]
		v.lastStep = v.stack[i].Step
		w.Refresh = false
		v.last = w
		return ResultBack, nil
	}

	// Refresh-flow: same type as the last accepted template and either the
	// force flag or the per-type checker says so.
	if v.isRefresh(w) {
		step := v.lastStep
		if v.pendingReset || w.Kind.ConsumptionView() {
			step = 1
		}
		if step < 1 {
			step = 1
		}
		v.pendingReset = false
		w.Refresh = true
		v.stack = append(v.stack, StackItem{ID: w.ID, Kind: w.Kind, Step: step})
		v.lastStep = step
		v.last = w
		return ResultRefresh, nil
	}

	// New-flow: advance the counter unless the type is parked-only, apply
	// reset rules, then check the budget.
	step := v.lastStep
	if !w.Kind.ParkedOnly() {
		step++
	}
	if v.pendingReset || w.Kind.ConsumptionView() {
		step = 1
	}
	if step < 1 {
		step = 1
	}
	if step > v.limit {
		return 0, overStepLimit(w, step, v.limit)
	}
	if step == v.limit && !w.Kind.AllowedAtLimit() {
		return 0, overStepLimit(w, step, v.limit)
	}

	v.pendingReset = false
	w.Refresh = false
	v.stack = append(v.stack, StackItem{ID: w.ID, Kind: w.Kind, Step: step})
	v.lastStep = step
	v.last = w
	return ResultNew, nil
}

// ValidateHasRequiredPermissions checks the permissions the template's type
// demands. Independent of flow validation. A type without a registered
// checker is a host bug and panics.
func (v *Validator) ValidateHasRequiredPermissions(w *template.Wrapper, app types.AppIdentity, granted map[string]bool) error {
	return v.checkers.PermissionCheckerFor(w.Kind).Check(app, granted)
}

// isRefresh applies the force-once flag and the per-type checker. The force
// flag is only consumed when a same-type template arrives.
func (v *Validator) isRefresh(w *template.Wrapper) bool {
	if v.last == nil || v.last.Kind != w.Kind {
		return false
	}
	if v.forceRefreshOnce {
		v.forceRefreshOnce = false
		return true
	}
	c, ok := v.checkers.RefreshCheckerFor(w.Kind)
	if !ok {
		return false
	}
	return c.IsRefresh(w, v.last)
}

// reconcile splices in ancestors the app declares but the validator has not
// seen, e.g. after reattaching to an app that kept its screen stack. The
// synthesized entries are stepped like new templates and never count as
// refreshes; the refresh-diff baseline is dropped.
func (v *Validator) reconcile(w *template.Wrapper) {
	if len(w.Ancestors) <= len(v.stack) {
		return
	}

	known := make(map[string]bool, len(v.stack))
	for _, it := range v.stack {
		known[it.ID] = true
	}

	spliced := false
	for _, a := range w.Ancestors {
		if known[a.ID] || a.ID == w.ID {
			continue
		}
		step := v.lastStep
		if !a.Kind.ParkedOnly() {
			step++
		}
		if v.pendingReset || a.Kind.ConsumptionView() {
			step = 1
			v.pendingReset = false
		}
		if step < 1 {
			step = 1
		}
		v.stack = append(v.stack, StackItem{ID: a.ID, Kind: a.Kind, Step: step})
		v.lastStep = step
		known[a.ID] = true
		spliced = true
	}
	if spliced {
		v.last = nil
	}
}

// LastStep returns the step of the most recently accepted template.
func (v *Validator) LastStep() int {
	return v.lastStep
}

// Depth returns the current stack depth.
func (v *Validator) Depth() int {
	return len(v.stack)
}

// Stack returns a copy of the current stack, bottom first.
func (v *Validator) Stack() []StackItem {
	out := make([]StackItem, len(v.stack))
	copy(out, v.stack)
	return out
}

// ReportStatus appends human-readable validator state to a bug report.
func (v *Validator) ReportStatus(w io.Writer, pii types.PIIMode) {
	fmt.Fprintf(w, "template flow: depth=%d lastStep=%d limit=%d reset=%t\n",
		len(v.stack), v.lastStep, v.limit, v.pendingReset)
	for i := len(v.stack) - 1; i >= 0; i-- {
		it := v.stack[i]
		fmt.Fprintf(w, "  [%d] id=%s kind=%s step=%d\n", i, pii.Redact(it.ID), it.Kind, it.Step)
	}
}
