package flow

import (
	"fmt"

	"github.com/cartemplate/host/internal/domain/template"
)

// ViolationKind classifies a rejected template update.
type ViolationKind int

const (
	// ViolationBackTypeMismatch: back navigation targeted a known stack
	// entry whose recorded type differs from the incoming one.
	ViolationBackTypeMismatch ViolationKind = iota
	// ViolationOverStepLimit: the update would exceed the step budget, or
	// occupy the final step with a type not allowed there.
	ViolationOverStepLimit
)

// String returns the string representation of the kind.
func (k ViolationKind) String() string {
	switch k {
	case ViolationBackTypeMismatch:
		return "back_type_mismatch"
	case ViolationOverStepLimit:
		return "over_step_limit"
	default:
		return "unknown"
	}
}

// Violation is a flow-policy rejection. It originates from untrusted app
// behavior: callers must catch it and refuse the update, never crash.
type Violation struct {
	Kind       ViolationKind
	TemplateID string
	Detail     string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("flow violation (%s) for template %q: %s", v.Kind, v.TemplateID, v.Detail)
}

func backTypeMismatch(w *template.Wrapper, found template.Kind) *Violation {
	return &Violation{
		Kind:       ViolationBackTypeMismatch,
		TemplateID: w.ID,
		Detail:     fmt.Sprintf("back navigation to %s entry with incoming type %s", found, w.Kind),
	}
}

func overStepLimit(w *template.Wrapper, step, limit int) *Violation {
	detail := fmt.Sprintf("step %d exceeds limit %d", step, limit)
	if step == limit {
		detail = fmt.Sprintf("type %s not allowed at final step %d", w.Kind, limit)
	}
	return &Violation{
		Kind:       ViolationOverStepLimit,
		TemplateID: w.ID,
		Detail:     detail,
	}
}
