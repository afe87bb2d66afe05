// Package template models the abstract UI payloads a car app streams to the
// host, together with the per-type policy knowledge the flow validator
// consults: step accounting class, refresh detection and required
// permissions.
package template

// Kind tags a template payload with its concrete type.
type Kind string

const (
	KindList        Kind = "list"
	KindGrid        Kind = "grid"
	KindSearch      Kind = "search"
	KindMessage     Kind = "message"
	KindLongMessage Kind = "long_message"
	KindPane        Kind = "pane"
	KindSignIn      Kind = "sign_in"
	KindMap         Kind = "map"
	KindPlaceList   Kind = "place_list"
	KindNavigation  Kind = "navigation"
)

// Valid reports whether k is one of the template kinds the host understands.
// Template payloads come off the wire from untrusted apps, so an unknown tag
// must be checked here and rejected, never allowed to reach the checker
// registry.
func (k Kind) Valid() bool {
	switch k {
	case KindList, KindGrid, KindSearch, KindMessage, KindLongMessage,
		KindPane, KindSignIn, KindMap, KindPlaceList, KindNavigation:
		return true
	}
	return false
}

// ParkedOnly reports whether the type never advances the step counter. These
// templates are only shown while parked, so they are not counted against the
// driving-distraction budget.
func (k Kind) ParkedOnly() bool {
	switch k {
	case KindSignIn, KindLongMessage:
		return true
	}
	return false
}

// ConsumptionView reports whether reaching the type ends one interaction
// cycle and resets the task to step 1, e.g. handing off to turn-by-turn
// guidance.
func (k Kind) ConsumptionView() bool {
	return k == KindNavigation
}

// AllowedAtLimit reports whether the type may occupy the final step of the
// budget.
func (k Kind) AllowedAtLimit() bool {
	switch k {
	case KindMessage, KindPane, KindSignIn, KindLongMessage, KindNavigation:
		return true
	}
	return false
}

// Info identifies one template on the app's screen stack.
type Info struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// Wrapper carries one template update from the app.
type Wrapper struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// Content is the opaque payload. The host core never interprets it;
	// only the per-type refresh checkers do.
	Content map[string]interface{} `json:"content,omitempty"`

	// Ancestors is the chain of templates the app believes is on screen
	// below this one, oldest first. It lets the validator reconcile its
	// stack after a cold reattach.
	Ancestors []Info `json:"ancestors,omitempty"`

	// Refresh is set by the validator when the update was classified as a
	// content refresh of the current screen.
	Refresh bool `json:"refresh,omitempty"`
}

// Info returns the wrapper's stack entry identity.
func (w *Wrapper) Info() Info {
	return Info{ID: w.ID, Kind: w.Kind}
}
