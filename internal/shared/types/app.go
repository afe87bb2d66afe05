package types

import "fmt"

// AppIdentity identifies a remote car app by its package and the exported
// service the host binds to.
type AppIdentity struct {
	PackageName string `json:"package_name"`
	ServiceName string `json:"service_name"`
}

// String returns the flattened component name.
func (a AppIdentity) String() string {
	return a.PackageName + "/" + a.ServiceName
}

// IsValid reports whether the identity names a concrete component.
func (a AppIdentity) IsValid() bool {
	return a.PackageName != "" && a.ServiceName != ""
}

// Intent carries a launch or navigation request to an app.
type Intent struct {
	Identity AppIdentity       `json:"identity"`
	Action   string            `json:"action,omitempty"`
	Extras   map[string]string `json:"extras,omitempty"`
}

// AppInfo is the version information an app reports during the handshake.
type AppInfo struct {
	MinAPILevel    int    `json:"min_api_level"`
	LatestAPILevel int    `json:"latest_api_level"`
	SDKVersion     string `json:"sdk_version,omitempty"`
}

// HostInfo identifies the host side of the handshake.
type HostInfo struct {
	Name     string `json:"name"`
	APILevel int    `json:"api_level"`
}

// BindState is the app binding lifecycle state.
type BindState int32

const (
	StateUnbound BindState = iota
	StateBinding
	StateBound
)

// String returns the string representation of the state.
func (s BindState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBinding:
		return "binding"
	case StateBound:
		return "bound"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// PIIMode controls whether identifying details appear in diagnostic output.
type PIIMode int

const (
	PIIShow PIIMode = iota
	PIIHide
)

// Redact returns s as-is in show mode and a placeholder otherwise.
func (m PIIMode) Redact(s string) string {
	if m == PIIHide {
		return "<redacted>"
	}
	return s
}
