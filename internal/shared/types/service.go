package types

// ServiceKey names a logical remote service whose manager proxy the host
// fetches lazily after binding. The set is closed: an unknown key is a host
// bug, not app misbehavior.
type ServiceKey string

const (
	ServiceApp        ServiceKey = "app"
	ServiceNavigation ServiceKey = "navigation"
	ServiceCar        ServiceKey = "car"
)

// IsValid reports whether k is one of the known service keys.
func (k ServiceKey) IsValid() bool {
	switch k {
	case ServiceApp, ServiceNavigation, ServiceCar:
		return true
	}
	return false
}
