package types

// LifecycleEvent is a coarse lifecycle transition forwarded to an app.
type LifecycleEvent int

const (
	LifecycleStart LifecycleEvent = iota
	LifecycleResume
	LifecyclePause
	LifecycleStop
)

// String returns the string representation of the event.
func (e LifecycleEvent) String() string {
	switch e {
	case LifecycleStart:
		return "start"
	case LifecycleResume:
		return "resume"
	case LifecyclePause:
		return "pause"
	case LifecycleStop:
		return "stop"
	default:
		return "unknown"
	}
}
