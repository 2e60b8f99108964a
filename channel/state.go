package channel

// State is the lifecycle state of a Channel.
type State int32

const (
	StateUnregistered State = iota
	StateRegistered
	StateActive
	StateInputShutdown
	StateOutputShutdown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "Unregistered"
	case StateRegistered:
		return "Registered"
	case StateActive:
		return "Active"
	case StateInputShutdown:
		return "InputShutdown"
	case StateOutputShutdown:
		return "OutputShutdown"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
