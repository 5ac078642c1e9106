package connection

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseReconnecting:
		return "Reconnecting"
	case PhaseDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// State is the client-visible connection snapshot. It is immutable:
// every transition replaces it wholesale, so consumers never observe a
// half-updated value.
type State struct {
	Phase          Phase
	RoomCode       string
	PartnerPresent bool
	LastError      string
}
