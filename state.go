package lattice

// State is where a client stands with its device.
type State int

const (
	Disconnected State = iota
	Connecting
	Paired
	Unpaired
)

func (s State) String() string {

	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Paired:
		return "paired"
	case Unpaired:
		return "unpaired"
	default:
		return "unknown"
	}
}

// requireSession returns the error for a command that needs an encrypted
// session in state s.
func (s State) requireSession() error {

	switch s {
	case Paired:
		return nil
	case Unpaired:
		return ErrNotPaired
	default:
		return ErrNotConnected
	}
}

// requireUnpaired returns the error for a pairing attempt in state s.
func (s State) requireUnpaired() error {

	switch s {
	case Unpaired:
		return nil
	case Paired:
		return ErrAlreadyPaired
	default:
		return ErrNotConnected
	}
}
