package channel

import (
	"fmt"
	"time"
)

// State is a delivery channel state.
type State int

// Channel states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StatePolling
	StateSimulating
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateLive:         "live",
	StatePolling:      "polling",
	StateSimulating:   "simulating",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown channel state %q", text)
}

// Transition describes one state change.
type Transition struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason"`
	Failures int       `json:"failures"`
	At       time.Time `json:"at"`
}
