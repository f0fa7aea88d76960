package runner

import "github.com/rotisserie/eris"

// State is the position of a job in its lifecycle
type State int

const (
	Pending State = iota
	ToolchainReady
	Compiled
	Staged
	Published
	Done
	Failed
)

var stateNames = map[State]string{
	Pending:        "pending",
	ToolchainReady: "toolchain-ready",
	Compiled:       "compiled",
	Staged:         "staged",
	Published:      "published",
	Done:           "done",
	Failed:         "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText makes states readable in JSON status reports
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return eris.Errorf("unknown state %q", text)
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// allowed reports whether a job may move from one state to another. Jobs only ever move one step forward
// or fail.
func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	return to == from+1
}
