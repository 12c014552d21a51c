package core

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// State Type
// -----------------------------------------------------------------------------

type StateType string

const (
	StateCreated   StateType = "CREATED"
	StateRunning   StateType = "RUNNING"
	StatePaused    StateType = "PAUSED"
	StateKilled    StateType = "KILLED"
	StateWarning   StateType = "WARNING"
	StateFailed    StateType = "FAILED"
	StateSuccess   StateType = "SUCCESS"
	StateCancelled StateType = "CANCELLED"
)

func (s StateType) String() string {
	return string(s)
}

// IsTerminal reports whether the state ends an execution or task run.
func (s StateType) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateKilled, StateWarning, StateCancelled:
		return true
	default:
		return false
	}
}

func (s StateType) IsFailed() bool {
	return s == StateFailed
}

func (s StateType) IsPaused() bool {
	return s == StatePaused
}

// TerminalStates returns the terminal state set in priority order.
func TerminalStates() []StateType {
	return []StateType{StateSuccess, StateFailed, StateKilled, StateWarning, StateCancelled}
}

// -----------------------------------------------------------------------------
// State History
// -----------------------------------------------------------------------------

type StateEntry struct {
	State StateType `json:"state"`
	At    time.Time `json:"at"`
}

// StateHistory is the ordered sequence of states an entity moved through.
// The current state is the last entry. A terminal state cannot be followed
// by a non-terminal one.
type StateHistory struct {
	Histories []StateEntry `json:"histories"`
}

// NewStateHistory starts a history in CREATED.
func NewStateHistory() StateHistory {
	return NewStateHistoryWith(StateCreated)
}

func NewStateHistoryWith(state StateType) StateHistory {
	return StateHistory{Histories: []StateEntry{{State: state, At: time.Now()}}}
}

// Current returns the latest state, or CREATED for an empty history.
func (h StateHistory) Current() StateType {
	if len(h.Histories) == 0 {
		return StateCreated
	}
	return h.Histories[len(h.Histories)-1].State
}

// Previous returns the state before the current one, if any.
func (h StateHistory) Previous() (StateType, bool) {
	if len(h.Histories) < 2 {
		return "", false
	}
	return h.Histories[len(h.Histories)-2].State, true
}

// With returns a copy of the history advanced to the given state.
func (h StateHistory) With(state StateType) (StateHistory, error) {
	current := h.Current()
	if len(h.Histories) > 0 && current.IsTerminal() && !state.IsTerminal() {
		return h, fmt.Errorf("invalid state transition: %s is terminal, cannot move to %s", current, state)
	}
	histories := make([]StateEntry, len(h.Histories), len(h.Histories)+1)
	copy(histories, h.Histories)
	histories = append(histories, StateEntry{State: state, At: time.Now()})
	return StateHistory{Histories: histories}, nil
}

func (h StateHistory) IsTerminal() bool {
	return h.Current().IsTerminal()
}
