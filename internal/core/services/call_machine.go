package services

import (
	"chatcall/internal/core/domain"
)

// CallMachine tracks the local state of one call attempt. It is not safe for
// concurrent use; the owning CallSession serializes access.
type CallMachine struct {
	state  domain.CallState
	reason string
}

func NewCallMachine() *CallMachine {
	return &CallMachine{state: domain.CallStateIdle}
}

func (m *CallMachine) State() domain.CallState {
	return m.state
}

func (m *CallMachine) Reason() string {
	return m.reason
}

// Transition moves to the given state and reports whether anything changed.
// Re-entering the current state and leaving a terminal state are no-ops.
func (m *CallMachine) Transition(to domain.CallState, reason string) bool {
	if m.state == to || !domain.CanEnterState(m.state, to) {
		return false
	}
	m.state = to
	if reason != "" {
		m.reason = reason
	}
	return true
}
