package call

import "encoding/json"

// Phase is the local call lifecycle indicator shown to the UI. It is driven
// by user intents and signaling and is never persisted; the server-confirmed
// Session.Status moves independently.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOutgoing
	PhaseIncoming
	PhaseConnecting
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOutgoing:
		return "outgoing"
	case PhaseIncoming:
		return "incoming"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the lowercase name so agent clients never see raw ints.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// phaseTransitions is the authoritative transition table. Every reachable
// edge is listed; anything absent is rejected with a PhaseError.
var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseOutgoing, PhaseIncoming},
	PhaseOutgoing:   {PhaseConnecting, PhaseIdle},
	PhaseIncoming:   {PhaseConnecting, PhaseIdle},
	PhaseConnecting: {PhaseActive, PhaseIdle},
	PhaseActive:     {PhaseIdle},
}

// CanTransition reports whether moving from p to next is a legal edge.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Busy reports whether a call attempt is in progress in any form.
func (p Phase) Busy() bool { return p != PhaseIdle }
