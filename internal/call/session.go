package call

import (
	"sort"
	"time"

	"github.com/pion/webrtc/v4"
)

// attempt is the mutable state of one call from first intent to teardown.
// It lives behind the manager mutex; nothing outside the manager ever sees
// a pointer to it.
type attempt struct {
	phase     Phase
	sess      Session
	direction Direction
	parts     map[string]*Participant

	startedAt   time.Time
	connectedAt time.Time

	// An incoming offer arrives before the local user accepts. The SDP and
	// any candidates that trickle in early wait here until Accept runs.
	pendingOffer *webrtc.SessionDescription
	pendingCands []webrtc.ICECandidateInit
}

func newAttempt(dir Direction, sess Session) *attempt {
	return &attempt{
		phase:     PhaseIdle,
		sess:      sess,
		direction: dir,
		parts:     make(map[string]*Participant),
		startedAt: time.Now(),
	}
}

// setID records the backend call record id, once. The id can arrive from the
// create response or from the offer that announced the call; whichever lands
// first wins and later writes are ignored.
func (a *attempt) setID(id string) {
	if a.sess.ID == "" && id != "" {
		a.sess.ID = id
	}
}

// markActive stamps the moment the first media path connected. Repeats from
// reconnecting peers do not move it.
func (a *attempt) markActive() {
	if a.connectedAt.IsZero() {
		a.connectedAt = time.Now()
	}
}

// ensureParticipant returns the roster entry for id, creating it with both
// tracks assumed live. Mute state is only known once the peer says so.
func (a *attempt) ensureParticipant(id string) *Participant {
	if p, ok := a.parts[id]; ok {
		return p
	}
	p := &Participant{
		UserID:       id,
		JoinedAt:     time.Now(),
		AudioEnabled: true,
		VideoEnabled: true,
	}
	a.parts[id] = p
	return p
}

func (a *attempt) participant(id string) (*Participant, bool) {
	p, ok := a.parts[id]
	return p, ok
}

func (a *attempt) removeParticipant(id string) {
	delete(a.parts, id)
}

// participants returns a sorted copy of the roster for snapshots.
func (a *attempt) participants() []Participant {
	out := make([]Participant, 0, len(a.parts))
	for _, p := range a.parts {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
