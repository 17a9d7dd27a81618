package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/media"
)

// Type selects the media requested for a call.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

// Status is the server-confirmed call record status. It is written only from
// backend responses and signaling pushes, never invented locally.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// EndReason travels on the end-of-call signal and into call history.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonDeclined  EndReason = "declined"
	ReasonFailed    EndReason = "failed"
	ReasonTimeout   EndReason = "timeout"
)

// Direction records which side started the attempt.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Session is the call record backing the attempt. ID stays empty until the
// backend created the record; once set it is never reassigned.
type Session struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Type           Type   `json:"type"`
	Status         Status `json:"status,omitempty"`

	// Remote party of a direct call, for display only.
	PeerID   string `json:"peer_id,omitempty"`
	PeerName string `json:"peer_name,omitempty"`
}

// Participant is one remote party in the roster.
type Participant struct {
	UserID          string    `json:"user_id"`
	JoinedAt        time.Time `json:"joined_at"`
	AudioEnabled    bool      `json:"audio_enabled"`
	VideoEnabled    bool      `json:"video_enabled"`
	ConnectionState string    `json:"connection_state"`
}

// Snapshot is the read-only view handed to observers. Every field is a copy;
// mutating a snapshot has no effect on the engine.
type Snapshot struct {
	Phase        Phase         `json:"phase"`
	Session      *Session      `json:"session,omitempty"`
	Direction    Direction     `json:"direction,omitempty"`
	Participants []Participant `json:"participants"`
	Media        media.State   `json:"media"`
	RemotePeers  []string      `json:"remote_peers"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	ConnectedAt  time.Time     `json:"connected_at,omitempty"`
}

// EventKind tags entries on the engine's event feed.
type EventKind string

const (
	EventPhase       EventKind = "phase"
	EventIncoming    EventKind = "incoming"
	EventParticipant EventKind = "participant"
	EventMedia       EventKind = "media"
	EventStream      EventKind = "stream"
	EventEnded       EventKind = "ended"
)

// Event is one entry on the engine's event feed. Ended events carry the
// reason and the duration of the finished attempt.
type Event struct {
	Kind     EventKind `json:"kind"`
	Snapshot Snapshot  `json:"snapshot"`
	Reason   EndReason `json:"reason,omitempty"`
	Duration float64   `json:"duration_seconds,omitempty"`
}

// InboundKind tags signaling and connection events entering the dispatch loop.
type InboundKind string

const (
	InOffer     InboundKind = "offer"
	InAnswer    InboundKind = "answer"
	InCandidate InboundKind = "candidate"
	InEnd       InboundKind = "end"
	InMute      InboundKind = "mute"
	InStatus    InboundKind = "status"
	InJoin      InboundKind = "join"
	InLeave     InboundKind = "leave"
	InConnState InboundKind = "conn-state"
	InFault     InboundKind = "fault"
)

// Inbound is one asynchronous event for the dispatch loop: a decoded
// signaling message, or a connection/track notification from a peer link.
// Only the fields relevant to Kind are set.
type Inbound struct {
	Kind           InboundKind
	SessionID      string
	ConversationID string
	From           string
	FromName       string
	CallType       Type
	SDP            *webrtc.SessionDescription
	Candidate      *webrtc.ICECandidateInit
	Reason         EndReason
	Status         Status
	MuteKind       media.TrackKind
	Muted          bool
	ConnState      string

	// ringEpoch ties an internally generated timeout event to the attempt
	// that armed it, so a stale timer cannot end a later call.
	ringEpoch uint64
}

// Signaler is the only surface the call package needs from the transport
// layer. The concrete adapter over the signaling client lives in the app
// wiring, the single place that imports both packages.
type Signaler interface {
	SendOffer(sessionID, participantID string, sdp webrtc.SessionDescription) error
	SendAnswer(sessionID, participantID string, sdp webrtc.SessionDescription) error
	SendCandidate(sessionID, participantID string, cand webrtc.ICECandidateInit) error
	SendEnd(sessionID string, reason EndReason) error
	SendMute(sessionID string, kind media.TrackKind, muted bool) error
	Subscribe() (ch <-chan Inbound, cancel func())
}

// Record is the slice of the backend call record the engine consumes.
type Record struct {
	ID     string
	Status Status
}

// Metadata creates and updates call records on the backend. JoinCall and
// EndCall are best effort; the engine logs failures but never blocks a
// teardown on them.
type Metadata interface {
	CreateCall(ctx context.Context, conversationID string, kind Type, calleeIDs []string) (Record, error)
	JoinCall(ctx context.Context, sessionID string) error
	EndCall(ctx context.Context, sessionID string) error
}

// Verdict is an answer-rules decision for an incoming call.
type Verdict string

const (
	VerdictRing    Verdict = "ring"
	VerdictAccept  Verdict = "accept"
	VerdictDecline Verdict = "decline"
)

// Decider is consulted when an incoming call arrives. A nil Decider (or any
// error inside one) means VerdictRing.
type Decider interface {
	Decide(ctx context.Context, sess Session, callerID, callerName string) Verdict
}
