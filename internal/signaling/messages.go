// Package signaling maintains the persistent WebSocket to the backend's
// signaling hub and speaks its JSON message protocol. The socket is
// user-scoped: one connection carries every call, and an offer arriving
// outside a call doubles as the incoming-call invite.
package signaling

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Message types understood by the signaling hub.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeICE       = "ice_candidate"
	TypeEnd       = "end"
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeMuteAudio = "mute_audio"
	TypeMuteVideo = "mute_video"
	TypeCallState = "call_state"
)

// Message is one signaling frame. The hub stamps SenderID and Timestamp on
// relay; TargetID routes one-to-one messages.
type Message struct {
	Type           string                   `json:"type"`
	CallID         string                   `json:"call_id,omitempty"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	SenderID       string                   `json:"sender_id,omitempty"`
	SenderName     string                   `json:"sender_name,omitempty"`
	TargetID       string                   `json:"target_id,omitempty"`
	CallType       string                   `json:"call_type,omitempty"` // offer only: audio | video
	SDP            string                   `json:"sdp,omitempty"`       // offer / answer
	Candidate      *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Reason         string                   `json:"reason,omitempty"` // end only
	Muted          bool                     `json:"muted,omitempty"`
	Status         string                   `json:"status,omitempty"` // call_state only
	Timestamp      time.Time                `json:"timestamp,omitempty"`
}
