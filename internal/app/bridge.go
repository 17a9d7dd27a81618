package app

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/call"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/callmeta"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/media"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/signaling"
)

// signalTransport is what the bridge needs from the signaling client.
type signalTransport interface {
	Send(signaling.Message) error
	Subscribe() (<-chan signaling.Message, func())
}

// recordAPI is what the bridge needs from the call session client.
type recordAPI interface {
	Initiate(ctx context.Context, conversationID, callType string, calleeIDs []string) (*callmeta.Call, error)
	Join(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
}

// sessionInfo is the call context the engine knows but the signaling frames
// need repeated on every offer.
type sessionInfo struct {
	conversationID string
	callType       call.Type
}

// bridge adapts the signaling and call record clients to the engine's
// Signaler and Metadata interfaces. It remembers the conversation and type of
// each record it creates so outgoing offers carry the full invite, and it
// translates inbound hub frames into engine events.
type bridge struct {
	sig    signalTransport
	meta   recordAPI
	userID string
	name   string

	faults chan call.Inbound

	mu    sync.Mutex
	calls map[string]sessionInfo
}

func newBridge(sig signalTransport, meta recordAPI, userID, displayName string) *bridge {
	return &bridge{
		sig:    sig,
		meta:   meta,
		userID: userID,
		name:   displayName,
		faults: make(chan call.Inbound, 4),
		calls:  make(map[string]sessionInfo),
	}
}

func (b *bridge) remember(callID string, info sessionInfo) {
	b.mu.Lock()
	b.calls[callID] = info
	b.mu.Unlock()
}

func (b *bridge) lookup(callID string) sessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[callID]
}

func (b *bridge) forget(callID string) {
	b.mu.Lock()
	delete(b.calls, callID)
	b.mu.Unlock()
}

// SendOffer puts the offer on the wire. The offer doubles as the incoming-call
// invite, so it repeats the conversation and call type remembered from
// CreateCall; an answer only needs the routing fields.
func (b *bridge) SendOffer(sessionID, participantID string, sdp webrtc.SessionDescription) error {
	info := b.lookup(sessionID)
	return b.sig.Send(signaling.Message{
		Type:           signaling.TypeOffer,
		CallID:         sessionID,
		ConversationID: info.conversationID,
		CallType:       string(info.callType),
		SenderID:       b.userID,
		SenderName:     b.name,
		TargetID:       participantID,
		SDP:            sdp.SDP,
	})
}

func (b *bridge) SendAnswer(sessionID, participantID string, sdp webrtc.SessionDescription) error {
	return b.sig.Send(signaling.Message{
		Type:     signaling.TypeAnswer,
		CallID:   sessionID,
		SenderID: b.userID,
		TargetID: participantID,
		SDP:      sdp.SDP,
	})
}

func (b *bridge) SendCandidate(sessionID, participantID string, cand webrtc.ICECandidateInit) error {
	return b.sig.Send(signaling.Message{
		Type:      signaling.TypeICE,
		CallID:    sessionID,
		SenderID:  b.userID,
		TargetID:  participantID,
		Candidate: &cand,
	})
}

func (b *bridge) SendEnd(sessionID string, reason call.EndReason) error {
	b.forget(sessionID)
	return b.sig.Send(signaling.Message{
		Type:     signaling.TypeEnd,
		CallID:   sessionID,
		SenderID: b.userID,
		Reason:   string(reason),
	})
}

func (b *bridge) SendMute(sessionID string, kind media.TrackKind, muted bool) error {
	typ := signaling.TypeMuteAudio
	if kind == media.KindVideo {
		typ = signaling.TypeMuteVideo
	}
	return b.sig.Send(signaling.Message{
		Type:     typ,
		CallID:   sessionID,
		SenderID: b.userID,
		Muted:    muted,
	})
}

// Subscribe starts the translation pump: hub frames become engine events,
// merged with locally injected transport faults. The pump stops when the
// cancel function runs or the signaling client closes its feed.
func (b *bridge) Subscribe() (<-chan call.Inbound, func()) {
	msgs, cancelMsgs := b.sig.Subscribe()
	out := make(chan call.Inbound, 32)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case in := <-b.faults:
				deliver(out, in)
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if in, ok := b.translate(msg); ok {
					deliver(out, in)
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			cancelMsgs()
			close(done)
		})
	}
}

// LinkState feeds signaling connectivity changes to the engine. Only the loss
// matters; the engine decides per phase whether the attempt survives it.
func (b *bridge) LinkState(up bool) {
	if up {
		return
	}
	deliver(b.faults, call.Inbound{Kind: call.InFault, ConnState: "down"})
}

func deliver(ch chan<- call.Inbound, in call.Inbound) {
	select {
	case ch <- in:
	default:
		log.Warnf("engine backlog full, dropping %s event", in.Kind)
	}
}

// translate maps one hub frame to an engine event. Frames the engine has no
// use for, and our own frames echoed back by the hub fan-out, are dropped.
func (b *bridge) translate(msg signaling.Message) (call.Inbound, bool) {
	if msg.SenderID == b.userID {
		return call.Inbound{}, false
	}
	in := call.Inbound{
		SessionID:      msg.CallID,
		ConversationID: msg.ConversationID,
		From:           msg.SenderID,
		FromName:       msg.SenderName,
	}
	switch msg.Type {
	case signaling.TypeOffer:
		in.Kind = call.InOffer
		in.CallType = call.TypeAudio
		if msg.CallType == string(call.TypeVideo) {
			in.CallType = call.TypeVideo
		}
		in.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	case signaling.TypeAnswer:
		in.Kind = call.InAnswer
		in.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	case signaling.TypeICE:
		if msg.Candidate == nil {
			return call.Inbound{}, false
		}
		in.Kind = call.InCandidate
		in.Candidate = msg.Candidate
	case signaling.TypeEnd:
		in.Kind = call.InEnd
		in.Reason = call.EndReason(msg.Reason)
	case signaling.TypeJoin:
		in.Kind = call.InJoin
	case signaling.TypeLeave:
		in.Kind = call.InLeave
	case signaling.TypeMuteAudio:
		in.Kind = call.InMute
		in.MuteKind = media.KindAudio
		in.Muted = msg.Muted
	case signaling.TypeMuteVideo:
		in.Kind = call.InMute
		in.MuteKind = media.KindVideo
		in.Muted = msg.Muted
	case signaling.TypeCallState:
		in.Kind = call.InStatus
		in.Status = call.Status(msg.Status)
	default:
		log.Debugf("ignoring %s frame from %s", msg.Type, msg.SenderID)
		return call.Inbound{}, false
	}
	return in, true
}

// CreateCall makes the backend record and remembers its invite context for
// the offer that follows.
func (b *bridge) CreateCall(ctx context.Context, conversationID string, kind call.Type, calleeIDs []string) (call.Record, error) {
	rec, err := b.meta.Initiate(ctx, conversationID, string(kind), calleeIDs)
	if err != nil {
		return call.Record{}, err
	}
	b.remember(rec.CallID, sessionInfo{conversationID: conversationID, callType: kind})
	return call.Record{ID: rec.CallID, Status: call.Status(rec.Status)}, nil
}

func (b *bridge) JoinCall(ctx context.Context, sessionID string) error {
	return b.meta.Join(ctx, sessionID)
}

func (b *bridge) EndCall(ctx context.Context, sessionID string) error {
	b.forget(sessionID)
	return b.meta.End(ctx, sessionID)
}
