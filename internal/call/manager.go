// Package call is the session engine: one call attempt at a time, driven by
// local intents from the agent API and by signaling from the backend. All
// state lives behind one mutex and every asynchronous input is serialized
// through a single dispatch loop, so handlers never contend with each other.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/media"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/rtc"
)

var log = logging.Logger("call")

// defaultRingTimeout bounds how long an unanswered attempt rings before it is
// torn down as timed out, on both the caller and the callee side.
const defaultRingTimeout = 45 * time.Second

// Internal dispatch events. These never leave the package; they share the
// Inbound envelope so the loop has a single input type.
const (
	inRingTimeout  InboundKind = "ring-timeout"
	inStreamChange InboundKind = "stream-change"
)

// Deps wires the engine's collaborators. Everything is required except
// Decider and RingTimeout.
type Deps struct {
	UserID   string
	Signaler Signaler
	Metadata Metadata
	Media    *media.Manager
	Links    *rtc.Registry
	NewLink  rtc.Factory
	Remotes  *rtc.RemoteStreams

	// Decider is consulted for incoming calls; nil means always ring.
	Decider Decider

	// RingTimeout overrides the unanswered-call timeout; zero means default.
	RingTimeout time.Duration
}

// Manager is the call engine.
//
// Locking: m.mu guards every field below it. Handlers may take the media,
// link registry and remote stream locks while holding m.mu, never the other
// way around. Callbacks from pion goroutines only enqueue; they never lock.
type Manager struct {
	d Deps

	mu        sync.Mutex
	att       *attempt
	epoch     uint64
	acquiring bool
	ringTimer *time.Timer
	subs      map[chan Event]struct{}
	closed    bool

	inbound chan Inbound
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(d Deps) *Manager {
	if d.RingTimeout <= 0 {
		d.RingTimeout = defaultRingTimeout
	}
	return &Manager{
		d:       d,
		subs:    make(map[chan Event]struct{}),
		inbound: make(chan Inbound, 64),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatch loop. Signaling, link state changes and
// internal timers all funnel into that one goroutine.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	sigCh, sigCancel := m.d.Signaler.Subscribe()
	if m.d.Remotes != nil {
		m.d.Remotes.Bind(func() { m.enqueue(Inbound{Kind: inStreamChange}) })
	}
	go m.dispatchLoop(ctx, sigCh, sigCancel)
}

func (m *Manager) dispatchLoop(ctx context.Context, sigCh <-chan Inbound, sigCancel func()) {
	defer close(m.done)
	defer sigCancel()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-sigCh:
			if !ok {
				sigCh = nil
				continue
			}
			m.handleInbound(ctx, in)
		case in := <-m.inbound:
			m.handleInbound(ctx, in)
		}
	}
}

// enqueue hands an event to the dispatch loop without blocking. Link
// callbacks run on pion goroutines and must never wait on the engine.
func (m *Manager) enqueue(in Inbound) {
	select {
	case m.inbound <- in:
	default:
		log.Warnf("dispatch queue full, dropping %s event", in.Kind)
	}
}

func (m *Manager) handleInbound(ctx context.Context, in Inbound) {
	switch in.Kind {
	case InOffer:
		m.handleOffer(ctx, in)
	case InAnswer:
		m.handleAnswer(in)
	case InCandidate:
		m.handleCandidate(in)
	case InEnd:
		m.handleRemoteEnd(in)
	case InMute:
		m.handleRemoteMute(in)
	case InStatus:
		m.handleStatus(in)
	case InJoin:
		m.handleJoin(in)
	case InLeave:
		m.handleLeave(in)
	case InConnState:
		m.handleConnState(in)
	case InFault:
		m.handleFault(in)
	case inRingTimeout:
		m.handleRingTimeout(in)
	case inStreamChange:
		m.handleStreamChange()
	}
}

// Initiate starts an outgoing call in the conversation and rings peerID.
// It returns once the offer is on the wire; answer, ICE and the move to
// active arrive asynchronously as events.
func (m *Manager) Initiate(ctx context.Context, conversationID, peerID, peerName string, kind Type) (Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrEnded
	}
	if m.att != nil {
		ph := m.att.phase
		m.mu.Unlock()
		return Snapshot{}, &PhaseError{Intent: "initiate", Phase: ph}
	}
	if m.acquiring {
		// A previous attempt's capture is still in flight; its stale-check
		// will release whatever it grabs.
		m.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	att := newAttempt(DirectionOutgoing, Session{
		ConversationID: conversationID,
		Type:           kind,
		PeerID:         peerID,
		PeerName:       peerName,
	})
	att.phase = PhaseOutgoing
	m.att = att
	m.acquiring = true
	m.publishLocked(EventPhase)
	prefs := m.d.Media.State()
	m.mu.Unlock()

	log.Infof("initiating %s call to %s in conversation %s", kind, peerID, conversationID)
	_, err := m.d.Media.Acquire(ctx, media.Constraints{
		Audio:         true,
		Video:         kind == TypeVideo,
		AudioDeviceID: prefs.AudioDeviceID,
		VideoDeviceID: prefs.VideoDeviceID,
	})

	m.mu.Lock()
	m.acquiring = false
	if m.att != att {
		// Hung up while the capture was in flight; free the late stream.
		if err == nil {
			m.d.Media.Release()
		}
		m.mu.Unlock()
		return Snapshot{}, ErrEnded
	}
	if err != nil {
		m.teardownLocked(ReasonFailed, false)
		m.mu.Unlock()
		return Snapshot{}, &MediaError{Op: "acquire", Cause: err}
	}
	m.publishLocked(EventMedia)
	m.mu.Unlock()

	rec, err := m.d.Metadata.CreateCall(ctx, conversationID, kind, []string{peerID})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.att != att {
		if err == nil && rec.ID != "" {
			// Hangup won the race against the create request; retire the
			// record nobody was ever invited to.
			go m.endRecord(rec.ID)
		}
		return Snapshot{}, ErrEnded
	}
	if err != nil {
		m.teardownLocked(ReasonFailed, false)
		return Snapshot{}, &SessionError{ConversationID: conversationID, Cause: err}
	}
	att.setID(rec.ID)
	if rec.Status != "" {
		att.sess.Status = rec.Status
	}

	l, err := m.d.NewLink(peerID)
	if err != nil {
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, fmt.Errorf("peer link: %w", err)
	}
	l.Bind(m.linkCallbacks(att.sess.ID, peerID))
	if err := l.Attach(m.d.Media.LocalTracks()); err != nil {
		_ = l.Close()
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, fmt.Errorf("attach local tracks: %w", err)
	}
	offer, err := l.Offer()
	if err != nil {
		_ = l.Close()
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, fmt.Errorf("create offer: %w", err)
	}
	m.d.Links.Upsert(peerID, l)
	if err := m.d.Signaler.SendOffer(att.sess.ID, peerID, offer); err != nil {
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, &SignalError{Kind: "offer", Cause: err}
	}
	m.armRingTimerLocked()
	log.Infof("[%s] offer sent, ringing %s", att.sess.ID, peerID)
	return m.snapshotLocked(), nil
}

// Accept answers the ringing incoming call: local media comes up, the stored
// offer is answered and the engine moves to connecting.
func (m *Manager) Accept(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.att == nil {
		m.mu.Unlock()
		return Snapshot{}, ErrNoSession
	}
	if m.att.phase != PhaseIncoming {
		ph := m.att.phase
		m.mu.Unlock()
		return Snapshot{}, &PhaseError{Intent: "accept", Phase: ph}
	}
	if m.acquiring {
		m.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	att := m.att
	m.acquiring = true
	m.disarmRingTimerLocked()
	prefs := m.d.Media.State()
	kind := att.sess.Type
	m.mu.Unlock()

	log.Infof("[%s] accepting %s call from %s", att.sess.ID, kind, att.sess.PeerID)
	_, err := m.d.Media.Acquire(ctx, media.Constraints{
		Audio:         true,
		Video:         kind == TypeVideo,
		AudioDeviceID: prefs.AudioDeviceID,
		VideoDeviceID: prefs.VideoDeviceID,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquiring = false
	if m.att != att {
		if err == nil {
			m.d.Media.Release()
		}
		return Snapshot{}, ErrEnded
	}
	if err != nil {
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, &MediaError{Op: "acquire", Cause: err}
	}
	m.publishLocked(EventMedia)
	if att.pendingOffer == nil {
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, fmt.Errorf("no stored offer for incoming call")
	}

	peerID := att.sess.PeerID
	l, err := m.d.NewLink(peerID)
	if err != nil {
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, fmt.Errorf("peer link: %w", err)
	}
	l.Bind(m.linkCallbacks(att.sess.ID, peerID))
	if err := l.Attach(m.d.Media.LocalTracks()); err != nil {
		_ = l.Close()
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, fmt.Errorf("attach local tracks: %w", err)
	}
	answer, err := l.Answer(*att.pendingOffer)
	if err != nil {
		_ = l.Close()
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, fmt.Errorf("answer offer: %w", err)
	}
	m.d.Links.Upsert(peerID, l)
	for _, c := range att.pendingCands {
		if err := l.AddCandidate(c); err != nil {
			log.Warnf("[%s] buffered candidate: %v", att.sess.ID, err)
		}
	}
	att.pendingOffer, att.pendingCands = nil, nil
	att.phase = PhaseConnecting
	att.ensureParticipant(peerID)
	if err := m.d.Signaler.SendAnswer(att.sess.ID, peerID, answer); err != nil {
		m.teardownLocked(ReasonFailed, true)
		return Snapshot{}, &SignalError{Kind: "answer", Cause: err}
	}
	id := att.sess.ID
	go func() {
		if err := m.d.Metadata.JoinCall(context.Background(), id); err != nil {
			log.Warnf("[%s] join call record: %v", id, err)
		}
	}()
	m.publishLocked(EventPhase)
	return m.snapshotLocked(), nil
}

// Decline rejects the ringing incoming call without touching local media.
func (m *Manager) Decline() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.att == nil {
		return Snapshot{}, ErrNoSession
	}
	if m.att.phase != PhaseIncoming {
		return Snapshot{}, &PhaseError{Intent: "decline", Phase: m.att.phase}
	}
	log.Infof("[%s] declining call from %s", m.att.sess.ID, m.att.sess.PeerID)
	m.teardownLocked(ReasonDeclined, true)
	return m.snapshotLocked(), nil
}

// Hangup ends whatever is in progress. Hanging up while idle is a no-op so
// the UI can always offer the control.
func (m *Manager) Hangup() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.att == nil {
		return m.snapshotLocked()
	}
	reason := ReasonCompleted
	if m.att.phase == PhaseIncoming {
		reason = ReasonDeclined
	}
	m.teardownLocked(reason, true)
	return m.snapshotLocked()
}

// SetMicEnabled flips the held microphone tracks and tells the peer.
func (m *Manager) SetMicEnabled(on bool) (Snapshot, error) {
	return m.setTrackEnabled(media.KindAudio, on)
}

// SetCameraEnabled flips the held camera tracks and tells the peer.
func (m *Manager) SetCameraEnabled(on bool) (Snapshot, error) {
	return m.setTrackEnabled(media.KindVideo, on)
}

func (m *Manager) setTrackEnabled(kind media.TrackKind, on bool) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.att == nil {
		return Snapshot{}, ErrNoSession
	}
	if kind == media.KindAudio {
		m.d.Media.SetAudioEnabled(on)
	} else {
		m.d.Media.SetVideoEnabled(on)
	}
	if id := m.att.sess.ID; id != "" {
		// Mute state is best effort; the flag already flipped locally.
		if err := m.d.Signaler.SendMute(id, kind, !on); err != nil {
			log.Warnf("[%s] send mute: %v", id, err)
		}
	}
	m.publishLocked(EventMedia)
	return m.snapshotLocked(), nil
}

// SelectDevice switches the active input of the given kind, or just records
// the preference for the next call when nothing is in progress.
func (m *Manager) SelectDevice(ctx context.Context, kind media.TrackKind, deviceID string) (Snapshot, error) {
	m.mu.Lock()
	if m.att == nil {
		m.d.Media.SetDevicePreference(kind, deviceID)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()
	return m.swapOutgoingTrack("switch", func() (media.Track, func(), error) {
		return m.d.Media.SwitchInput(ctx, kind, deviceID)
	})
}

// StartScreenShare replaces the outgoing video with display capture.
func (m *Manager) StartScreenShare(ctx context.Context) (Snapshot, error) {
	return m.swapOutgoingTrack("screen", func() (media.Track, func(), error) {
		return m.d.Media.StartScreenShare(ctx)
	})
}

// StopScreenShare switches the outgoing video back to the camera.
func (m *Manager) StopScreenShare(ctx context.Context) (Snapshot, error) {
	return m.swapOutgoingTrack("screen", func() (media.Track, func(), error) {
		return m.d.Media.StopScreenShare(ctx)
	})
}

// swapOutgoingTrack runs a media-layer track swap and replaces the sender on
// every live link. The displaced track is stopped only after the links moved
// over, so remote decoders never see a torn stream.
func (m *Manager) swapOutgoingTrack(op string, swap func() (media.Track, func(), error)) (Snapshot, error) {
	m.mu.Lock()
	if m.att == nil {
		m.mu.Unlock()
		return Snapshot{}, ErrNoSession
	}
	att := m.att
	m.mu.Unlock()

	fresh, stopOld, err := swap()
	if err != nil {
		return Snapshot{}, &MediaError{Op: op, Cause: err}
	}

	m.mu.Lock()
	if m.att != att {
		m.mu.Unlock()
		stopOld()
		return Snapshot{}, ErrEnded
	}
	if lt := fresh.Local(); lt != nil {
		for id, l := range m.d.Links.All() {
			if err := l.ReplaceTrack(lt); err != nil {
				log.Warnf("[%s] replace track for %s: %v", att.sess.ID, id, err)
			}
		}
	}
	m.publishLocked(EventMedia)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	stopOld()
	return snap, nil
}

// Devices lists the selectable capture devices.
func (m *Manager) Devices() []media.DeviceInfo {
	return m.d.Media.Devices()
}

// Snapshot returns the current engine state as a copy.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a feed of engine events. Channels are buffered; a slow
// consumer loses events rather than stalling the engine.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// Close stops the dispatch loop, ends any in-progress attempt and closes all
// event subscribers.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	if m.att != nil {
		m.teardownLocked(ReasonCompleted, true)
	}
	m.closed = true
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan Event]struct{})
	m.mu.Unlock()
}

// handleOffer processes an incoming call announcement. Busy engines decline
// the new call on its own session without disturbing the current one; idle
// engines consult the answer rules and then ring, accept or decline.
func (m *Manager) handleOffer(ctx context.Context, in Inbound) {
	if in.From == m.d.UserID || in.SDP == nil {
		return
	}

	m.mu.Lock()
	if m.att != nil || m.acquiring {
		m.mu.Unlock()
		m.declineBusy(in)
		return
	}
	sess := Session{
		ID:             in.SessionID,
		ConversationID: in.ConversationID,
		Type:           in.CallType,
		PeerID:         in.From,
		PeerName:       in.FromName,
	}
	m.mu.Unlock()

	// The decider may block (rules scripts run with a timeout); never hold
	// the engine lock across it.
	verdict := VerdictRing
	if m.d.Decider != nil {
		verdict = m.d.Decider.Decide(ctx, sess, in.From, in.FromName)
	}

	m.mu.Lock()
	if m.att != nil || m.acquiring {
		// Lost the race while deciding.
		m.mu.Unlock()
		m.declineBusy(in)
		return
	}

	if verdict == VerdictDecline {
		// A momentary attempt so the ended event carries the session and the
		// declined call still lands in history.
		att := newAttempt(DirectionIncoming, sess)
		att.phase = PhaseIncoming
		m.att = att
		log.Infof("[%s] rules declined call from %s", sess.ID, in.From)
		m.teardownLocked(ReasonDeclined, true)
		m.mu.Unlock()
		return
	}

	att := newAttempt(DirectionIncoming, sess)
	att.phase = PhaseIncoming
	att.pendingOffer = in.SDP
	m.att = att
	m.armRingTimerLocked()
	m.publishLocked(EventPhase)
	m.publishLocked(EventIncoming)
	m.mu.Unlock()
	log.Infof("[%s] incoming %s call from %s", sess.ID, sess.Type, in.From)

	if verdict == VerdictAccept {
		// Off the dispatch loop: accepting captures media and must not stall
		// the candidates trickling in right behind the offer.
		go func() {
			if _, err := m.Accept(context.Background()); err != nil {
				log.Warnf("[%s] rules auto-accept: %v", sess.ID, err)
			}
		}()
	}
}

// declineBusy rejects an offer that arrived while another attempt is in
// progress, on the new call's own session id.
func (m *Manager) declineBusy(in Inbound) {
	log.Infof("[%s] busy, declining call from %s", in.SessionID, in.From)
	if in.SessionID == "" {
		return
	}
	if err := m.d.Signaler.SendEnd(in.SessionID, ReasonDeclined); err != nil {
		log.Warnf("[%s] send busy decline: %v", in.SessionID, err)
	}
}

func (m *Manager) handleAnswer(in Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil || in.SessionID != att.sess.ID || in.SDP == nil {
		return
	}
	if att.direction != DirectionOutgoing || att.phase != PhaseOutgoing {
		log.Debugf("[%s] dropping answer in phase %s", att.sess.ID, att.phase)
		return
	}
	l, ok := m.d.Links.Get(in.From)
	if !ok {
		log.Warnf("[%s] answer from unknown peer %s", att.sess.ID, in.From)
		return
	}
	if err := l.AcceptAnswer(*in.SDP); err != nil {
		log.Errorf("[%s] apply answer: %v", att.sess.ID, err)
		m.teardownLocked(ReasonFailed, true)
		return
	}
	m.disarmRingTimerLocked()
	att.phase = PhaseConnecting
	att.ensureParticipant(in.From)
	log.Infof("[%s] answer received from %s", att.sess.ID, in.From)
	m.publishLocked(EventPhase)
}

func (m *Manager) handleCandidate(in Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil || in.SessionID != att.sess.ID || in.Candidate == nil {
		return
	}
	if l, ok := m.d.Links.Get(in.From); ok {
		if err := l.AddCandidate(*in.Candidate); err != nil {
			log.Warnf("[%s] add candidate: %v", att.sess.ID, err)
		}
		return
	}
	// No link yet: an unanswered incoming call buffers candidates until
	// Accept builds one.
	if att.direction == DirectionIncoming && att.phase == PhaseIncoming {
		att.pendingCands = append(att.pendingCands, *in.Candidate)
	}
}

func (m *Manager) handleRemoteEnd(in Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil || in.SessionID != att.sess.ID {
		return
	}
	reason := in.Reason
	if reason == "" {
		reason = ReasonCompleted
	}
	log.Infof("[%s] remote ended the call: %s", att.sess.ID, reason)
	m.teardownLocked(reason, false)
}

func (m *Manager) handleRemoteMute(in Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil || in.SessionID != att.sess.ID {
		return
	}
	p, ok := att.participant(in.From)
	if !ok {
		return
	}
	if in.MuteKind == media.KindAudio {
		p.AudioEnabled = !in.Muted
	} else {
		p.VideoEnabled = !in.Muted
	}
	m.publishLocked(EventParticipant)
}

// handleStatus applies a server-confirmed record status. Terminal statuses
// end the attempt; the backend already knows, so nothing is sent back.
func (m *Manager) handleStatus(in Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil || in.SessionID != att.sess.ID || in.Status == "" {
		return
	}
	att.sess.Status = in.Status
	switch in.Status {
	case StatusEnded:
		m.teardownLocked(ReasonCompleted, false)
	case StatusFailed:
		m.teardownLocked(ReasonFailed, false)
	case StatusActive:
		if att.phase.CanTransition(PhaseActive) {
			att.phase = PhaseActive
			att.markActive()
		}
		m.publishLocked(EventPhase)
	default:
		m.publishLocked(EventPhase)
	}
}

func (m *Manager) handleJoin(in Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil || in.SessionID != att.sess.ID || in.From == m.d.UserID {
		return
	}
	att.ensureParticipant(in.From)
	m.publishLocked(EventParticipant)
}

func (m *Manager) handleLeave(in Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil || in.SessionID != att.sess.ID {
		return
	}
	if _, ok := att.participant(in.From); !ok {
		return
	}
	att.removeParticipant(in.From)
	m.d.Links.Remove(in.From)
	if m.d.Remotes != nil {
		m.d.Remotes.Clear(in.From)
	}
	log.Infof("[%s] %s left the call", att.sess.ID, in.From)
	m.publishLocked(EventParticipant)
}

// handleConnState reacts to peer connection state changes: the first
// connected peer makes the call active, a failed one ends it.
func (m *Manager) handleConnState(in Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil || in.SessionID != att.sess.ID {
		return
	}
	if p, ok := att.participant(in.From); ok {
		p.ConnectionState = in.ConnState
	}
	switch in.ConnState {
	case "connected":
		if att.phase == PhaseConnecting {
			att.phase = PhaseActive
			att.markActive()
			log.Infof("[%s] media path to %s connected", att.sess.ID, in.From)
			m.publishLocked(EventPhase)
			return
		}
		m.publishLocked(EventParticipant)
	case "failed":
		log.Warnf("[%s] peer connection to %s failed", att.sess.ID, in.From)
		m.teardownLocked(ReasonFailed, true)
	default:
		// "disconnected" is transient and often recovers on its own; surface
		// it on the roster and wait.
		m.publishLocked(EventParticipant)
	}
}

// handleFault reacts to signaling connectivity loss. Before media flows the
// attempt cannot complete and is ended; an active call keeps running because
// media moves peer to peer.
func (m *Manager) handleFault(in Inbound) {
	if in.ConnState != "down" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil {
		return
	}
	switch att.phase {
	case PhaseOutgoing, PhaseIncoming, PhaseConnecting:
		log.Warnf("[%s] signaling lost during %s, ending attempt", att.sess.ID, att.phase)
		m.teardownLocked(ReasonFailed, false)
	case PhaseActive:
		log.Warnf("[%s] signaling lost; call continues peer to peer", att.sess.ID)
	}
}

func (m *Manager) handleRingTimeout(in Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.att
	if att == nil || in.ringEpoch != m.epoch {
		return
	}
	if att.phase != PhaseOutgoing && att.phase != PhaseIncoming {
		return
	}
	log.Infof("[%s] unanswered after %s", att.sess.ID, m.d.RingTimeout)
	// A missed incoming call ends quietly; the caller's own timer handles
	// their side and the record.
	m.teardownLocked(ReasonTimeout, att.direction == DirectionOutgoing)
}

func (m *Manager) handleStreamChange() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(EventStream)
}

// teardownLocked dismantles the current attempt: timer, signaling, media,
// links and remote streams, in that order, then publishes the ended event
// followed by the idle phase. Callers hold m.mu.
func (m *Manager) teardownLocked(reason EndReason, announce bool) {
	att := m.att
	if att == nil {
		return
	}
	m.disarmRingTimerLocked()

	id := att.sess.ID
	if announce && id != "" {
		if err := m.d.Signaler.SendEnd(id, reason); err != nil {
			log.Warnf("[%s] send end: %v", id, err)
		}
		go m.endRecord(id)
	}

	m.d.Media.Release()
	if err := m.d.Links.CloseAll(); err != nil {
		log.Warnf("[%s] close links: %v", id, err)
	}
	if m.d.Remotes != nil {
		m.d.Remotes.ClearAll()
	}

	var duration float64
	if !att.connectedAt.IsZero() {
		duration = time.Since(att.connectedAt).Seconds()
	}
	att.phase = PhaseIdle
	final := m.snapshotLocked()

	m.att = nil
	m.epoch++
	m.publishEventLocked(Event{Kind: EventEnded, Snapshot: final, Reason: reason, Duration: duration})
	m.publishLocked(EventPhase)
	log.Infof("[%s] call ended: %s (%.1fs)", id, reason, duration)
}

// endRecord closes the backend record off the engine goroutines.
func (m *Manager) endRecord(id string) {
	if err := m.d.Metadata.EndCall(context.Background(), id); err != nil {
		log.Warnf("[%s] end call record: %v", id, err)
	}
}

func (m *Manager) armRingTimerLocked() {
	epoch := m.epoch
	m.ringTimer = time.AfterFunc(m.d.RingTimeout, func() {
		m.enqueue(Inbound{Kind: inRingTimeout, ringEpoch: epoch})
	})
}

func (m *Manager) disarmRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Phase:        PhaseIdle,
		Participants: []Participant{},
		RemotePeers:  []string{},
		Media:        m.d.Media.State(),
	}
	if m.d.Remotes != nil {
		snap.RemotePeers = m.d.Remotes.Keys()
	}
	if m.att != nil {
		sess := m.att.sess
		snap.Phase = m.att.phase
		snap.Session = &sess
		snap.Direction = m.att.direction
		snap.Participants = m.att.participants()
		snap.StartedAt = m.att.startedAt
		snap.ConnectedAt = m.att.connectedAt
	}
	return snap
}

func (m *Manager) publishLocked(kind EventKind) {
	m.publishEventLocked(Event{Kind: kind, Snapshot: m.snapshotLocked()})
}

func (m *Manager) publishEventLocked(ev Event) {
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			log.Warnf("event subscriber full, dropping %s", ev.Kind)
		}
	}
}

// linkCallbacks builds the callback set for a peer link. Candidates go
// straight to the signaler (sends never block); everything else is enqueued
// for the dispatch loop.
func (m *Manager) linkCallbacks(sessionID, peerID string) rtc.Callbacks {
	return rtc.Callbacks{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			if err := m.d.Signaler.SendCandidate(sessionID, peerID, c); err != nil {
				log.Warnf("[%s] send candidate: %v", sessionID, err)
			}
		},
		OnState: func(s webrtc.PeerConnectionState) {
			m.enqueue(Inbound{Kind: InConnState, SessionID: sessionID, From: peerID, ConnState: s.String()})
		},
		OnTrack: func(t *webrtc.TrackRemote) {
			if l, ok := m.d.Links.Get(peerID); ok {
				m.d.Remotes.HandleTrack(peerID, l, t)
			}
		},
	}
}
