package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Callbacks are invoked from pion goroutines; receivers must not block.
type Callbacks struct {
	OnCandidate func(webrtc.ICECandidateInit)
	OnState     func(webrtc.PeerConnectionState)
	OnTrack     func(*webrtc.TrackRemote)
}

// Link is one peer connection. Offer/Answer follow trickle ICE: descriptions
// go out immediately and candidates follow via OnCandidate / AddCandidate.
type Link interface {
	// Bind installs the event callbacks. Must happen before negotiation.
	Bind(cb Callbacks)
	// Attach adds local tracks before negotiation.
	Attach(tracks []webrtc.TrackLocal) error
	Offer() (webrtc.SessionDescription, error)
	Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddCandidate(c webrtc.ICECandidateInit) error
	// ReplaceTrack swaps the outgoing source of t's kind without
	// renegotiation.
	ReplaceTrack(t webrtc.TrackLocal) error
	// RequestKeyframe asks the remote encoder for a refresh via PLI.
	RequestKeyframe(ssrc uint32) error
	State() webrtc.PeerConnectionState
	Close() error
}

// Factory builds a Link for a peer. Tests substitute fakes; production uses
// PionFactory.
type Factory func(peerID string) (Link, error)

// PionFactory returns a Factory producing links over the given API and ICE
// servers.
func PionFactory(api *webrtc.API, iceURLs []string) Factory {
	return func(peerID string) (Link, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceURLs}},
		})
		if err != nil {
			return nil, err
		}
		return &pionLink{peerID: peerID, pc: pc}, nil
	}
}

type pionLink struct {
	peerID string
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	closed  bool
}

func (l *pionLink) Bind(cb Callbacks) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		if cb.OnCandidate != nil {
			cb.OnCandidate(c.ToJSON())
		}
	})
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Infof("[%s] peer connection %s", l.peerID, s)
		if cb.OnState != nil {
			cb.OnState(s)
		}
	})
	l.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("[%s] remote track: kind=%s codec=%s ssrc=%d",
			l.peerID, tr.Kind(), tr.Codec().MimeType, tr.SSRC())
		if cb.OnTrack != nil {
			cb.OnTrack(tr)
		}
	})
}

func (l *pionLink) Attach(tracks []webrtc.TrackLocal) error {
	for _, t := range tracks {
		sender, err := l.pc.AddTrack(t)
		if err != nil {
			return err
		}
		l.mu.Lock()
		if l.senders == nil {
			l.senders = make(map[webrtc.RTPCodecType]*webrtc.RTPSender)
		}
		l.senders[t.Kind()] = sender
		l.mu.Unlock()
		// The sender must be read for interceptors to process RTCP feedback.
		go drainRTCP(sender)
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *pionLink) Offer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *pionLink) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.flushPending()
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *pionLink) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	l.flushPending()
	return nil
}

// AddCandidate buffers candidates that arrive before the remote description,
// then replays them once negotiation set it.
func (l *pionLink) AddCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}

func (l *pionLink) flushPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			log.Warnf("[%s] buffered candidate rejected: %v", l.peerID, err)
		}
	}
}

func (l *pionLink) ReplaceTrack(t webrtc.TrackLocal) error {
	l.mu.Lock()
	sender := l.senders[t.Kind()]
	l.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no %s sender on link", t.Kind())
	}
	return sender.ReplaceTrack(t)
}

func (l *pionLink) RequestKeyframe(ssrc uint32) error {
	return l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

func (l *pionLink) State() webrtc.PeerConnectionState {
	return l.pc.ConnectionState()
}

func (l *pionLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}
