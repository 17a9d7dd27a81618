package rtc

import (
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// keyframeInterval paces PLI requests so late subscribers get a clean decode
// point quickly and lost packets recover.
const keyframeInterval = 3 * time.Second

// RemoteStreams owns one Mux per remote peer and the pump goroutines that
// depacketize incoming RTP into complete frames for it.
type RemoteStreams struct {
	mu       sync.Mutex
	streams  map[string]*Mux
	onChange func()
}

func NewRemoteStreams() *RemoteStreams {
	return &RemoteStreams{streams: make(map[string]*Mux)}
}

// Bind registers the change hook fired when a peer's stream appears or goes
// away. Set once during wiring, before any track arrives.
func (rs *RemoteStreams) Bind(onChange func()) {
	rs.onChange = onChange
}

// HandleTrack adopts a remote track: the peer's Mux is created on first use
// and a pump goroutine runs until the track ends.
func (rs *RemoteStreams) HandleTrack(peerID string, link Link, track *webrtc.TrackRemote) {
	mux, created := rs.ensure(peerID)
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		go rs.pumpVideo(peerID, mux, link, track)
	case webrtc.RTPCodecTypeAudio:
		// Announced before the first video frame so the init segment carries
		// the Opus track.
		mux.EnableAudio()
		go rs.pumpAudio(peerID, mux, track)
	}
	if created {
		rs.notify()
	}
}

func (rs *RemoteStreams) pumpVideo(peerID string, mux *Mux, link Link, track *webrtc.TrackRemote) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(keyframeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := link.RequestKeyframe(uint32(track.SSRC())); err != nil {
					return
				}
			}
		}
	}()

	clockRate := int64(track.Codec().ClockRate)
	builder := samplebuilder.New(10, &codecs.VP8Packet{}, track.Codec().ClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warnf("[%s] video track read: %v", peerID, err)
			}
			return
		}
		builder.Push(pkt)
		for {
			sample := builder.Pop()
			if sample == nil {
				break
			}
			if len(sample.Data) == 0 {
				continue
			}
			// VP8 frame header: inverse key flag in bit 0 of the first byte.
			keyframe := sample.Data[0]&0x01 == 0
			tsMs := int64(sample.PacketTimestamp) * 1000 / clockRate
			mux.PushVideo(tsMs, keyframe, sample.Data)
		}
	}
}

func (rs *RemoteStreams) pumpAudio(peerID string, mux *Mux, track *webrtc.TrackRemote) {
	clockRate := int64(track.Codec().ClockRate)
	builder := samplebuilder.New(20, &codecs.OpusPacket{}, track.Codec().ClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warnf("[%s] audio track read: %v", peerID, err)
			}
			return
		}
		builder.Push(pkt)
		for {
			sample := builder.Pop()
			if sample == nil {
				break
			}
			if len(sample.Data) == 0 {
				continue
			}
			mux.PushAudio(int64(sample.PacketTimestamp)*1000/clockRate, sample.Data)
		}
	}
}

func (rs *RemoteStreams) ensure(peerID string) (*Mux, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if m, ok := rs.streams[peerID]; ok {
		return m, false
	}
	m := NewMux(peerID)
	rs.streams[peerID] = m
	return m, true
}

// Stream returns the peer's Mux for media subscriptions.
func (rs *RemoteStreams) Stream(peerID string) (*Mux, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	m, ok := rs.streams[peerID]
	return m, ok
}

// Keys lists the peers with live streams, sorted for stable snapshots.
func (rs *RemoteStreams) Keys() []string {
	rs.mu.Lock()
	out := make([]string, 0, len(rs.streams))
	for id := range rs.streams {
		out = append(out, id)
	}
	rs.mu.Unlock()
	sort.Strings(out)
	return out
}

// Clear closes and forgets one peer's stream.
func (rs *RemoteStreams) Clear(peerID string) {
	rs.mu.Lock()
	m, ok := rs.streams[peerID]
	delete(rs.streams, peerID)
	rs.mu.Unlock()
	if ok {
		m.Close()
		rs.notify()
	}
}

// ClearAll closes every stream. The map is emptied before any Close so a
// snapshot taken mid-teardown observes no remote media.
func (rs *RemoteStreams) ClearAll() {
	rs.mu.Lock()
	streams := rs.streams
	rs.streams = make(map[string]*Mux)
	rs.mu.Unlock()

	for _, m := range streams {
		m.Close()
	}
	if len(streams) > 0 {
		rs.notify()
	}
}

func (rs *RemoteStreams) notify() {
	if rs.onChange != nil {
		rs.onChange()
	}
}
