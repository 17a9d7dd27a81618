package rtc

// Live WebM/EBML muxing for the browser media feed. Pure Go EBML encoding,
// no external dependencies.
//
// Each remote peer gets one Mux. The first message delivered to a subscriber
// is the init segment (EBML header + Segment start + Info + Tracks), followed
// by self-contained Cluster messages. The browser feeds these to a <video>
// element through MSE, so the page renders remote media without running its
// own RTCPeerConnection.

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// vint encodes v as an EBML variable-length integer for element sizes.
// Valid range: 0..268435454 (4-byte max, enough for any element we emit).
func vint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// unkSize is the 8-byte unknown-size marker for the streaming Segment element.
var unkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// elem encodes one EBML element: id + vint(len(body)) + body.
func elem(id, body []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(body))
	b = append(b, id...)
	b = append(b, vint(uint64(len(body)))...)
	return append(b, body...)
}

// beUint encodes an unsigned integer in the minimal number of big-endian bytes.
func beUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func cat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private data for mono 48 kHz Opus, required
// by WebM audio tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels = 1
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain = 0
	0x00, // channel mapping family = 0
}

const (
	videoTrackNum = 1
	audioTrackNum = 2
)

// initSegment builds EBML header + Segment (unknown size) + Info + Tracks.
// withAudio adds an Opus track alongside VP8.
func initSegment(videoW, videoH uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	header := cat(
		elem(idEBMLVersion, beUint(1)),
		elem(idEBMLReadVer, beUint(1)),
		elem(idEBMLMaxIDLen, beUint(4)),
		elem(idEBMLMaxSzLen, beUint(8)),
		elem(idDocType, []byte("webm")),
		elem(idDocTypeVer, beUint(2)),
		elem(idDocTypeRdVer, beUint(2)),
	)
	buf.Write(elem(idEBML, header))

	buf.Write(idSegment)
	buf.Write(unkSize)

	info := cat(
		elem(idTcScale, beUint(1000000)), // 1 ms per timecode unit
		elem(idMuxApp, []byte("sentinal")),
		elem(idWrtApp, []byte("sentinal")),
	)
	buf.Write(elem(idInfo, info))

	videoEntry := cat(
		elem(idTrackNum, beUint(videoTrackNum)),
		elem(idTrackUID, beUint(videoTrackNum)),
		elem(idTrackType, beUint(1)), // 1 = video
		elem(idCodecID, []byte("V_VP8")),
		elem(idVideo, cat(
			elem(idPixelW, beUint(uint64(videoW))),
			elem(idPixelH, beUint(uint64(videoH))),
		)),
	)
	tracks := elem(idTrackEntry, videoEntry)

	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000.0))
		audioEntry := cat(
			elem(idTrackNum, beUint(audioTrackNum)),
			elem(idTrackUID, beUint(audioTrackNum)),
			elem(idTrackType, beUint(2)), // 2 = audio
			elem(idCodecID, []byte("A_OPUS")),
			elem(idCodecPrv, opusHead),
			elem(idAudio, cat(
				elem(idSampFreq, freq),
				elem(idChannels, beUint(1)),
			)),
		)
		tracks = cat(tracks, elem(idTrackEntry, audioEntry))
	}
	buf.Write(elem(idTracks, tracks))
	return buf.Bytes()
}

// cluster wraps pre-encoded SimpleBlocks with the absolute cluster timecode.
// Known size, so MSE never has to scan for the next cluster start.
func cluster(clusterMs int64, blocks []byte) []byte {
	return elem(idCluster, cat(elem(idTimecode, beUint(uint64(clusterMs))), blocks))
}

// simpleBlock encodes one SimpleBlock. relMs is the timecode relative to the
// cluster start (signed int16); keyframe sets flags 0x80.
func simpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	tv := vint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	body := make([]byte, len(tv)+3+len(data))
	copy(body, tv)
	binary.BigEndian.PutUint16(body[len(tv):], uint16(relMs))
	body[len(tv)+2] = flags
	copy(body[len(tv)+3:], data)
	return elem(idSimpleBlock, body)
}

type audioFrame struct {
	tsMs int64
	data []byte
}

// Mux assembles one remote peer's depacketized VP8/Opus frames into a live
// WebM stream and fans complete messages out to subscribers.
type Mux struct {
	peerID string

	mu     sync.Mutex
	closed bool

	dimKnown bool
	width    uint16
	height   uint16
	hasAudio bool // must be set before the first video frame

	// nil until the first keyframe with known dimensions
	init []byte

	// Last keyframe cluster, replayed to new subscribers so their decoder
	// starts from a clean reference instead of mid-stream delta frames.
	lastKeyCluster []byte
	clusterIsKey   bool

	clusterStartMs int64
	clusterBlocks  bytes.Buffer
	clusterOpen    bool

	// Audio queued between video frames, drained into each video cluster so
	// every cluster the browser sees carries both tracks. Unbounded: no audio
	// is dropped regardless of camera frame rate.
	audioQ []audioFrame

	subs map[chan []byte]struct{}

	// First frame of each track becomes t=0. VP8 and Opus RTP clocks start at
	// independent random values; unnormalized timecodes are hours apart and
	// MSE silently discards the data.
	baseVideoMs  int64
	baseVideoSet bool
	baseAudioMs  int64
	baseAudioSet bool
}

func NewMux(peerID string) *Mux {
	return &Mux{peerID: peerID, subs: make(map[chan []byte]struct{})}
}

// EnableAudio announces an Opus track. Call before the first video frame.
func (m *Mux) EnableAudio() {
	m.mu.Lock()
	m.hasAudio = true
	m.mu.Unlock()
}

// Ready reports whether the init segment exists, i.e. the first VP8 keyframe
// arrived and its dimensions are known.
func (m *Mux) Ready() bool {
	m.mu.Lock()
	ok := m.init != nil
	m.mu.Unlock()
	return ok
}

// Subscribe returns a channel of WebM binary messages and a cancel function.
// A late subscriber first receives the cached init segment and last keyframe
// cluster, then live clusters.
func (m *Mux) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	replayed := m.init != nil
	if replayed {
		select {
		case ch <- m.init:
		default:
		}
		if m.lastKeyCluster != nil {
			select {
			case ch <- m.lastKeyCluster:
			default:
			}
		}
	}
	m.subs[ch] = struct{}{}
	n := len(m.subs)
	m.mu.Unlock()

	log.Infof("[%s] media subscriber added (total=%d, replay=%v)", m.peerID, n, replayed)
	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		n := len(m.subs)
		m.mu.Unlock()
		log.Infof("[%s] media subscriber removed (total=%d)", m.peerID, n)
	}
}

// PushVideo accepts one complete VP8 frame. One cluster per frame, flushed
// immediately; queued audio drains into the cluster ahead of the video block.
func (m *Mux) PushVideo(timecodeMs int64, keyframe bool, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if !m.baseVideoSet {
		m.baseVideoMs = timecodeMs
		m.baseVideoSet = true
	}
	tsMs := timecodeMs - m.baseVideoMs

	// Dimensions come from the first keyframe's VP8 header.
	if !m.dimKnown && keyframe && len(data) >= 10 {
		if data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A {
			m.width = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
			m.height = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
		} else {
			m.width = 640
			m.height = 480
		}
		m.dimKnown = true
	}

	if m.init == nil {
		if !m.dimKnown || !keyframe {
			return // MSE can't start until a keyframe with known dimensions
		}
		m.init = initSegment(m.width, m.height, m.hasAudio)
		log.Infof("[%s] webm init segment: VP8 %dx%d audio=%v subs=%d",
			m.peerID, m.width, m.height, m.hasAudio, len(m.subs))
		m.broadcastLocked(m.init)
	}

	// Keyframes open a fresh cluster so replay always starts clean.
	if keyframe && m.clusterOpen {
		m.flushClusterLocked()
	}

	if !m.clusterOpen {
		// Anchor at the earliest queued audio frame so audio blocks keep
		// non-negative relative timecodes.
		m.clusterStartMs = tsMs
		if len(m.audioQ) > 0 && m.audioQ[0].tsMs < tsMs {
			m.clusterStartMs = m.audioQ[0].tsMs
		}
		m.clusterOpen = true
		m.clusterIsKey = keyframe
		m.clusterBlocks.Reset()

		for _, af := range m.audioQ {
			rel := af.tsMs - m.clusterStartMs
			if rel < -30000 || rel > 30000 {
				continue
			}
			m.clusterBlocks.Write(simpleBlock(audioTrackNum, int16(rel), false, af.data))
		}
		m.audioQ = m.audioQ[:0]
	}

	relMs := int16(tsMs - m.clusterStartMs)
	m.clusterBlocks.Write(simpleBlock(videoTrackNum, relMs, keyframe, data))
	m.flushClusterLocked()
}

// PushAudio accepts one complete Opus frame. Audio queues until the next
// video frame opens a cluster and drains it.
func (m *Mux) PushAudio(timecodeMs int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if !m.baseAudioSet {
		m.baseAudioMs = timecodeMs
		m.baseAudioSet = true
	}
	m.audioQ = append(m.audioQ, audioFrame{timecodeMs - m.baseAudioMs, data})
}

// Close drops all subscribers. Further pushes and subscriptions are no-ops.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.mu.Unlock()
}

func (m *Mux) flushClusterLocked() {
	if !m.clusterOpen || m.clusterBlocks.Len() == 0 {
		m.clusterOpen = false
		return
	}
	c := cluster(m.clusterStartMs, m.clusterBlocks.Bytes())
	if m.clusterIsKey {
		m.lastKeyCluster = c
	}
	m.clusterOpen = false
	m.clusterIsKey = false
	m.clusterBlocks.Reset()
	m.broadcastLocked(c)
}

// broadcastLocked sends to every subscriber, dropping slow ones rather than
// blocking the media path.
func (m *Mux) broadcastLocked(data []byte) {
	for ch := range m.subs {
		select {
		case ch <- data:
		default:
		}
	}
}
