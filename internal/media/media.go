// Package media owns the local capture devices for a call: acquisition,
// release, in-place enable/disable, input switching and screen capture.
// It is the single owner of the local stream; everything else sees copies.
package media

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// ErrUnsupported is returned by platform builds without a capture backend.
var ErrUnsupported = errors.New("media capture not supported on this platform")

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one live capture track. SetEnabled flips a flag on the running
// track; capture continues and consumers (and the remote mute signal) decide
// what the flag means. Stop releases the hardware and is idempotent.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	// Local exposes the underlying pion track for peer links. Nil on fakes.
	Local() webrtc.TrackLocal
	Stop() error
}

// Constraints select what to capture. Screen swaps the video source from the
// camera to display capture.
type Constraints struct {
	Audio         bool
	Video         bool
	Screen        bool
	AudioDeviceID string
	VideoDeviceID string
}

// DeviceInfo describes one selectable input device.
type DeviceInfo struct {
	ID    string    `json:"id"`
	Label string    `json:"label"`
	Kind  TrackKind `json:"kind"`
}

// State is the local media state published in snapshots. Device ids are user
// preferences and survive Release; the rest describes the held stream.
type State struct {
	Held          bool   `json:"held"`
	AudioEnabled  bool   `json:"audio_enabled"`
	VideoEnabled  bool   `json:"video_enabled"`
	ScreenShare   bool   `json:"screen_share"`
	AudioDeviceID string `json:"audio_device_id,omitempty"`
	VideoDeviceID string `json:"video_device_id,omitempty"`
}

// Capturer is the hardware backend. The production implementation sits in the
// platform files; tests inject fakes.
type Capturer interface {
	// ConfigureEngine registers the codecs captured tracks are encoded with,
	// so peer connections negotiate what the capturer actually produces.
	ConfigureEngine(me *webrtc.MediaEngine) error
	Capture(ctx context.Context, c Constraints) ([]Track, error)
	Devices() []DeviceInfo
}

// Manager holds at most one local stream and its published State.
type Manager struct {
	cap Capturer

	mu     sync.Mutex
	tracks []Track
	state  State
}

func NewManager(c Capturer) *Manager {
	return &Manager{cap: c}
}

// NewDefault returns a Manager over the platform capture backend.
func NewDefault() *Manager {
	return NewManager(newPlatformCapturer())
}

// NewAudioOnly returns a Manager that never opens a camera or the screen, for
// boxes without one or with video disabled by configuration.
func NewAudioOnly() *Manager {
	return NewManager(audioOnlyCapturer{newPlatformCapturer()})
}

// audioOnlyCapturer strips video from every capture request.
type audioOnlyCapturer struct {
	Capturer
}

func (c audioOnlyCapturer) Capture(ctx context.Context, req Constraints) ([]Track, error) {
	req.Video, req.Screen = false, false
	if !req.Audio {
		return nil, errors.New("video capture is disabled")
	}
	return c.Capturer.Capture(ctx, req)
}

func (c audioOnlyCapturer) Devices() []DeviceInfo {
	var out []DeviceInfo
	for _, d := range c.Capturer.Devices() {
		if d.Kind == KindAudio {
			out = append(out, d)
		}
	}
	return out
}

// Acquire captures tracks matching c and adopts them as the local stream.
// Any previously held stream is stopped before the new request is issued so
// a retry never leaks the old hardware handle.
func (m *Manager) Acquire(ctx context.Context, c Constraints) ([]Track, error) {
	m.mu.Lock()
	old := m.tracks
	m.tracks = nil
	m.mu.Unlock()
	stopAll(old)

	tracks, err := m.cap.Capture(ctx, c)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tracks = tracks
	m.state = State{
		Held:          true,
		AudioEnabled:  hasKind(tracks, KindAudio),
		VideoEnabled:  hasKind(tracks, KindVideo),
		ScreenShare:   c.Screen,
		AudioDeviceID: c.AudioDeviceID,
		VideoDeviceID: c.VideoDeviceID,
	}
	out := append([]Track(nil), tracks...)
	m.mu.Unlock()

	log.Infof("acquired local stream: %d track(s)", len(out))
	return out, nil
}

// Release stops every held track and clears the stream reference. Safe to
// call when nothing is held; each track is stopped exactly once either way.
func (m *Manager) Release() {
	m.mu.Lock()
	tracks := m.tracks
	m.tracks = nil
	m.state = State{
		AudioDeviceID: m.state.AudioDeviceID,
		VideoDeviceID: m.state.VideoDeviceID,
	}
	m.mu.Unlock()

	if len(tracks) > 0 {
		stopAll(tracks)
		log.Infof("released local stream: %d track(s)", len(tracks))
	}
}

// SetAudioEnabled flips the enabled flag on held audio tracks in place.
func (m *Manager) SetAudioEnabled(on bool) State {
	return m.setEnabled(KindAudio, on)
}

// SetVideoEnabled flips the enabled flag on held video tracks in place.
func (m *Manager) SetVideoEnabled(on bool) State {
	return m.setEnabled(KindVideo, on)
}

func (m *Manager) setEnabled(kind TrackKind, on bool) State {
	m.mu.Lock()
	if kind == KindAudio {
		m.state.AudioEnabled = on
	} else {
		m.state.VideoEnabled = on
	}
	for _, t := range m.tracks {
		if t.Kind() == kind {
			t.SetEnabled(on)
		}
	}
	snap := m.state
	m.mu.Unlock()
	return snap
}

// SetDevicePreference records the preferred input without touching a held
// stream. Used when a device is selected while no call is up.
func (m *Manager) SetDevicePreference(kind TrackKind, deviceID string) State {
	m.mu.Lock()
	if kind == KindAudio {
		m.state.AudioDeviceID = deviceID
	} else {
		m.state.VideoDeviceID = deviceID
	}
	snap := m.state
	m.mu.Unlock()
	return snap
}

// SwitchInput captures a replacement track of the given kind from deviceID
// and swaps it into the held stream. The returned stop function releases the
// replaced track and must be called after the live connection swapped senders.
func (m *Manager) SwitchInput(ctx context.Context, kind TrackKind, deviceID string) (Track, func(), error) {
	c := Constraints{Audio: kind == KindAudio, Video: kind == KindVideo}
	if kind == KindAudio {
		c.AudioDeviceID = deviceID
	} else {
		c.VideoDeviceID = deviceID
	}
	return m.swapTrack(ctx, kind, c, false)
}

// StartScreenShare swaps the held video source from the camera to display
// capture. The stop function releases the camera track once the live
// connection switched over.
func (m *Manager) StartScreenShare(ctx context.Context) (Track, func(), error) {
	return m.swapTrack(ctx, KindVideo, Constraints{Video: true, Screen: true}, true)
}

// StopScreenShare swaps back to the preferred camera.
func (m *Manager) StopScreenShare(ctx context.Context) (Track, func(), error) {
	m.mu.Lock()
	cam := m.state.VideoDeviceID
	m.mu.Unlock()
	return m.swapTrack(ctx, KindVideo, Constraints{Video: true, VideoDeviceID: cam}, false)
}

func (m *Manager) swapTrack(ctx context.Context, kind TrackKind, c Constraints, screen bool) (Track, func(), error) {
	tracks, err := m.cap.Capture(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	var fresh Track
	for _, t := range tracks {
		if t.Kind() == kind && fresh == nil {
			fresh = t
			continue
		}
		// Anything beyond the requested kind is surplus; stop it right away.
		_ = t.Stop()
	}
	if fresh == nil {
		return nil, nil, errors.New("capture returned no " + string(kind) + " track")
	}

	m.mu.Lock()
	if m.tracks == nil {
		m.mu.Unlock()
		_ = fresh.Stop()
		return nil, nil, errors.New("no local stream held")
	}
	var old Track
	for i, t := range m.tracks {
		if t.Kind() == kind {
			old = t
			m.tracks[i] = fresh
			break
		}
	}
	if old == nil {
		m.tracks = append(m.tracks, fresh)
	}
	enabled := m.state.VideoEnabled
	if kind == KindAudio {
		enabled = m.state.AudioEnabled
	}
	fresh.SetEnabled(enabled)
	m.state.ScreenShare = screen && kind == KindVideo
	if !screen {
		if kind == KindAudio {
			m.state.AudioDeviceID = c.AudioDeviceID
		} else {
			m.state.VideoDeviceID = c.VideoDeviceID
		}
	}
	m.mu.Unlock()

	stopOld := func() {
		if old != nil {
			_ = old.Stop()
		}
	}
	return fresh, stopOld, nil
}

// Tracks returns a copy of the held track set.
func (m *Manager) Tracks() []Track {
	m.mu.Lock()
	out := append([]Track(nil), m.tracks...)
	m.mu.Unlock()
	return out
}

// LocalTracks returns the pion-attachable tracks of the held stream.
func (m *Manager) LocalTracks() []webrtc.TrackLocal {
	m.mu.Lock()
	var out []webrtc.TrackLocal
	for _, t := range m.tracks {
		if lt := t.Local(); lt != nil {
			out = append(out, lt)
		}
	}
	m.mu.Unlock()
	return out
}

// State returns the published local media state.
func (m *Manager) State() State {
	m.mu.Lock()
	snap := m.state
	m.mu.Unlock()
	return snap
}

// Held reports whether a local stream is currently owned.
func (m *Manager) Held() bool {
	m.mu.Lock()
	held := m.tracks != nil
	m.mu.Unlock()
	return held
}

// ConfigureEngine forwards codec registration to the capture backend.
func (m *Manager) ConfigureEngine(me *webrtc.MediaEngine) error {
	return m.cap.ConfigureEngine(me)
}

// Devices lists the selectable input devices.
func (m *Manager) Devices() []DeviceInfo {
	return m.cap.Devices()
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			log.Warnf("stop %s track %s: %v", t.Kind(), t.ID(), err)
		}
	}
}

func hasKind(tracks []Track, kind TrackKind) bool {
	for _, t := range tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}
