//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// platformCapturer captures camera/mic via pion/mediadevices (V4L2 + malgo)
// and the desktop via the X11 screen driver. One codec selector is shared by
// every capture so ConfigureEngine registers exactly what tracks produce.
type platformCapturer struct {
	selector *mediadevices.CodecSelector
	initErr  error
}

func newPlatformCapturer() Capturer {
	p := &platformCapturer{}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		p.initErr = fmt.Errorf("vp8 params: %w", err)
		return p
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		p.initErr = fmt.Errorf("opus params: %w", err)
		return p
	}

	p.selector = mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return p
}

func (p *platformCapturer) ConfigureEngine(me *webrtc.MediaEngine) error {
	if p.initErr != nil {
		return p.initErr
	}
	p.selector.Populate(me)
	return nil
}

func (p *platformCapturer) Capture(ctx context.Context, c Constraints) ([]Track, error) {
	if p.initErr != nil {
		return nil, p.initErr
	}
	if c.Screen {
		return p.captureScreen()
	}

	// GetUserMedia fails as a unit if either track (video OR audio) can't be
	// opened.  When both are wanted, try video+audio first, then video-only,
	// then audio-only so that a missing/busy microphone doesn't prevent the
	// camera from working and vice versa.  Only total failure is an error.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	switch {
	case c.Video && c.Audio:
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	case c.Video:
		attempts = []attempt{{true, false, "video-only"}}
	case c.Audio:
		attempts = []attempt{{false, true, "audio-only"}}
	default:
		return nil, fmt.Errorf("no media requested")
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				if c.VideoDeviceID != "" {
					mc.DeviceID = prop.StringExact(c.VideoDeviceID)
				}
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8 encoder
				// and causes SetRemoteDescription to fail.  Raw formats only.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 — higher resolutions increase VP8 encoding
				// latency and can stall browser MSE playback on large frames.
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
				if c.AudioDeviceID != "" {
					mc.DeviceID = prop.StringExact(c.AudioDeviceID)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		raw := stream.GetTracks()
		brokenVideo := false
		for _, track := range raw {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			if track.Kind() != webrtc.RTPCodecTypeVideo {
				continue
			}
			// Probe the VP8 encoder before adopting the track.  A camera that
			// delivers malformed frames yields a reader error here; adopting
			// it would break SDP negotiation later, so retry the next attempt
			// instead.
			r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				log.Warnf("video track broken, skipping attempt (%s): %v", a.label, err)
				brokenVideo = true
				break
			}
			_ = r.Close()
		}
		if brokenVideo {
			for _, t := range raw {
				t.Close()
			}
			lastErr = fmt.Errorf("video encoder rejected camera frames")
			continue
		}

		log.Infof("local media captured (%s), %d track(s)", a.label, len(raw))
		return wrapTracks(raw), nil
	}

	return nil, fmt.Errorf("all media capture attempts failed: %w", lastErr)
}

func (p *platformCapturer) captureScreen() ([]Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Video: func(mc *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("display capture: %w", err)
	}
	raw := stream.GetTracks()
	if len(raw) == 0 {
		return nil, fmt.Errorf("display capture returned no tracks")
	}
	log.Infof("display captured, %d track(s)", len(raw))
	return wrapTracks(raw), nil
}

func (p *platformCapturer) Devices() []DeviceInfo {
	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		var kind TrackKind
		switch d.Kind {
		case mediadevices.VideoInput:
			kind = KindVideo
		case mediadevices.AudioInput:
			kind = KindAudio
		default:
			continue
		}
		out = append(out, DeviceInfo{ID: d.DeviceID, Label: d.Label, Kind: kind})
	}
	return out
}

func wrapTracks(raw []mediadevices.Track) []Track {
	out := make([]Track, 0, len(raw))
	for _, t := range raw {
		kind := KindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		mt := &mdTrack{t: t, kind: kind}
		mt.enabled.Store(true)
		out = append(out, mt)
	}
	return out
}

// mdTrack adapts a mediadevices track to the package Track interface.
type mdTrack struct {
	t       mediadevices.Track
	kind    TrackKind
	enabled atomic.Bool
	stop    sync.Once
	stopErr error
}

func (t *mdTrack) ID() string               { return t.t.ID() }
func (t *mdTrack) Kind() TrackKind          { return t.kind }
func (t *mdTrack) Enabled() bool            { return t.enabled.Load() }
func (t *mdTrack) SetEnabled(on bool)       { t.enabled.Store(on) }
func (t *mdTrack) Local() webrtc.TrackLocal { return t.t }

func (t *mdTrack) Stop() error {
	t.stop.Do(func() { t.stopErr = t.t.Close() })
	return t.stopErr
}
