//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// stubCapturer is the non-Linux backend. Capture always fails; the engine
// still negotiates default codecs so builds without hardware support compile
// and the rest of the stack stays testable.
type stubCapturer struct{}

func newPlatformCapturer() Capturer { return stubCapturer{} }

func (stubCapturer) ConfigureEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (stubCapturer) Capture(context.Context, Constraints) ([]Track, error) {
	return nil, ErrUnsupported
}

func (stubCapturer) Devices() []DeviceInfo { return nil }
