// Package rtc wraps pion/webrtc for one-to-one call links: a shared API with
// the capture codecs registered, per-peer links with trickle ICE, a registry
// keyed by peer id, and the remote-media fan-out that turns incoming RTP back
// into a browser-playable WebM stream.
package rtc

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("rtc")

// EngineConfigurator registers the codecs the local capture stack produces,
// so negotiation offers exactly what the encoders emit.
type EngineConfigurator func(*webrtc.MediaEngine) error

// NewAPI builds the shared pion API used for every peer link.
func NewAPI(configure EngineConfigurator) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if configure != nil {
		if err := configure(me); err != nil {
			return nil, err
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// Generous ICE timeouts: the default 5 s disconnectedTimeout drops calls
	// on brief relay/NAT hiccups that ICE would otherwise recover from.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}
