//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// detectStrategy reports minimal on platforms without capture drivers.
// Camera/mic capture requires platform-specific drivers (V4L2/malgo on
// Linux); elsewhere the call still rings via the registry record.
func detectStrategy() Strategy {
	return StrategyMinimal
}

// Capture is never produced on this platform.
type Capture struct {
	kind Kind
}

// Acquire always fails here: there is no native capture stack.
func Acquire(_ context.Context, kind Kind) (*Capture, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrDeviceUnavailable)
}

// Close is a no-op.
func (c *Capture) Close() {}

// TrackCount returns 0.
func (c *Capture) TrackCount() int { return 0 }

// Kind returns the media kind the capture was opened for.
func (c *Capture) Kind() Kind { return c.kind }

// NewPeerConnection builds a receive-only peer connection with default
// codecs.
func NewPeerConnection(stunServers []string, _ *Capture) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(iceConfiguration(stunServers))
	if err != nil {
		return nil, err
	}
	addRecvOnlyTransceivers(pc)
	return pc, nil
}
