// Package media owns local capture and peer connection construction for the
// full-media call path. Capture is only available on platforms with native
// device drivers; everywhere else the package reports a restricted
// capability and calls fall back to registry-only signaling.
package media

import (
	"errors"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Kind is the media kind of a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "audio+video"
)

// Video reports whether the kind includes a camera track.
func (k Kind) Video() bool { return k == KindVideo }

var (
	// ErrPermissionDenied means the user has not granted device access.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceUnavailable means capture could not start on this runtime.
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// Strategy is one of the three call-implementation tiers.
type Strategy string

const (
	StrategyFullMedia     Strategy = "full-media"
	StrategySignalingOnly Strategy = "signaling-only"
	StrategyMinimal       Strategy = "minimal"
)

// Detect reports which strategy the runtime supports. force overrides
// detection when it names a known strategy (the signaling-only tier is only
// ever reached this way - it exists to verify the transport path without
// consuming devices). Cheap, side-effect free, callable repeatedly; logs its
// decision and never fails.
func Detect(force string) Strategy {
	switch Strategy(force) {
	case StrategyFullMedia, StrategySignalingOnly, StrategyMinimal:
		log.Infof("MEDIA: strategy forced to %s", force)
		return Strategy(force)
	}
	s := detectStrategy()
	log.Infof("MEDIA: detected strategy %s", s)
	return s
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials
// even without local tracks.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("MEDIA: AddTransceiver(video) error: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("MEDIA: AddTransceiver(audio) error: %v", err)
	}
}

// iceConfiguration builds the peer connection configuration from the
// configured STUN pool.
func iceConfiguration(stunServers []string) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, s := range stunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	return webrtc.Configuration{ICEServers: servers}
}
