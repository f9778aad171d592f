//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// detectStrategy reports full-media when the driver layer sees at least one
// capture device.
func detectStrategy() Strategy {
	if len(mediadevices.EnumerateDevices()) > 0 {
		return StrategyFullMedia
	}
	return StrategyMinimal
}

// Capture owns the local device tracks for one call.
type Capture struct {
	kind     Kind
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track
}

// Acquire opens local capture for the given kind. Permission prompts can
// suspend this indefinitely; ctx cancellation abandons the wait and any
// tracks the driver eventually hands back are closed, never leaked.
func Acquire(ctx context.Context, kind Kind) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("%w: vp8 params: %w", ErrDeviceUnavailable, err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("%w: opus params: %w", ErrDeviceUnavailable, err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	// Capture ladder: for a video call a missing/busy camera must not stop
	// the call from carrying audio, so fall through to audio-only.
	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if kind.Video() {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			// Call-appropriate audio: mono 48 kHz with low latency gives
			// the duplex path the encoder expects.
			c.SampleRate = prop.IntExact(48000)
			c.ChannelCount = prop.IntExact(1)
			c.Latency = prop.DurationExact(20 * time.Millisecond)
		}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only - MJPEG camera nodes can emit malformed
				// frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := getUserMedia(ctx, constraints)
		if err != nil {
			lastErr = err
			log.Warnf("MEDIA: capture (%s) failed: %v", a.label, err)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, ctx.Err())
			}
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("MEDIA: local track ended: %v", err)
				}
			})
		}
		log.Infof("MEDIA: local capture up (%s) - %d tracks", a.label, len(tracks))
		return &Capture{kind: kind, selector: selector, tracks: tracks}, nil
	}

	return nil, classifyCaptureError(lastErr)
}

// getUserMedia runs the blocking driver call on its own goroutine so the
// caller can abandon the wait. An abandoned acquisition still closes
// whatever tracks the driver returns.
func getUserMedia(ctx context.Context, constraints mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		return r.stream, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil && r.stream != nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

// classifyCaptureError maps driver failures onto the package's error
// taxonomy.
func classifyCaptureError(err error) error {
	if err == nil {
		return ErrDeviceUnavailable
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") || strings.Contains(msg, "not authorized") {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

// Close stops all local tracks. Idempotent.
func (c *Capture) Close() {
	for _, t := range c.tracks {
		t.Close()
	}
	c.tracks = nil
}

// TrackCount returns the number of live local tracks.
func (c *Capture) TrackCount() int { return len(c.tracks) }

// Kind returns the media kind the capture was opened for.
func (c *Capture) Kind() Kind { return c.kind }

// NewPeerConnection builds a peer connection wired for this platform's
// encoders. cap may be nil, in which case the connection is receive-only.
func NewPeerConnection(stunServers []string, cap *Capture) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cap != nil {
		cap.selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is far too
	// short for paths that can have short outages during re-keying.
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

	if cap == nil {
		addRecvOnlyTransceivers(pc)
		return pc, nil
	}

	for _, track := range cap.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			log.Warnf("MEDIA: AddTrack error: %v", err)
		}
	}
	return pc, nil
}
