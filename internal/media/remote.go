package media

import (
	"errors"
	"io"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PumpRemoteTrack drains an inbound track until it ends. RTP must be read
// continuously or the interceptor chain backs up and the track appears
// frozen. For video the sender is asked for a keyframe every few seconds
// so a late joiner or a lossy start recovers a decodable picture.
func PumpRemoteTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go keyframeLoop(pc, track)
	}

	var packets, bytes uint64
	for {
		var pkt *rtp.Packet
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("MEDIA: remote %s track read: %v", track.Kind(), err)
			}
			log.Infof("MEDIA: remote %s track ended (%d packets, %d bytes)",
				track.Kind(), packets, bytes)
			return
		}
		packets++
		bytes += uint64(len(pkt.Payload))
		if packets%1000 == 0 {
			log.Debugf("MEDIA: remote %s track: %d packets, %d bytes",
				track.Kind(), packets, bytes)
		}
	}
}

// keyframeLoop sends PLI until the peer connection refuses the write.
func keyframeLoop(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
		if err := pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
			return
		}
	}
}
