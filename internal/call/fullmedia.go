package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/itms-markshaw/callbridge/internal/media"
	"github.com/itms-markshaw/callbridge/internal/registry"
	"github.com/itms-markshaw/callbridge/internal/signaling"
	"github.com/itms-markshaw/callbridge/internal/util"
)

// peerLink is the slice of a peer connection the negotiation logic needs.
// The real implementation wraps Pion; tests substitute a fake.
type peerLink interface {
	CreateOffer() (signaling.Description, error)
	CreateAnswer() (signaling.Description, error)
	SetRemoteDescription(signaling.Description) error
	AddICECandidate(signaling.Candidate) error
	OnICECandidate(func(signaling.Candidate))
	OnConnected(func())
	OnFailed(func())
	OnTrack(func())
	Close() error
}

// negotiation applies inbound signaling envelopes to a peer link. Envelopes
// arrive at-least-once and out of order, so candidates that precede the
// remote description are buffered and flushed once it lands instead of
// being rejected.
type negotiation struct {
	link peerLink

	mu         sync.Mutex
	haveRemote bool
	pending    []signaling.Candidate
}

// apply feeds one envelope into the link. When env carried an offer, the
// local answer to relay back is returned.
func (n *negotiation) apply(env *signaling.Envelope) (*signaling.Description, error) {
	switch env.Kind {
	case signaling.KindOffer:
		if env.Desc == nil {
			return nil, fmt.Errorf("offer envelope without description")
		}
		if err := n.setRemote(*env.Desc); err != nil {
			return nil, err
		}
		answer, err := n.link.CreateAnswer()
		if err != nil {
			return nil, fmt.Errorf("create answer: %w", err)
		}
		return &answer, nil

	case signaling.KindAnswer:
		if env.Desc == nil {
			return nil, fmt.Errorf("answer envelope without description")
		}
		return nil, n.setRemote(*env.Desc)

	case signaling.KindICECandidate:
		if env.Cand == nil {
			return nil, fmt.Errorf("candidate envelope without candidate")
		}
		n.mu.Lock()
		if !n.haveRemote {
			n.pending = append(n.pending, *env.Cand)
			n.mu.Unlock()
			return nil, nil
		}
		n.mu.Unlock()
		return nil, n.link.AddICECandidate(*env.Cand)
	}
	return nil, nil
}

func (n *negotiation) setRemote(desc signaling.Description) error {
	if err := n.link.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	n.mu.Lock()
	n.haveRemote = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.link.AddICECandidate(c); err != nil {
			log.Warnf("CALL: buffered candidate rejected: %v", err)
		}
	}
	return nil
}

// fullMedia is the WebRTC tier: local capture, a Pion peer connection with
// public STUN, and offer/answer/candidate relay over the message transport.
type fullMedia struct {
	reg  *registry.Client
	sig  *signaling.Transport
	stun []string

	// Injection points for tests.
	acquire func(ctx context.Context, kind media.Kind) (*media.Capture, error)
	newLink func(stun []string, cap *media.Capture) (peerLink, error)

	onConnected   func(callID string)
	onFailed      func(callID string)
	onRemoteTrack func(callID string)
}

func (f *fullMedia) strategy() media.Strategy { return media.StrategyFullMedia }

func (f *fullMedia) start(ctx context.Context, s *Session) error {
	return f.setup(ctx, s, true)
}

func (f *fullMedia) answer(ctx context.Context, s *Session, _ *Invitation) error {
	return f.setup(ctx, s, false)
}

// setup builds the media path. The caller side sends the offer; the answer
// side waits for it to arrive on the relay and responds from there.
func (f *fullMedia) setup(ctx context.Context, s *Session, caller bool) error {
	capture, err := f.acquire(ctx, s.Kind)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	link, err := f.newLink(f.stun, capture)
	if err != nil {
		capture.Close()
		return fmt.Errorf("peer connection: %w", err)
	}

	rec, err := f.reg.CreateSession(ctx, s.ChannelID, s.Kind.Video())
	if err != nil {
		link.Close()
		capture.Close()
		return err
	}
	s.Registry = rec
	if s.CallID == "" {
		s.CallID = newCallID("webrtc", rec.SessionID)
	}
	callID := s.CallID

	link.OnICECandidate(func(c signaling.Candidate) {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRPCTimeout)
		defer cancel()
		if err := f.sig.SendCandidate(ctx, s.ChannelID, rec.SessionID, c); err != nil {
			log.Warnf("CALL [%s]: relay candidate: %v", callID, err)
		}
	})
	link.OnConnected(func() { f.onConnected(callID) })
	link.OnFailed(func() { f.onFailed(callID) })
	link.OnTrack(func() { f.onRemoteTrack(callID) })

	envs, unsubscribe := f.sig.Subscribe(s.ChannelID)
	neg := &negotiation{link: link}
	done := make(chan struct{})
	go f.relay(callID, s.ChannelID, rec.SessionID, neg, envs, done)

	if caller {
		offer, err := link.CreateOffer()
		if err == nil {
			err = f.sig.SendOffer(ctx, s.ChannelID, rec.SessionID, offer)
		}
		if err != nil {
			close(done)
			unsubscribe()
			link.Close()
			capture.Close()
			endCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			if e := f.reg.EndSession(endCtx, rec.SessionID); e != nil {
				log.Warnf("CALL [%s]: drop registry session after failed offer: %v", callID, e)
			}
			cancel()
			s.Registry = nil
			s.CallID = ""
			return fmt.Errorf("send offer: %w", err)
		}
	}

	var stopOnce sync.Once
	s.stop = func() {
		stopOnce.Do(func() {
			close(done)
			unsubscribe()
			if err := link.Close(); err != nil {
				log.Warnf("CALL [%s]: close peer connection: %v", callID, err)
			}
			capture.Close()
		})
	}

	log.Infof("CALL [%s]: full-media setup on channel %d (session %d, caller=%v)",
		callID, s.ChannelID, rec.SessionID, caller)
	return nil
}

// relay consumes inbound envelopes until the session stops. A single bad
// envelope is logged and skipped; the connection may still complete from
// candidates already exchanged.
func (f *fullMedia) relay(callID string, channelID, sessionID int64, neg *negotiation, envs chan *signaling.Envelope, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			answer, err := neg.apply(env)
			if err != nil {
				log.Warnf("CALL [%s]: apply %s envelope: %v", callID, env.Kind, err)
				continue
			}
			if answer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRPCTimeout)
				if err := f.sig.SendAnswer(ctx, channelID, sessionID, *answer); err != nil {
					log.Warnf("CALL [%s]: relay answer: %v", callID, err)
				}
				cancel()
			}
		}
	}
}

// webrtcLink adapts a Pion peer connection to the peerLink interface. Pion
// keeps a single connection-state handler, so the connected and failed
// callbacks are registered up front and dispatched from one place.
type webrtcLink struct {
	pc          *webrtc.PeerConnection
	onConnected func()
	onFailed    func()
}

func newWebRTCLink(stun []string, capture *media.Capture) (peerLink, error) {
	pc, err := media.NewPeerConnection(stun, capture)
	if err != nil {
		return nil, err
	}
	l := &webrtcLink{pc: pc}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if l.onConnected != nil {
				l.onConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if l.onFailed != nil {
				l.onFailed()
			}
		}
	})
	return l, nil
}

func (l *webrtcLink) CreateOffer() (signaling.Description, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return signaling.Description{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return signaling.Description{}, err
	}
	return signaling.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *webrtcLink) CreateAnswer() (signaling.Description, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Description{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return signaling.Description{}, err
	}
	return signaling.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *webrtcLink) SetRemoteDescription(desc signaling.Description) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (l *webrtcLink) AddICECandidate(cand signaling.Candidate) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (l *webrtcLink) OnICECandidate(fn func(signaling.Candidate)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		j := c.ToJSON()
		cand := signaling.Candidate{Candidate: j.Candidate}
		if j.SDPMid != nil {
			cand.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *j.SDPMLineIndex
		}
		fn(cand)
	})
}

func (l *webrtcLink) OnConnected(fn func()) { l.onConnected = fn }

func (l *webrtcLink) OnFailed(fn func()) { l.onFailed = fn }

func (l *webrtcLink) OnTrack(fn func()) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go media.PumpRemoteTrack(l.pc, track)
		fn()
	})
}

func (l *webrtcLink) Close() error { return l.pc.Close() }
