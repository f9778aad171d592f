package call

import (
	"context"
	"fmt"

	"github.com/itms-markshaw/callbridge/internal/media"
	"github.com/itms-markshaw/callbridge/internal/registry"
	"github.com/itms-markshaw/callbridge/internal/signaling"
	"github.com/itms-markshaw/callbridge/internal/util"
)

// probeSDP is the placeholder description signalOnly relays. It carries no
// media sections; the point is proving the transport round trip, not
// negotiating anything.
const probeSDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"

// signalOnly exercises the registry and the message relay without touching
// devices or a real peer connection. Only ever selected by forcing it in
// config; used to verify the transport path end to end.
type signalOnly struct {
	reg *registry.Client
	sig *signaling.Transport

	onConnected func(callID string)
}

func (r *signalOnly) strategy() media.Strategy { return media.StrategySignalingOnly }

func (r *signalOnly) start(ctx context.Context, s *Session) error {
	rec, err := r.reg.CreateSession(ctx, s.ChannelID, s.Kind.Video())
	if err != nil {
		return err
	}
	s.Registry = rec
	if s.CallID == "" {
		s.CallID = newCallID("signal", rec.SessionID)
	}
	callID := s.CallID

	if err := r.sig.SendOffer(ctx, s.ChannelID, rec.SessionID, signaling.Description{Type: "offer", SDP: probeSDP}); err != nil {
		endCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		if e := r.reg.EndSession(endCtx, rec.SessionID); e != nil {
			log.Warnf("CALL [%s]: drop registry session after failed probe: %v", callID, e)
		}
		cancel()
		s.Registry = nil
		s.CallID = ""
		return fmt.Errorf("send probe offer: %w", err)
	}

	envs, unsubscribe := r.sig.Subscribe(s.ChannelID)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case env, ok := <-envs:
				if !ok {
					return
				}
				if env.Kind == signaling.KindAnswer {
					log.Infof("CALL [%s]: probe answered, transport path verified", callID)
					r.onConnected(callID)
				}
			}
		}
	}()
	s.stop = func() {
		close(done)
		unsubscribe()
	}

	log.Infof("CALL [%s]: signaling-only probe sent on channel %d", callID, s.ChannelID)
	return nil
}

func (r *signalOnly) answer(ctx context.Context, s *Session, _ *Invitation) error {
	rec, err := r.reg.CreateSession(ctx, s.ChannelID, s.Kind.Video())
	if err != nil {
		return err
	}
	s.Registry = rec

	ansCtx, cancel := context.WithTimeout(ctx, util.DefaultRPCTimeout)
	defer cancel()
	if err := r.sig.SendAnswer(ansCtx, s.ChannelID, rec.SessionID, signaling.Description{Type: "answer", SDP: probeSDP}); err != nil {
		return fmt.Errorf("send probe answer: %w", err)
	}
	return nil
}
