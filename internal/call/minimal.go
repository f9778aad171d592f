package call

import (
	"context"
	"fmt"

	"github.com/itms-markshaw/callbridge/internal/backend"
	"github.com/itms-markshaw/callbridge/internal/media"
	"github.com/itms-markshaw/callbridge/internal/registry"
)

// minimal is the lowest tier: create the registry record so other clients
// ring, post a human-readable notification, and let the record's existence
// and removal drive state. No media negotiation happens client-side.
type minimal struct {
	rpc      *backend.Client
	reg      *registry.Client
	selfName string
}

func (r *minimal) strategy() media.Strategy { return media.StrategyMinimal }

// callPhrase is the notification body other clients' heuristic detectors
// match on. Changing the wording breaks call detection for peers that only
// see chat messages.
func callPhrase(name string, video bool) string {
	if video {
		return fmt.Sprintf("📞 %s started a video call", name)
	}
	return fmt.Sprintf("📞 %s started an audio call", name)
}

func (r *minimal) start(ctx context.Context, s *Session) error {
	rec, err := r.reg.CreateSession(ctx, s.ChannelID, s.Kind.Video())
	if err != nil {
		return err
	}
	s.Registry = rec
	if s.CallID == "" {
		s.CallID = newCallID("call", rec.SessionID)
	}

	if _, err := r.rpc.MessagePost(ctx, s.ChannelID, callPhrase(r.selfName, s.Kind.Video())); err != nil {
		// The registry record already rings the other side; the chat
		// notification is a courtesy.
		log.Warnf("CALL [%s]: post call notification: %v", s.CallID, err)
	}

	log.Infof("CALL [%s]: minimal call ringing on channel %d (session %d)",
		s.CallID, s.ChannelID, rec.SessionID)
	return nil
}

func (r *minimal) answer(ctx context.Context, s *Session, _ *Invitation) error {
	rec, err := r.reg.CreateSession(ctx, s.ChannelID, s.Kind.Video())
	if err != nil {
		return err
	}
	s.Registry = rec
	log.Infof("CALL [%s]: joined minimal call on channel %d (session %d)",
		s.CallID, s.ChannelID, rec.SessionID)
	return nil
}
