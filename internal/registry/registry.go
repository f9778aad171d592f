// Package registry manages remote active-call records. Other clients and
// the web peer ring when one of these records exists for their channel, so
// creating one is how a call announces itself and deleting one is how it
// stops ringing everywhere.
package registry

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/itms-markshaw/callbridge/internal/backend"
)

var log = logging.Logger("registry")

var (
	// ErrNoMembership means the caller could not be resolved as a member of
	// the conversation. Never guessed around: surfaced to the caller.
	ErrNoMembership = errors.New("caller has no membership in channel")

	// ErrRegistryFailure wraps remote record CRUD errors.
	ErrRegistryFailure = errors.New("registry failure")
)

// Record identifies one active-call record plus the membership it is tied
// to. The membership id is kept because cleanup needs it.
type Record struct {
	SessionID int64
	MemberID  int64
	ChannelID int64
}

// Flags is a partial update of the session's media flags. Nil fields are
// left untouched on the remote record.
type Flags struct {
	Muted         *bool
	CameraOn      *bool
	ScreenSharing *bool
}

// Client wraps the backend with active-call record operations.
type Client struct {
	rpc *backend.Client
}

// New creates a registry client on top of rpc.
func New(rpc *backend.Client) *Client {
	return &Client{rpc: rpc}
}

// CreateSession resolves the caller's membership in channelID and creates an
// active-call record tied to it. The membership is looked up first and
// created when absent; when neither works the caller cannot be resolved as a
// member and ErrNoMembership is returned.
func (r *Client) CreateSession(ctx context.Context, channelID int64, video bool) (*Record, error) {
	partnerID, partnerName, err := r.rpc.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMembership, err)
	}

	memberID, err := r.ensureMember(ctx, channelID, partnerID)
	if err != nil {
		return nil, err
	}

	sessionID, err := r.rpc.Create(ctx, backend.ModelRTCSession, map[string]any{
		"channel_id":           channelID,
		"channel_member_id":    memberID,
		"partner_id":           partnerID,
		"is_camera_on":         video,
		"is_muted":             false,
		"is_screen_sharing_on": false,
		"is_deaf":              false,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create session on channel %d: %w", ErrRegistryFailure, channelID, err)
	}

	log.Infof("REGISTRY: session %d created on channel %d (member %d)", sessionID, channelID, memberID)
	rec := &Record{SessionID: sessionID, MemberID: memberID, ChannelID: channelID}
	r.notifyInsert(ctx, rec, partnerID, partnerName, video)
	return rec, nil
}

// notifyInsert pushes the "record created" notification onto the channel's
// bus feed. Creating the record over RPC does not push to peers on its own,
// and without the push nobody rings. Best-effort: the record exists either
// way, and web clients that watch the model directly still see it.
func (r *Client) notifyInsert(ctx context.Context, rec *Record, partnerID int64, partnerName string, video bool) {
	payload := map[string]any{
		"id":                   rec.SessionID,
		"channel_id":           rec.ChannelID,
		"partner_id":           partnerID,
		"caller_name":          partnerName,
		"is_camera_on":         video,
		"is_muted":             false,
		"is_screen_sharing_on": false,
	}
	err := r.rpc.ExecuteKw(ctx, backend.ModelBus, "sendone", []any{
		fmt.Sprintf("discuss.channel_%d", rec.ChannelID),
		backend.EventRTCSessionInsert,
		payload,
	}, nil, nil)
	if err != nil {
		log.Warnf("REGISTRY: announce session %d on channel %d: %v", rec.SessionID, rec.ChannelID, err)
		return
	}
	log.Debugf("REGISTRY: announced session %d on channel %d", rec.SessionID, rec.ChannelID)
}

// ensureMember returns the caller's membership id for channelID, creating
// the membership when it does not exist yet.
func (r *Client) ensureMember(ctx context.Context, channelID, partnerID int64) (int64, error) {
	var members []backend.MemberRecord
	err := r.rpc.SearchRead(ctx, backend.ModelChannelMember,
		[]any{
			[]any{"channel_id", "=", channelID},
			[]any{"partner_id", "=", partnerID},
		},
		[]string{"id"}, 1, &members)
	if err != nil {
		return 0, fmt.Errorf("%w: lookup membership: %w", ErrRegistryFailure, err)
	}
	if len(members) > 0 {
		return members[0].ID, nil
	}

	memberID, err := r.rpc.Create(ctx, backend.ModelChannelMember, map[string]any{
		"channel_id": channelID,
		"partner_id": partnerID,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: partner %d on channel %d: %w", ErrNoMembership, partnerID, channelID, err)
	}
	log.Infof("REGISTRY: created membership %d for partner %d on channel %d", memberID, partnerID, channelID)
	return memberID, nil
}

// CleanupSessions deletes pre-existing active-call records so other clients
// stop showing ghost incoming calls. channelID 0 means all of the caller's
// own records. Returns how many were removed.
func (r *Client) CleanupSessions(ctx context.Context, channelID int64) (int, error) {
	var domain []any
	if channelID > 0 {
		domain = []any{[]any{"channel_id", "=", channelID}}
	} else {
		partnerID, _, err := r.rpc.Identity(ctx)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrRegistryFailure, err)
		}
		domain = []any{[]any{"partner_id", "=", partnerID}}
	}

	ids, err := r.rpc.Search(ctx, backend.ModelRTCSession, domain)
	if err != nil {
		return 0, fmt.Errorf("%w: search stale sessions: %w", ErrRegistryFailure, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.rpc.Unlink(ctx, backend.ModelRTCSession, ids); err != nil {
		return 0, fmt.Errorf("%w: delete %d stale sessions: %w", ErrRegistryFailure, len(ids), err)
	}
	log.Infof("REGISTRY: cleaned up %d stale sessions (channel %d)", len(ids), channelID)
	return len(ids), nil
}

// EndSession deletes one active-call record. Idempotent: a record that is
// already gone (deleted by the far end, or by a previous EndSession) is not
// an error.
func (r *Client) EndSession(ctx context.Context, sessionID int64) error {
	ids, err := r.rpc.Search(ctx, backend.ModelRTCSession, []any{[]any{"id", "=", sessionID}})
	if err != nil {
		return fmt.Errorf("%w: check session %d: %w", ErrRegistryFailure, sessionID, err)
	}
	if len(ids) == 0 {
		log.Debugf("REGISTRY: session %d already removed", sessionID)
		return nil
	}
	if err := r.rpc.Unlink(ctx, backend.ModelRTCSession, ids); err != nil {
		return fmt.Errorf("%w: delete session %d: %w", ErrRegistryFailure, sessionID, err)
	}
	log.Infof("REGISTRY: session %d ended", sessionID)
	return nil
}

// UpdateFlags partially updates the media flags on an active-call record.
// Used by the mute/camera/screen-share toggles.
func (r *Client) UpdateFlags(ctx context.Context, sessionID int64, f Flags) error {
	values := map[string]any{}
	if f.Muted != nil {
		values["is_muted"] = *f.Muted
	}
	if f.CameraOn != nil {
		values["is_camera_on"] = *f.CameraOn
	}
	if f.ScreenSharing != nil {
		values["is_screen_sharing_on"] = *f.ScreenSharing
	}
	if len(values) == 0 {
		return nil
	}
	if err := r.rpc.WriteValues(ctx, backend.ModelRTCSession, []int64{sessionID}, values); err != nil {
		return fmt.Errorf("%w: update session %d flags: %w", ErrRegistryFailure, sessionID, err)
	}
	return nil
}
