package call

import (
	"time"

	"github.com/itms-markshaw/callbridge/internal/media"
	"github.com/itms-markshaw/callbridge/internal/registry"
)

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// terminal reports whether a status admits no further transitions.
func (s Status) terminal() bool { return s == StatusEnded || s == StatusFailed }

// Participant is one member of a call. The flag fields mirror the remote
// registry record and track the far end's state, not ours.
type Participant struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	Muted    bool   `json:"muted"`
	CameraOn bool   `json:"cameraOn"`
}

// Session is the one active call owned by the Manager. All fields are
// guarded by the Manager's mutation lock; external observers only ever
// see copies via Snapshot.
type Session struct {
	CallID       string
	ChannelID    int64
	ChannelName  string
	Strategy     media.Strategy
	Kind         media.Kind
	Status       Status
	Participants []Participant
	StartedAt    time.Time
	EndedAt      time.Time
	Duration     time.Duration
	Registry     *registry.Record
	Muted        bool
	CameraOn     bool
	RemoteStream bool

	// stop releases strategy-owned resources (capture, peer connection,
	// signaling subscription). Set by the strategy that started the
	// session, invoked exactly once during teardown.
	stop func()
}

// Snapshot is an immutable copy of a Session handed to observers.
type Snapshot struct {
	CallID       string        `json:"callId"`
	ChannelID    int64         `json:"channelId"`
	ChannelName  string        `json:"channelName"`
	Strategy     media.Strategy `json:"strategy"`
	IsVideo      bool          `json:"isVideo"`
	Status       Status        `json:"status"`
	Participants []Participant `json:"participants"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      time.Time     `json:"endedAt,omitzero"`
	Duration     time.Duration `json:"duration"`
	RegistryID   int64         `json:"registryId,omitempty"`
	Muted        bool          `json:"muted"`
	CameraOn     bool          `json:"cameraOn"`
	RemoteStream bool          `json:"remoteStream"`
}

func (s *Session) snapshot() *Snapshot {
	snap := &Snapshot{
		CallID:       s.CallID,
		ChannelID:    s.ChannelID,
		ChannelName:  s.ChannelName,
		Strategy:     s.Strategy,
		IsVideo:      s.Kind.Video(),
		Status:       s.Status,
		Participants: append([]Participant(nil), s.Participants...),
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Duration:     s.Duration,
		Muted:        s.Muted,
		CameraOn:     s.CameraOn,
		RemoteStream: s.RemoteStream,
	}
	if s.Registry != nil {
		snap.RegistryID = s.Registry.SessionID
	}
	return snap
}

// hasParticipant reports whether partner id is already on the call.
func (s *Session) hasParticipant(id int64) bool {
	for _, p := range s.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}
