package signaling

import (
	"encoding/json"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
)

// envelopeMarker prefixes every signaling message body. Envelopes travel as
// ordinary chat messages (the backend has no signaling fields), so they are
// visible in the channel's message volume; chat UIs filter on this marker.
const envelopeMarker = "[rtc-signal]"

// Kind of signaling envelope.
type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// Description is a session description payload (offer or answer SDP).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an ICE candidate payload.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Envelope is one signaling unit carried over the message transport.
// Delivery is at-least-once and envelopes may arrive out of order relative
// to each other; consumers must buffer candidates that precede their
// description instead of failing.
type Envelope struct {
	ID        string       `json:"id"`
	Kind      Kind         `json:"kind"`
	SessionID int64        `json:"session_id"`
	Desc      *Description `json:"description,omitempty"`
	Cand      *Candidate   `json:"candidate,omitempty"`
	SentAt    int64        `json:"sent_at"`

	// Receive-side context, not on the wire.
	ChannelID int64 `json:"-"`
	From      int64 `json:"-"`
}

func newEnvelope(kind Kind, sessionID int64) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		SentAt:    time.Now().UnixMilli(),
	}
}

// encodeBody renders the envelope as a chat message body.
func encodeBody(env *Envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return envelopeMarker + " " + string(b), nil
}

// ParseEnvelope extracts an envelope from a chat message body. The backend
// wraps posted bodies in markup and escapes quotes, so tags are stripped and
// entities decoded before the marker check. Returns false for ordinary chat
// messages.
func ParseEnvelope(body string) (*Envelope, bool) {
	clean := html.UnescapeString(stripTags(body))
	clean = strings.TrimSpace(clean)
	if !strings.HasPrefix(clean, envelopeMarker) {
		return nil, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(clean, envelopeMarker))

	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, false
	}
	if env.Kind == "" {
		return nil, false
	}
	return &env, true
}

// stripTags removes markup tags from a message body.
func stripTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
