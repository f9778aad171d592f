package backend

import (
	"encoding/json"
	"fmt"
)

// Model names on the remote object store.
const (
	ModelUsers         = "res.users"
	ModelChannel       = "discuss.channel"
	ModelChannelMember = "discuss.channel.member"
	ModelRTCSession    = "discuss.channel.rtc.session"
	ModelMessage       = "mail.message"
	ModelBus           = "bus.bus"
)

// Many2One is a relational field as the backend serializes it: either
// [id, "display name"], a bare id, or false when unset. Decoding tolerates
// all three shapes; malformed encodings leave the zero value rather than
// failing the whole record.
type Many2One struct {
	ID   int64
	Name string
}

// Valid reports whether the field references a record.
func (m Many2One) Valid() bool { return m.ID > 0 }

func (m *Many2One) UnmarshalJSON(b []byte) error {
	// false / null → unset
	if string(b) == "false" || string(b) == "null" {
		*m = Many2One{}
		return nil
	}

	// Bare numeric id.
	var id int64
	if err := json.Unmarshal(b, &id); err == nil {
		*m = Many2One{ID: id}
		return nil
	}

	// [id, name] pair. The name element is occasionally something other
	// than a string (seen with broken display-name computations), so it is
	// decoded loosely.
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("many2one: unexpected encoding %s", string(b))
	}
	if len(pair) == 0 {
		*m = Many2One{}
		return nil
	}
	if err := json.Unmarshal(pair[0], &id); err != nil {
		return fmt.Errorf("many2one: non-numeric id in %s", string(b))
	}
	name := ""
	if len(pair) > 1 {
		_ = json.Unmarshal(pair[1], &name)
	}
	*m = Many2One{ID: id, Name: name}
	return nil
}

func (m Many2One) MarshalJSON() ([]byte, error) {
	if !m.Valid() {
		return []byte("false"), nil
	}
	return json.Marshal(m.ID)
}

// UserRecord is a res.users row.
type UserRecord struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	PartnerID Many2One `json:"partner_id"`
}

// ChannelRecord is a discuss.channel row.
type ChannelRecord struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ChannelType string `json:"channel_type"`
}

// MemberRecord links a partner to a channel (discuss.channel.member).
type MemberRecord struct {
	ID        int64    `json:"id"`
	ChannelID Many2One `json:"channel_id"`
	PartnerID Many2One `json:"partner_id"`
}

// RTCSessionRecord is an active-call record (discuss.channel.rtc.session).
// Its existence is what makes other clients ring.
type RTCSessionRecord struct {
	ID                int64    `json:"id"`
	ChannelID         Many2One `json:"channel_id"`
	ChannelMemberID   Many2One `json:"channel_member_id"`
	PartnerID         Many2One `json:"partner_id"`
	IsCameraOn        bool     `json:"is_camera_on"`
	IsMuted           bool     `json:"is_muted"`
	IsScreenSharingOn bool     `json:"is_screen_sharing_on"`
	IsDeaf            bool     `json:"is_deaf"`
}

// MessageRecord is a mail.message row as delivered by search_read or the
// message/insert bus event.
type MessageRecord struct {
	ID       int64    `json:"id"`
	Body     string   `json:"body"`
	AuthorID Many2One `json:"author_id"`
	Model    string   `json:"model"`
	ResID    int64    `json:"res_id"`
	Date     string   `json:"date"`
}
