package call

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/itms-markshaw/callbridge/internal/backend"
)

// Invitation is a normalized inbound "someone wants to call" event,
// regardless of which raw shape it arrived in. Consumed once by the UI;
// never persisted.
type Invitation struct {
	CallID       string    `json:"callId"`
	ChannelID    int64     `json:"channelId"`
	FromUserID   int64     `json:"fromUserId"`
	FromUserName string    `json:"fromUserName"`
	IsVideo      bool      `json:"isVideo"`
	ReceivedAt   time.Time `json:"receivedAt"`
	RegistryID   int64     `json:"registryId,omitempty"`
}

func (inv *Invitation) kindWord() string {
	if inv.IsVideo {
		return "video"
	}
	return "audio"
}

// unknownCaller stands in when the author of a heuristic match cannot be
// decoded. Better an anonymous ring than a dropped call.
const unknownCaller = "Unknown Caller"

// callPhrasePattern matches the notification body minimal-tier callers
// post. Kept in lockstep with callPhrase.
var callPhrasePattern = regexp.MustCompile(`started an? (audio|video) call`)

// Dispatcher normalizes the three raw invitation sources into Invitation
// values, filters out the local user's own activity, and routes the rest
// of the bus feed (registry removals, signaling envelopes) into the
// Manager and the signaling transport.
type Dispatcher struct {
	m             *Manager
	selfPartnerID int64
}

// NewDispatcher wires a dispatcher to m. selfPartnerID is the local
// user's partner id, used for self-origin filtering.
func NewDispatcher(m *Manager, selfPartnerID int64) *Dispatcher {
	return &Dispatcher{m: m, selfPartnerID: selfPartnerID}
}

// Run consumes bus events until ctx is done or the feed closes.
func (d *Dispatcher) Run(ctx context.Context, events <-chan *backend.BusEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			d.HandleBusEvent(evt)
		}
	}
}

// rtcSessionPayload is the registry insert/update/delete notification body.
type rtcSessionPayload struct {
	ID         int64  `json:"id"`
	ChannelID  int64  `json:"channel_id"`
	PartnerID  int64  `json:"partner_id"`
	CallerName string `json:"caller_name"`
	IsCameraOn bool   `json:"is_camera_on"`
	IsMuted    bool   `json:"is_muted"`
}

// invitationPayload is the explicit invitation notification body.
type invitationPayload struct {
	RTCSessionID int64  `json:"rtc_session_id"`
	ChannelID    int64  `json:"channel_id"`
	PartnerID    int64  `json:"partner_id"`
	PartnerName  string `json:"partner_name"`
	IsVideo      bool   `json:"is_video"`
}

// HandleBusEvent routes one bus notification. Exported so tests can feed
// events without a live feed.
func (d *Dispatcher) HandleBusEvent(evt *backend.BusEvent) {
	switch evt.Type {
	case backend.EventRTCSessionInsert:
		d.handleRegistryInsert(evt.Payload)
	case backend.EventRTCSessionUpdate:
		d.handleRegistryUpdate(evt.Payload)
	case backend.EventRTCSessionDelete:
		var p rtcSessionPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil || p.ID == 0 {
			log.Debugf("DISPATCH: bad session delete payload: %v", err)
			return
		}
		d.m.handleRegistryRemoved(p.ID)
	case backend.EventRTCInvitation:
		d.handleExplicitInvitation(evt.Payload)
	case backend.EventMessageInsert:
		d.handleMessage(evt.Payload)
	}
}

// handleRegistryInsert turns a registry "record created" notification
// into either a participant join (someone joined our active call) or an
// incoming-call invitation.
func (d *Dispatcher) handleRegistryInsert(raw json.RawMessage) {
	var p rtcSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == 0 {
		log.Debugf("DISPATCH: bad session insert payload: %v", err)
		return
	}
	if p.PartnerID == d.selfPartnerID {
		return
	}

	if cur, ok := d.m.CurrentCall(); ok && cur.ChannelID == p.ChannelID {
		d.m.handleParticipantJoined(p.ChannelID, p.PartnerID, p.CallerName)
		return
	}

	d.m.deliverInvitation(&Invitation{
		CallID:       fmt.Sprintf("rtc-%d", p.ID),
		ChannelID:    p.ChannelID,
		FromUserID:   p.PartnerID,
		FromUserName: p.CallerName,
		IsVideo:      p.IsCameraOn,
		ReceivedAt:   time.Now(),
		RegistryID:   p.ID,
	})
}

// handleRegistryUpdate reflects a remote participant's flag changes onto
// the active call. Our own flag writes echo back on the same event type
// and are dropped.
func (d *Dispatcher) handleRegistryUpdate(raw json.RawMessage) {
	var p rtcSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == 0 {
		log.Debugf("DISPATCH: bad session update payload: %v", err)
		return
	}
	if p.PartnerID == d.selfPartnerID {
		return
	}
	d.m.handleParticipantFlags(p.ChannelID, p.PartnerID, p.IsMuted, p.IsCameraOn)
}

func (d *Dispatcher) handleExplicitInvitation(raw json.RawMessage) {
	var p invitationPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RTCSessionID == 0 {
		log.Debugf("DISPATCH: bad invitation payload: %v", err)
		return
	}
	if p.PartnerID == d.selfPartnerID {
		return
	}
	d.m.deliverInvitation(&Invitation{
		CallID:       fmt.Sprintf("rtc-%d", p.RTCSessionID),
		ChannelID:    p.ChannelID,
		FromUserID:   p.PartnerID,
		FromUserName: p.PartnerName,
		IsVideo:      p.IsVideo,
		ReceivedAt:   time.Now(),
		RegistryID:   p.RTCSessionID,
	})
}

// handleMessage routes a new-message notification. Signaling envelopes go
// to the transport; remaining chat bodies are scanned for the call-start
// phrase. The phrase scan is inherently fragile and stays isolated here so
// a structured event can replace it without touching the state machine.
func (d *Dispatcher) handleMessage(raw json.RawMessage) {
	var msg backend.MessageRecord
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debugf("DISPATCH: bad message payload: %v", err)
		return
	}
	if msg.AuthorID.ID == d.selfPartnerID {
		return
	}

	if d.m.sig != nil && d.m.sig.HandleMessage(&msg) {
		return
	}

	match := callPhrasePattern.FindStringSubmatch(msg.Body)
	if match == nil {
		return
	}

	name := msg.AuthorID.Name
	if name == "" {
		name = unknownCaller
	}
	d.m.deliverInvitation(&Invitation{
		CallID:       fmt.Sprintf("msg-%d", msg.ID),
		ChannelID:    msg.ResID,
		FromUserID:   msg.AuthorID.ID,
		FromUserName: name,
		IsVideo:      match[1] == "video",
		ReceivedAt:   time.Now(),
	})
}
