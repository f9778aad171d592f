package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/itms-markshaw/callbridge/internal/backend"
	"github.com/itms-markshaw/callbridge/internal/media"
)

// newDispatchManager runs as partner 50 so the standard fixtures (caller
// partner 99) read as remote activity.
func newDispatchManager(t *testing.T, ringTimeout time.Duration) (*Manager, *Dispatcher, chan Event) {
	srv := newBackend(t)
	m := newTestManager(t, srv, "minimal")
	m.selfPartnerID = 50
	m.ringTimeout = ringTimeout

	events, cancel := m.Subscribe()
	t.Cleanup(cancel)
	return m, NewDispatcher(m, 50), events
}

func busEvent(typ string, payload any) *backend.BusEvent {
	raw, _ := json.Marshal(payload)
	return &backend.BusEvent{ID: 1, Type: typ, Payload: raw}
}

// waitEvent blocks for the next event or fails the test.
func waitEvent(t *testing.T, events chan Event, want EventKind) Event {
	t.Helper()
	select {
	case e := <-events:
		if e.Kind != want {
			t.Fatalf("event = %s, want %s", e.Kind, want)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", want)
		return Event{}
	}
}

func TestRegistryInsertRoundTrip(t *testing.T) {
	_, d, events := newDispatchManager(t, time.Minute)

	d.HandleBusEvent(busEvent(backend.EventRTCSessionInsert, map[string]any{
		"id": 42, "channel_id": 7, "partner_id": 99,
		"caller_name": "Alex", "is_camera_on": true,
	}))

	e := waitEvent(t, events, EventIncomingCall)
	inv := e.Invitation
	if inv.CallID != "rtc-42" || inv.ChannelID != 7 || inv.FromUserID != 99 ||
		inv.FromUserName != "Alex" || !inv.IsVideo {
		t.Fatalf("invitation = %+v", inv)
	}
	if inv.RegistryID != 42 {
		t.Fatalf("registry id = %d, want 42", inv.RegistryID)
	}
}

func TestSelfOriginFiltered(t *testing.T) {
	_, d, events := newDispatchManager(t, time.Minute)

	d.HandleBusEvent(busEvent(backend.EventRTCSessionInsert, map[string]any{
		"id": 42, "channel_id": 7, "partner_id": 50, "caller_name": "Me",
	}))
	d.HandleBusEvent(busEvent(backend.EventRTCInvitation, map[string]any{
		"rtc_session_id": 43, "channel_id": 7, "partner_id": 50, "partner_name": "Me",
	}))
	d.HandleBusEvent(busEvent(backend.EventMessageInsert, map[string]any{
		"id": 9, "body": "<p>📞 Me started an audio call</p>",
		"author_id": []any{50, "Me"}, "model": "discuss.channel", "res_id": 7,
	}))

	if got := drain(events); len(got) != 0 {
		t.Fatalf("self-origin activity surfaced: %+v", got)
	}
}

func TestExplicitInvitation(t *testing.T) {
	_, d, events := newDispatchManager(t, time.Minute)

	d.HandleBusEvent(busEvent(backend.EventRTCInvitation, map[string]any{
		"rtc_session_id": 43, "channel_id": 7, "partner_id": 99,
		"partner_name": "Alex", "is_video": false,
	}))

	e := waitEvent(t, events, EventIncomingCall)
	if e.Invitation.CallID != "rtc-43" || e.Invitation.IsVideo {
		t.Fatalf("invitation = %+v", e.Invitation)
	}
}

func TestHeuristicMatchAndUnknownCaller(t *testing.T) {
	_, d, events := newDispatchManager(t, time.Minute)

	// Author field came back malformed: fall back to a generic caller
	// instead of dropping the ring.
	d.HandleBusEvent(busEvent(backend.EventMessageInsert, map[string]any{
		"id": 9, "body": "<p>📞 started an audio call</p>",
		"author_id": false, "model": "discuss.channel", "res_id": 7,
	}))

	e := waitEvent(t, events, EventIncomingCall)
	inv := e.Invitation
	if inv.CallID != "msg-9" || inv.FromUserName != unknownCaller || inv.IsVideo {
		t.Fatalf("invitation = %+v", inv)
	}
	if inv.ChannelID != 7 {
		t.Fatalf("channel id = %d, want 7", inv.ChannelID)
	}
}

func TestOrdinaryChatIgnored(t *testing.T) {
	_, d, events := newDispatchManager(t, time.Minute)

	d.HandleBusEvent(busEvent(backend.EventMessageInsert, map[string]any{
		"id": 10, "body": "<p>lunch anyone?</p>",
		"author_id": []any{99, "Alex"}, "model": "discuss.channel", "res_id": 7,
	}))

	if got := drain(events); len(got) != 0 {
		t.Fatalf("chat message surfaced as call activity: %+v", got)
	}
}

func TestDuplicateInvitationDropped(t *testing.T) {
	_, d, events := newDispatchManager(t, time.Minute)

	payload := map[string]any{
		"id": 42, "channel_id": 7, "partner_id": 99, "caller_name": "Alex",
	}
	d.HandleBusEvent(busEvent(backend.EventRTCSessionInsert, payload))
	d.HandleBusEvent(busEvent(backend.EventRTCSessionInsert, payload))

	waitEvent(t, events, EventIncomingCall)
	if got := drain(events); len(got) != 0 {
		t.Fatalf("duplicate delivery surfaced twice: %+v", got)
	}
}

func TestRingTimeout(t *testing.T) {
	_, d, events := newDispatchManager(t, 30*time.Millisecond)

	d.HandleBusEvent(busEvent(backend.EventRTCSessionInsert, map[string]any{
		"id": 42, "channel_id": 7, "partner_id": 99, "caller_name": "Alex",
	}))

	waitEvent(t, events, EventIncomingCall)
	e := waitEvent(t, events, EventCallEnded)
	if e.Invitation == nil || e.Invitation.CallID != "rtc-42" {
		t.Fatalf("ring-out event = %+v", e)
	}
	if e.Session != nil {
		t.Fatal("ring-out carried a session that never existed")
	}
}

func TestAnswerCancelsRingTimeout(t *testing.T) {
	m, d, events := newDispatchManager(t, 300*time.Millisecond)

	d.HandleBusEvent(busEvent(backend.EventRTCSessionInsert, map[string]any{
		"id": 42, "channel_id": 105, "partner_id": 99, "caller_name": "Alex",
	}))
	e := waitEvent(t, events, EventIncomingCall)

	snap, err := m.AnswerCall(context.Background(), e.Invitation)
	if err != nil {
		t.Fatal(err)
	}
	if snap.CallID != "rtc-42" {
		t.Fatalf("call id = %q, want rtc-42", snap.CallID)
	}
	if snap.Status != StatusConnected {
		t.Fatalf("status = %s, want connected", snap.Status)
	}

	waitEvent(t, events, EventCallAnswered)
	drain(events)

	// Past the ring window: no missed-call ring-out for an answered call.
	time.Sleep(500 * time.Millisecond)
	for _, got := range drain(events) {
		if got.Kind == EventCallEnded && got.Invitation != nil {
			t.Fatalf("answered invitation still rang out: %+v", got)
		}
	}
}

func TestRegistryInsertsOnActiveChannelJoinNotRing(t *testing.T) {
	m, d, events := newDispatchManager(t, time.Minute)

	if _, err := m.StartCall(context.Background(), 105, media.KindAudio); err != nil {
		t.Fatal(err)
	}
	drain(events)

	d.HandleBusEvent(busEvent(backend.EventRTCSessionInsert, map[string]any{
		"id": 77, "channel_id": 105, "partner_id": 99, "caller_name": "Alex",
	}))

	got := drain(events)
	if countKind(got, EventIncomingCall) != 0 {
		t.Fatal("join on active channel surfaced as incoming call")
	}
	if countKind(got, EventParticipantJoined) != 1 || countKind(got, EventCallConnected) != 1 {
		t.Fatalf("events = %+v", got)
	}
}

func TestRegistryUpdateReflectsRemoteFlags(t *testing.T) {
	m, d, events := newDispatchManager(t, time.Minute)

	if _, err := m.StartCall(context.Background(), 105, media.KindAudio); err != nil {
		t.Fatal(err)
	}
	d.HandleBusEvent(busEvent(backend.EventRTCSessionInsert, map[string]any{
		"id": 77, "channel_id": 105, "partner_id": 99, "caller_name": "Alex",
	}))
	drain(events)

	// The far end mutes and turns their camera on.
	d.HandleBusEvent(busEvent(backend.EventRTCSessionUpdate, map[string]any{
		"id": 77, "channel_id": 105, "partner_id": 99,
		"is_muted": true, "is_camera_on": true,
	}))

	got := drain(events)
	if countKind(got, EventAudioToggled) != 1 || countKind(got, EventVideoToggled) != 1 {
		t.Fatalf("events = %+v", got)
	}
	cur, ok := m.CurrentCall()
	if !ok {
		t.Fatal("no active call")
	}
	var remote *Participant
	for i := range cur.Participants {
		if cur.Participants[i].ID == 99 {
			remote = &cur.Participants[i]
		}
	}
	if remote == nil || !remote.Muted || !remote.CameraOn {
		t.Fatalf("remote participant = %+v", remote)
	}

	// An unchanged repeat is silent, and our own echoed writes are dropped.
	d.HandleBusEvent(busEvent(backend.EventRTCSessionUpdate, map[string]any{
		"id": 77, "channel_id": 105, "partner_id": 99,
		"is_muted": true, "is_camera_on": true,
	}))
	d.HandleBusEvent(busEvent(backend.EventRTCSessionUpdate, map[string]any{
		"id": 42, "channel_id": 105, "partner_id": 50, "is_muted": true,
	}))
	if got := drain(events); len(got) != 0 {
		t.Fatalf("redundant updates emitted %+v", got)
	}
}
