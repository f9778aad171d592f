package call

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/itms-markshaw/callbridge/internal/backend"
	"github.com/itms-markshaw/callbridge/internal/backend/backendtest"
	"github.com/itms-markshaw/callbridge/internal/media"
	"github.com/itms-markshaw/callbridge/internal/registry"
	"github.com/itms-markshaw/callbridge/internal/signaling"
)

// newBackend returns a fake backend where the authenticated user resolves
// to partner 99 and channel 105 exists with no stale call records.
func newBackend(t *testing.T) *backendtest.Server {
	srv := backendtest.New(t)
	srv.Handle(backend.ModelUsers, "read", func(c backendtest.Call) (any, error) {
		return []map[string]any{
			{"id": srv.UID, "name": "Alex Example", "partner_id": []any{99, "Alex Example"}},
		}, nil
	})
	// One simulated call record: created with id 42, found by id searches
	// while it lives, gone after unlink. Channel-scoped sweeps find nothing.
	var liveID int64
	srv.Handle(backend.ModelRTCSession, "search", func(c backendtest.Call) (any, error) {
		if liveID != 0 && len(c.Args) > 0 && strings.Contains(string(c.Args[0]), `"id"`) {
			return []int64{liveID}, nil
		}
		return []int64{}, nil
	})
	srv.Handle(backend.ModelChannelMember, "search_read", func(c backendtest.Call) (any, error) {
		return []map[string]any{{"id": 12}}, nil
	})
	srv.Handle(backend.ModelRTCSession, "create", func(c backendtest.Call) (any, error) {
		liveID = 42
		return 42, nil
	})
	srv.Handle(backend.ModelRTCSession, "unlink", func(c backendtest.Call) (any, error) {
		liveID = 0
		return true, nil
	})
	srv.Handle(backend.ModelRTCSession, "write", func(c backendtest.Call) (any, error) {
		return true, nil
	})
	srv.Handle(backend.ModelChannel, "read", func(c backendtest.Call) (any, error) {
		return []map[string]any{{"id": 105, "name": "General", "channel_type": "channel"}}, nil
	})
	srv.Handle(backend.ModelChannel, "message_post", func(c backendtest.Call) (any, error) {
		return 500, nil
	})
	return srv
}

func newTestManager(t *testing.T, srv *backendtest.Server, force string) *Manager {
	rpc := srv.Client()
	m := NewManager(Options{
		RPC:           rpc,
		Registry:      registry.New(rpc),
		Signaling:     signaling.NewTransport(rpc),
		ForceStrategy: force,
		RingTimeout:   time.Minute,
		SelfPartnerID: 99,
		SelfName:      "Alex Example",
	})
	t.Cleanup(m.Close)
	return m
}

// drain collects every event already sitting in ch.
func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestStartCallMinimal(t *testing.T) {
	srv := newBackend(t)
	m := newTestManager(t, srv, "minimal")
	events, cancel := m.Subscribe()
	defer cancel()

	snap, err := m.StartCall(context.Background(), 105, media.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusConnecting {
		t.Fatalf("status = %s, want connecting", snap.Status)
	}
	if snap.Strategy != media.StrategyMinimal {
		t.Fatalf("strategy = %s, want minimal", snap.Strategy)
	}
	if snap.RegistryID != 42 {
		t.Fatalf("registry id = %d, want 42", snap.RegistryID)
	}
	if !strings.HasPrefix(snap.CallID, "call-42-") {
		t.Fatalf("call id = %q", snap.CallID)
	}
	if snap.ChannelName != "General" {
		t.Fatalf("channel name = %q, want General", snap.ChannelName)
	}

	posts := srv.Calls(backend.ModelChannel, "message_post")
	if len(posts) != 1 {
		t.Fatalf("message_post called %d times, want 1", len(posts))
	}
	var body string
	_ = json.Unmarshal(posts[0].Kwargs["body"], &body)
	if !strings.Contains(body, "started a video call") {
		t.Fatalf("notification body = %q", body)
	}

	got := drain(events)
	if countKind(got, EventCallStarted) != 1 {
		t.Fatalf("events = %+v", got)
	}
}

func TestSingleActiveSession(t *testing.T) {
	srv := newBackend(t)
	m := newTestManager(t, srv, "minimal")
	events, cancel := m.Subscribe()
	defer cancel()

	first, err := m.StartCall(context.Background(), 105, media.KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.StartCall(context.Background(), 105, media.KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	if first.CallID == second.CallID {
		t.Fatal("second call reused the first call id")
	}

	cur, ok := m.CurrentCall()
	if !ok || cur.CallID != second.CallID {
		t.Fatalf("current call = %+v", cur)
	}

	// The first session was torn down before the second was built: its
	// registry record was removed exactly once.
	if n := len(srv.Calls(backend.ModelRTCSession, "unlink")); n != 1 {
		t.Fatalf("unlink called %d times, want 1", n)
	}
	got := drain(events)
	if countKind(got, EventCallEnded) != 1 || countKind(got, EventCallStarted) != 2 {
		t.Fatalf("events = %+v", got)
	}
}

func TestStrategyFallbackOnPermissionDenied(t *testing.T) {
	srv := newBackend(t)
	m := newTestManager(t, srv, "minimal")
	rpc := srv.Client()
	reg := registry.New(rpc)

	// Full-media tier whose device acquisition is denied; the call must
	// still go out through the minimal tier with a registry record.
	m.runners = []runner{
		&fullMedia{
			reg: reg,
			sig: m.sig,
			acquire: func(context.Context, media.Kind) (*media.Capture, error) {
				return nil, media.ErrPermissionDenied
			},
			newLink: func([]string, *media.Capture) (peerLink, error) {
				t.Fatal("peer connection built despite denied capture")
				return nil, nil
			},
			onConnected:   func(string) {},
			onFailed:      func(string) {},
			onRemoteTrack: func(string) {},
		},
		&minimal{rpc: rpc, reg: reg, selfName: "Alex Example"},
	}

	snap, err := m.StartCall(context.Background(), 105, media.KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Strategy != media.StrategyMinimal {
		t.Fatalf("strategy = %s, want minimal", snap.Strategy)
	}
	if snap.Status != StatusConnecting {
		t.Fatalf("status = %s, want connecting", snap.Status)
	}
	if snap.RegistryID == 0 {
		t.Fatal("no registry record after fallback")
	}
}

func TestPeerFailureEndsCallAsFailed(t *testing.T) {
	srv := newBackend(t)
	m := newTestManager(t, srv, "minimal")
	rpc := srv.Client()

	link := &fakeLink{}
	m.runners = []runner{
		&fullMedia{
			reg: registry.New(rpc),
			sig: m.sig,
			acquire: func(context.Context, media.Kind) (*media.Capture, error) {
				return &media.Capture{}, nil
			},
			newLink: func([]string, *media.Capture) (peerLink, error) {
				return link, nil
			},
			onConnected:   m.noteConnected,
			onFailed:      m.noteFailed,
			onRemoteTrack: func(string) {},
		},
	}
	events, cancel := m.Subscribe()
	defer cancel()

	snap, err := m.StartCall(context.Background(), 105, media.KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	drain(events)

	// ICE gives up: the peer connection reports the failed state.
	link.onFailed()

	if _, ok := m.CurrentCall(); ok {
		t.Fatal("session still active after transport failure")
	}
	got := drain(events)
	if countKind(got, EventCallEnded) != 1 {
		t.Fatalf("events = %+v", got)
	}
	for _, e := range got {
		if e.Kind == EventCallEnded && e.Session.Status != StatusFailed {
			t.Fatalf("terminal status = %s, want failed", e.Session.Status)
		}
	}
	if !link.closed {
		t.Fatal("peer link not closed on failure teardown")
	}
	if n := len(srv.Calls(backend.ModelRTCSession, "unlink")); n != 1 {
		t.Fatalf("unlink called %d times, want 1", n)
	}

	// The terminal transition happened once; a late repeat is ignored.
	link.onFailed()
	if got := drain(events); countKind(got, EventCallEnded) != 0 {
		t.Fatalf("second failure re-ended call %q", snap.CallID)
	}
}

func TestAllStrategiesFail(t *testing.T) {
	srv := newBackend(t)
	srv.Handle(backend.ModelChannelMember, "search_read", func(c backendtest.Call) (any, error) {
		return []map[string]any{}, nil
	})
	srv.Handle(backend.ModelChannelMember, "create", func(c backendtest.Call) (any, error) {
		return nil, context.DeadlineExceeded
	})
	m := newTestManager(t, srv, "minimal")

	_, err := m.StartCall(context.Background(), 105, media.KindAudio)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := m.CurrentCall(); ok {
		t.Fatal("session left behind after failed start")
	}
}

func TestDurationComputedOnce(t *testing.T) {
	srv := newBackend(t)
	m := newTestManager(t, srv, "minimal")
	events, cancel := m.Subscribe()
	defer cancel()

	if _, err := m.StartCall(context.Background(), 105, media.KindAudio); err != nil {
		t.Fatal(err)
	}
	if err := m.EndCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.EndCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := drain(events)
	if countKind(got, EventCallEnded) != 1 {
		t.Fatalf("callEnded emitted %d times, want 1", countKind(got, EventCallEnded))
	}
	for _, e := range got {
		if e.Kind == EventCallEnded {
			if e.Session.Status != StatusEnded {
				t.Fatalf("terminal status = %s", e.Session.Status)
			}
			if e.Session.Duration != e.Session.EndedAt.Sub(e.Session.StartedAt) {
				t.Fatalf("duration %v does not match end-start", e.Session.Duration)
			}
		}
	}
}

func TestToggleFlags(t *testing.T) {
	srv := newBackend(t)
	m := newTestManager(t, srv, "minimal")

	if _, err := m.ToggleAudio(context.Background()); err == nil {
		t.Fatal("toggle without a call should fail")
	}

	if _, err := m.StartCall(context.Background(), 105, media.KindVideo); err != nil {
		t.Fatal(err)
	}
	muted, err := m.ToggleAudio(context.Background())
	if err != nil || !muted {
		t.Fatalf("muted = %v, err = %v", muted, err)
	}
	cameraOn, err := m.ToggleVideo(context.Background())
	if err != nil || cameraOn {
		t.Fatalf("cameraOn = %v, err = %v", cameraOn, err)
	}

	if n := len(srv.Calls(backend.ModelRTCSession, "write")); n != 2 {
		t.Fatalf("flag writes = %d, want 2", n)
	}
}

func TestConnectedOnParticipantJoin(t *testing.T) {
	srv := newBackend(t)
	m := newTestManager(t, srv, "minimal")
	events, cancel := m.Subscribe()
	defer cancel()

	if _, err := m.StartCall(context.Background(), 105, media.KindAudio); err != nil {
		t.Fatal(err)
	}
	drain(events)

	m.handleParticipantJoined(105, 31, "Sam")

	cur, _ := m.CurrentCall()
	if cur.Status != StatusConnected {
		t.Fatalf("status = %s, want connected", cur.Status)
	}
	got := drain(events)
	if countKind(got, EventParticipantJoined) != 1 || countKind(got, EventCallConnected) != 1 {
		t.Fatalf("events = %+v", got)
	}
}

func TestRegistryRemovalEndsCall(t *testing.T) {
	srv := newBackend(t)
	m := newTestManager(t, srv, "minimal")

	if _, err := m.StartCall(context.Background(), 105, media.KindAudio); err != nil {
		t.Fatal(err)
	}

	m.handleRegistryRemoved(41) // someone else's record
	if _, ok := m.CurrentCall(); !ok {
		t.Fatal("unrelated registry removal ended the call")
	}

	m.handleRegistryRemoved(42)
	if _, ok := m.CurrentCall(); ok {
		t.Fatal("call still active after its registry record was removed")
	}
}
