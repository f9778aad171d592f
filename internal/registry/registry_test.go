package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/itms-markshaw/callbridge/internal/backend"
	"github.com/itms-markshaw/callbridge/internal/backend/backendtest"
	"github.com/itms-markshaw/callbridge/internal/registry"
)

// newServer returns a fake backend whose authenticated user resolves to
// partner 99.
func newServer(t *testing.T) *backendtest.Server {
	srv := backendtest.New(t)
	srv.Handle(backend.ModelUsers, "read", func(c backendtest.Call) (any, error) {
		return []map[string]any{
			{"id": srv.UID, "name": "Alex Example", "partner_id": []any{99, "Alex Example"}},
		}, nil
	})
	return srv
}

func TestCreateSessionExistingMember(t *testing.T) {
	srv := newServer(t)
	srv.Handle(backend.ModelChannelMember, "search_read", func(c backendtest.Call) (any, error) {
		return []map[string]any{{"id": 12}}, nil
	})
	srv.Handle(backend.ModelRTCSession, "create", func(c backendtest.Call) (any, error) {
		return 42, nil
	})

	reg := registry.New(srv.Client())
	rec, err := reg.CreateSession(context.Background(), 105, true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.SessionID != 42 || rec.MemberID != 12 || rec.ChannelID != 105 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	// No membership create when lookup succeeded.
	if n := len(srv.Calls(backend.ModelChannelMember, "create")); n != 0 {
		t.Fatalf("membership created %d times, want 0", n)
	}
}

func TestCreateSessionCreatesMissingMember(t *testing.T) {
	srv := newServer(t)
	srv.Handle(backend.ModelChannelMember, "search_read", func(c backendtest.Call) (any, error) {
		return []map[string]any{}, nil
	})
	srv.Handle(backend.ModelChannelMember, "create", func(c backendtest.Call) (any, error) {
		return 31, nil
	})
	srv.Handle(backend.ModelRTCSession, "create", func(c backendtest.Call) (any, error) {
		return 43, nil
	})

	reg := registry.New(srv.Client())
	rec, err := reg.CreateSession(context.Background(), 105, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.MemberID != 31 {
		t.Fatalf("member id = %d, want 31", rec.MemberID)
	}
}

func TestCreateSessionNoMembership(t *testing.T) {
	srv := newServer(t)
	srv.Handle(backend.ModelChannelMember, "search_read", func(c backendtest.Call) (any, error) {
		return []map[string]any{}, nil
	})
	srv.Handle(backend.ModelChannelMember, "create", func(c backendtest.Call) (any, error) {
		return nil, errors.New("Access Denied")
	})

	reg := registry.New(srv.Client())
	_, err := reg.CreateSession(context.Background(), 105, false)
	if !errors.Is(err, registry.ErrNoMembership) {
		t.Fatalf("expected ErrNoMembership, got %v", err)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	srv := newServer(t)
	live := true
	srv.Handle(backend.ModelRTCSession, "search", func(c backendtest.Call) (any, error) {
		if live {
			return []int64{42}, nil
		}
		return []int64{}, nil
	})
	srv.Handle(backend.ModelRTCSession, "unlink", func(c backendtest.Call) (any, error) {
		live = false
		return true, nil
	})

	reg := registry.New(srv.Client())
	if err := reg.EndSession(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	// Second delete of the same record must not raise.
	if err := reg.EndSession(context.Background(), 42); err != nil {
		t.Fatalf("second EndSession errored: %v", err)
	}
	if n := len(srv.Calls(backend.ModelRTCSession, "unlink")); n != 1 {
		t.Fatalf("unlink called %d times, want 1", n)
	}
}

func TestCleanupSessionsScoped(t *testing.T) {
	srv := newServer(t)
	srv.Handle(backend.ModelRTCSession, "search", func(c backendtest.Call) (any, error) {
		return []int64{3, 4, 5}, nil
	})
	srv.Handle(backend.ModelRTCSession, "unlink", func(c backendtest.Call) (any, error) {
		return true, nil
	})

	reg := registry.New(srv.Client())
	n, err := reg.CleanupSessions(context.Background(), 105)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("cleaned %d, want 3", n)
	}
}

func TestUpdateFlagsPartial(t *testing.T) {
	srv := newServer(t)
	srv.Handle(backend.ModelRTCSession, "write", func(c backendtest.Call) (any, error) {
		return true, nil
	})

	reg := registry.New(srv.Client())
	muted := true
	if err := reg.UpdateFlags(context.Background(), 42, registry.Flags{Muted: &muted}); err != nil {
		t.Fatal(err)
	}
	calls := srv.Calls(backend.ModelRTCSession, "write")
	if len(calls) != 1 {
		t.Fatalf("write called %d times, want 1", len(calls))
	}

	// All-nil flags are a no-op.
	if err := reg.UpdateFlags(context.Background(), 42, registry.Flags{}); err != nil {
		t.Fatal(err)
	}
	if n := len(srv.Calls(backend.ModelRTCSession, "write")); n != 1 {
		t.Fatalf("no-op flags still wrote (%d calls)", n)
	}
}

func TestCreateSessionAnnouncesOnBus(t *testing.T) {
	srv := newServer(t)
	srv.Handle(backend.ModelChannelMember, "search_read", func(c backendtest.Call) (any, error) {
		return []map[string]any{{"id": 12}}, nil
	})
	srv.Handle(backend.ModelRTCSession, "create", func(c backendtest.Call) (any, error) {
		return 42, nil
	})
	srv.Handle(backend.ModelBus, "sendone", func(c backendtest.Call) (any, error) {
		return true, nil
	})

	reg := registry.New(srv.Client())
	if _, err := reg.CreateSession(context.Background(), 105, true); err != nil {
		t.Fatal(err)
	}

	// Creating the record does not push to peers by itself: the insert
	// notification goes out on the channel's bus feed right after.
	sends := srv.Calls(backend.ModelBus, "sendone")
	if len(sends) != 1 {
		t.Fatalf("bus sendone called %d times, want 1", len(sends))
	}
	var target, typ string
	_ = json.Unmarshal(sends[0].Args[0], &target)
	_ = json.Unmarshal(sends[0].Args[1], &typ)
	if target != "discuss.channel_105" || typ != backend.EventRTCSessionInsert {
		t.Fatalf("notified %q with %q", target, typ)
	}
	var payload struct {
		ID         int64  `json:"id"`
		ChannelID  int64  `json:"channel_id"`
		PartnerID  int64  `json:"partner_id"`
		CallerName string `json:"caller_name"`
		IsCameraOn bool   `json:"is_camera_on"`
	}
	_ = json.Unmarshal(sends[0].Args[2], &payload)
	if payload.ID != 42 || payload.ChannelID != 105 || payload.PartnerID != 99 ||
		payload.CallerName != "Alex Example" || !payload.IsCameraOn {
		t.Fatalf("notification payload = %+v", payload)
	}
}

func TestCreateSessionSurvivesAnnounceFailure(t *testing.T) {
	srv := newServer(t)
	srv.Handle(backend.ModelChannelMember, "search_read", func(c backendtest.Call) (any, error) {
		return []map[string]any{{"id": 12}}, nil
	})
	srv.Handle(backend.ModelRTCSession, "create", func(c backendtest.Call) (any, error) {
		return 42, nil
	})
	srv.Handle(backend.ModelBus, "sendone", func(c backendtest.Call) (any, error) {
		return nil, errors.New("Access Denied")
	})

	reg := registry.New(srv.Client())
	rec, err := reg.CreateSession(context.Background(), 105, false)
	if err != nil {
		t.Fatalf("announce failure must not fail the call: %v", err)
	}
	if rec.SessionID != 42 {
		t.Fatalf("record = %+v", rec)
	}
}
