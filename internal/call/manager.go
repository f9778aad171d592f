// Package call owns the client's one active call: the session state
// machine, the three strategy tiers with ordered fallback, the typed event
// stream, and invitation dispatch. Everything that mutates the session
// goes through a single lock so two near-simultaneous user actions can
// never produce two live calls.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/itms-markshaw/callbridge/internal/backend"
	"github.com/itms-markshaw/callbridge/internal/media"
	"github.com/itms-markshaw/callbridge/internal/registry"
	"github.com/itms-markshaw/callbridge/internal/signaling"
	"github.com/itms-markshaw/callbridge/internal/storage"
	"github.com/itms-markshaw/callbridge/internal/util"
)

var log = logging.Logger("call")

// Options configures a Manager.
type Options struct {
	RPC       *backend.Client
	Registry  *registry.Client
	Signaling *signaling.Transport
	Store     *storage.Store // optional call history; nil disables it

	STUNServers    []string
	RingTimeout    time.Duration
	CleanupTimeout time.Duration
	ForceStrategy  string

	SelfPartnerID int64
	SelfName      string
}

// Manager owns the active call session and serializes every mutation
// against it. Event-feed completions (registry removals, participant
// joins, peer connection state changes) funnel through the same lock.
type Manager struct {
	rpc   *backend.Client
	reg   *registry.Client
	sig   *signaling.Transport
	store *storage.Store

	selfPartnerID int64
	selfName      string

	ringTimeout    time.Duration
	cleanupTimeout time.Duration
	detected       media.Strategy

	events  *emitter
	runners []runner

	mu      sync.Mutex
	current *Session
	ringing map[string]*time.Timer
	closed  bool
}

// NewManager builds the call manager and detects the strategy tier once.
func NewManager(opts Options) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = util.ShortTimeout
	}

	m := &Manager{
		rpc:            opts.RPC,
		reg:            opts.Registry,
		sig:            opts.Signaling,
		store:          opts.Store,
		selfPartnerID:  opts.SelfPartnerID,
		selfName:       opts.SelfName,
		ringTimeout:    opts.RingTimeout,
		cleanupTimeout: opts.CleanupTimeout,
		detected:       media.Detect(opts.ForceStrategy),
		events:         newEmitter(),
		ringing:        make(map[string]*time.Timer),
	}
	m.runners = m.buildRunners(opts.STUNServers)
	return m
}

// buildRunners assembles the ordered fallback chain, first tier tried
// first. Every chain that can fail ends at minimal.
func (m *Manager) buildRunners(stun []string) []runner {
	full := &fullMedia{
		reg:           m.reg,
		sig:           m.sig,
		stun:          stun,
		acquire:       media.Acquire,
		newLink:       newWebRTCLink,
		onConnected:   m.noteConnected,
		onFailed:      m.noteFailed,
		onRemoteTrack: m.noteRemoteStream,
	}
	probe := &signalOnly{reg: m.reg, sig: m.sig, onConnected: m.noteConnected}
	min := &minimal{rpc: m.rpc, reg: m.reg, selfName: m.selfName}

	switch m.detected {
	case media.StrategyFullMedia:
		return []runner{full, min}
	case media.StrategySignalingOnly:
		return []runner{probe, min}
	default:
		return []runner{min}
	}
}

// Subscribe returns a channel of call events and a cancel func.
func (m *Manager) Subscribe() (chan Event, func()) {
	return m.events.subscribe()
}

// CurrentCall returns a snapshot of the active session, if any.
func (m *Manager) CurrentCall() (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, false
	}
	return m.current.snapshot(), true
}

// StatusInfo answers the UI's "where are we" query without events.
type StatusInfo struct {
	Initialized bool   `json:"initialized"`
	InCall      bool   `json:"inCall"`
	CallStatus  Status `json:"callStatus"`
	MediaReady  bool   `json:"mediaReady"`
}

// Status reports the manager's current state.
func (m *Manager) Status() StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := StatusInfo{
		Initialized: true,
		CallStatus:  StatusIdle,
		MediaReady:  m.detected == media.StrategyFullMedia,
	}
	if m.current != nil {
		info.InCall = true
		info.CallStatus = m.current.Status
	}
	return info
}

// StartCall places an outbound call on channelID. Any prior session is
// torn down first, best-effort. Setup errors are surfaced so the UI can
// tell the user; the machine is back at idle when that happens.
func (m *Manager) StartCall(ctx context.Context, channelID int64, kind media.Kind) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		log.Infof("CALL [%s]: superseded by new call on channel %d", m.current.CallID, channelID)
		m.teardownLocked(StatusEnded, "superseded")
	}

	// Sweep stale records so other clients do not see ghost rings. Bounded
	// and non-fatal: a leftover record is less harmful than no call.
	sweepCtx, cancel := context.WithTimeout(ctx, m.cleanupTimeout)
	if n, err := m.reg.CleanupSessions(sweepCtx, channelID); err != nil {
		log.Warnf("CALL: pre-call cleanup on channel %d: %v", channelID, err)
	} else if n > 0 {
		log.Infof("CALL: swept %d stale session record(s) on channel %d", n, channelID)
	}
	cancel()

	s := &Session{
		ChannelID:   channelID,
		ChannelName: m.channelName(ctx, channelID),
		Kind:        kind,
		Status:      StatusConnecting,
		StartedAt:   time.Now(),
		CameraOn:    kind.Video(),
		Participants: []Participant{
			{ID: m.selfPartnerID, Name: m.selfName},
		},
	}

	if err := m.attemptLocked(ctx, s, func(r runner) error { return r.start(ctx, s) }); err != nil {
		return nil, err
	}

	m.current = s
	m.recordStart(s)
	m.emitLocked(EventCallStarted, s)
	m.emitLocked(EventCallStatusChanged, s)
	return s.snapshot(), nil
}

// AnswerCall accepts an invitation. The invitation's call id is kept so
// the two sides agree on what call they are in.
func (m *Manager) AnswerCall(ctx context.Context, inv *Invitation) (*Snapshot, error) {
	if inv == nil {
		return nil, fmt.Errorf("nil invitation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopRingingLocked(inv.CallID)

	if m.current != nil {
		m.teardownLocked(StatusEnded, "superseded by answer")
	}

	kind := media.KindAudio
	if inv.IsVideo {
		kind = media.KindVideo
	}
	s := &Session{
		CallID:      inv.CallID,
		ChannelID:   inv.ChannelID,
		ChannelName: m.channelName(ctx, inv.ChannelID),
		Kind:        kind,
		Status:      StatusConnecting,
		StartedAt:   time.Now(),
		CameraOn:    kind.Video(),
		Participants: []Participant{
			{ID: m.selfPartnerID, Name: m.selfName},
			{ID: inv.FromUserID, Name: inv.FromUserName},
		},
	}

	if err := m.attemptLocked(ctx, s, func(r runner) error { return r.answer(ctx, s, inv) }); err != nil {
		return nil, err
	}

	// Registry-driven tiers are connected the moment our own record
	// exists next to the caller's; full-media waits for the transport.
	if s.Strategy != media.StrategyFullMedia {
		s.Status = StatusConnected
	}

	m.current = s
	m.recordStart(s)
	m.emitLocked(EventCallAnswered, s)
	if s.Status == StatusConnected {
		m.emitLocked(EventCallConnected, s)
	}
	m.emitLocked(EventCallStatusChanged, s)
	return s.snapshot(), nil
}

// attemptLocked walks the fallback chain. Each failed tier releases its
// own resources; the first tier to succeed wins.
func (m *Manager) attemptLocked(ctx context.Context, s *Session, try func(runner) error) error {
	var firstErr error
	for _, r := range m.runners {
		s.Strategy = r.strategy()
		err := try(r)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
		log.Warnf("CALL: %s tier failed on channel %d: %v", r.strategy(), s.ChannelID, err)
		if ctx.Err() != nil {
			break
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no strategy tiers configured")
	}
	return fmt.Errorf("%w: %w", ErrStrategyUnavailable, firstErr)
}

// EndCall hangs up the active call. No-op when idle; calling it twice is
// safe and the duration is not recomputed.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	m.teardownLocked(StatusEnded, "local hang-up")
	return nil
}

// ToggleAudio flips the mute flag, pushes it to the registry record and
// reports the new muted state.
func (m *Manager) ToggleAudio(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false, ErrNoActiveCall
	}
	s := m.current
	s.Muted = !s.Muted
	m.pushFlagsLocked(ctx, s, registry.Flags{Muted: &s.Muted})
	log.Infof("CALL [%s]: audio muted=%v", s.CallID, s.Muted)
	m.emitLocked(EventAudioToggled, s)
	return s.Muted, nil
}

// ToggleVideo flips the camera flag, pushes it to the registry record and
// reports whether the camera is now on.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false, ErrNoActiveCall
	}
	s := m.current
	s.CameraOn = !s.CameraOn
	m.pushFlagsLocked(ctx, s, registry.Flags{CameraOn: &s.CameraOn})
	log.Infof("CALL [%s]: camera on=%v", s.CallID, s.CameraOn)
	m.emitLocked(EventVideoToggled, s)
	return s.CameraOn, nil
}

func (m *Manager) pushFlagsLocked(ctx context.Context, s *Session, f registry.Flags) {
	if s.Registry == nil {
		return
	}
	flagCtx, cancel := context.WithTimeout(ctx, util.DefaultRPCTimeout)
	defer cancel()
	if err := m.reg.UpdateFlags(flagCtx, s.Registry.SessionID, f); err != nil {
		log.Warnf("CALL [%s]: update media flags: %v", s.CallID, err)
	}
}

// Close tears down any active call and stops all ring timers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.ringing {
		t.Stop()
		delete(m.ringing, id)
	}
	if m.current != nil {
		m.teardownLocked(StatusEnded, "manager shutdown")
	}
	m.mu.Unlock()
	m.events.close()
}

// teardownLocked drives the terminal transition. Remote bookkeeping is
// best-effort: whatever happens, the machine is idle when this returns.
func (m *Manager) teardownLocked(status Status, reason string) {
	s := m.current
	if s == nil {
		return
	}
	m.current = nil

	if s.stop != nil {
		s.stop()
	}

	// Duration is computed exactly once, at the terminal transition.
	if s.EndedAt.IsZero() {
		s.EndedAt = time.Now()
		s.Duration = s.EndedAt.Sub(s.StartedAt)
	}
	s.Status = status

	if s.Registry != nil {
		endCtx, cancel := context.WithTimeout(context.Background(), m.cleanupTimeout)
		if err := m.reg.EndSession(endCtx, s.Registry.SessionID); err != nil {
			log.Warnf("CALL [%s]: remove registry session %d: %v", s.CallID, s.Registry.SessionID, err)
		}
		cancel()
	}

	if m.store != nil {
		if err := m.store.RecordEnd(s.CallID, string(status), s.EndedAt, s.Duration); err != nil {
			log.Warnf("CALL [%s]: record call end: %v", s.CallID, err)
		}
	}

	log.Infof("CALL [%s]: %s after %s (%s)", s.CallID, status, s.Duration.Round(time.Millisecond), reason)
	m.emitLocked(EventCallEnded, s)
	m.emitLocked(EventCallStatusChanged, s)
}

// noteConnected is called off the lock by strategy callbacks when the far
// end is confirmed. Stale call ids (a newer call replaced this one) are
// ignored.
func (m *Manager) noteConnected(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	if s == nil || s.CallID != callID || s.Status != StatusConnecting {
		return
	}
	s.Status = StatusConnected
	log.Infof("CALL [%s]: connected", callID)
	m.emitLocked(EventCallConnected, s)
	m.emitLocked(EventCallStatusChanged, s)
}

// noteFailed ends the active call as failed when its transport gives up
// (peer connection reached the failed state: ICE is done retrying and no
// path exists). Unlike a hang-up there is nothing to keep alive, so the
// session goes straight to the failed terminal state.
func (m *Manager) noteFailed(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	if s == nil || s.CallID != callID || s.Status.terminal() {
		return
	}
	log.Warnf("CALL [%s]: transport failed", callID)
	m.teardownLocked(StatusFailed, "peer connection failed")
}

// noteRemoteStream marks remote media arrival on the active call.
func (m *Manager) noteRemoteStream(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	if s == nil || s.CallID != callID {
		return
	}
	if !s.RemoteStream {
		s.RemoteStream = true
		log.Infof("CALL [%s]: remote media arrived", callID)
		m.emitLocked(EventRemoteStream, s)
	}
}

// handleParticipantJoined applies a registry insert on the active call's
// channel. Registry-driven tiers treat the first join as far-end
// confirmation.
func (m *Manager) handleParticipantJoined(channelID, partnerID int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	if s == nil || s.ChannelID != channelID || s.hasParticipant(partnerID) {
		return
	}
	s.Participants = append(s.Participants, Participant{ID: partnerID, Name: name})
	log.Infof("CALL [%s]: participant %d (%s) joined", s.CallID, partnerID, name)
	m.emitLocked(EventParticipantJoined, s)

	if s.Status == StatusConnecting && s.Strategy != media.StrategyFullMedia {
		s.Status = StatusConnected
		m.emitLocked(EventCallConnected, s)
		m.emitLocked(EventCallStatusChanged, s)
	}
}

// handleParticipantFlags applies a registry update on the active call's
// channel: a remote participant muted themselves or switched their camera.
func (m *Manager) handleParticipantFlags(channelID, partnerID int64, muted, cameraOn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	if s == nil || s.ChannelID != channelID {
		return
	}
	for i := range s.Participants {
		p := &s.Participants[i]
		if p.ID != partnerID {
			continue
		}
		if p.Muted != muted {
			p.Muted = muted
			log.Infof("CALL [%s]: participant %d muted=%v", s.CallID, partnerID, muted)
			m.emitLocked(EventAudioToggled, s)
		}
		if p.CameraOn != cameraOn {
			p.CameraOn = cameraOn
			log.Infof("CALL [%s]: participant %d camera on=%v", s.CallID, partnerID, cameraOn)
			m.emitLocked(EventVideoToggled, s)
		}
		return
	}
}

// handleRegistryRemoved ends the active call when the backend drops the
// record this call is tied to.
func (m *Manager) handleRegistryRemoved(sessionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	if s == nil || s.Registry == nil || s.Registry.SessionID != sessionID {
		return
	}
	log.Infof("CALL [%s]: registry session %d removed remotely", s.CallID, sessionID)
	m.teardownLocked(StatusEnded, "registry record removed")
}

// deliverInvitation surfaces a normalized invitation and arms its ring
// timeout. Duplicate deliveries of the same call id are dropped; the bus
// is at-least-once.
func (m *Manager) deliverInvitation(inv *Invitation) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.ringing[inv.CallID]; ok {
		m.mu.Unlock()
		return
	}
	m.ringing[inv.CallID] = time.AfterFunc(m.ringTimeout, func() { m.expireInvitation(inv) })
	m.mu.Unlock()

	log.Infof("CALL: incoming %s from %s (%s) on channel %d",
		inv.CallID, inv.FromUserName, inv.kindWord(), inv.ChannelID)
	m.events.emit(Event{Kind: EventIncomingCall, Invitation: inv})
}

// expireInvitation is the ring timeout: an invitation nobody answered is
// declined locally and logged as missed.
func (m *Manager) expireInvitation(inv *Invitation) {
	m.mu.Lock()
	if _, ok := m.ringing[inv.CallID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.ringing, inv.CallID)
	m.mu.Unlock()

	log.Infof("CALL: %s rang out after %s", inv.CallID, m.ringTimeout)
	if m.store != nil {
		if err := m.store.RecordMissed(inv.CallID, inv.ChannelID, inv.FromUserName, inv.IsVideo, time.Now()); err != nil {
			log.Warnf("CALL: record missed call %s: %v", inv.CallID, err)
		}
	}
	m.events.emit(Event{Kind: EventCallEnded, Invitation: inv})
}

// stopRingingLocked cancels the ring timer once an invitation is acted on.
func (m *Manager) stopRingingLocked(callID string) {
	if t, ok := m.ringing[callID]; ok {
		t.Stop()
		delete(m.ringing, callID)
	}
}

// emitLocked emits kind with a snapshot of s. Safe under the lock: sends
// never block.
func (m *Manager) emitLocked(kind EventKind, s *Session) {
	m.events.emit(Event{Kind: kind, Session: s.snapshot()})
}

// channelName resolves a channel's display name through the local cache,
// falling back to a backend read. Failures degrade to an empty name.
func (m *Manager) channelName(ctx context.Context, channelID int64) string {
	if m.store != nil {
		if name, ok := m.store.ChannelName(channelID); ok {
			return name
		}
	}
	var rows []backend.ChannelRecord
	readCtx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
	defer cancel()
	if err := m.rpc.Read(readCtx, backend.ModelChannel, []int64{channelID}, []string{"name", "channel_type"}, &rows); err != nil || len(rows) == 0 {
		return ""
	}
	if m.store != nil {
		if err := m.store.CacheChannel(channelID, rows[0].Name); err != nil {
			log.Debugf("CALL: cache channel %d name: %v", channelID, err)
		}
	}
	return rows[0].Name
}

func (m *Manager) recordStart(s *Session) {
	if m.store == nil {
		return
	}
	peer := ""
	for _, p := range s.Participants {
		if p.ID != m.selfPartnerID {
			peer = p.Name
			break
		}
	}
	if err := m.store.RecordStart(s.CallID, s.ChannelID, s.ChannelName, peer, s.Kind.Video(), s.StartedAt); err != nil {
		log.Warnf("CALL [%s]: record call start: %v", s.CallID, err)
	}
}
