package call

import "sync"

// EventKind names one observable call event.
type EventKind string

const (
	EventCallStarted       EventKind = "callStarted"
	EventCallAnswered      EventKind = "callAnswered"
	EventCallConnected     EventKind = "callConnected"
	EventCallStatusChanged EventKind = "callStatusChanged"
	EventCallEnded         EventKind = "callEnded"
	EventIncomingCall      EventKind = "incomingCall"
	EventParticipantJoined EventKind = "participantJoined"
	EventAudioToggled      EventKind = "audioToggled"
	EventVideoToggled      EventKind = "videoToggled"
	EventRemoteStream      EventKind = "remoteStreamReceived"
)

// Event is one emitted call event. Session carries the full snapshot at
// the moment of emission so observers never need to poll; Invitation is
// set only for incomingCall and for a ring-out, where no session exists.
type Event struct {
	Kind       EventKind   `json:"kind"`
	Session    *Snapshot   `json:"session,omitempty"`
	Invitation *Invitation `json:"invitation,omitempty"`
}

// emitter fans events out to subscriber channels. Sends never block: a
// subscriber that falls behind misses events instead of stalling the
// call state machine.
type emitter struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[chan Event]struct{})}
}

func (e *emitter) subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	e.mu.Lock()
	e.listeners[ch] = struct{}{}
	e.mu.Unlock()

	cancel = func() {
		e.mu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *emitter) emit(evt Event) {
	e.mu.RLock()
	for ch := range e.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	e.mu.RUnlock()
}

func (e *emitter) close() {
	e.mu.Lock()
	for ch := range e.listeners {
		close(ch)
	}
	e.listeners = make(map[chan Event]struct{})
	e.mu.Unlock()
}
