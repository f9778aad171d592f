// Package signaling carries offer/answer/ICE envelopes between call peers by
// posting structured messages through the backend's generic conversation
// message channel. Every signaling hop is therefore also a chat message in
// the conversation - an accepted trade-off, not something this package hides.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/itms-markshaw/callbridge/internal/backend"
	"github.com/itms-markshaw/callbridge/internal/util"
)

var log = logging.Logger("signaling")

// ErrSendFailed means an envelope could not be posted, including the single
// retry. Callers degrade the call rather than end it - previously exchanged
// candidates may still complete the connection.
var ErrSendFailed = errors.New("signaling send failed")

const (
	recentBufferSize = 64
	seenIDLimit      = 256
	pendingLimit     = 32
	retryDelay       = 500 * time.Millisecond
)

// Transport posts and receives signaling envelopes.
type Transport struct {
	rpc *backend.Client

	// recent keeps the last envelopes seen in either direction for the
	// debug surface.
	recent *util.RingBuffer[*Envelope]

	mu        sync.RWMutex
	listeners map[int64]map[chan *Envelope]struct{}

	// Envelopes that arrived before anyone subscribed to their channel.
	// The common answer timing: the caller's offer lands while the callee
	// is still ringing, seconds before the accept subscribes. Held here
	// and replayed to the first subscriber instead of being lost.
	pending map[int64][]*Envelope

	// Dedup window for at-least-once delivery.
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

// NewTransport creates a transport on top of rpc.
func NewTransport(rpc *backend.Client) *Transport {
	return &Transport{
		rpc:       rpc,
		recent:    util.NewRingBuffer[*Envelope](recentBufferSize),
		listeners: make(map[int64]map[chan *Envelope]struct{}),
		pending:   make(map[int64][]*Envelope),
		seen:      make(map[string]struct{}),
	}
}

// SendOffer posts a local SDP offer for the given active-call record.
func (t *Transport) SendOffer(ctx context.Context, channelID, sessionID int64, desc Description) error {
	env := newEnvelope(KindOffer, sessionID)
	env.Desc = &desc
	return t.send(ctx, channelID, env)
}

// SendAnswer posts a local SDP answer.
func (t *Transport) SendAnswer(ctx context.Context, channelID, sessionID int64, desc Description) error {
	env := newEnvelope(KindAnswer, sessionID)
	env.Desc = &desc
	return t.send(ctx, channelID, env)
}

// SendCandidate posts one local ICE candidate.
func (t *Transport) SendCandidate(ctx context.Context, channelID, sessionID int64, cand Candidate) error {
	env := newEnvelope(KindICECandidate, sessionID)
	env.Cand = &cand
	return t.send(ctx, channelID, env)
}

// send posts the envelope, retrying exactly once on failure.
func (t *Transport) send(ctx context.Context, channelID int64, env *Envelope) error {
	body, err := encodeBody(env)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrSendFailed, env.Kind, err)
	}

	_, err = t.rpc.MessagePost(ctx, channelID, body)
	if err != nil {
		log.Warnf("SIGNAL [ch %d]: %s send failed, retrying once: %v", channelID, env.Kind, err)
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrSendFailed, env.Kind, ctx.Err())
		}
		if _, err = t.rpc.MessagePost(ctx, channelID, body); err != nil {
			return fmt.Errorf("%w: %s after retry: %w", ErrSendFailed, env.Kind, err)
		}
	}

	env.ChannelID = channelID
	t.recent.Push(env)
	log.Debugf("SIGNAL [ch %d]: sent %s for session %d", channelID, env.Kind, env.SessionID)
	return nil
}

// Subscribe returns a channel receiving envelopes for channelID, starting
// with any envelopes that arrived before the subscription existed. cancel
// unregisters and closes it.
func (t *Transport) Subscribe(channelID int64) (ch chan *Envelope, cancel func()) {
	ch = make(chan *Envelope, 32)

	t.mu.Lock()
	subs := t.listeners[channelID]
	if subs == nil {
		subs = make(map[chan *Envelope]struct{})
		t.listeners[channelID] = subs
	}
	subs[ch] = struct{}{}
	if queued := t.pending[channelID]; len(queued) > 0 {
		delete(t.pending, channelID)
		for _, env := range queued {
			select {
			case ch <- env:
			default:
			}
		}
		log.Debugf("SIGNAL [ch %d]: replayed %d queued envelope(s) to new subscriber", channelID, len(queued))
	}
	t.mu.Unlock()

	cancel = func() {
		t.mu.Lock()
		if subs, ok := t.listeners[channelID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(t.listeners, channelID)
			}
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// HandleMessage inspects an inbound conversation message. When the body is a
// signaling envelope it is dispatched to subscribers and true is returned so
// the caller can filter it out of normal chat handling. Duplicate deliveries
// of the same envelope are absorbed here; an envelope with no subscriber yet
// is queued for the first one rather than dropped.
func (t *Transport) HandleMessage(msg *backend.MessageRecord) bool {
	env, ok := ParseEnvelope(msg.Body)
	if !ok {
		return false
	}
	env.ChannelID = msg.ResID
	env.From = msg.AuthorID.ID

	if t.alreadySeen(env.ID) {
		log.Debugf("SIGNAL [ch %d]: duplicate %s envelope %s dropped", env.ChannelID, env.Kind, env.ID)
		return true
	}

	t.recent.Push(env)

	t.mu.Lock()
	subs := t.listeners[env.ChannelID]
	if len(subs) == 0 {
		q := append(t.pending[env.ChannelID], env)
		if len(q) > pendingLimit {
			q = q[len(q)-pendingLimit:]
		}
		t.pending[env.ChannelID] = q
		t.mu.Unlock()
		log.Debugf("SIGNAL [ch %d]: queued %s envelope %s for future subscriber", env.ChannelID, env.Kind, env.ID)
		return true
	}
	for ch := range subs {
		select {
		case ch <- env:
		default:
			// Subscriber buffer full, skip
		}
	}
	t.mu.Unlock()
	return true
}

// Recent returns the recent envelopes for diagnostics.
func (t *Transport) Recent() []*Envelope {
	return t.recent.Snapshot()
}

func (t *Transport) alreadySeen(id string) bool {
	if id == "" {
		return false
	}
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	if _, ok := t.seen[id]; ok {
		return true
	}
	t.seen[id] = struct{}{}
	t.seenOrder = append(t.seenOrder, id)
	if len(t.seenOrder) > seenIDLimit {
		delete(t.seen, t.seenOrder[0])
		t.seenOrder = t.seenOrder[1:]
	}
	return false
}

// Close shuts down the transport and all subscriber channels.
func (t *Transport) Close() {
	t.mu.Lock()
	for _, subs := range t.listeners {
		for ch := range subs {
			close(ch)
		}
	}
	t.listeners = make(map[int64]map[chan *Envelope]struct{})
	t.pending = make(map[int64][]*Envelope)
	t.mu.Unlock()
}
