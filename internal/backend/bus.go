package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itms-markshaw/callbridge/internal/util"
)

// Bus notification types the calling core cares about.
const (
	EventRTCSessionInsert = "discuss.channel.rtc.session/insert"
	EventRTCSessionUpdate = "discuss.channel.rtc.session/update"
	EventRTCSessionDelete = "discuss.channel.rtc.session/delete"
	EventRTCInvitation    = "discuss.channel.member/rtc_invitation"
	EventMessageInsert    = "mail.message/insert"
)

// BusEvent is one notification from the backend's push feed.
type BusEvent struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// busFrame is the wire shape: {"id": n, "message": {"type": ..., "payload": ...}}.
type busFrame struct {
	ID      int64 `json:"id"`
	Message struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	} `json:"message"`
}

// Feed delivers bus events for a set of channels. It prefers the websocket
// endpoint and degrades to long-polling when the socket cannot be opened.
// Reconnects resume from the last seen notification id, so delivery is
// at-least-once and consumers must tolerate duplicates and reordering.
type Feed struct {
	c            *Client
	channels     []string
	useWS        bool
	pollDeadline time.Duration

	events chan *BusEvent
	closed chan struct{}
	lastID int64
}

// OpenFeed starts the event feed. channels are bus channel names, e.g.
// "discuss.channel_105". The feed runs until Close or ctx cancellation.
func (c *Client) OpenFeed(ctx context.Context, channels []string, useWebsocket bool, pollDeadline time.Duration) *Feed {
	if pollDeadline <= 0 {
		pollDeadline = 25 * time.Second
	}
	f := &Feed{
		c:            c,
		channels:     channels,
		useWS:        useWebsocket,
		pollDeadline: pollDeadline,
		events:       make(chan *BusEvent, 64),
		closed:       make(chan struct{}),
	}
	go f.run(ctx)
	return f
}

// Events returns the stream of bus notifications. Closed when the feed stops.
func (f *Feed) Events() <-chan *BusEvent { return f.events }

// Close stops the feed. Idempotent.
func (f *Feed) Close() {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.events)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.closed:
			return
		default:
		}

		var err error
		if f.useWS {
			err = f.readWebsocket(ctx)
			if err != nil {
				log.Warnf("BUS: websocket feed failed, falling back to polling: %v", err)
				if perr := f.pollOnce(ctx); perr != nil {
					log.Warnf("BUS: poll failed: %v", perr)
				}
			}
		} else {
			err = f.pollOnce(ctx)
			if err != nil {
				log.Warnf("BUS: poll failed: %v", err)
			}
		}

		if err == nil {
			backoff = time.Second
			continue
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		case <-f.closed:
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// wsURL converts the backend base URL into the websocket endpoint.
func (f *Feed) wsURL() string {
	u := f.c.BaseURL
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/websocket"
}

// readWebsocket dials the bus socket, subscribes, and pumps frames until the
// connection drops. Returns the connection error (never nil).
func (f *Feed) readWebsocket(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, f.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.wsURL(), err)
	}
	defer conn.Close()

	sub := map[string]any{
		"event_name": "subscribe",
		"data":       map[string]any{"channels": f.channels, "last": f.lastID},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Infof("BUS: websocket feed up, %d channels, last=%d", len(f.channels), f.lastID)

	// Unblock ReadMessage when the feed is closed.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-f.closed:
			conn.Close()
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.closed:
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		f.deliverFrames(data)
	}
}

// pollOnce performs a single long-poll round trip and delivers its frames.
func (f *Feed) pollOnce(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "call",
		"params":  map[string]any{"channels": f.channels, "last": f.lastID},
		"id":      1,
	})
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, f.pollDeadline+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodPost, f.c.BaseURL+"/longpolling/poll", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("poll: status %s", resp.Status)
	}

	var rr struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("poll: decode: %w", err)
	}
	if len(rr.Result) > 0 {
		f.deliverFrames(rr.Result)
	}
	return nil
}

// deliverFrames decodes a JSON array of bus frames and forwards them.
// Malformed frames are dropped with a log line; one bad notification must
// not stall the feed.
func (f *Feed) deliverFrames(data []byte) {
	var frames []busFrame
	if err := json.Unmarshal(data, &frames); err != nil {
		log.Warnf("BUS: undecodable frame batch: %v", err)
		return
	}
	for _, fr := range frames {
		if fr.ID > f.lastID {
			f.lastID = fr.ID
		}
		if fr.Message.Type == "" {
			continue
		}
		ev := &BusEvent{ID: fr.ID, Type: fr.Message.Type, Payload: fr.Message.Payload}
		select {
		case f.events <- ev:
		case <-f.closed:
			return
		}
	}
}
