// Package backend is the client for the remote object store: generic
// execute_kw RPC over HTTP plus the push event feed. The store was never
// designed as a signaling server - the calling core built on top of this
// package reuses plain message posting and active-call records for that.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("backend")

// Client talks to one backend instance as one authenticated user.
// Safe for concurrent use.
type Client struct {
	BaseURL  string
	Database string
	Username string
	APIKey   string
	HTTP     *http.Client

	mu          sync.RWMutex
	uid         int64
	partnerID   int64
	partnerName string

	reqID int64
}

// NewClient creates a client for the given backend. Authentication is lazy:
// the first RPC triggers it.
func NewClient(baseURL, database, username, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:  baseURL,
		Database: database,
		Username: username,
		APIKey:   apiKey,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a fault reported by the backend itself (as opposed to a
// transport failure).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *RPCError) Error() string {
	if e.Data.Message != "" {
		return fmt.Sprintf("backend error %s: %s", e.Data.Name, e.Data.Message)
	}
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// callService performs one JSON-RPC round trip against /jsonrpc.
func (c *Client) callService(ctx context.Context, service, method string, args []any, out any) error {
	c.mu.Lock()
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      id,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", service, method, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s.%s: status %s", service, method, resp.Status)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%s.%s: decode response: %w", service, method, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out != nil && len(rr.Result) > 0 {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("%s.%s: decode result: %w", service, method, err)
		}
	}
	return nil
}

// Authenticate resolves and caches the user id. Idempotent.
func (c *Client) Authenticate(ctx context.Context) (int64, error) {
	c.mu.RLock()
	uid := c.uid
	c.mu.RUnlock()
	if uid > 0 {
		return uid, nil
	}

	// The result is either a numeric uid or false on bad credentials, so
	// decode loosely.
	var raw json.RawMessage
	err := c.callService(ctx, "common", "authenticate",
		[]any{c.Database, c.Username, c.APIKey, map[string]any{}}, &raw)
	if err != nil {
		return 0, fmt.Errorf("authenticate: %w", err)
	}
	if err := json.Unmarshal(raw, &uid); err != nil || uid <= 0 {
		return 0, fmt.Errorf("authenticate: rejected for %s on %s", c.Username, c.Database)
	}

	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
	log.Infof("BACKEND: authenticated %s as uid %d", c.Username, uid)
	return uid, nil
}

// UID returns the cached user id, or 0 before authentication.
func (c *Client) UID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uid
}

// ExecuteKw invokes model.method with positional args and keyword args,
// decoding the result into out (which may be nil).
func (c *Client) ExecuteKw(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	callArgs := []any{c.Database, uid, c.APIKey, model, method, args, kwargs}
	return c.callService(ctx, "object", "execute_kw", callArgs, out)
}

// SearchRead searches model with domain and reads fields of the matches.
func (c *Client) SearchRead(ctx context.Context, model string, domain []any, fields []string, limit int, out any) error {
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	return c.ExecuteKw(ctx, model, "search_read", []any{domain}, kwargs, out)
}

// Search returns ids of records matching domain.
func (c *Client) Search(ctx context.Context, model string, domain []any) ([]int64, error) {
	var ids []int64
	if err := c.ExecuteKw(ctx, model, "search", []any{domain}, nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Read reads fields of the given records.
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string, out any) error {
	return c.ExecuteKw(ctx, model, "read", []any{ids}, map[string]any{"fields": fields}, out)
}

// Create inserts one record and returns its id.
func (c *Client) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	var id int64
	if err := c.ExecuteKw(ctx, model, "create", []any{values}, nil, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// WriteValues partially updates the given records.
func (c *Client) WriteValues(ctx context.Context, model string, ids []int64, values map[string]any) error {
	return c.ExecuteKw(ctx, model, "write", []any{ids, values}, nil, nil)
}

// Unlink deletes the given records.
func (c *Client) Unlink(ctx context.Context, model string, ids []int64) error {
	return c.ExecuteKw(ctx, model, "unlink", []any{ids}, nil, nil)
}

// MessagePost posts a message body to a conversation channel and returns the
// message id. This is the backend's only generic "say something in a channel"
// primitive - both human-visible call notifications and signaling envelopes
// go through it.
func (c *Client) MessagePost(ctx context.Context, channelID int64, body string) (int64, error) {
	var msgID int64
	err := c.ExecuteKw(ctx, ModelChannel, "message_post",
		[]any{channelID},
		map[string]any{"body": body, "message_type": "comment"},
		&msgID)
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// Identity resolves the authenticated user's partner id and display name.
// This is the single authoritative identity lookup: a user whose partner
// cannot be read is an error, never silently substituted.
func (c *Client) Identity(ctx context.Context) (int64, string, error) {
	c.mu.RLock()
	pid, name := c.partnerID, c.partnerName
	c.mu.RUnlock()
	if pid > 0 {
		return pid, name, nil
	}

	uid, err := c.Authenticate(ctx)
	if err != nil {
		return 0, "", err
	}

	var users []UserRecord
	if err := c.Read(ctx, ModelUsers, []int64{uid}, []string{"name", "partner_id"}, &users); err != nil {
		return 0, "", fmt.Errorf("read user %d: %w", uid, err)
	}
	if len(users) == 0 || !users[0].PartnerID.Valid() {
		return 0, "", fmt.Errorf("user %d has no partner record", uid)
	}

	c.mu.Lock()
	c.partnerID = users[0].PartnerID.ID
	c.partnerName = users[0].Name
	pid, name = c.partnerID, c.partnerName
	c.mu.Unlock()
	return pid, name, nil
}
