// Package backendtest runs an in-process fake of the backend's /jsonrpc
// endpoint for tests. Handlers are registered per model.method; every
// execute_kw invocation is recorded so tests can assert on the exact
// remote calls a component issued.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/itms-markshaw/callbridge/internal/backend"
)

// Call is one recorded execute_kw invocation.
type Call struct {
	Model  string
	Method string
	Args   []json.RawMessage
	Kwargs map[string]json.RawMessage
}

// ArgInt64 decodes positional arg i as an int64 (0 when absent/undecodable).
func (c Call) ArgInt64(i int) int64 {
	if i >= len(c.Args) {
		return 0
	}
	var v int64
	_ = json.Unmarshal(c.Args[i], &v)
	return v
}

// Handler produces the execute_kw result for a model.method. Returning an
// error yields a backend-style RPC error response.
type Handler func(c Call) (any, error)

// Server is the fake backend.
type Server struct {
	*httptest.Server

	UID int64

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

// New starts a fake backend. Authentication always succeeds with Server.UID.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{UID: 7, handlers: make(map[string]Handler)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveJSONRPC))
	t.Cleanup(s.Server.Close)
	return s
}

// Client returns a backend client pointed at the fake.
func (s *Server) Client() *backend.Client {
	return backend.NewClient(s.URL, "testdb", "tester@example.com", "key", 5*time.Second)
}

// Handle registers (or replaces) the handler for model.method.
func (s *Server) Handle(model, method string, fn Handler) {
	s.mu.Lock()
	s.handlers[model+"."+method] = fn
	s.mu.Unlock()
}

// Calls returns all recorded execute_kw invocations for model.method.
func (s *Server) Calls(model, method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Model == model && c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) serveJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64 `json:"id"`
		Params struct {
			Service string            `json:"service"`
			Method  string            `json:"method"`
			Args    []json.RawMessage `json:"args"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case req.Params.Service == "common" && req.Params.Method == "authenticate":
		writeResult(w, req.ID, s.UID)

	case req.Params.Service == "object" && req.Params.Method == "execute_kw":
		s.serveExecuteKw(w, req.ID, req.Params.Args)

	default:
		writeError(w, req.ID, fmt.Sprintf("unknown service %s.%s", req.Params.Service, req.Params.Method))
	}
}

func (s *Server) serveExecuteKw(w http.ResponseWriter, id int64, raw []json.RawMessage) {
	// [db, uid, key, model, method, args, kwargs]
	if len(raw) < 6 {
		writeError(w, id, "execute_kw: short arg list")
		return
	}
	var model, method string
	if err := json.Unmarshal(raw[3], &model); err != nil {
		writeError(w, id, "execute_kw: bad model")
		return
	}
	if err := json.Unmarshal(raw[4], &method); err != nil {
		writeError(w, id, "execute_kw: bad method")
		return
	}

	call := Call{Model: model, Method: method}
	_ = json.Unmarshal(raw[5], &call.Args)
	if len(raw) > 6 {
		_ = json.Unmarshal(raw[6], &call.Kwargs)
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	fn := s.handlers[model+"."+method]
	s.mu.Unlock()

	if fn == nil {
		writeError(w, id, fmt.Sprintf("no handler for %s.%s", model, method))
		return
	}
	result, err := fn(call)
	if err != nil {
		writeError(w, id, err.Error())
		return
	}
	writeResult(w, id, result)
}

func writeResult(w http.ResponseWriter, id int64, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeError(w http.ResponseWriter, id int64, msg string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    200,
			"message": "Server Error",
			"data":    map[string]any{"name": "builtins.Exception", "message": msg},
		},
	})
}
