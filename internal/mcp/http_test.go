package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// streamableServer is a minimal streamable HTTP endpoint. It answers
// initialize with JSON and everything else as an event stream, the way
// SDK servers do.
type streamableServer struct {
	mu       sync.Mutex
	sessions []string // Mcp-Session-Id seen per request
	auth     []string
	deleted  bool
}

func (s *streamableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.sessions = append(s.sessions, r.Header.Get(sessionHeader))
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	if r.Method == http.MethodDelete {
		s.mu.Lock()
		s.deleted = true
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "must accept event streams", http.StatusNotAcceptable)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var req struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		w.Header().Set(sessionHeader, "sess-123")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":%q,"serverInfo":{"name":"remote","version":"2"},"capabilities":{"tools":{}}}}`,
			*req.ID, protocolVersion)
	case "tools/call":
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n")
		fmt.Fprintf(w, "event: message\nid: 1\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\n", *req.ID)
		fmt.Fprint(w, "data: \"result\":{\"content\":[{\"type\":\"text\",\"text\":\"streamed\"}]}}\n\n")
	case "tools/list":
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":999,\"result\":{}}\n\n")
	default:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"Method not found"}}`, *req.ID)
	}
}

func TestHTTPTransport_Streamable(t *testing.T) {
	handler := &streamableServer{}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer test"},
	})
	client := NewClient("remote", tr, nil)
	ctx := context.Background()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if tr.SessionID() != "sess-123" {
		t.Errorf("SessionID() = %q, want sess-123", tr.SessionID())
	}

	got, err := client.CallTool(ctx, "anything", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "streamed" {
		t.Errorf("CallTool() = %q, want streamed", got)
	}

	if _, err := client.ListTools(ctx); err == nil || !strings.Contains(err.Error(), "without a response") {
		t.Errorf("ListTools() = %v, want missing response error", err)
	}

	if _, err := client.ListPrompts(ctx); !IsMethodNotFound(err) {
		t.Errorf("ListPrompts() = %v, want method not found", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if !handler.deleted {
		t.Error("Close did not terminate the session")
	}
	if handler.sessions[0] != "" {
		t.Errorf("initialize carried session %q, want none", handler.sessions[0])
	}
	for i, sid := range handler.sessions[1:] {
		if sid != "sess-123" {
			t.Errorf("request %d session = %q, want sess-123", i+1, sid)
		}
	}
	for i, a := range handler.auth {
		if a != "Bearer test" {
			t.Errorf("request %d Authorization = %q", i, a)
		}
	}
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid Host header", http.StatusMisdirectedRequest)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(1, "initialize", nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "421") || !strings.Contains(err.Error(), "Invalid Host header") {
		t.Errorf("error = %q", err)
	}
}

func TestHTTPTransport_CloseWithoutSession(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{URL: "http://127.0.0.1:1/mcp"})
	if err := tr.Close(); err != nil {
		t.Errorf("Close() = %v, want nil without a session", err)
	}
}
