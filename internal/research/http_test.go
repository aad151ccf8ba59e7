package research

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/nugget/scholar/internal/mcp"
)

func newTestHTTP(t *testing.T) (*httptest.Server, *fakeSearcher) {
	t.Helper()
	search := &fakeSearcher{results: samplePapers()}
	svc := newTestService(t, search)
	handler := NewHandler(NewMCPServer(svc), svc, HTTPConfig{
		AllowedHosts: []string{"localhost", "127.0.0.1", "::1", "scholar.onrender.com"},
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, search
}

func TestHandler_HostCheck(t *testing.T) {
	srv, _ := newTestHTTP(t)

	tests := []struct {
		host string
		path string
		want int
	}{
		{"scholar.onrender.com", "/topics/ai", http.StatusOK},
		{"SCHOLAR.onrender.com:443", "/topics/ai", http.StatusOK},
		{"[::1]:8001", "/topics/ai", http.StatusOK},
		{"evil.example.com", "/topics/ai", http.StatusMisdirectedRequest},
		{"evil.example.com", MCPPath, http.StatusMisdirectedRequest},
		{"evil.example.com", "/healthz", http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
		req.Host = tt.host
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.host, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("Host %s %s = %d, want %d", tt.host, tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestHandler_CORS(t *testing.T) {
	srv, _ := newTestHTTP(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+MCPPath, nil)
	req.Header.Set("Origin", "https://inspector.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type, mcp-session-id")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	h := resp.Header
	if h.Get("Access-Control-Allow-Origin") != "https://inspector.example" ||
		h.Get("Access-Control-Allow-Credentials") != "true" ||
		h.Get("Access-Control-Allow-Methods") != "POST" ||
		h.Get("Access-Control-Allow-Headers") != "content-type, mcp-session-id" ||
		h.Get("Access-Control-Expose-Headers") != "Mcp-Session-Id" {
		t.Errorf("preflight headers = %v", h)
	}
}

func TestHandler_TopicPage(t *testing.T) {
	srv, _ := newTestHTTP(t)

	svcResp, err := http.Get(srv.URL + "/topics/nothing")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(svcResp.Body)
	svcResp.Body.Close()
	if !strings.Contains(svcResp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("content type = %q", svcResp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "No papers found for topic: nothing.") {
		t.Errorf("body = %s", body)
	}
}

func TestHandler_TopicPageRejectsTraversal(t *testing.T) {
	srv, _ := newTestHTTP(t)

	resp, err := http.Get(srv.URL + "/topics/..%2Fescaped")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandler_StreamableHTTPClient(t *testing.T) {
	srv, _ := newTestHTTP(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr := mcpclient.NewHTTPTransport(mcpclient.HTTPConfig{URL: srv.URL + MCPPath})
	client := mcpclient.NewClient("research", tr, nil)
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if name, _ := client.ServerInfo(); name != ServerName {
		t.Errorf("server name = %q", name)
	}

	tools, err := client.ListTools(ctx)
	if err != nil || len(tools) != 2 {
		t.Fatalf("ListTools() = %v, %v", tools, err)
	}

	out, err := client.CallTool(ctx, ToolSearchPapers, map[string]any{"topic": "ai"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !strings.Contains(out, `"count": 2`) {
		t.Errorf("search_papers = %s", out)
	}

	digest, err := client.ReadResource(ctx, "papers://ai")
	if err != nil || !strings.Contains(digest, "## Surface Codes") {
		t.Errorf("ReadResource() = %q, %v", digest, err)
	}

	prompt, err := client.GetPrompt(ctx, PromptSearch, map[string]string{"topic": "ai"})
	if err != nil || !strings.Contains(prompt.Text(), "about 'ai'") {
		t.Errorf("GetPrompt() = %v, %v", prompt, err)
	}
}
