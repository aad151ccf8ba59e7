package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/scholar/internal/config"
	"github.com/nugget/scholar/internal/httpkit"
)

// sessionHeader carries the server-assigned session id on streamable
// HTTP requests after initialization.
const sessionHeader = "Mcp-Session-Id"

// maxResponseSize bounds a single JSON or event-stream response body.
const maxResponseSize = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Defaults to an httpkit client
	// with no overall timeout; requests are bounded by their context.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC message is POSTed to the endpoint. The server answers a
// request either with a JSON body or with an SSE stream that carries the
// response as one of its events. HTTPTransport is safe for concurrent use.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

// SessionID returns the session id assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *HTTPTransport) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, t.url, rd)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	if sid := t.SessionID(); sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}
	return httpReq, nil
}

func (t *HTTPTransport) captureSession(resp *http.Response) {
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
}

// Send POSTs a JSON-RPC request and returns the matching response from
// either a JSON body or an event stream.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP request", "payload", string(body))

	httpReq, err := t.newRequest(ctx, http.MethodPost, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, strings.TrimSpace(errBody))
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readStream(ctx, httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP response", "payload", string(respBody))

	resp, ok, err := decodeResponse(respBody)
	if err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !ok || resp.ID != req.ID {
		return nil, fmt.Errorf("MCP server returned no response for request %d", req.ID)
	}
	return resp, nil
}

// readStream reads SSE events until one carries the response to id.
// Other events (server notifications, progress) are logged and skipped.
func (t *HTTPTransport) readStream(ctx context.Context, r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxResponseSize))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseSize)

	var data []string
	dispatch := func() (*Response, bool) {
		if len(data) == 0 {
			return nil, false
		}
		payload := strings.Join(data, "\n")
		data = data[:0]

		resp, ok, err := decodeResponse([]byte(payload))
		if err != nil || !ok {
			t.logger.Debug("skipping MCP stream event", "data", payload)
			return nil, false
		}
		if resp.ID != id {
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
			return nil, false
		}
		t.logger.Log(ctx, config.LevelTrace, "MCP response", "payload", payload)
		return resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := dispatch(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and comments carry nothing we need.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := dispatch(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream ended without a response to request %d", id)
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := t.newRequest(ctx, http.MethodPost, body)
	if err != nil {
		return err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP notification to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, strings.TrimSpace(errBody))
	}

	return nil
}

// Close ends the server-side session with a DELETE when one was
// assigned. Servers that do not support explicit termination answer
// 405, which is not an error.
func (t *HTTPTransport) Close() error {
	if t.SessionID() == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	httpReq, err := t.newRequest(ctx, http.MethodDelete, nil)
	if err != nil {
		return err
	}
	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("terminate MCP session at %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 4096)

	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()

	switch {
	case httpResp.StatusCode < 300,
		httpResp.StatusCode == http.StatusNotFound,
		httpResp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	default:
		return fmt.Errorf("terminate MCP session: server returned %d", httpResp.StatusCode)
	}
}
