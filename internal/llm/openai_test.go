package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIClient_Chat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "gpt-4o-mini-2024",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{"id": "call_1", "type": "function",
						"function": {"name": "search_papers", "arguments": "{\"topic\":\"physics\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 15}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", Options{MaxTokens: 256, Temperature: 0.2}, nil)
	messages := []Message{
		{Role: RoleUser, Content: "find physics papers"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_0", Function: FunctionCall{Name: "extract_info"}}}},
		{Role: RoleTool, ToolCallID: "call_0", Content: "none"},
	}
	tools := []map[string]any{ToolDefinition("search_papers", "Search arXiv", nil)}

	resp, err := c.Chat(context.Background(), "gpt-4o-mini", messages, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Provider != "openai" || resp.Model != "gpt-4o-mini-2024" {
		t.Errorf("provider/model = %s/%s", resp.Provider, resp.Model)
	}
	if resp.Message.Content != "" {
		t.Errorf("content = %q, want empty for null", resp.Message.Content)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.StopReason != "tool_calls" {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	args, err := resp.Message.ToolCalls[0].DecodeArguments()
	if err != nil || args["topic"] != "physics" {
		t.Errorf("arguments = %v, %v", args, err)
	}

	if got["max_tokens"] != float64(256) || got["temperature"] != 0.2 {
		t.Errorf("sampling options = %v/%v", got["max_tokens"], got["temperature"])
	}
	msgs := got["messages"].([]any)
	assistant := msgs[1].(map[string]any)
	if assistant["content"] != nil {
		t.Errorf("tool-only assistant content = %v, want null", assistant["content"])
	}
	call := assistant["tool_calls"].([]any)[0].(map[string]any)
	fn := call["function"].(map[string]any)
	if fn["arguments"] != "{}" || call["type"] != "function" {
		t.Errorf("outgoing tool call = %v", call)
	}
	if tool := msgs[2].(map[string]any); tool["tool_call_id"] != "call_0" {
		t.Errorf("tool message = %v", tool)
	}
}

func TestOpenAIClient_ChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", Options{}, nil)
	_, err := c.Chat(context.Background(), "gpt-4o", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("Chat() error = %v", err)
	}
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"gpt-4o","choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", Options{}, nil)
	if _, err := c.Chat(context.Background(), "gpt-4o", nil, nil); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestOpenAIClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if err := NewOpenAIClient(srv.URL, "good", Options{}, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
	err := NewOpenAIClient(srv.URL, "bad", Options{}, nil).Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid API key") {
		t.Errorf("Ping() with bad key = %v", err)
	}
}
