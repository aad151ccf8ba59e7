package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"

	"github.com/nugget/scholar/internal/agent"
	"github.com/nugget/scholar/internal/llm"
	"github.com/nugget/scholar/internal/mcp"
	"github.com/nugget/scholar/internal/usage"
)

func init() {
	color.NoColor = true
}

type fakeSession struct {
	name      string
	resources map[string]string
	prompt    *mcp.PromptResult
	gotArgs   map[string]string
}

func (s *fakeSession) Name() string { return s.name }

func (s *fakeSession) CallTool(context.Context, string, map[string]any) (string, error) {
	return "", errors.New("not used")
}

func (s *fakeSession) GetPrompt(_ context.Context, _ string, args map[string]string) (*mcp.PromptResult, error) {
	s.gotArgs = args
	if s.prompt == nil {
		return nil, errors.New("no such prompt")
	}
	return s.prompt, nil
}

func (s *fakeSession) ReadResource(_ context.Context, uri string) (string, error) {
	text, ok := s.resources[uri]
	if !ok {
		return "", errors.New("resource not found")
	}
	return text, nil
}

func (s *fakeSession) Ping(context.Context) error { return nil }

type fakeRegistry struct {
	servers   []string
	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource
	templates []mcp.ResourceTemplate
	status    map[string]map[mcp.Kind]mcp.KindStatus
	sessions  map[string]mcp.Session
}

func (r *fakeRegistry) Servers() []string                         { return r.servers }
func (r *fakeRegistry) Tools() []mcp.Tool                         { return r.tools }
func (r *fakeRegistry) Prompts() []mcp.Prompt                     { return r.prompts }
func (r *fakeRegistry) Resources() []mcp.Resource                 { return r.resources }
func (r *fakeRegistry) ResourceTemplates() []mcp.ResourceTemplate { return r.templates }

func (r *fakeRegistry) Status(server string, kind mcp.Kind) mcp.KindStatus {
	return r.status[server][kind]
}

func (r *fakeRegistry) Session(name string) (mcp.Session, bool) {
	s, ok := r.sessions[name]
	return s, ok
}

func (r *fakeRegistry) PromptServer(name string) (string, bool) {
	for _, p := range r.prompts {
		if p.Name == name {
			return p.Server, true
		}
	}
	return "", false
}

func (r *fakeRegistry) ResourceServer(uri string) (string, bool) {
	for _, res := range r.resources {
		if res.URI == uri {
			return res.Server, true
		}
	}
	if strings.HasPrefix(uri, "papers://") {
		return "research", true
	}
	return "", false
}

type fakeRunner struct {
	mu      sync.Mutex
	queries []string
	result  *agent.Result
	err     error
}

func (r *fakeRunner) Run(_ context.Context, q string) (*agent.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &agent.Result{State: agent.StateDone, Answer: "answer to " + q}, nil
}

type fixedUsage usage.Summary

func (u fixedUsage) Totals() usage.Summary { return usage.Summary(u) }

// twoServers mirrors a research server with tools, prompts and a
// resource template, next to a notes server that lists a resource but
// does not support prompts and failed listing tools.
func twoServers() (*fakeRegistry, *fakeSession) {
	research := &fakeSession{
		name: "research",
		resources: map[string]string{
			"papers://folders": "# Available Topics\n\n- llm\n",
			"papers://llm":     "# Papers on Llm\n",
		},
		prompt: &mcp.PromptResult{Messages: []mcp.PromptMessage{
			{Role: "user", Content: mcp.ContentBlock{Type: "text", Text: "Search for 3 papers about llm"}},
		}},
	}
	reg := &fakeRegistry{
		servers: []string{"research", "notes"},
		tools: []mcp.Tool{
			{Name: "search_papers", Description: "Search arXiv.\nMore detail.", Server: "research"},
			{Name: "extract_info", Description: "Look up a paper.", Server: "research"},
		},
		prompts: []mcp.Prompt{{
			Name:      "get_search_prompt",
			Server:    "research",
			Arguments: []mcp.PromptArgument{{Name: "topic", Required: true}, {Name: "num_papers"}},
		}},
		resources: []mcp.Resource{{URI: "notes://today", Server: "notes"}},
		templates: []mcp.ResourceTemplate{{URITemplate: "papers://{topic}", Server: "research"}},
		status: map[string]map[mcp.Kind]mcp.KindStatus{
			"research": {
				mcp.KindTool:     {Status: mcp.StatusListed, Count: 2},
				mcp.KindPrompt:   {Status: mcp.StatusListed, Count: 1},
				mcp.KindResource: {Status: mcp.StatusListed, Count: 0},
			},
			"notes": {
				mcp.KindTool:     {Status: mcp.StatusFailed, Err: errors.New("timeout")},
				mcp.KindPrompt:   {Status: mcp.StatusUnsupported},
				mcp.KindResource: {Status: mcp.StatusListed, Count: 1},
			},
		},
		sessions: map[string]mcp.Session{"research": research},
	}
	return reg, research
}

func newTestShell(reg Registry, runner Runner, in string) (*Shell, *bytes.Buffer) {
	var out bytes.Buffer
	return New(Config{
		In:       strings.NewReader(in),
		Out:      &out,
		Registry: reg,
		Runner:   runner,
		Usage:    fixedUsage{TotalQueries: 2, TotalRecords: 5, TotalInputTokens: 1200, TotalOutputTokens: 300, TotalCostUSD: 0.0123},
	}), &out
}

func TestExecute_Listings(t *testing.T) {
	reg, _ := twoServers()

	tests := []struct {
		line string
		want []string
		not  []string
	}{
		{
			line: "tools",
			want: []string{"research (2 listed)", "- search_papers: Search arXiv.", "- extract_info", "notes (failed: timeout)"},
			not:  []string{"More detail."},
		},
		{
			line: "prompts",
			want: []string{"research (1 listed)", "- get_search_prompt", "topic (required)", "notes (not supported)"},
		},
		{
			line: "RESOURCES",
			want: []string{"research (none advertised)", "papers://{topic} (template)", "notes (1 listed)", "notes://today (notes://today)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			runner := &fakeRunner{}
			sh, out := newTestShell(reg, runner, "")
			if quit := sh.Execute(context.Background(), tt.line); quit {
				t.Fatal("listing asked to quit")
			}
			got := out.String()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("output missing %q:\n%s", w, got)
				}
			}
			for _, n := range tt.not {
				if strings.Contains(got, n) {
					t.Errorf("output contains %q:\n%s", n, got)
				}
			}
			if len(runner.queries) != 0 {
				t.Errorf("listing ran queries %v", runner.queries)
			}
		})
	}
}

func TestExecute_NotQueriedIsDistinct(t *testing.T) {
	reg := &fakeRegistry{servers: []string{"fresh"}}
	sh, out := newTestShell(reg, &fakeRunner{}, "")
	sh.Execute(context.Background(), "tools")
	if !strings.Contains(out.String(), "fresh (none queried yet)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestExecute_QuitWords(t *testing.T) {
	reg, _ := twoServers()
	sh, _ := newTestShell(reg, &fakeRunner{}, "")
	for _, w := range []string{"quit", "exit", "q", "  QUIT  "} {
		if !sh.Execute(context.Background(), w) {
			t.Errorf("Execute(%q) did not quit", w)
		}
	}
}

func TestExecute_BlankIsNoop(t *testing.T) {
	reg, _ := twoServers()
	runner := &fakeRunner{}
	sh, out := newTestShell(reg, runner, "")
	if sh.Execute(context.Background(), "   ") {
		t.Error("blank line quit")
	}
	if out.Len() != 0 || len(runner.queries) != 0 {
		t.Errorf("blank line produced output %q or queries %v", out.String(), runner.queries)
	}
}

func TestExecute_Query(t *testing.T) {
	reg, _ := twoServers()
	runner := &fakeRunner{}
	sh, out := newTestShell(reg, runner, "")

	sh.Execute(context.Background(), "tools for quantum computing")
	if len(runner.queries) != 1 || runner.queries[0] != "tools for quantum computing" {
		t.Fatalf("queries = %v", runner.queries)
	}
	if !strings.Contains(out.String(), "answer to tools for quantum computing") {
		t.Errorf("output = %q", out.String())
	}
}

func TestExecute_QueryOutcomes(t *testing.T) {
	reg, _ := twoServers()

	tests := []struct {
		name   string
		runner *fakeRunner
		want   string
	}{
		{"limit", &fakeRunner{result: &agent.Result{State: agent.StateIterationLimit, Iterations: 15}}, "Stopped after 15 round-trips"},
		{"error", &fakeRunner{err: errors.New("model call (iteration 1): boom")}, "Error: model call (iteration 1): boom"},
		{"cancelled", &fakeRunner{err: context.Canceled}, "Query cancelled."},
		{"empty answer", &fakeRunner{result: &agent.Result{State: agent.StateDone}}, "(no answer)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sh, out := newTestShell(reg, tt.runner, "")
			if sh.Execute(context.Background(), "hello") {
				t.Fatal("query asked to quit")
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestExecute_Read(t *testing.T) {
	reg, _ := twoServers()
	sh, out := newTestShell(reg, &fakeRunner{}, "")

	sh.Execute(context.Background(), "read papers://folders")
	if !strings.Contains(out.String(), "# Available Topics") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	sh.Execute(context.Background(), "read papers://missing")
	if !strings.Contains(out.String(), "Error: resource not found") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	sh.Execute(context.Background(), "read notes://today")
	if !strings.Contains(out.String(), `server "notes" is not connected`) {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	sh.Execute(context.Background(), "read ftp://nowhere")
	if !strings.Contains(out.String(), "no connected server provides resource ftp://nowhere") {
		t.Errorf("output = %q", out.String())
	}
}

func TestExecute_ReadTopicWithSpaces(t *testing.T) {
	reg, research := twoServers()
	research.resources["papers://quantum computing"] = "# Papers in Topic: quantum_computing\n"
	runner := &fakeRunner{}
	sh, out := newTestShell(reg, runner, "")

	sh.Execute(context.Background(), "read  papers://quantum computing ")
	if len(runner.queries) != 0 {
		t.Errorf("read was sent to the model: %v", runner.queries)
	}
	if !strings.Contains(out.String(), "# Papers in Topic: quantum_computing") {
		t.Errorf("output = %q", out.String())
	}
}

func TestExecute_Prompt(t *testing.T) {
	reg, research := twoServers()
	runner := &fakeRunner{}
	sh, out := newTestShell(reg, runner, "")

	sh.Execute(context.Background(), "prompt get_search_prompt topic=llm num_papers=3")

	if research.gotArgs["topic"] != "llm" || research.gotArgs["num_papers"] != "3" {
		t.Errorf("prompt args = %v", research.gotArgs)
	}
	if len(runner.queries) != 1 || runner.queries[0] != "Search for 3 papers about llm" {
		t.Errorf("queries = %v", runner.queries)
	}
	if !strings.Contains(out.String(), "answer to Search for 3 papers about llm") {
		t.Errorf("output = %q", out.String())
	}
}

func TestExecute_PromptErrors(t *testing.T) {
	reg, _ := twoServers()

	tests := []struct {
		line string
		want string
	}{
		{"prompt get_search_prompt topic", `invalid argument "topic"`},
		{"prompt nope", `prompt "nope" is not provided`},
	}
	for _, tt := range tests {
		runner := &fakeRunner{}
		sh, out := newTestShell(reg, runner, "")
		sh.Execute(context.Background(), tt.line)
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("%q: output = %q, want %q", tt.line, out.String(), tt.want)
		}
		if len(runner.queries) != 0 {
			t.Errorf("%q: ran queries %v", tt.line, runner.queries)
		}
	}
}

func TestParsePromptArgs(t *testing.T) {
	args, err := ParsePromptArgs([]string{"topic=quantum", "num_papers=3", "expr=a=b"})
	if err != nil {
		t.Fatalf("ParsePromptArgs: %v", err)
	}
	if args["topic"] != "quantum" || args["num_papers"] != "3" || args["expr"] != "a=b" {
		t.Errorf("args = %v", args)
	}
	if _, err := ParsePromptArgs([]string{"=x"}); err == nil {
		t.Error("empty key accepted")
	}
}

func TestExecute_Usage(t *testing.T) {
	reg, _ := twoServers()
	sh, out := newTestShell(reg, &fakeRunner{}, "")
	sh.Execute(context.Background(), "usage")
	for _, w := range []string{"queries:       2", "input tokens:  1200", "$0.0123"} {
		if !strings.Contains(out.String(), w) {
			t.Errorf("output missing %q:\n%s", w, out.String())
		}
	}

	var buf bytes.Buffer
	bare := New(Config{Out: &buf, Registry: reg, Runner: &fakeRunner{}})
	bare.Execute(context.Background(), "usage")
	if !strings.Contains(buf.String(), "disabled") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRun_ReadsUntilQuit(t *testing.T) {
	reg, _ := twoServers()
	runner := &fakeRunner{}
	sh, out := newTestShell(reg, runner, "first question\n\nsecond question\nquit\nnever asked\n")

	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(runner.queries, "|"); got != "first question|second question" {
		t.Errorf("queries = %q", got)
	}
	if !strings.Contains(out.String(), "Connected to 2 server(s): research, notes") {
		t.Errorf("missing summary:\n%s", out.String())
	}
}

func TestRun_EOF(t *testing.T) {
	reg, _ := twoServers()
	runner := &fakeRunner{}
	sh, _ := newTestShell(reg, runner, "only question")

	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.queries) != 1 {
		t.Errorf("queries = %v", runner.queries)
	}
}

func TestRun_Cancelled(t *testing.T) {
	reg, _ := twoServers()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A reader that never returns data; only cancellation ends the loop.
	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	sh := New(Config{In: pr, Out: &out, Registry: reg, Runner: &fakeRunner{}})
	if err := sh.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestObserverLines(t *testing.T) {
	reg, _ := twoServers()
	sh, out := newTestShell(reg, &fakeRunner{}, "")

	sh.ToolBatch(1, []llm.ToolCall{
		llm.NewToolCall("a", "search_papers", nil),
		llm.NewToolCall("b", "extract_info", nil),
	})
	sh.ToolDone(agent.ToolOutcome{
		Call:   llm.NewToolCall("a", "search_papers", nil),
		Server: "research",
		Args:   map[string]any{"topic": "llm", "max_results": 3},
		Result: "12345",
	})
	sh.ToolDone(agent.ToolOutcome{
		Call: llm.NewToolCall("b", "nope", nil),
		Err:  errors.New(`tool "nope" is not provided by any connected server`),
	})

	got := out.String()
	for _, w := range []string{
		"[round 1] calling search_papers, extract_info",
		"search_papers on research (max_results, topic): 5 bytes",
		`nope failed: tool "nope" is not provided`,
	} {
		if !strings.Contains(got, w) {
			t.Errorf("output missing %q:\n%s", w, got)
		}
	}
}
