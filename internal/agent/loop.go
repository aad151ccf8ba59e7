// Package agent implements the tool-call loop that drives one query
// through a bounded number of model and tool exchanges.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/scholar/internal/llm"
	"github.com/nugget/scholar/internal/mcp"
)

// DefaultMaxIterations bounds the model round-trips of one query when
// Config leaves it unset.
const DefaultMaxIterations = 15

// State is the position of a query in the loop.
type State int

const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateDone
	StateIterationLimit
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateIterationLimit:
		return "iteration_limit"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Registry resolves tool names to the sessions that serve them.
// *mcp.Manager satisfies it.
type Registry interface {
	Tools() []mcp.Tool
	ToolServer(name string) (string, bool)
	Session(name string) (mcp.Session, bool)
}

// UsageRecorder receives the token counts of every model round-trip.
// *usage.Tracker satisfies it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, queryID string, iteration int, resp *llm.ChatResponse)
}

// ToolOutcome describes one executed tool call.
type ToolOutcome struct {
	Call     llm.ToolCall
	Server   string // empty when the tool is not mapped
	Args     map[string]any
	Result   string
	Err      error
	Duration time.Duration
}

// Observer is notified as a query progresses. Calls happen on the
// goroutine running the query, except ToolDone which may be called
// concurrently when parallel tool calls are enabled.
type Observer interface {
	ToolBatch(iteration int, calls []llm.ToolCall)
	ToolDone(outcome ToolOutcome)
}

// Config tunes the loop.
type Config struct {
	Model             string
	MaxIterations     int
	SystemPrompt      string
	ModelTimeout      time.Duration // zero means no per-call deadline
	ToolTimeout       time.Duration
	ParallelToolCalls bool
}

// Result is the outcome of one query.
type Result struct {
	QueryID    string
	Answer     string
	State      State
	Iterations int
	ToolCalls  int

	// Messages is the full conversation of the query, in order.
	Messages []llm.Message

	InputTokens  int
	OutputTokens int
}

// Loop runs queries against a model and the tools of a Registry. A
// Loop keeps no state between queries and may be reused.
type Loop struct {
	llm      llm.Client
	registry Registry
	cfg      Config
	logger   *slog.Logger
	observer Observer
	usage    UsageRecorder
}

// NewLoop creates a loop.
func NewLoop(client llm.Client, registry Registry, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Loop{
		llm:      client,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetObserver installs a progress observer. Not safe to call while a
// query is running.
func (l *Loop) SetObserver(o Observer) { l.observer = o }

// SetUsageRecorder installs the usage recorder. Not safe to call while
// a query is running.
func (l *Loop) SetUsageRecorder(u UsageRecorder) { l.usage = u }

// Run processes one query with the configured model.
func (l *Loop) Run(ctx context.Context, query string) (*Result, error) {
	return l.RunModel(ctx, l.cfg.Model, query)
}

// RunModel processes one query with the given model. The conversation
// starts from scratch: an optional system prompt and the query.
//
// Run returns an error only when a model call fails or ctx is done.
// Tool failures become tool turns the model can react to, and running
// out of iterations ends in StateIterationLimit with a nil error.
func (l *Loop) RunModel(ctx context.Context, model, query string) (*Result, error) {
	queryID := newID()
	log := l.logger.With("query_id", queryID)

	res := &Result{QueryID: queryID, State: StateAwaitingModel}
	if l.cfg.SystemPrompt != "" {
		res.Messages = append(res.Messages, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	}
	res.Messages = append(res.Messages, llm.Message{Role: llm.RoleUser, Content: query})

	tools := l.toolDefinitions()
	log.Info("query started", "model", model, "tools", len(tools), "max_iterations", l.cfg.MaxIterations)

	for res.Iterations < l.cfg.MaxIterations {
		res.State = StateAwaitingModel
		res.Iterations++
		iteration := res.Iterations

		resp, err := l.chat(ctx, model, res.Messages, tools)
		if err != nil {
			log.Error("model call failed", "iteration", iteration, "error", err)
			return nil, fmt.Errorf("model call (iteration %d): %w", iteration, err)
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		if l.usage != nil {
			l.usage.RecordUsage(ctx, queryID, iteration, resp)
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			res.Messages = append(res.Messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Message.Content})
			res.Answer = resp.Message.Content
			res.State = StateDone
			log.Info("query done",
				"iterations", iteration,
				"tool_calls", res.ToolCalls,
				"input_tokens", res.InputTokens,
				"output_tokens", res.OutputTokens,
			)
			return res, nil
		}

		calls = assignIDs(calls)
		res.Messages = append(res.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})

		res.State = StateExecutingTools
		log.Debug("executing tools", "iteration", iteration, "count", len(calls))
		if l.observer != nil {
			l.observer.ToolBatch(iteration, calls)
		}

		results := l.executeBatch(ctx, calls)
		for i, tc := range calls {
			res.Messages = append(res.Messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    results[i],
				ToolCallID: tc.ID,
			})
		}
		res.ToolCalls += len(calls)

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	res.State = StateIterationLimit
	log.Warn("iteration limit reached",
		"iterations", res.Iterations,
		"tool_calls", res.ToolCalls,
	)
	return res, nil
}

func (l *Loop) chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	if l.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		defer cancel()
	}
	return l.llm.Chat(ctx, model, messages, tools)
}

// toolDefinitions renders the registry's tools for the model, sorted by
// name so the request is stable across runs.
func (l *Loop) toolDefinitions() []map[string]any {
	tools := l.registry.Tools()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	defs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition(t.Name, t.Description, t.InputSchema))
	}
	return defs
}

// executeBatch runs every call of one model turn and returns the result
// strings in request order.
func (l *Loop) executeBatch(ctx context.Context, calls []llm.ToolCall) []string {
	results := make([]string, len(calls))

	if !l.cfg.ParallelToolCalls || len(calls) == 1 {
		for i, tc := range calls {
			results[i] = l.execute(ctx, tc)
		}
		return results
	}

	// execute never fails; the group only waits.
	var g errgroup.Group
	for i, tc := range calls {
		g.Go(func() error {
			results[i] = l.execute(ctx, tc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// execute runs one tool call. Every failure is returned as a result
// string starting with "Error: ".
func (l *Loop) execute(ctx context.Context, tc llm.ToolCall) string {
	start := time.Now()
	name := tc.Function.Name
	outcome := ToolOutcome{Call: tc}

	result, err := l.dispatch(ctx, tc, &outcome)
	outcome.Duration = time.Since(start)
	if err != nil {
		result = "Error: " + err.Error()
		l.logger.Warn("tool call failed",
			"tool", name,
			"server", outcome.Server,
			"call_id", tc.ID,
			"error", err,
		)
	} else {
		l.logger.Debug("tool call done",
			"tool", name,
			"server", outcome.Server,
			"call_id", tc.ID,
			"result_len", len(result),
			"elapsed", outcome.Duration.Round(time.Millisecond),
		)
	}
	outcome.Result = result
	outcome.Err = err

	if l.observer != nil {
		l.observer.ToolDone(outcome)
	}
	return result
}

func (l *Loop) dispatch(ctx context.Context, tc llm.ToolCall, outcome *ToolOutcome) (string, error) {
	name := tc.Function.Name

	server, ok := l.registry.ToolServer(name)
	if !ok {
		return "", fmt.Errorf("tool %q is not provided by any connected server", name)
	}
	outcome.Server = server

	session, ok := l.registry.Session(server)
	if !ok {
		return "", fmt.Errorf("server %q for tool %q is not connected", server, name)
	}

	args, err := tc.DecodeArguments()
	if err != nil {
		return "", err
	}
	outcome.Args = args

	if l.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
		defer cancel()
	}
	return session.CallTool(ctx, name, args)
}

// assignIDs returns calls with a generated id on every call the
// provider left without one.
func assignIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			tc.ID = "call_" + newID()
		}
		if tc.Type == "" {
			tc.Type = "function"
		}
		out[i] = tc
	}
	return out
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
