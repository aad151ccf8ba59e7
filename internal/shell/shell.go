// Package shell is the interactive front end of the client: it reads
// one line at a time and either answers an introspection command
// locally or runs the line as a query through the tool loop.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/nugget/scholar/internal/agent"
	"github.com/nugget/scholar/internal/llm"
	"github.com/nugget/scholar/internal/mcp"
	"github.com/nugget/scholar/internal/usage"
)

// Registry is the view of the session manager the shell needs.
// *mcp.Manager satisfies it.
type Registry interface {
	Servers() []string
	Tools() []mcp.Tool
	Prompts() []mcp.Prompt
	Resources() []mcp.Resource
	ResourceTemplates() []mcp.ResourceTemplate
	Status(server string, kind mcp.Kind) mcp.KindStatus
	Session(name string) (mcp.Session, bool)
	PromptServer(name string) (string, bool)
	ResourceServer(uri string) (string, bool)
}

// Runner processes one query. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, query string) (*agent.Result, error)
}

// UsageReporter reports the token usage of this process.
// *usage.Tracker satisfies it.
type UsageReporter interface {
	Totals() usage.Summary
}

// Config wires a Shell.
type Config struct {
	In       io.Reader
	Out      io.Writer
	Registry Registry
	Runner   Runner
	Usage    UsageReporter // optional
	Logger   *slog.Logger
}

// maxLine bounds one line of input.
const maxLine = 1024 * 1024

// Shell is the read-eval-print loop. It also implements agent.Observer
// so tool progress is printed while a query runs.
type Shell struct {
	in     io.Reader
	reg    Registry
	runner Runner
	usage  UsageReporter
	logger *slog.Logger

	mu  sync.Mutex // serializes writes to out
	out io.Writer

	cyan   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color
	dim    *color.Color
}

// New creates a shell.
func New(cfg Config) *Shell {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{
		in:     cfg.In,
		out:    cfg.Out,
		reg:    cfg.Registry,
		runner: cfg.Runner,
		usage:  cfg.Usage,
		logger: logger,
		cyan:   color.New(color.FgCyan),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
		dim:    color.New(color.Faint),
	}
}

// Run prints the startup summary and reads lines until EOF, a quit
// command, or cancellation of ctx. Teardown of the sessions is left to
// the caller.
func (s *Shell) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.Summary()
	s.printf(s.cyan, "\nType your queries or %q to exit.\n", "quit")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLine)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		s.printf(s.green, "\nQuery: ")

		select {
		case <-ctx.Done():
			s.println("")
			return nil
		case err := <-readErr:
			s.println("")
			return err
		case line := <-lines:
			if quit := s.Execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// Execute handles one line of input and reports whether the shell
// should stop.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "quit", "exit", "q":
		if rest == "" {
			return true
		}
	case "help":
		if rest == "" {
			s.help()
			return false
		}
	case "tools":
		if rest == "" {
			s.listTools()
			return false
		}
	case "prompts":
		if rest == "" {
			s.listPrompts()
			return false
		}
	case "resources":
		if rest == "" {
			s.listResources()
			return false
		}
	case "usage":
		if rest == "" {
			s.printUsage()
			return false
		}
	case "read":
		if rest != "" {
			s.readResource(ctx, rest)
			return false
		}
	case "prompt":
		if rest != "" {
			s.runPrompt(ctx, rest)
			return false
		}
	}

	s.query(ctx, line)
	return false
}

// Summary prints the connected servers and the size of each registry.
func (s *Shell) Summary() {
	servers := s.reg.Servers()
	s.printf(s.cyan, "Connected to %d server(s): %s\n", len(servers), strings.Join(servers, ", "))
	s.printf(nil, "Tools: %d, prompts: %d, resources: %d, resource templates: %d\n",
		len(s.reg.Tools()), len(s.reg.Prompts()), len(s.reg.Resources()), len(s.reg.ResourceTemplates()))
}

func (s *Shell) help() {
	s.printf(s.cyan, "Commands:\n")
	s.printf(nil, `  tools                       list tools by server
  prompts                     list prompts by server
  resources                   list resources and templates by server
  read <uri>                  read a resource (papers://folders, papers://<topic>)
  prompt <name> [key=value]   render a prompt and run it as a query
  usage                       token usage of this session
  help                        this text
  quit | exit | q             leave
Anything else is sent to the model as a new query.
`)
}

// section prints the per-server header of a listing and reports whether
// items of that server should follow.
func (s *Shell) section(server string, kind mcp.Kind) bool {
	st := s.reg.Status(server, kind)
	s.printf(s.yellow, "  %s", server)
	s.printf(nil, " (%s)\n", st.Describe())
	return st.Status == mcp.StatusListed && st.Count > 0
}

func (s *Shell) listTools() {
	s.printf(s.cyan, "Tools:\n")
	byServer := map[string][]mcp.Tool{}
	for _, t := range s.reg.Tools() {
		byServer[t.Server] = append(byServer[t.Server], t)
	}
	for _, server := range s.servers() {
		if !s.section(server, mcp.KindTool) {
			continue
		}
		for _, t := range byServer[server] {
			s.printf(nil, "    - %s%s\n", t.Name, describe(t.Description))
		}
	}
}

func (s *Shell) listPrompts() {
	s.printf(s.cyan, "Prompts:\n")
	byServer := map[string][]mcp.Prompt{}
	for _, p := range s.reg.Prompts() {
		byServer[p.Server] = append(byServer[p.Server], p)
	}
	for _, server := range s.servers() {
		if !s.section(server, mcp.KindPrompt) {
			continue
		}
		for _, p := range byServer[server] {
			s.printf(nil, "    - %s%s\n", p.Name, describe(p.Description))
			for _, a := range p.Arguments {
				req := ""
				if a.Required {
					req = " (required)"
				}
				s.printf(s.dim, "        %s%s%s\n", a.Name, req, describe(a.Description))
			}
		}
	}
}

func (s *Shell) listResources() {
	s.printf(s.cyan, "Resources:\n")
	resources := map[string][]mcp.Resource{}
	for _, r := range s.reg.Resources() {
		resources[r.Server] = append(resources[r.Server], r)
	}
	templates := map[string][]mcp.ResourceTemplate{}
	for _, t := range s.reg.ResourceTemplates() {
		templates[t.Server] = append(templates[t.Server], t)
	}
	for _, server := range s.servers() {
		s.section(server, mcp.KindResource)
		for _, r := range resources[server] {
			s.printf(nil, "    - %s (%s)%s\n", r.DisplayName(), r.URI, describe(r.Description))
		}
		for _, t := range templates[server] {
			s.printf(nil, "    - %s (template)%s\n", t.URITemplate, describe(t.Description))
		}
	}
}

func (s *Shell) servers() []string {
	servers := s.reg.Servers()
	if len(servers) == 0 {
		s.printf(nil, "  no servers connected\n")
	}
	return servers
}

func describe(desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return ""
	}
	if first, _, found := strings.Cut(desc, "\n"); found {
		desc = strings.TrimSpace(first)
	}
	return ": " + desc
}

func (s *Shell) printUsage() {
	if s.usage == nil {
		s.printf(nil, "Usage tracking is disabled.\n")
		return
	}
	t := s.usage.Totals()
	s.printf(s.cyan, "Usage this session:\n")
	s.printf(nil, "  queries:       %d\n", t.TotalQueries)
	s.printf(nil, "  model calls:   %d\n", t.TotalRecords)
	s.printf(nil, "  input tokens:  %d\n", t.TotalInputTokens)
	s.printf(nil, "  output tokens: %d\n", t.TotalOutputTokens)
	s.printf(nil, "  cost:          $%.4f\n", t.TotalCostUSD)
}

func (s *Shell) readResource(ctx context.Context, uri string) {
	server, ok := s.reg.ResourceServer(uri)
	if !ok {
		s.printf(s.red, "Error: no connected server provides resource %s\n", uri)
		return
	}
	session, ok := s.reg.Session(server)
	if !ok {
		s.printf(s.red, "Error: server %q is not connected\n", server)
		return
	}
	text, err := session.ReadResource(ctx, uri)
	if err != nil {
		s.printf(s.red, "Error: %v\n", err)
		return
	}
	s.printf(s.dim, "[%s from %s]\n", uri, server)
	s.printf(nil, "%s\n", text)
}

// ParsePromptArgs parses key=value pairs.
func ParsePromptArgs(fields []string) (map[string]string, error) {
	args := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q (want key=value)", f)
		}
		args[k] = v
	}
	return args, nil
}

func (s *Shell) runPrompt(ctx context.Context, rest string) {
	fields := strings.Fields(rest)
	name := fields[0]
	args, err := ParsePromptArgs(fields[1:])
	if err != nil {
		s.printf(s.red, "Error: %v\n", err)
		return
	}

	server, ok := s.reg.PromptServer(name)
	if !ok {
		s.printf(s.red, "Error: prompt %q is not provided by any connected server\n", name)
		return
	}
	session, ok := s.reg.Session(server)
	if !ok {
		s.printf(s.red, "Error: server %q is not connected\n", server)
		return
	}

	prompt, err := session.GetPrompt(ctx, name, args)
	if err != nil {
		s.printf(s.red, "Error: %v\n", err)
		return
	}
	text := prompt.Text()
	if strings.TrimSpace(text) == "" {
		s.printf(s.red, "Error: prompt %q rendered no text\n", name)
		return
	}

	s.printf(s.dim, "[prompt %s from %s]\n%s\n\n", name, server, text)
	s.query(ctx, text)
}

func (s *Shell) query(ctx context.Context, q string) {
	res, err := s.runner.Run(ctx, q)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.printf(s.yellow, "Query cancelled.\n")
			return
		}
		s.logger.Debug("query failed", "error", err)
		s.printf(s.red, "Error: %v\n", err)
		return
	}

	switch res.State {
	case agent.StateIterationLimit:
		s.printf(s.yellow, "Stopped after %d round-trips without a final answer.\n", res.Iterations)
	default:
		answer := strings.TrimSpace(res.Answer)
		if answer == "" {
			answer = "(no answer)"
		}
		s.printf(nil, "\n%s\n", answer)
	}
}

// ToolBatch prints the tools requested by one model turn.
func (s *Shell) ToolBatch(iteration int, calls []llm.ToolCall) {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Function.Name)
	}
	s.printf(s.dim, "[round %d] calling %s\n", iteration, strings.Join(names, ", "))
}

// ToolDone prints the outcome of one tool call.
func (s *Shell) ToolDone(o agent.ToolOutcome) {
	name := o.Call.Function.Name
	where := name
	if o.Server != "" {
		where = fmt.Sprintf("%s on %s", name, o.Server)
	}
	if keys := argKeys(o.Args); keys != "" {
		where += " (" + keys + ")"
	}
	if o.Err != nil {
		s.printf(s.red, "  %s failed: %v\n", where, o.Err)
		return
	}
	s.printf(s.dim, "  %s: %d bytes\n", where, len(o.Result))
}

func argKeys(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func (s *Shell) printf(c *color.Color, format string, a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		fmt.Fprintf(s.out, format, a...)
		return
	}
	c.Fprintf(s.out, format, a...)
}

func (s *Shell) println(text string) {
	s.printf(nil, "%s\n", text)
}
