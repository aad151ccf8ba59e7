// Scholar is an MCP research assistant.
//
// It connects to the MCP servers listed in a servers file, aggregates
// their tools, prompts and resources, and answers questions by letting
// a language model call those tools. Configuration is loaded from an
// optional YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	scholar [chat]            Start the interactive shell (default)
//	scholar ask <question>    Answer a single question and exit
//	scholar init [dir]        Write example config files
//	scholar usage [days]      Report recorded token usage
//	scholar version           Print version and build information
//	scholar -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/nugget/scholar/internal/agent"
	"github.com/nugget/scholar/internal/buildinfo"
	"github.com/nugget/scholar/internal/config"
	"github.com/nugget/scholar/internal/llm"
	"github.com/nugget/scholar/internal/mcp"
	"github.com/nugget/scholar/internal/paths"
	"github.com/nugget/scholar/internal/shell"
	"github.com/nugget/scholar/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed top-level flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	model      string // per-query model override for ask
	envFile    string
}

// run is the real entry point for the scholar command. stdin feeds the
// interactive shell, stdout carries answers, and stderr receives logs
// so they never interleave with the conversation.
//
// Arguments are parsed by hand; the flag package's globals would make
// run unsafe to call concurrently from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	opts := options{envFile: ".env"}
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			opts.model = strings.TrimPrefix(args[i], "-model=")
		case args[i] == "-env" && i+1 < len(args):
			opts.envFile = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-env="):
			opts.envFile = strings.TrimPrefix(args[i], "-env=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "", "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: scholar ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "usage":
		return runUsage(ctx, stdout, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Scholar - MCP research assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: scholar [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Interactive shell (default)")
	fmt.Fprintln(w, "  ask          Answer a single question and exit")
	fmt.Fprintln(w, "  init [dir]   Write example config.yaml and servers_config.json (default: .)")
	fmt.Fprintln(w, "  usage [days] Token usage recorded in data_dir (default: 7 days)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -model <name>     Model for this run (default: llm.model)")
	fmt.Fprintln(w, "  -env <path>       Environment file to load (default: .env)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/scholar/config.yaml, /etc/scholar/config.yaml")
	fmt.Fprintln(w, "  Without a config file, defaults apply and servers_config.json is read")
	fmt.Fprintln(w, "  from the working directory.")
	return nil
}

// runChat starts the interactive shell. SIGINT and SIGTERM end the
// shell; every session is torn down before returning either way.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := startClient(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer c.close()

	sh := shell.New(shell.Config{
		In:       stdin,
		Out:      stdout,
		Registry: c.manager,
		Runner:   c,
		Usage:    c.tracker,
		Logger:   c.logger,
	})
	c.loop.SetObserver(sh)

	return sh.Run(ctx)
}

// runAsk answers one question and exits.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := startClient(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer c.close()

	res, err := c.Run(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"query_id":      res.QueryID,
			"answer":        res.Answer,
			"state":         res.State.String(),
			"iterations":    res.Iterations,
			"tool_calls":    res.ToolCalls,
			"input_tokens":  res.InputTokens,
			"output_tokens": res.OutputTokens,
		})
	}

	if res.State == agent.StateIterationLimit {
		fmt.Fprintf(stdout, "Stopped after %d round-trips without a final answer.\n", res.Iterations)
		return nil
	}
	fmt.Fprintln(stdout, res.Answer)
	return nil
}

// client is everything a chat or ask session holds open.
type client struct {
	logger  *slog.Logger
	model   string
	manager *mcp.Manager
	loop    *agent.Loop
	tracker *usage.Tracker
	store   *usage.Store // nil without data_dir
}

// Run processes one query with the session's model.
func (c *client) Run(ctx context.Context, query string) (*agent.Result, error) {
	return c.loop.RunModel(ctx, c.model, query)
}

// close tears down every MCP session, then the usage store. A failure
// in one does not skip the other.
func (c *client) close() {
	if err := c.manager.Close(); err != nil {
		c.logger.Warn("MCP teardown reported errors", "error", err)
	}
	if c.store != nil {
		if sum, err := c.store.SessionSummary(context.Background(), c.tracker.SessionID()); err == nil && sum.TotalRecords > 0 {
			c.logger.Info("session usage",
				"queries", sum.TotalQueries,
				"input_tokens", sum.TotalInputTokens,
				"output_tokens", sum.TotalOutputTokens,
				"cost_usd", sum.TotalCostUSD,
			)
		}
		if err := c.store.Close(); err != nil {
			c.logger.Warn("failed to close usage store", "error", err)
		}
	}
	c.logger.Info("shutdown complete")
}

// startClient loads configuration, connects every configured server and
// builds the tool loop. On error, anything already opened is closed.
func startClient(ctx context.Context, stderr io.Writer, opts options) (*client, error) {
	if err := loadEnvFile(opts.envFile); err != nil {
		return nil, err
	}

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, level, cfg.LogFormat)
	logger.Info("starting Scholar", "version", buildinfo.Version, "commit", buildinfo.GitCommit)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using defaults")
	}

	resolver := paths.New(cfgPath)
	serversPath := resolver.Resolve(cfg.ServersFile)
	servers, err := config.LoadServers(serversPath)
	if err != nil {
		return nil, err
	}

	llmClient, err := llm.New(cfg.LLM, os.Getenv, logger)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	model := cfg.LLM.Model
	if opts.model != "" {
		model = opts.model
	}

	c := &client{
		logger: logger,
		model:  model,
		manager: mcp.NewManager(mcp.ManagerConfig{
			ConnectTimeout:  cfg.MCP.ConnectTimeout,
			CollisionPolicy: cfg.MCP.CollisionPolicy,
			Logger:          logger,
		}),
	}

	if err := c.manager.ConnectAll(ctx, servers); err != nil {
		c.close()
		return nil, fmt.Errorf("connect MCP servers from %s: %w", serversPath, err)
	}
	logger.Info("MCP servers connected",
		"servers", strings.Join(c.manager.Servers(), ","),
		"tools", len(c.manager.Tools()),
		"prompts", len(c.manager.Prompts()),
		"resources", len(c.manager.Resources()),
	)

	sessionID := newSessionID()
	if cfg.DataDir != "" {
		dataDir := resolver.Resolve(cfg.DataDir)
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			c.close()
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err := usage.Open(filepath.Join(dataDir, "usage.db"))
		if err != nil {
			c.close()
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		c.store = store
	}
	c.tracker = usage.NewTracker(c.store, sessionID, cfg.Pricing, logger)

	c.loop = agent.NewLoop(llmClient, c.manager, agent.Config{
		Model:             model,
		MaxIterations:     cfg.Agent.MaxIterations,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		ModelTimeout:      cfg.Agent.ModelTimeout,
		ToolTimeout:       cfg.Agent.ToolTimeout,
		ParallelToolCalls: cfg.Agent.ParallelToolCalls,
	}, logger.With("component", "agent"))
	c.loop.SetUsageRecorder(c.tracker)

	provider := llm.ProviderForModel(model)
	if provider == "" {
		provider = cfg.LLM.Provider
	}
	logger.Info("LLM client initialized", "provider", provider, "model", model, "session_id", sessionID)
	return c, nil
}

// loadEnvFile loads KEY=value pairs from path into the environment.
// Variables already set win. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An explicit
// path must exist. Without one, the default search paths are tried and
// built-in defaults apply when none exists; the returned path is then
// empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfg := config.Default()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
