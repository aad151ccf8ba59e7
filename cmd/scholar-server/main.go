// Scholar-server is the research MCP server: arXiv search with a local
// paper cache, exposed as tools, resources and a prompt.
//
// It speaks MCP over stdio by default, so an MCP client can launch it as
// a subprocess. With MCP_TRANSPORT=http (or on a hosting platform that
// sets RENDER) it serves streamable HTTP at /mcp instead.
//
// Environment:
//
//	LOG_LEVEL                 trace, debug, info, warn, error
//	MCP_TRANSPORT             stdio (default) or http
//	HOST, PORT                listen address in http mode (0.0.0.0:8001)
//	PAPER_DIR                 paper cache directory (papers)
//	RENDER_EXTERNAL_HOSTNAME  public hostname added to the Host allow list
//	ALLOWED_HOSTS             extra comma separated Host header values
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/scholar/internal/arxiv"
	"github.com/nugget/scholar/internal/buildinfo"
	"github.com/nugget/scholar/internal/config"
	"github.com/nugget/scholar/internal/paths"
	"github.com/nugget/scholar/internal/papers"
	"github.com/nugget/scholar/internal/research"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run starts the server and blocks until ctx is cancelled or the client
// closes the stdio session. In stdio mode stdout belongs to the protocol,
// so logs always go to stderr there.
func run(ctx context.Context, stdout, stderr io.Writer, args []string, getenv func(string) string) error {
	for _, a := range args {
		switch a {
		case "version", "-version", "--version":
			fmt.Fprintln(stdout, buildinfo.String())
			return nil
		case "-h", "-help", "--help":
			fmt.Fprintln(stdout, "Usage: scholar-server [version]")
			fmt.Fprintln(stdout, "Configuration is read from the environment; see the package documentation.")
			return nil
		default:
			return fmt.Errorf("unknown argument: %s", a)
		}
	}

	env, err := config.LoadServerEnv(getenv)
	if err != nil {
		return err
	}

	logger := newLogger(env, stdout, stderr)
	logger.Info("starting research server",
		"version", buildinfo.Version,
		"transport", env.Transport,
		"paper_dir", env.PaperDir,
	)

	store := papers.NewStore(paths.ExpandHome(env.PaperDir), logger.With("component", "papers"))
	search := arxiv.NewClient(arxiv.Config{}, logger.With("component", "arxiv"))
	svc := research.NewService(store, search, logger)
	server := research.NewMCPServer(svc)

	if env.Transport == config.TransportHTTP {
		handler := research.NewHandler(server, svc, research.HTTPConfig{
			AllowedHosts: env.HostAllowList(),
			Logger:       logger,
		})
		return research.ListenAndServe(ctx, env.Addr(), handler, logger)
	}

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdio session: %w", err)
	}
	logger.Info("research server stopped")
	return nil
}

// newLogger logs to stderr in stdio mode and to stdout in http mode.
// Without LOG_LEVEL, stdio mode only reports warnings so a parent
// client's terminal stays readable.
func newLogger(env *config.ServerEnv, stdout, stderr io.Writer) *slog.Logger {
	level, _ := config.ParseLogLevel(env.LogLevel) // validated by LoadServerEnv
	w := stdout
	if env.Transport == config.TransportStdio {
		w = stderr
		if env.LogLevel == "" {
			level = slog.LevelWarn
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
