package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nugget/scholar/internal/config"
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env holds extra environment variables for the subprocess. They
	// are appended to the current process environment, so they win
	// over inherited values.
	Env map[string]string

	// Dir is the working directory of the subprocess. Empty means the
	// current directory.
	Dir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
//
// One exchange runs at a time. Waiting for the exchange slot honours
// the caller's context.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	sem    chan struct{}
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	exited chan struct{}

	// generation counts subprocess exits. A new process knows nothing
	// of the handshake its predecessor completed.
	generation atomic.Uint64
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// Generation reports how many server processes have exited. It changes
// whenever the next Send would reach a process that has not been
// initialized.
func (t *StdioTransport) Generation() uint64 {
	return t.generation.Load()
}

// acquire takes the exchange slot or returns the context error.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// select picks randomly when both are ready.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// environ returns the subprocess environment with the configured
// variables appended in a stable order.
func (t *StdioTransport) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(t.config.Env))
	for k := range t.config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+t.config.Env[k])
	}
	return env
}

// start launches the subprocess if it is not already running. The
// subprocess outlives individual request timeouts and is only
// terminated by cleanup or stop. Caller must hold the slot.
func (t *StdioTransport) start() error {
	if t.cmd != nil {
		select {
		case <-t.exited:
			t.logger.Warn("MCP subprocess exited, restarting")
			t.cleanup()
		default:
			return nil
		}
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = t.environ()
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// stderr carries the server's logs, not protocol traffic.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses
	t.exited = make(chan struct{})

	go t.drainStderr(stderrPipe)
	go func(cmd *exec.Cmd, exited chan struct{}) {
		_ = cmd.Wait()
		t.generation.Add(1)
		close(exited)
	}(cmd, t.exited)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// Send writes a JSON-RPC request to stdin and reads stdout until the
// response with the matching id arrives. Reads run in a goroutine so
// context cancellation can interrupt a blocking read; cancellation
// kills the subprocess because the stream can no longer be trusted.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.logger.Log(ctx, config.LevelTrace, "MCP request", "payload", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	for {
		ch := make(chan readResult, 1)
		reader := t.reader
		go func() {
			line, readErr := reader.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			t.cleanup()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.cleanup()
				return nil, fmt.Errorf("read from subprocess stdout: %w", res.err)
			}

			resp, ok, err := decodeResponse(res.line)
			if err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess",
					"line", string(res.line),
				)
				continue
			}
			if !ok {
				t.logger.Debug("skipping server-initiated MCP message", "line", string(res.line))
				continue
			}
			if resp.ID == req.ID {
				t.logger.Log(ctx, config.LevelTrace, "MCP response", "payload", string(res.line))
				return resp, nil
			}

			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
		}
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}

	return nil
}

// Close terminates the subprocess and releases resources. It waits for
// any exchange in progress to finish.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()

	return t.stop()
}

// stop closes stdin, waits briefly for the subprocess to exit, then
// kills it. Caller must hold the slot.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	if t.stdin != nil {
		t.stdin.Close()
	}

	select {
	case <-t.exited:
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-t.exited
	}

	t.cmd = nil
	t.stdin = nil
	t.reader = nil
	return nil
}

// cleanup resets the process state after a failure. Caller must hold the slot.
func (t *StdioTransport) cleanup() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		<-t.exited
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
}
