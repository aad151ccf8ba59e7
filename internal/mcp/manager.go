package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/scholar/internal/config"
)

// ErrNoServers is returned by ConnectAll when no configured server
// could be connected.
var ErrNoServers = errors.New("no MCP servers connected")

// ErrAlreadyConnected is returned by Connect for a name that already
// has a live session.
var ErrAlreadyConnected = errors.New("MCP server already connected")

// CollisionError reports a tool or prompt name advertised by two servers
// under the "error" collision policy.
type CollisionError struct {
	Kind     Kind
	Name     string
	Existing string // server that already owns Name
	Server   string // server that advertised it again
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s name %q advertised by both %q and %q",
		strings.TrimSuffix(e.Kind.String(), "s"), e.Name, e.Existing, e.Server)
}

// Session is a live connection to one server as seen by the tool loop
// and the shell.
type Session interface {
	Name() string
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error)
	ReadResource(ctx context.Context, uri string) (string, error)
	Ping(ctx context.Context) error
}

// Capabilities is what one server offers, with the listing status of
// each kind.
type Capabilities struct {
	Server    string
	Tools     []Tool
	Prompts   []Prompt
	Resources []Resource
	Templates []ResourceTemplate
	Status    map[Kind]KindStatus
}

// DialFunc builds the transport for a configured server.
type DialFunc func(name string, sc config.ServerConfig, logger *slog.Logger) (Transport, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// ConnectTimeout bounds the handshake and capability listing of
	// each server. Zero means 30 seconds.
	ConnectTimeout time.Duration

	// CollisionPolicy is config.CollisionError (default) or
	// config.CollisionLastWins.
	CollisionPolicy string

	// Dial overrides transport construction. Defaults to NewTransport.
	Dial DialFunc

	Logger *slog.Logger
}

type release struct {
	name string
	fn   func() error
}

// Manager owns every server session and the aggregated registries built
// from them. Tool and prompt names are a single flat namespace mapped
// back to their owning server; resources are keyed by server and URI.
//
// Sessions are released in reverse acquisition order, exactly once, by
// Close. All methods are safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu           sync.RWMutex
	sessions     map[string]*Client
	order        []string
	caps         map[string]*Capabilities
	tools        []Tool
	toolServer   map[string]string
	prompts      []Prompt
	promptServer map[string]string
	resources    []Resource
	templates    []ResourceTemplate
	releases     []release

	closeOnce sync.Once
	closeErr  error
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.CollisionPolicy == "" {
		cfg.CollisionPolicy = config.CollisionError
	}
	if cfg.Dial == nil {
		cfg.Dial = NewTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		logger:       logger,
		sessions:     make(map[string]*Client),
		caps:         make(map[string]*Capabilities),
		toolServer:   make(map[string]string),
		promptServer: make(map[string]string),
	}
}

// NewTransport builds the stdio or HTTP transport described by sc.
func NewTransport(name string, sc config.ServerConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", name)

	switch sc.Type {
	case config.TransportStdio:
		return NewStdioTransport(StdioConfig{
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			Dir:     sc.Cwd,
			Logger:  logger,
		}), nil
	case config.TransportHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:     sc.URL,
			Headers: sc.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", sc.Type)
	}
}

// ConnectAll connects every configured server in name order. A server
// that fails to connect is logged and skipped. A name collision under
// the error policy is fatal, as is ending up with no servers at all.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]config.ServerConfig) error {
	for _, name := range config.ServerNames(servers) {
		if err := m.Connect(ctx, name, servers[name]); err != nil {
			var collision *CollisionError
			if errors.As(err, &collision) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("skipping MCP server", "server", name, "error", err)
		}
	}

	if len(m.Servers()) == 0 {
		return ErrNoServers
	}
	return nil
}

// Connect opens a session to one server, performs the handshake, lists
// its capabilities and registers them. The session's release is
// recorded as soon as the transport exists, so a later failure still
// tears it down exactly once.
func (m *Manager) Connect(ctx context.Context, name string, sc config.ServerConfig) error {
	m.mu.Lock()
	if _, ok := m.sessions[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrAlreadyConnected)
	}
	m.mu.Unlock()

	transport, err := m.cfg.Dial(name, sc, m.logger)
	if err != nil {
		return fmt.Errorf("create transport for %s: %w", name, err)
	}
	client := NewClient(name, transport, m.logger)

	m.mu.Lock()
	m.releases = append(m.releases, release{name: name, fn: client.Close})
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := client.Initialize(ctx); err != nil {
		m.releaseNow(name)
		return fmt.Errorf("connect %s: %w", name, err)
	}

	m.mu.Lock()
	m.sessions[name] = client
	m.mu.Unlock()

	caps, err := m.ListCapabilities(ctx, name)
	if err == nil {
		err = m.register(caps)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, name)
		m.mu.Unlock()
		m.releaseNow(name)
		return err
	}

	serverName, serverVersion := client.ServerInfo()
	m.logger.Info("connected to MCP server",
		"server", name,
		"server_name", serverName,
		"server_version", serverVersion,
		"tools", len(caps.Tools),
		"prompts", len(caps.Prompts),
		"resources", len(caps.Resources),
		"resource_templates", len(caps.Templates),
	)
	return nil
}

// ListCapabilities queries the tools, prompts, resources and resource
// templates of a connected server. Each kind is its own failure scope:
// an unadvertised or unimplemented kind is StatusUnsupported, any other
// error is StatusFailed and contributes nothing. The result is not
// registered.
func (m *Manager) ListCapabilities(ctx context.Context, name string) (*Capabilities, error) {
	m.mu.RLock()
	client, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server %q not connected", name)
	}

	caps := &Capabilities{
		Server: name,
		Status: map[Kind]KindStatus{
			KindTool:     {Status: StatusNotQueried},
			KindPrompt:   {Status: StatusNotQueried},
			KindResource: {Status: StatusNotQueried},
		},
	}

	caps.Status[KindTool] = m.listKind(ctx, client, KindTool, func(ctx context.Context) (int, error) {
		tools, err := client.ListTools(ctx)
		for i := range tools {
			tools[i].Server = name
		}
		caps.Tools = tools
		return len(tools), err
	})

	caps.Status[KindPrompt] = m.listKind(ctx, client, KindPrompt, func(ctx context.Context) (int, error) {
		prompts, err := client.ListPrompts(ctx)
		for i := range prompts {
			prompts[i].Server = name
		}
		caps.Prompts = prompts
		return len(prompts), err
	})

	caps.Status[KindResource] = m.listKind(ctx, client, KindResource, func(ctx context.Context) (int, error) {
		resources, err := client.ListResources(ctx)
		for i := range resources {
			resources[i].Server = name
		}
		caps.Resources = resources
		return len(resources), err
	})

	if caps.Status[KindResource].Status == StatusListed {
		templates, err := client.ListResourceTemplates(ctx)
		switch {
		case err == nil:
			for i := range templates {
				templates[i].Server = name
			}
			caps.Templates = templates
		case !IsMethodNotFound(err):
			m.logger.Warn("failed to list MCP resource templates", "server", name, "error", err)
		}
	}

	return caps, nil
}

// listKind runs one kind's listing in its own failure scope.
func (m *Manager) listKind(ctx context.Context, client *Client, kind Kind, list func(context.Context) (int, error)) KindStatus {
	if !client.Supports(kind) {
		m.logger.Debug("MCP server does not advertise capability", "server", client.Name(), "kind", kind.String())
		return KindStatus{Status: StatusUnsupported}
	}

	n, err := list(ctx)
	switch {
	case err == nil:
		return KindStatus{Status: StatusListed, Count: n}
	case IsMethodNotFound(err):
		return KindStatus{Status: StatusUnsupported}
	default:
		m.logger.Warn("failed to list MCP capabilities",
			"server", client.Name(),
			"kind", kind.String(),
			"error", err,
		)
		return KindStatus{Status: StatusFailed, Err: err}
	}
}

// register commits one server's capabilities to the aggregated
// registries. Collisions are checked first so a rejected server leaves
// the registries untouched.
func (m *Manager) register(caps *Capabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	caps.Tools = dedupe(caps.Tools, func(t Tool) string { return t.Name }, m.logger, caps.Server, KindTool)
	caps.Prompts = dedupe(caps.Prompts, func(p Prompt) string { return p.Name }, m.logger, caps.Server, KindPrompt)

	lastWins := m.cfg.CollisionPolicy == config.CollisionLastWins

	if !lastWins {
		for _, t := range caps.Tools {
			if owner, ok := m.toolServer[t.Name]; ok {
				return &CollisionError{Kind: KindTool, Name: t.Name, Existing: owner, Server: caps.Server}
			}
		}
		for _, p := range caps.Prompts {
			if owner, ok := m.promptServer[p.Name]; ok {
				return &CollisionError{Kind: KindPrompt, Name: p.Name, Existing: owner, Server: caps.Server}
			}
		}
	}

	for _, t := range caps.Tools {
		if owner, ok := m.toolServer[t.Name]; ok {
			m.logger.Warn("MCP tool name collision, later server wins",
				"tool", t.Name, "previous_server", owner, "server", caps.Server)
			m.tools = removeByName(m.tools, t.Name, func(t Tool) string { return t.Name })
			if prev := m.caps[owner]; prev != nil {
				prev.Tools = removeByName(prev.Tools, t.Name, func(t Tool) string { return t.Name })
				prev.recount(KindTool, len(prev.Tools))
			}
		}
		m.tools = append(m.tools, t)
		m.toolServer[t.Name] = caps.Server
	}

	for _, p := range caps.Prompts {
		if owner, ok := m.promptServer[p.Name]; ok {
			m.logger.Warn("MCP prompt name collision, later server wins",
				"prompt", p.Name, "previous_server", owner, "server", caps.Server)
			m.prompts = removeByName(m.prompts, p.Name, func(p Prompt) string { return p.Name })
			if prev := m.caps[owner]; prev != nil {
				prev.Prompts = removeByName(prev.Prompts, p.Name, func(p Prompt) string { return p.Name })
				prev.recount(KindPrompt, len(prev.Prompts))
			}
		}
		m.prompts = append(m.prompts, p)
		m.promptServer[p.Name] = caps.Server
	}

	m.resources = append(m.resources, caps.Resources...)
	m.templates = append(m.templates, caps.Templates...)
	m.caps[caps.Server] = caps
	m.order = append(m.order, caps.Server)
	return nil
}

// recount updates a listed kind's count after a later server took over
// some of its names.
func (c *Capabilities) recount(kind Kind, n int) {
	if st, ok := c.Status[kind]; ok && st.Status == StatusListed {
		st.Count = n
		c.Status[kind] = st
	}
}

// dedupe drops repeated names within one server's own listing.
func dedupe[T any](items []T, key func(T) string, logger *slog.Logger, server string, kind Kind) []T {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		k := key(it)
		if seen[k] {
			logger.Warn("MCP server listed a name twice, ignoring repeat",
				"server", server, "kind", kind.String(), "name", k)
			continue
		}
		seen[k] = true
		out = append(out, it)
	}
	return out
}

func removeByName[T any](items []T, name string, key func(T) string) []T {
	out := items[:0]
	for _, it := range items {
		if key(it) != name {
			out = append(out, it)
		}
	}
	return out
}

// releaseNow runs and forgets the release recorded for name. Used when
// a server fails after its transport was created.
func (m *Manager) releaseNow(name string) {
	m.mu.Lock()
	var fn func() error
	for i := len(m.releases) - 1; i >= 0; i-- {
		if m.releases[i].name == name {
			fn = m.releases[i].fn
			m.releases = append(m.releases[:i], m.releases[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		m.logger.Debug("error releasing failed MCP session", "server", name, "error", err)
	}
}

// Close releases every session in reverse acquisition order. A failing
// release does not stop the others; all errors are joined. Only the
// first call does any work; later calls return the same error.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		releases := m.releases
		m.releases = nil
		m.sessions = make(map[string]*Client)
		m.mu.Unlock()

		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			r := releases[i]
			if err := r.fn(); err != nil {
				m.logger.Warn("error closing MCP session", "server", r.name, "error", err)
				errs = append(errs, fmt.Errorf("close %s: %w", r.name, err))
				continue
			}
			m.logger.Debug("closed MCP session", "server", r.name)
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

// Servers returns the names of registered servers in connection order.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Session returns the live session for a server.
func (m *Manager) Session(name string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[name]
	if !ok {
		return nil, false
	}
	return c, true
}

// Tools returns the aggregated tool list.
func (m *Manager) Tools() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Tool(nil), m.tools...)
}

// Prompts returns the aggregated prompt list.
func (m *Manager) Prompts() []Prompt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Prompt(nil), m.prompts...)
}

// Resources returns the aggregated resource list.
func (m *Manager) Resources() []Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Resource(nil), m.resources...)
}

// ResourceTemplates returns the aggregated resource template list.
func (m *Manager) ResourceTemplates() []ResourceTemplate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ResourceTemplate(nil), m.templates...)
}

// ToolServer returns the server that owns a tool name.
func (m *Manager) ToolServer(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.toolServer[name]
	return s, ok
}

// PromptServer returns the server that owns a prompt name.
func (m *Manager) PromptServer(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.promptServer[name]
	return s, ok
}

// ResourceServer returns the server that can read uri: the server that
// listed it, or else the server whose template prefix matches it
// (papers://{topic} matches papers://quantum_computing).
func (m *Manager) ResourceServer(uri string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.resources {
		if r.URI == uri {
			return r.Server, true
		}
	}
	for _, t := range m.templates {
		prefix, _, found := strings.Cut(t.URITemplate, "{")
		if found && prefix != "" && strings.HasPrefix(uri, prefix) && len(uri) > len(prefix) {
			return t.Server, true
		}
	}
	return "", false
}

// Status returns the listing status of one kind on one server.
func (m *Manager) Status(server string, kind Kind) KindStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caps[server]
	if !ok {
		return KindStatus{Status: StatusNotQueried}
	}
	return c.Status[kind]
}
