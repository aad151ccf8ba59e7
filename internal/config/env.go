package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ServerEnv is the research server's configuration, read from the
// environment so it runs unchanged under a process manager or a hosting
// platform.
type ServerEnv struct {
	LogLevel  string
	Transport string // stdio or http
	Host      string
	Port      int
	PaperDir  string

	// RenderHost is the public hostname assigned by the hosting platform.
	RenderHost string
	// AllowedHosts are extra Host header values accepted in http mode.
	AllowedHosts []string
}

// LoadServerEnv builds a ServerEnv from getenv, which is usually
// os.Getenv. Setting RENDER forces the http transport.
func LoadServerEnv(getenv func(string) string) (*ServerEnv, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	env := &ServerEnv{
		LogLevel:   strings.TrimSpace(getenv("LOG_LEVEL")),
		Transport:  strings.ToLower(strings.TrimSpace(getenv("MCP_TRANSPORT"))),
		Host:       strings.TrimSpace(getenv("HOST")),
		Port:       8001,
		PaperDir:   strings.TrimSpace(getenv("PAPER_DIR")),
		RenderHost: strings.TrimSpace(getenv("RENDER_EXTERNAL_HOSTNAME")),
	}

	if env.Transport == "" {
		env.Transport = TransportStdio
	}
	if getenv("RENDER") != "" {
		env.Transport = TransportHTTP
	}
	if env.Transport != TransportStdio && env.Transport != TransportHTTP {
		return nil, fmt.Errorf("MCP_TRANSPORT %q not supported (valid: stdio, http)", env.Transport)
	}

	if env.Host == "" {
		env.Host = "0.0.0.0"
	}
	if p := strings.TrimSpace(getenv("PORT")); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("PORT %q is not a valid port", p)
		}
		env.Port = port
	}
	if env.PaperDir == "" {
		env.PaperDir = "papers"
	}
	if _, err := ParseLogLevel(env.LogLevel); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	for _, h := range strings.Split(getenv("ALLOWED_HOSTS"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			env.AllowedHosts = append(env.AllowedHosts, h)
		}
	}

	return env, nil
}

// Addr is the listen address for http mode.
func (e *ServerEnv) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// HostAllowList is the set of Host header values the http server accepts:
// loopback names, the platform hostname when set, and AllowedHosts.
func (e *ServerEnv) HostAllowList() []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if e.RenderHost != "" {
		hosts = append(hosts, e.RenderHost)
	}
	return append(hosts, e.AllowedHosts...)
}
