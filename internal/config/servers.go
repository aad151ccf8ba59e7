package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Server transport types.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerConfig describes one MCP server entry in the servers file.
// Either Command (stdio) or URL (streamable HTTP) must be set.
type ServerConfig struct {
	// Type is "stdio" or "http". Inferred from Command/URL when empty.
	Type string `json:"type,omitempty"`

	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ServersFile is the on-disk shape of the servers file:
//
//	{"mcpServers": {"research": {"command": "scholar-server"}}}
type ServersFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadServers reads and validates the servers file at path. A missing
// file or invalid JSON is an error naming the path.
func LoadServers(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file %s: %w", path, err)
	}

	var f ServersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}

	servers := make(map[string]ServerConfig, len(f.MCPServers))
	for name, sc := range f.MCPServers {
		if err := sc.normalize(); err != nil {
			return nil, fmt.Errorf("servers file %s: server %q: %w", path, name, err)
		}
		servers[name] = sc
	}
	return servers, nil
}

// ServerNames returns the names in servers, sorted.
func ServerNames(servers map[string]ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (sc *ServerConfig) normalize() error {
	if sc.Type == "" {
		switch {
		case sc.Command != "":
			sc.Type = TransportStdio
		case sc.URL != "":
			sc.Type = TransportHTTP
		}
	}

	switch sc.Type {
	case TransportStdio:
		if sc.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case TransportHTTP:
		if sc.URL == "" {
			return fmt.Errorf("url is required for http transport")
		}
	case "":
		return fmt.Errorf("either command or url is required")
	default:
		return fmt.Errorf("unknown transport type %q (valid: stdio, http)", sc.Type)
	}
	return nil
}
