// Package config handles Scholar configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Collision policies for capability names advertised by more than one
// server.
const (
	CollisionError    = "error"
	CollisionLastWins = "last_wins"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/scholar/config.yaml, /etc/scholar/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "scholar", "config.yaml"))
	}

	paths = append(paths, "/etc/scholar/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all client configuration.
type Config struct {
	// ServersFile is the JSON file describing the MCP servers to connect.
	ServersFile string `yaml:"servers_file"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json
	// DataDir holds the usage database. Empty disables usage tracking.
	DataDir string `yaml:"data_dir"`

	LLM     LLMConfig               `yaml:"llm"`
	Agent   AgentConfig             `yaml:"agent"`
	MCP     MCPConfig               `yaml:"mcp"`
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai, anthropic, ollama
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// AgentConfig tunes the tool-call loop.
type AgentConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	ParallelToolCalls bool          `yaml:"parallel_tool_calls"`
	SystemPrompt      string        `yaml:"system_prompt"`
	ModelTimeout      time.Duration `yaml:"model_timeout"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
}

// MCPConfig tunes server sessions.
type MCPConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	CollisionPolicy string        `yaml:"collision_policy"`
}

// PricingEntry is the per-million-token price of a model in USD.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. Keys absent from the file
// keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		ServersFile: "servers_config.json",
		LogLevel:    "info",
		LogFormat:   "text",
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   2048,
			Temperature: 0.7,
		},
		Agent: AgentConfig{
			MaxIterations: 15,
			ModelTimeout:  120 * time.Second,
			ToolTimeout:   60 * time.Second,
		},
		MCP: MCPConfig{
			ConnectTimeout:  30 * time.Second,
			CollisionPolicy: CollisionError,
		},
		Pricing: map[string]PricingEntry{
			"gpt-4o-mini":              {InputPerMillion: 0.15, OutputPerMillion: 0.60},
			"gpt-4o":                   {InputPerMillion: 2.50, OutputPerMillion: 10.0},
			"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		},
	}
	return cfg
}

// ApplyEnv fills the API key from the configured provider's conventional
// variable when the file leaves it empty. Call it after the provider is
// final.
func (c *Config) ApplyEnv() {
	if c.LLM.APIKey != "" {
		return
	}
	switch c.LLM.Provider {
	case "openai":
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("llm.provider %q not supported (valid: openai, anthropic, ollama)", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	switch c.MCP.CollisionPolicy {
	case CollisionError, CollisionLastWins:
	default:
		return fmt.Errorf("mcp.collision_policy %q not supported (valid: %s, %s)",
			c.MCP.CollisionPolicy, CollisionError, CollisionLastWins)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q not supported (valid: text, json)", c.LogFormat)
	}
	return nil
}
