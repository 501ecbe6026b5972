// Package config handles mcpchat configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Model providers accepted in [ModelConfig].
const (
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// DefaultSystemPrompt seeds every conversation unless overridden.
const DefaultSystemPrompt = "You are a helpful assistant that helps people using MCP features"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcpchat/config.yaml, /etc/mcpchat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpchat", "config.yaml"))
	}

	return append(paths, "/etc/mcpchat/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all mcpchat configuration.
type Config struct {
	LogLevel     string       `yaml:"log_level"`
	LogFormat    string       `yaml:"log_format"`
	SystemPrompt string       `yaml:"system_prompt"`
	LoadPrompts  bool         `yaml:"load_prompts"`
	Model        ModelConfig  `yaml:"model"`
	Server       ServerConfig `yaml:"server"`
	Agent        AgentConfig  `yaml:"agent"`
}

// ModelConfig selects the completion provider and model.
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	Name        string  `yaml:"name"`
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	APIVersion  string  `yaml:"api_version"` // Azure only
	Temperature float32 `yaml:"temperature"`

	// ProbeAttempts, when positive, pings the provider with backoff
	// before the first question until it answers.
	ProbeAttempts int `yaml:"probe_attempts"`
}

// ServerConfig describes the MCP server to connect to.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio, http or websocket
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"` // KEY=VALUE
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// AgentConfig tunes the tool dispatch loop.
type AgentConfig struct {
	// MaxTurns bounds model round-trips per question. Zero disables
	// the bound.
	MaxTurns int `yaml:"max_turns"`

	// ParallelTools runs the tool calls of one turn concurrently.
	ParallelTools bool `yaml:"parallel_tools"`

	// ToolRate limits tool calls per second. Zero is unlimited.
	ToolRate float64 `yaml:"tool_rate"`

	// ValidateArguments checks tool arguments against the tool's input
	// schema before calling it.
	ValidateArguments *bool `yaml:"validate_arguments"`
}

// Validating reports whether argument validation is enabled. It
// defaults to true when unset.
func (a AgentConfig) Validating() bool {
	return a.ValidateArguments == nil || *a.ValidateArguments
}

// Load reads configuration from a YAML file. Credentials in a .env
// file next to the config, or in the working directory, are loaded
// into the environment first without overriding variables that are
// already set; ${VAR} references are then expanded.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// loadDotEnv loads the first .env file found in dir and the working
// directory. Missing files are not an error.
func loadDotEnv(dir string) error {
	candidates := []string{filepath.Join(dir, ".env"), ".env"}
	seen := make(map[string]bool)
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

// Default returns a default configuration: a local Ollama model and
// the DuckDuckGo MCP server run from its Docker image. The server
// transport is left blank; Load infers it from whether a url is set.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		LogFormat:    "text",
		SystemPrompt: DefaultSystemPrompt,
		Model: ModelConfig{
			Provider: ProviderOllama,
			Name:     "qwen3:4b",
		},
		Server: ServerConfig{
			Name:    "duckduckgo",
			Command: "docker",
			Args:    []string{"run", "--rm", "-i", "mcp/duckduckgo:latest"},
		},
		Agent: AgentConfig{
			MaxTurns: 10,
		},
	}
}

// applyDefaults fills fields that a config file may leave blank.
func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "mcp"
	}
	if c.Server.Transport == "" {
		if c.Server.URL != "" {
			c.Server.Transport = "http"
		} else {
			c.Server.Transport = "stdio"
		}
	}
	if c.Model.Provider == ProviderAzure && c.Model.APIVersion == "" {
		c.Model.APIVersion = "2025-01-01-preview"
	}
}

// Validate reports configuration errors. All problems are returned
// together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	case ProviderAzure:
		if c.Model.Endpoint == "" {
			errs = append(errs, errors.New("model.endpoint is required for the azure provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown model.provider %q (valid: openai, azure, anthropic, ollama)", c.Model.Provider))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}

	switch c.Server.Transport {
	case "stdio":
		if c.Server.Command == "" {
			errs = append(errs, errors.New("server.command is required for the stdio transport"))
		}
	case "http", "websocket":
		if c.Server.URL == "" {
			errs = append(errs, fmt.Errorf("server.url is required for the %s transport", c.Server.Transport))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown server.transport %q (valid: stdio, http, websocket)", c.Server.Transport))
	}

	if c.Model.ProbeAttempts < 0 {
		errs = append(errs, errors.New("model.probe_attempts must not be negative"))
	}
	if c.Agent.MaxTurns < 0 {
		errs = append(errs, errors.New("agent.max_turns must not be negative"))
	}
	if c.Agent.ToolRate < 0 {
		errs = append(errs, errors.New("agent.tool_rate must not be negative"))
	}

	return errors.Join(errs...)
}
