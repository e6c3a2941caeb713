// Package agentconfig defines agent configurations and loads them from YAML.
package agentconfig

import (
	"errors"
	"slices"

	"github.com/nstogner/agcluster/pkg/tools"
)

var (
	// ErrConfigNotFound is returned when no config file matches an id.
	ErrConfigNotFound = errors.New("agentconfig: config not found")

	// ErrInvalidConfig is returned for configs that fail parsing or validation.
	ErrInvalidConfig = errors.New("agentconfig: invalid config")

	// ErrNoUserDir is returned when saving or deleting without a user
	// directory.
	ErrNoUserDir = errors.New("agentconfig: no user config directory")
)

// MCP server transports.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// MCPServer declares an MCP server the agent may connect to. Stdio servers
// set Command, SSE and HTTP servers set URL.
type MCPServer struct {
	Type    string            `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=stdio sse http"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Transport returns the server transport, defaulting to stdio.
func (s MCPServer) Transport() string {
	if s.Type == "" {
		return TransportStdio
	}
	return s.Type
}

// AgentDefinition is a sub-agent the main agent can delegate to.
type AgentDefinition struct {
	Description string   `json:"description" yaml:"description" validate:"required"`
	Prompt      string   `json:"prompt" yaml:"prompt" validate:"required"`
	Tools       []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty" validate:"omitempty,oneof=sonnet opus haiku inherit"`
}

// ResourceLimits override the platform defaults for a sandbox.
type ResourceLimits struct {
	// CPUQuota is in docker units; 100000 is one CPU.
	CPUQuota     int64  `json:"cpu_quota,omitempty" yaml:"cpu_quota,omitempty" validate:"gte=0"`
	MemoryLimit  string `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty"`
	StorageLimit string `json:"storage_limit,omitempty" yaml:"storage_limit,omitempty"`
}

// Config is a complete agent configuration.
type Config struct {
	ID          string `json:"id" yaml:"id" validate:"required,configid"`
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`

	AllowedTools   []string                   `json:"allowed_tools" yaml:"allowed_tools"`
	SystemPrompt   *SystemPrompt              `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MCPServers     map[string]MCPServer       `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty" validate:"omitempty,dive"`
	PermissionMode string                     `json:"permission_mode,omitempty" yaml:"permission_mode,omitempty" validate:"omitempty,oneof=default acceptEdits plan bypassPermissions"`
	Agents         map[string]AgentDefinition `json:"agents,omitempty" yaml:"agents,omitempty" validate:"omitempty,dive"`
	ResourceLimits *ResourceLimits            `json:"resource_limits,omitempty" yaml:"resource_limits,omitempty"`

	MaxTurns int               `json:"max_turns,omitempty" yaml:"max_turns,omitempty" validate:"gte=0"`
	Model    string            `json:"model,omitempty" yaml:"model,omitempty"`
	Cwd      string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Normalize fills defaults and enables the MCP resource tools when any MCP
// server is configured.
func (c *Config) Normalize() {
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.AllowedTools == nil {
		c.AllowedTools = []string{}
	}
	if len(c.MCPServers) > 0 {
		for _, t := range []string{tools.ListMcpResources, tools.ReadMcpResource} {
			if !slices.Contains(c.AllowedTools, t) {
				c.AllowedTools = append(c.AllowedTools, t)
			}
		}
	}
}

// DeclaredEnvKeys returns, per MCP server, the env keys its declaration names.
func (c *Config) DeclaredEnvKeys() map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(c.MCPServers))
	for name, s := range c.MCPServers {
		keys := make(map[string]bool, len(s.Env))
		for k := range s.Env {
			keys[k] = true
		}
		out[name] = keys
	}
	return out
}
