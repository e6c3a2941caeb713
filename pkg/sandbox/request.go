package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"

	"github.com/nstogner/agcluster/pkg/agentconfig"
)

// CPUPeriod is the docker CPU period; a quota of CPUPeriod equals one CPU.
const CPUPeriod = 100000

// Env variable names injected into every sandbox.
const (
	EnvAgentID     = "AGENT_ID"
	EnvAPIKey      = "ANTHROPIC_API_KEY"
	EnvAgentConfig = "AGENT_CONFIG_JSON"
)

// DefaultPermissionMode is used when the config does not set one.
const DefaultPermissionMode = "acceptEdits"

// ProvisionRequest describes the sandbox to create. Backends must treat it as
// read-only.
type ProvisionRequest struct {
	// ConfigID identifies the agent configuration the request was built from.
	ConfigID string
	// Name is the human readable config name.
	Name string

	// CPUQuota is in docker units (CPUPeriod == 1 CPU).
	CPUQuota int64
	// MemoryLimit is a size string such as "4g" or "512m".
	MemoryLimit string
	// StorageLimit is a size string such as "10g".
	StorageLimit string

	AllowedTools   []string
	SystemPrompt   *agentconfig.SystemPrompt
	MaxTurns       int
	PermissionMode string
	Model          string
	Cwd            string
	MCPServers     map[string]agentconfig.MCPServer
	Agents         map[string]agentconfig.AgentDefinition
	Env            map[string]string

	// APIKey is the credential passed to the agent process.
	APIKey string
	// IntegrationEnv holds runtime credentials per MCP server. It has
	// already been checked against the server declarations.
	IntegrationEnv map[string]map[string]string
	// PlatformCredentials holds backend-specific settings such as fly_region.
	PlatformCredentials map[string]string
}

// CPUCount converts the docker quota to a whole CPU count, at least one.
func (r *ProvisionRequest) CPUCount() int {
	n := int(r.CPUQuota / CPUPeriod)
	if n < 1 {
		return 1
	}
	return n
}

// APIKeyHash returns the hex SHA-256 of the API key, used to tie sessions to
// the credential that created them.
func (r *ProvisionRequest) APIKeyHash() string {
	return HashAPIKey(r.APIKey)
}

// HashAPIKey returns the hex SHA-256 of key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// agentConfigDoc is the JSON handed to the agent process via EnvAgentConfig.
type agentConfigDoc struct {
	ID             string                                 `json:"id"`
	Name           string                                 `json:"name"`
	AllowedTools   []string                               `json:"allowed_tools"`
	SystemPrompt   *agentconfig.SystemPrompt              `json:"system_prompt,omitempty"`
	PermissionMode string                                 `json:"permission_mode"`
	MaxTurns       int                                    `json:"max_turns,omitempty"`
	Model          string                                 `json:"model,omitempty"`
	Cwd            string                                 `json:"cwd,omitempty"`
	MCPServers     map[string]agentconfig.MCPServer       `json:"mcp_servers,omitempty"`
	Agents         map[string]agentconfig.AgentDefinition `json:"agents,omitempty"`
}

// AgentConfigJSON renders the agent configuration blob for agentID.
func (r *ProvisionRequest) AgentConfigJSON(agentID string) (string, error) {
	doc := agentConfigDoc{
		ID:             r.ConfigID,
		Name:           r.Name,
		AllowedTools:   r.AllowedTools,
		SystemPrompt:   r.SystemPrompt,
		PermissionMode: r.PermissionMode,
		MaxTurns:       r.MaxTurns,
		Model:          r.Model,
		Cwd:            r.Cwd,
		MCPServers:     r.MCPServers,
		Agents:         r.Agents,
	}
	if doc.Name == "" {
		doc.Name = "Agent " + agentID
	}
	if doc.PermissionMode == "" {
		doc.PermissionMode = DefaultPermissionMode
	}
	if doc.AllowedTools == nil {
		doc.AllowedTools = []string{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling agent config: %w", err)
	}
	return string(b), nil
}

// AgentEnv builds the environment injected into the sandbox. Later sources
// win: config env, then literal MCP server env values, then runtime
// integration credentials, then the identity variables.
func (r *ProvisionRequest) AgentEnv(agentID string) (map[string]string, error) {
	cfgJSON, err := r.AgentConfigJSON(agentID)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(r.Env)+3)
	maps.Copy(env, r.Env)

	for server, decl := range r.MCPServers {
		for k, v := range decl.Env {
			// ${VAR} placeholders are resolved from runtime credentials.
			if strings.HasPrefix(v, "${") {
				continue
			}
			if _, ok := env[k]; !ok {
				env[k] = v
				slog.Debug("Added literal MCP env", "server", server, "key", k)
			}
		}
	}
	for server, vars := range r.IntegrationEnv {
		for k, v := range vars {
			env[k] = v
			slog.Info("Added MCP env var", "server", server, "key", k)
		}
	}

	env[EnvAgentID] = agentID
	env[EnvAPIKey] = r.APIKey
	env[EnvAgentConfig] = cfgJSON
	return env, nil
}

// EnvList flattens env into sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
