package tools

import (
	"fmt"
	"sort"
	"strings"
)

// MCPPrefix marks tools served by an MCP server (mcp__server__tool).
const MCPPrefix = "mcp__"

// Tools that become available as soon as any MCP server is configured.
const (
	ListMcpResources = "ListMcpResources"
	ReadMcpResource  = "ReadMcpResource"
)

// Tool describes a capability the agent engine inside a sandbox can be
// allowed to use. The orchestrator never executes tools itself.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// ReadOnly tools do not modify the workspace.
	ReadOnly bool `json:"read_only"`
}

// Registry manages the available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Default returns a registry holding the agent engine's built-in tools.
func Default() *Registry {
	r := NewRegistry()
	for _, t := range builtin {
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Validate checks that every name is a registered tool or an MCP tool.
func (r *Registry) Validate(names []string) error {
	for _, n := range names {
		if strings.HasPrefix(n, MCPPrefix) {
			continue
		}
		if _, ok := r.tools[n]; !ok {
			return fmt.Errorf("invalid tool %q", n)
		}
	}
	return nil
}

var builtin = []Tool{
	{Name: "Bash", Description: "Run shell commands in the workspace."},
	{Name: "BashOutput", Description: "Read output of a background shell.", ReadOnly: true},
	{Name: "KillBash", Description: "Terminate a background shell."},
	{Name: "Read", Description: "Read a file.", ReadOnly: true},
	{Name: "Write", Description: "Create or overwrite a file."},
	{Name: "Edit", Description: "Apply an exact string replacement to a file."},
	{Name: "Grep", Description: "Search file contents.", ReadOnly: true},
	{Name: "Glob", Description: "Match file paths by pattern.", ReadOnly: true},
	{Name: "Task", Description: "Delegate work to a sub-agent."},
	{Name: "WebFetch", Description: "Fetch a URL.", ReadOnly: true},
	{Name: "WebSearch", Description: "Search the web.", ReadOnly: true},
	{Name: "TodoWrite", Description: "Maintain the task list."},
	{Name: "NotebookEdit", Description: "Edit a Jupyter notebook cell."},
	{Name: "ExitPlanMode", Description: "Leave plan mode.", ReadOnly: true},
	{Name: ListMcpResources, Description: "List resources exposed by MCP servers.", ReadOnly: true},
	{Name: ReadMcpResource, Description: "Read an MCP resource.", ReadOnly: true},
}
