package tools

import (
	"sort"
	"sync"

	"coinagent/pkg/api"
)

// Re-export types from api package via aliases so tool code reads naturally.
type Tool = api.Tool
type ToolResult = api.ToolResult
type ContentBlock = api.ContentBlock

// ToolRegistry acts as a central inventory for all tools available to the Agent.
type ToolRegistry struct {
	mu    sync.RWMutex    // Protects concurrent access to the tools map
	tools map[string]Tool // Internal map of tool name to implementation
}

// NewToolRegistry creates a new tool registry, optionally pre-filled.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	tr := &ToolRegistry{
		tools: make(map[string]Tool),
	}
	for _, t := range tools {
		tr.Register(t)
	}
	return tr
}

// Register adds a tool to the registry. A tool with the same name is replaced.
func (tr *ToolRegistry) Register(tool Tool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry
func (tr *ToolRegistry) Unregister(name string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.tools, name)
}

// Get retrieves a tool by name
func (tr *ToolRegistry) Get(name string) (Tool, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	tool, ok := tr.tools[name]
	return tool, ok
}

// GetAll returns all registered tools sorted by name, so the declarations
// sent to the model are stable between runs.
func (tr *ToolRegistry) GetAll() []Tool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	tools := make([]Tool, 0, len(tr.tools))
	for _, tool := range tr.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}
