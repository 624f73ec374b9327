package llm

// Tool is the declaration side of a capability: what the model sees when it
// decides whether to call a function. Execution lives in api.Tool.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema "properties" object, e.g.
	// {"name": {"type": "string", "description": "..."}}.
	Parameters() map[string]any
	RequiredParameters() []string
}

// ToolSchema assembles a full JSON Schema object for t, the shape expected by
// OpenAI and Ollama function declarations.
func ToolSchema(t Tool) map[string]any {
	required := t.RequiredParameters()
	if required == nil {
		required = []string{}
	}
	props := t.Parameters()
	if props == nil {
		props = map[string]any{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
