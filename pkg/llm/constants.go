package llm

// StopReason constants define normalized reasons for LLM generation termination.
// All providers must normalize their native stop reasons to these values.
const (
	StopReasonStop     = "stop"      // Normal completion
	StopReasonLength   = "length"    // Output truncated due to token limit
	StopReasonToolCall = "tool_call" // Model paused to call one or more tools
	StopReasonError    = "error"     // Stream aborted by a provider error
)

// ContentBlock Type constants define the supported content block formats
// used throughout the message pipeline.
const (
	BlockTypeText     = "text"     // Plain text content
	BlockTypeThinking = "thinking" // Internal reasoning/chain-of-thought
	BlockTypeError    = "error"    // Error message displayed to user
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type contextKey string

// DebugDirContextKey carries the per-message debug folder name used by
// StreamDebugger when raw chunk dumps are enabled.
const DebugDirContextKey contextKey = "llm_debug_dir"
