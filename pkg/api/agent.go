package api

import (
	"context"

	"coinagent/pkg/llm"
)

// AgentEngine defines the interface for the core reasoning engine.
// Each call to HandleMessage is an independent run; nothing is carried over
// between messages.
type AgentEngine interface {
	HandleMessage(ctx context.Context, msg *UnifiedMessage) llm.Message
	SetResponder(responder MessageResponder)
	SetToolRegistry(tr ToolRegistry)
	RegisterTool(tools ...Tool)
}
