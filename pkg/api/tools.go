package api

import (
	"context"

	"coinagent/pkg/llm"
)

// Tool defines the structural interface for any capability that the AI Agent
// can execute. It includes metadata for prompt injection (JSON Schema)
// and the execution logic itself.
type Tool interface {
	llm.Tool
	// Execute performs the actual tool logic using the provided argument map.
	// Expected outcomes (bad input, missing data) are reported in the
	// ToolResult; a non-nil error means the tool itself broke.
	Execute(ctx context.Context, args map[string]any) (*ToolResult, error)
}

// ToolResult encapsulates the outcome of a tool execution.
type ToolResult struct {
	Content []ContentBlock `json:"content"`           // Ordered blocks of result data
	Details map[string]any `json:"details,omitempty"` // Structured data for non-LLM callers
	IsError bool           `json:"is_error,omitempty"`
}

// ContentBlock is an atomic data unit within a ToolResult.
// It is converted into llm.ContentBlocks by the agent engine.
type ContentBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text,omitempty"`
}

// NewTextResult wraps text in a single-block ToolResult.
func NewTextResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentBlock{{Type: llm.BlockTypeText, Text: text}}}
}

// Text concatenates the text blocks of r.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for _, b := range r.Content {
		if b.Type == llm.BlockTypeText {
			out += b.Text
		}
	}
	return out
}

// ToolRegistry defines the interface for managing and accessing tools.
type ToolRegistry interface {
	Register(tool Tool)
	Unregister(name string)
	Get(name string) (Tool, bool)
	GetAll() []Tool
}
