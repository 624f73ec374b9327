package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coinagent/pkg/llm"
	"coinagent/pkg/utils"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/genai"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	metaFunctionCall     = "gemini_function_call"
	metaThoughtSignature = "gemini_thought_signature"
)

// GeminiClient Google Gemini API client
type GeminiClient struct {
	client       *genai.Client
	model        string
	useThought   bool
	useSignature bool
	debugEnabled bool
	bufferSize   int
}

// NewGeminiClient creates a Gemini client with a single model and API key
func NewGeminiClient(ctx context.Context, apiKey, model string, useThought, useSignature bool) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiClient{
		client:       client,
		model:        model,
		useThought:   useThought,
		useSignature: useSignature,
		bufferSize:   100,
	}, nil
}

// SetDebug toggles raw chunk dumps.
func (g *GeminiClient) SetDebug(enabled bool) {
	g.debugEnabled = enabled
}

func (g *GeminiClient) Provider() string {
	return "gemini"
}

// StreamChat implements llm.LLMClient.StreamChat
func (g *GeminiClient) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamChunk, error) {
	apiMessages, systemInstruction := g.convertMessages(messages)
	genaiTools := convertTools(tools)

	var thinkingCfg *genai.ThinkingConfig
	if g.useThought {
		thinkingCfg = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	chunkCh := make(chan llm.StreamChunk, g.bufferSize)
	startResultCh := make(chan error, 1)

	slog.DebugContext(ctx, "Streaming", "provider", "gemini", "model", g.model, "tools", len(tools))

	go func() {
		defer close(chunkCh)

		debugger := llm.NewStreamDebugger(ctx, "gemini", g.debugEnabled)
		defer debugger.Close()

		iter := g.client.Models.GenerateContentStream(ctx, g.model, apiMessages, &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction,
			Tools:             genaiTools,
			ThinkingConfig:    thinkingCfg,
		})

		started := false
		var lastUsage *llm.LLMUsage
		finishReason := llm.StopReasonStop
		sawToolCall := false

		for resp, err := range iter {
			if resp != nil {
				debugger.WriteJSON(resp)
			}
			if err != nil && resp == nil {
				slog.ErrorContext(ctx, "Stream error", "provider", "gemini", "model", g.model, "error", err)
				if !started {
					startResultCh <- err
				} else {
					chunkCh <- llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err), err)
				}
				return
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			if u := resp.UsageMetadata; u != nil {
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" {
					finishReason = normalizeStopReason(candidate.FinishReason)
				}
				if candidate.Content == nil {
					continue
				}

				chunk := g.convertParts(ctx, candidate.Content.Parts)
				if len(chunk.ToolCalls) > 0 {
					sawToolCall = true
				}
				if len(chunk.ContentBlocks) > 0 || len(chunk.ToolCalls) > 0 {
					chunkCh <- chunk
				}
			}
		}

		if !started {
			startResultCh <- nil
		}
		if sawToolCall && finishReason == llm.StopReasonStop {
			finishReason = llm.StopReasonToolCall
		}
		if lastUsage != nil {
			lastUsage.StopReason = finishReason
			llm.LogUsage(ctx, g.model, lastUsage)
		}
		chunkCh <- llm.NewFinalChunk(finishReason, lastUsage)
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *GeminiClient) convertParts(ctx context.Context, parts []*genai.Part) llm.StreamChunk {
	var chunk llm.StreamChunk
	for _, part := range parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			if part.Thought {
				chunk.ContentBlocks = append(chunk.ContentBlocks, llm.NewThinkingBlock(part.Text))
			} else {
				chunk.ContentBlocks = append(chunk.ContentBlocks, llm.NewTextBlock(part.Text))
			}
		}

		if fc := part.FunctionCall; fc != nil {
			argsB, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				argsB = []byte("{}")
			}
			// Gemini stream IDs are sometimes missing here
			id := fc.ID
			if id == "" {
				id = "call_" + utils.GenerateID()
			}
			meta := map[string]any{metaFunctionCall: fc}
			if g.useSignature && len(part.ThoughtSignature) > 0 {
				meta[metaThoughtSignature] = part.ThoughtSignature
			}
			chunk.ToolCalls = append(chunk.ToolCalls, llm.ToolCall{
				ID:   id,
				Name: fc.Name,
				Function: llm.FunctionCall{
					Name:      fc.Name,
					Arguments: string(argsB),
				},
				Meta: meta,
			})
			slog.DebugContext(ctx, "Tool call", "provider", "gemini", "name", fc.Name, "args", string(argsB))
		}
	}
	return chunk
}

// convertMessages converts message list to GenAI format
func (g *GeminiClient) convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var genaiContents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if text := msg.GetTextContent(); text != "" {
				systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}}
			}
			continue

		case llm.RoleTool:
			// Tool results are part of user role in Gemini
			genaiContents = append(genaiContents, &genai.Content{
				Role: string(genai.RoleUser),
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.ToolName,
						Response: map[string]any{"result": msg.GetTextContent()},
					},
				}},
			})
			continue
		}

		role := genai.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		for _, block := range msg.Content {
			if block.Text == "" {
				continue
			}
			switch block.Type {
			case llm.BlockTypeText:
				parts = append(parts, &genai.Part{Text: block.Text})
			case llm.BlockTypeThinking:
				parts = append(parts, &genai.Part{Text: block.Text, Thought: true})
			}
		}

		// Gemini requires echoing the function calls before their responses
		for _, tc := range msg.ToolCalls {
			part := &genai.Part{}
			if original, ok := tc.Meta[metaFunctionCall].(*genai.FunctionCall); ok {
				part.FunctionCall = original
			} else {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				part.FunctionCall = &genai.FunctionCall{Name: tc.Function.Name, Args: args}
			}
			if sig, ok := tc.Meta[metaThoughtSignature].([]byte); ok {
				part.ThoughtSignature = sig
			}
			parts = append(parts, part)
		}

		if len(parts) > 0 {
			genaiContents = append(genaiContents, &genai.Content{Role: string(role), Parts: parts})
		}
	}

	return genaiContents, systemInstruction
}

// convertTools maps tool declarations to a single genai.Tool.
func convertTools(tools []llm.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	fds := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		fds = append(fds, &genai.FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  toSchema(llm.ToolSchema(t)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fds}}
}

// toSchema converts a JSON Schema map into genai.Schema. Gemini expects
// upper-case type names (STRING, INTEGER, OBJECT).
func toSchema(m map[string]any) *genai.Schema {
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if pm, ok := raw.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	switch req := m["required"].(type) {
	case []string:
		s.Required = req
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	switch enum := m["enum"].(type) {
	case []string:
		s.Enum = enum
	}
	return s
}

func normalizeStopReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop, "":
		return llm.StopReasonStop
	case genai.FinishReasonMaxTokens:
		return llm.StopReasonLength
	default:
		return strings.ToLower(string(reason))
	}
}

// IsTransientError implements the llm.LLMClient interface
func (g *GeminiClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())

	// 503 Service Unavailable / Overloaded, 429 rate limit, occasional 500 crashes
	for _, marker := range []string{"503", "overloaded", "429", "resource exhausted", "resource_exhausted", "500", "internal error"} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}
