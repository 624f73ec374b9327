package openailm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coinagent/pkg/llm"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
)

// Client is a wrapper around the official OpenAI Go SDK (Responses API).
type Client struct {
	client       *openai.Client
	provider     string
	model        string
	debugEnabled bool
	bufferSize   int
	options      map[string]any
}

// NewClient creates a new OpenAI client. baseURL points the SDK at any
// OpenAI-compatible endpoint.
func NewClient(provider, apiKey, model, baseURL string, options map[string]any) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)

	return &Client{
		client:     &client,
		provider:   provider,
		model:      model,
		bufferSize: 100,
		options:    options,
	}
}

func (c *Client) Provider() string {
	return c.provider
}

func (c *Client) SetDebug(enabled bool) {
	c.debugEnabled = enabled
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	// Transient: network-level issues and server-side temporary failures.
	// Everything else (400 Bad Request, 401 Unauthorized, etc.) is non-transient.
	for _, marker := range []string{
		"context deadline exceeded",
		"connection refused",
		"timeout",
		"429 too many requests",
		"500 internal",
		"502 bad gateway",
		"503 service unavailable",
		"overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamChunk, error) {
	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: convertMessages(messages),
		},
	}
	if converted := convertTools(tools); len(converted) > 0 {
		params.Tools = converted
	}

	var opts []option.RequestOption

	// Handle unified "thinking_effort" option
	if effortStr, ok := c.options["thinking_effort"].(string); ok && effortStr != "" && effortStr != "off" {
		effort := shared.ReasoningEffortMedium
		switch effortStr {
		case "low":
			effort = shared.ReasoningEffortLow
		case "high":
			effort = shared.ReasoningEffortHigh
		}
		params.Reasoning = shared.ReasoningParam{Effort: effort}
	}
	if t, ok := c.options["temperature"].(float64); ok {
		opts = append(opts, option.WithJSONSet("temperature", t))
	}
	if p, ok := c.options["top_p"].(float64); ok {
		opts = append(opts, option.WithJSONSet("top_p", p))
	}
	if maxTok, ok := c.options["max_tokens"].(float64); ok {
		opts = append(opts, option.WithJSONSet("max_output_tokens", int(maxTok)))
	}

	chunkCh := make(chan llm.StreamChunk, c.bufferSize)

	go func() {
		defer close(chunkCh)

		stream := c.client.Responses.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		debugger := llm.NewStreamDebugger(ctx, c.provider, c.debugEnabled)
		defer debugger.Close()

		var lastUsage *llm.LLMUsage
		reason := llm.StopReasonStop
		var toolCalls []llm.ToolCall
		failed := false

		for stream.Next() {
			event := stream.Current()
			if raw := event.RawJSON(); raw != "" {
				debugger.WriteString(raw)
			}

			switch variant := event.AsAny().(type) {
			case responses.ResponseTextDeltaEvent:
				chunkCh <- llm.NewTextChunk(variant.Delta)

			case responses.ResponseReasoningTextDeltaEvent:
				chunkCh <- llm.NewThinkingChunk(variant.Delta)

			case responses.ResponseReasoningSummaryTextDeltaEvent:
				chunkCh <- llm.NewThinkingChunk(variant.Delta)

			case responses.ResponseOutputItemDoneEvent:
				// The finished item carries the complete arguments and the call_id
				// that the function_call_output must reference.
				if variant.Item.Type == "function_call" {
					args := variant.Item.Arguments
					if strings.TrimSpace(args) == "" {
						args = "{}"
					}
					toolCalls = append(toolCalls, llm.ToolCall{
						ID:   variant.Item.CallID,
						Name: variant.Item.Name,
						Function: llm.FunctionCall{
							Name:      variant.Item.Name,
							Arguments: args,
						},
					})
					slog.DebugContext(ctx, "Tool call", "provider", c.provider, "name", variant.Item.Name, "args", args)
				}

			case responses.ResponseCompletedEvent:
				if u := variant.Response.Usage; u.TotalTokens > 0 {
					lastUsage = &llm.LLMUsage{
						PromptTokens:     int(u.InputTokens),
						CompletionTokens: int(u.OutputTokens),
						TotalTokens:      int(u.TotalTokens),
						CachedTokens:     int(u.InputTokensDetails.CachedTokens),
						ThoughtsTokens:   int(u.OutputTokensDetails.ReasoningTokens),
					}
				}

			case responses.ResponseIncompleteEvent:
				reason = llm.StopReasonLength

			case responses.ResponseFailedEvent:
				failed = true
				chunkCh <- llm.NewErrorChunk("API response failed", fmt.Errorf("%s: %s", variant.Response.Error.Code, variant.Response.Error.Message))

			case responses.ResponseErrorEvent:
				failed = true
				chunkCh <- llm.NewErrorChunk(fmt.Sprintf("API error: %s", variant.Message), fmt.Errorf("%s: %s", variant.Code, variant.Message))
			}
		}

		if len(toolCalls) > 0 {
			chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
			if reason == llm.StopReasonStop {
				reason = llm.StopReasonToolCall
			}
		}

		if err := stream.Err(); err != nil {
			slog.ErrorContext(ctx, "Stream error", "provider", c.provider, "model", c.model, "error", err)
			chunkCh <- llm.NewErrorChunk(fmt.Sprintf("Stream error: %v", err), err)
			return
		}
		if failed {
			return
		}
		if lastUsage != nil {
			lastUsage.StopReason = reason
			llm.LogUsage(ctx, c.model, lastUsage)
		}
		chunkCh <- llm.NewFinalChunk(reason, lastUsage)
	}()

	return chunkCh, nil
}

func convertMessages(messages []llm.Message) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			items = append(items, responses.ResponseInputItemParamOfMessage(
				m.GetTextContent(),
				responses.EasyInputMessageRoleSystem,
			))
		case llm.RoleUser:
			items = append(items, responses.ResponseInputItemParamOfMessage(
				m.GetTextContent(),
				responses.EasyInputMessageRoleUser,
			))
		case llm.RoleAssistant:
			if text := m.GetTextContent(); text != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(
					text,
					responses.EasyInputMessageRoleAssistant,
				))
			}
			for _, tc := range m.ToolCalls {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(
					tc.Function.Arguments,
					tc.ID,
					tc.Name,
				))
			}
		case llm.RoleTool:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(
				m.ToolCallID,
				m.GetTextContent(),
			))
		}
	}

	return items
}

func convertTools(tools []llm.Tool) []responses.ToolUnionParam {
	converted := make([]responses.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		converted = append(converted, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        t.Name(),
				Description: openai.String(t.Description()),
				Parameters:  llm.ToolSchema(t),
				Strict:      openai.Bool(false),
			},
		})
	}
	return converted
}
