package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coinagent/pkg/llm"

	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OllamaClient Ollama API client
type OllamaClient struct {
	client       *api.Client
	model        string
	options      map[string]any
	debugEnabled bool
	bufferSize   int
}

// NewOllamaClient creates an Ollama client. An empty baseURL falls back to
// OLLAMA_HOST, as api.ClientFromEnvironment does.
func NewOllamaClient(model, baseURL string, options map[string]any) (*OllamaClient, error) {
	// Local models can take minutes to load, so only dialing is bounded.
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	httpClient := &http.Client{Transport: &JSONFixingRoundTripper{Proxied: transport}}

	var client *api.Client
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		client = api.NewClient(u, httpClient)
	} else {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
		client = c
	}

	slog.Info("Ollama client initialized", "model", model, "base_url", baseURL)

	return &OllamaClient{
		client:     client,
		model:      model,
		options:    options,
		bufferSize: 100,
	}, nil
}

// SetDebug toggles raw chunk dumps.
func (o *OllamaClient) SetDebug(enabled bool) {
	o.debugEnabled = enabled
}

func (o *OllamaClient) Provider() string {
	return "ollama"
}

func (o *OllamaClient) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamChunk, error) {
	ollamaTools, err := convertTools(tools)
	if err != nil {
		return nil, err
	}

	streamVal := true
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: convertMessages(messages),
		Options:  o.options,
		Tools:    ollamaTools,
		Stream:   &streamVal,
	}

	chunkCh := make(chan llm.StreamChunk, o.bufferSize)
	startResultCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)

		debugger := llm.NewStreamDebugger(ctx, "ollama", o.debugEnabled)
		defer debugger.Close()

		started := false
		sawToolCall := false

		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			debugger.WriteJSON(resp)

			// First callback indicates success
			if !started {
				started = true
				startResultCh <- nil
			}

			if resp.Message.Thinking != "" {
				chunkCh <- llm.NewThinkingChunk(resp.Message.Thinking)
			}
			if resp.Message.Content != "" {
				chunkCh <- llm.NewTextChunk(resp.Message.Content)
			}

			if len(resp.Message.ToolCalls) > 0 {
				sawToolCall = true
				toolCalls := make([]llm.ToolCall, 0, len(resp.Message.ToolCalls))
				for i, tc := range resp.Message.ToolCalls {
					argsB, err := json.Marshal(tc.Function.Arguments)
					if err != nil {
						slog.WarnContext(ctx, "Failed to marshal tool call arguments", "provider", "ollama", "error", err)
						argsB = []byte("{}")
					}
					id := tc.ID
					if id == "" {
						id = fmt.Sprintf("call_%d_%d", time.Now().UnixNano(), i)
					}
					toolCalls = append(toolCalls, llm.ToolCall{
						ID:   id,
						Name: tc.Function.Name,
						Function: llm.FunctionCall{
							Name:      tc.Function.Name,
							Arguments: string(argsB),
						},
					})
					slog.DebugContext(ctx, "Tool call", "provider", "ollama", "name", tc.Function.Name, "args", string(argsB))
				}
				chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
			}

			if resp.Done {
				reason := normalizeStopReason(resp.DoneReason)
				if sawToolCall && reason == llm.StopReasonStop {
					reason = llm.StopReasonToolCall
				}
				usage := &llm.LLMUsage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					StopReason:       reason,
				}
				llm.LogUsage(ctx, o.model, usage)
				chunkCh <- llm.NewFinalChunk(reason, usage)
			}
			return nil
		})

		if err != nil {
			slog.ErrorContext(ctx, "Stream error", "provider", "ollama", "model", o.model, "error", err)
			if !started {
				startResultCh <- err
				return
			}
			chunkCh <- llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err), err)
			return
		}
		if !started {
			startResultCh <- nil
		}
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

// convertTools goes through JSON because api.Tool nests its own schema types.
func convertTools(tools []llm.Tool) ([]api.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	raw := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		raw = append(raw, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  llm.ToolSchema(t),
			},
		})
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal tools: %w", err)
	}
	var out []api.Tool
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("convert tools: %w", err)
	}
	return out, nil
}

// convertMessages converts messages to Ollama API format
func convertMessages(messages []llm.Message) []api.Message {
	ollamaMsgs := make([]api.Message, 0, len(messages))

	for _, m := range messages {
		msg := api.Message{
			Role:     m.Role,
			Content:  m.GetTextContent(),
			Thinking: m.GetThinkingContent(),
		}

		if m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				// api.ToolCallFunctionArguments only decodes from JSON
				var apiArgs api.ToolCallFunctionArguments
				args := tc.Function.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				if err := json.Unmarshal([]byte(args), &apiArgs); err != nil {
					slog.Warn("Failed to decode tool arguments for history", "provider", "ollama", "error", err)
				}
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Function.Name,
						Arguments: apiArgs,
					},
				})
			}
		}

		if m.Role == llm.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}

		ollamaMsgs = append(ollamaMsgs, msg)
	}

	return ollamaMsgs
}

func normalizeStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "", "stop":
		return llm.StopReasonStop
	case "length":
		return llm.StopReasonLength
	default:
		return reason
	}
}

// IsTransientError implements the llm.LLMClient interface
func (o *OllamaClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "overloaded")
}
