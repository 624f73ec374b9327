package gemini

import (
	"testing"

	"coinagent/pkg/llm"

	"google.golang.org/genai"
)

type limitTool struct{}

func (limitTool) Name() string                 { return "fetch_top_coins" }
func (limitTool) Description() string          { return "Top coins by market cap" }
func (limitTool) RequiredParameters() []string { return nil }
func (limitTool) Parameters() map[string]any {
	return map[string]any{
		"limit": map[string]any{"type": "integer", "description": "How many coins"},
	}
}

func TestConvertTools(t *testing.T) {
	tools := convertTools([]llm.Tool{limitTool{}})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one tool with one declaration, got %+v", tools)
	}
	fd := tools[0].FunctionDeclarations[0]
	if fd.Name != "fetch_top_coins" {
		t.Errorf("unexpected name %q", fd.Name)
	}
	if fd.Parameters == nil || fd.Parameters.Type != genai.TypeObject {
		t.Fatalf("expected OBJECT parameters, got %+v", fd.Parameters)
	}
	limit, ok := fd.Parameters.Properties["limit"]
	if !ok || limit.Type != genai.TypeInteger {
		t.Errorf("expected INTEGER limit property, got %+v", limit)
	}

	if convertTools(nil) != nil {
		t.Error("no tools should produce no declarations")
	}
}

func TestConvertMessages(t *testing.T) {
	g := &GeminiClient{}
	call := llm.ToolCall{ID: "call_1", Name: "fetch_coin_rate", Function: llm.FunctionCall{Name: "fetch_coin_rate", Arguments: `{"name":"btc"}`}}

	contents, system := g.convertMessages([]llm.Message{
		llm.NewSystemMessage("You are a crypto assistant."),
		llm.NewUserMessage("btc?"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		llm.NewToolResultMessage(call, `{"name":"Bitcoin"}`),
	})

	if system == nil || system.Parts[0].Text != "You are a crypto assistant." {
		t.Fatalf("system instruction not extracted: %+v", system)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[1].Role != "model" || contents[1].Parts[0].FunctionCall == nil || contents[1].Parts[0].FunctionCall.Args["name"] != "btc" {
		t.Errorf("function call not echoed: %+v", contents[1].Parts[0])
	}
	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Name != "fetch_coin_rate" {
		t.Fatalf("function response should carry the tool name: %+v", resp)
	}
	if resp.Response["result"] != `{"name":"Bitcoin"}` {
		t.Errorf("unexpected response payload: %v", resp.Response)
	}
}

func TestNormalizeStopReason(t *testing.T) {
	if got := normalizeStopReason(genai.FinishReasonMaxTokens); got != llm.StopReasonLength {
		t.Errorf("expected length, got %q", got)
	}
	if got := normalizeStopReason(genai.FinishReasonStop); got != llm.StopReasonStop {
		t.Errorf("expected stop, got %q", got)
	}
}
