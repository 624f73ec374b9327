package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"coinagent/pkg/api"
	"coinagent/pkg/config"
	"coinagent/pkg/llm"
	"coinagent/pkg/tools"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AgentEngine manages the core reasoning loop, including LLM communication,
// tool execution, and tool-round handling.
// It implements api.AgentEngine.
type AgentEngine struct {
	client       llm.LLMClient
	responder    api.MessageResponder
	sysCfg       *config.SystemConfig
	appCfg       *config.Config
	toolRegistry api.ToolRegistry
}

// NewAgentEngine initializes a new AgentEngine. Nil configs fall back to
// the defaults.
func NewAgentEngine(client llm.LLMClient, appCfg *config.Config, sysCfg *config.SystemConfig) *AgentEngine {
	if appCfg == nil {
		appCfg = config.DefaultConfig()
	}
	if sysCfg == nil {
		sysCfg = config.DefaultSystemConfig()
	}
	return &AgentEngine{
		client:       client,
		appCfg:       appCfg,
		sysCfg:       sysCfg,
		toolRegistry: tools.NewToolRegistry(),
	}
}

// SetResponder sets the messaging interface used by the engine to send replies.
func (e *AgentEngine) SetResponder(responder api.MessageResponder) {
	e.responder = responder
}

// SetToolRegistry sets the tool registry used by the engine for tool execution.
func (e *AgentEngine) SetToolRegistry(tr api.ToolRegistry) {
	e.toolRegistry = tr
}

// RegisterTool adds one or more tools to the engine's registry.
// It automatically initializes the registry if it's currently nil.
func (e *AgentEngine) RegisterTool(tl ...api.Tool) {
	if e.toolRegistry == nil {
		e.toolRegistry = tools.NewToolRegistry()
	}
	for _, t := range tl {
		e.toolRegistry.Register(t)
	}
}

// HandleMessage is the primary entry point for processing an user message in the engine.
// Every message starts a fresh history: system prompt plus the user text.
func (e *AgentEngine) HandleMessage(ctx context.Context, msg *api.UnifiedMessage) llm.Message {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return llm.Message{}
	}

	if strings.HasPrefix(content, "/") {
		return e.handleSlashCommand(ctx, msg, content)
	}

	history := e.newHistory()
	history.Add(llm.NewUserMessage(content))
	return e.ProcessLLMStream(ctx, msg, history)
}

func (e *AgentEngine) newHistory() *llm.ChatHistory {
	if prompt := e.appCfg.SystemPrompt; prompt != "" {
		return llm.NewChatHistory(llm.NewSystemMessage(prompt))
	}
	return llm.NewChatHistory()
}

// handleSlashCommand parses and executes manual "slash" commands entered by the user.
//
//	/start, /help          welcome text
//	/notools <text>        ask the model without tools
//	/<tool> [arg | JSON]   run a tool directly, e.g. /fetch_coin_rate btc
func (e *AgentEngine) handleSlashCommand(ctx context.Context, msg *api.UnifiedMessage, content string) llm.Message {
	parts := strings.SplitN(strings.TrimPrefix(content, "/"), " ", 2)
	// Telegram appends the bot name in groups: /start@CoinBot
	name, _, _ := strings.Cut(parts[0], "@")
	rest := ""
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}

	switch name {
	case "start", "help":
		welcome := e.appCfg.WelcomeMessage
		e.reply(msg.Session, welcome)
		return llm.NewAssistantMessage(welcome)
	case "notools":
		if rest == "" {
			e.reply(msg.Session, "❌ Format error. Please use: /notools [question]")
			return llm.Message{}
		}
		msg.NoTools = true
		history := e.newHistory()
		history.Add(llm.NewUserMessage(rest))
		return e.ProcessLLMStream(ctx, msg, history)
	}

	tool, ok := e.toolRegistry.Get(name)
	if !ok {
		e.reply(msg.Session, fmt.Sprintf("❌ Tool not found: %s\nExample: `/%s btc` or `/%s {\"limit\":5}`", name, tools.FetchCoinRateName, tools.FetchTopCoinsName))
		return llm.Message{}
	}

	args, err := parseManualArgs(tool, rest)
	if err != nil {
		e.reply(msg.Session, fmt.Sprintf("❌ Parameter parsing failed: %v", err))
		return llm.Message{}
	}

	slog.InfoContext(ctx, "Manually executing tool", "name", name, "args", args)
	res, err := tool.Execute(ctx, args)
	if err != nil {
		e.reply(msg.Session, fmt.Sprintf("❌ Execution error: %v", err))
		return llm.Message{}
	}

	resBlocks := ConvertToolResult(res)
	e.StreamBlocks(ctx, msg.Session, resBlocks)

	return llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resBlocks,
		Timestamp: time.Now().Unix(),
	}
}

// parseManualArgs accepts a JSON object or a bare value. A bare value is
// bound to the tool's first required parameter, or to its only parameter.
func parseManualArgs(tool api.Tool, raw string) (map[string]any, error) {
	args := make(map[string]any)
	if raw == "" {
		return args, nil
	}
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, err
		}
		return args, nil
	}

	key := ""
	if req := tool.RequiredParameters(); len(req) > 0 {
		key = req[0]
	} else {
		names := make([]string, 0, len(tool.Parameters()))
		for k := range tool.Parameters() {
			names = append(names, k)
		}
		sort.Strings(names)
		if len(names) > 0 {
			key = names[0]
		}
	}
	if key == "" {
		return nil, fmt.Errorf("tool %s takes no parameters", tool.Name())
	}
	args[key] = raw
	return args, nil
}

// ProcessLLMStream manages the core Agentic reasoning loop including streaming
// response forwarding, tool execution rounds, and error recovery.
// After MaxToolRounds rounds the model is asked once more without tools so
// it has to answer from the results it already has.
func (e *AgentEngine) ProcessLLMStream(ctx context.Context, msg *api.UnifiedMessage, history *llm.ChatHistory) llm.Message {
	sysCfg := e.sysCfg
	timeout := time.Duration(sysCfg.LLMTimeoutMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rounds := 0
	for {
		var availableTools []llm.Tool
		if sysCfg.EnableTools && !msg.NoTools && rounds < sysCfg.MaxToolRounds {
			availableTools = e.availableTools()
		}

		assistantMsg, streamErr, err := e.streamTurn(runCtx, msg, history, availableTools)
		if err != nil {
			slog.ErrorContext(runCtx, "LLM stream init failed", "error", err)
			errMsg := fmt.Sprintf("Error during stream initiation: %v", err)
			e.reply(msg.Session, "❌ "+errMsg)

			return llm.Message{
				Role:      llm.RoleAssistant,
				Content:   []llm.ContentBlock{llm.NewErrorBlock(errMsg)},
				Timestamp: time.Now().Unix(),
			}
		}

		// --- Tool Execution Logic ---
		if len(assistantMsg.ToolCalls) > 0 && streamErr == nil {
			if availableTools == nil {
				slog.WarnContext(runCtx, "Model requested tools after the last tool round", "rounds", rounds)
				e.reply(msg.Session, "⚠️ Too many tool calls for one message, please try a simpler question.")
				return assistantMsg
			}
			rounds++
			history.Add(assistantMsg)
			for _, tc := range assistantMsg.ToolCalls {
				e.ResolveAndCommitToolCall(runCtx, tc, msg, history)
			}
			continue
		}

		reason := "UNKNOWN"
		if assistantMsg.Usage != nil && assistantMsg.Usage.StopReason != "" {
			reason = assistantMsg.Usage.StopReason
		}

		hasContent, hasThinking, preview := SummarizeContent(assistantMsg)
		isNormal := streamErr == nil && (hasContent || hasThinking) && (reason == llm.StopReasonStop || reason == "UNKNOWN")
		if isNormal {
			return assistantMsg
		}

		if reason == llm.StopReasonLength {
			slog.InfoContext(runCtx, "Response truncated by length limit", "thinking", hasThinking, "content", hasContent)
			e.reply(msg.Session, "⚠️ Response truncated due to length limit.")
			return assistantMsg
		}

		if retried := e.AttemptRetry(runCtx, msg, reason, streamErr, preview); retried {
			continue
		}

		if streamErr != nil {
			assistantMsg.AddContentBlock(llm.NewErrorBlock(fmt.Sprintf("\n❌ Stream error: %v", streamErr)))
		} else if !hasContent && !hasThinking {
			assistantMsg.AddContentBlock(llm.NewErrorBlock(fmt.Sprintf("\n❌ Abnormal response: %s", reason)))
		}
		return assistantMsg
	}
}

func (e *AgentEngine) availableTools() []llm.Tool {
	if e.toolRegistry == nil {
		return nil
	}
	// Inject native tools; clients will format them appropriately
	apiTools := e.toolRegistry.GetAll()
	if len(apiTools) == 0 {
		return nil
	}
	out := make([]llm.Tool, len(apiTools))
	for i, t := range apiTools {
		out[i] = t
	}
	return out
}

// streamTurn runs one model call and forwards its visible blocks to the
// channel while they arrive. err is only set when the stream never started.
func (e *AgentEngine) streamTurn(ctx context.Context, msg *api.UnifiedMessage, history *llm.ChatHistory, availableTools []llm.Tool) (llm.Message, error, error) {
	chunkCh, err := e.client.StreamChat(ctx, history.GetMessages(), availableTools)
	if err != nil {
		return llm.Message{}, nil, err
	}

	blockCh := make(chan llm.ContentBlock, e.sysCfg.InternalChannelBuffer)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := e.responder.StreamReply(msg.Session, blockCh); err != nil {
			slog.ErrorContext(ctx, "Failed to stream reply", "error", err)
		}
	}()

	assistantMsg, streamErr := e.CollectChunks(ctx, msg.Session, chunkCh, blockCh)
	close(blockCh)
	<-streamDone

	// 讓 provider goroutine 能結束
	go func() {
		for range chunkCh {
		}
	}()
	return assistantMsg, streamErr, nil
}

// CollectChunks is an auxiliary method dedicated to consuming a StreamChunk channel.
func (e *AgentEngine) CollectChunks(ctx context.Context, session api.SessionContext, chunkCh <-chan llm.StreamChunk, blockCh chan<- llm.ContentBlock) (llm.Message, error) {
	msg := llm.Message{
		Role:      llm.RoleAssistant,
		Content:   []llm.ContentBlock{},
		Timestamp: time.Now().Unix(),
	}

	delay := time.Duration(e.sysCfg.ThinkingInitDelayMs) * time.Millisecond
	thinkingTimer := time.NewTimer(delay)
	defer thinkingTimer.Stop()
	timerChan := thinkingTimer.C

	for {
		select {
		case chunk, ok := <-chunkCh:
			if !ok {
				return msg, nil
			}
			if chunk.RawError != nil {
				return msg, chunk.RawError
			}

			if timerChan != nil {
				thinkingTimer.Stop()
				timerChan = nil
			}

			e.ProcessChunk(ctx, chunk, &msg, blockCh)

			if chunk.IsFinal {
				return msg, nil
			}

		case <-timerChan:
			if err := e.responder.SendSignal(session, api.SignalThinking); err != nil {
				slog.DebugContext(ctx, "Failed to send thinking signal", "error", err)
			}
			timerChan = nil

		case <-ctx.Done():
			return msg, ctx.Err()
		}
	}
}

// HandleToolCall encapsulates the logic for resolving, parsing, and executing an individual tool call.
func (e *AgentEngine) HandleToolCall(ctx context.Context, tc llm.ToolCall) []llm.ContentBlock {
	cleanName := strings.TrimPrefix(tc.Name, "functions.")

	tool, ok := e.toolRegistry.Get(cleanName)
	if !ok {
		slog.ErrorContext(ctx, "Unknown tool call", "name", tc.Name, "clean_name", cleanName)
		return []llm.ContentBlock{llm.NewTextBlock(fmt.Sprintf("Error: Unknown tool '%s'", tc.Name))}
	}

	rawArgs := strings.TrimSpace(tc.Function.Arguments)
	if rawArgs == "" {
		rawArgs = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		slog.ErrorContext(ctx, "Failed to parse tool args", "name", tc.Name, "args", tc.Function.Arguments, "error", err)
		return []llm.ContentBlock{llm.NewTextBlock(fmt.Sprintf("Error: Failed to parse tool arguments: %v", err))}
	}

	slog.InfoContext(ctx, "Executing tool", "name", cleanName, "args", args)
	res, err := tool.Execute(ctx, args)
	if err != nil {
		slog.ErrorContext(ctx, "Tool execution error", "name", cleanName, "error", err)
		return []llm.ContentBlock{llm.NewTextBlock(fmt.Sprintf("Error: Tool execution failed: %v", err))}
	}

	return ConvertToolResult(res)
}

// ResolveAndCommitToolCall is a resilience wrapper that ensures every tool call
// results in a tool message being added to the history, even if the tool panics.
func (e *AgentEngine) ResolveAndCommitToolCall(ctx context.Context, tc llm.ToolCall, msg *api.UnifiedMessage, history *llm.ChatHistory) {
	var resultBlocks []llm.ContentBlock

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Tool execution panicked", "tool", tc.Name, "error", r)
			resultBlocks = []llm.ContentBlock{llm.NewTextBlock("Error: Internal processing panic")}
		}

		toolResMsg := llm.NewToolResultMessage(tc, "")
		toolResMsg.Content = resultBlocks
		history.Add(toolResMsg)

		if err := e.responder.SendSignal(msg.Session, api.ToolSignal(strings.TrimPrefix(tc.Name, "functions."))); err != nil {
			slog.DebugContext(ctx, "Failed to send tool signal", "error", err)
		}
	}()

	resultBlocks = e.HandleToolCall(ctx, tc)
}

// StreamBlocks is a utility to pipe a slice of content blocks into the gateway's stream.
func (e *AgentEngine) StreamBlocks(ctx context.Context, session api.SessionContext, blocks []llm.ContentBlock) {
	if len(blocks) == 0 {
		return
	}
	resCh := make(chan llm.ContentBlock, len(blocks))
	for _, b := range blocks {
		resCh <- b
	}
	close(resCh)
	if err := e.responder.StreamReply(session, resCh); err != nil {
		slog.ErrorContext(ctx, "Failed to stream blocks", "error", err)
	}
}

// ProcessChunk handles the low-level parsing of a single LLM StreamChunk.
func (e *AgentEngine) ProcessChunk(ctx context.Context, chunk llm.StreamChunk, msg *llm.Message, blockCh chan<- llm.ContentBlock) {
	if chunk.Error != "" {
		errorMsg := fmt.Sprintf("\n❌ %s", chunk.Error)
		msg.AddContentBlock(llm.NewErrorBlock(errorMsg))
		blockCh <- llm.NewErrorBlock(errorMsg)
	}

	for _, block := range chunk.ContentBlocks {
		msg.AddContentBlock(block)

		switch block.Type {
		case llm.BlockTypeText:
			blockCh <- block
		case llm.BlockTypeThinking:
			if e.sysCfg.ShowThinking {
				blockCh <- block
			}
		}
	}

	if len(chunk.ToolCalls) > 0 {
		msg.ToolCalls = append(msg.ToolCalls, chunk.ToolCalls...)
	}

	if chunk.Usage != nil {
		msg.Usage = chunk.Usage
	}
	if chunk.IsFinal && chunk.FinishReason != "" {
		if msg.Usage == nil {
			msg.Usage = &llm.LLMUsage{}
		}
		if msg.Usage.StopReason == "" {
			msg.Usage.StopReason = chunk.FinishReason
		}
	}
}

// AttemptRetry checks if a retry is allowed and, if so, increments the counter.
func (e *AgentEngine) AttemptRetry(ctx context.Context, msg *api.UnifiedMessage, reason string, streamErr error, preview string) bool {
	if ctx.Err() != nil {
		slog.ErrorContext(ctx, "Run deadline reached, skipping retry", "error", ctx.Err())
		e.reply(msg.Session, "❌ The request took too long, please try again.")
		return false
	}
	if streamErr != nil && !e.client.IsTransientError(streamErr) {
		slog.ErrorContext(ctx, "Non-transient error, skipping retry", "error", streamErr)
		e.reply(msg.Session, fmt.Sprintf("❌ %v", streamErr))
		return false
	}

	maxRetries := e.sysCfg.MaxRetries
	if msg.RetryCount >= maxRetries {
		slog.ErrorContext(ctx, "Max retries reached", "max", maxRetries, "reason", reason, "error", streamErr)
		e.reply(msg.Session, "❌ AI response remains abnormal, please try rephrasing your question.")
		return false
	}

	msg.RetryCount++
	slog.WarnContext(ctx, "Abnormal response, retrying",
		"reason", reason,
		"error", streamErr,
		"preview", preview,
		"has_content", preview != "",
		"retry", fmt.Sprintf("%d/%d", msg.RetryCount, maxRetries),
	)

	retryNotice := fmt.Sprintf("⚠️ Abnormal response (%s), attempting automatic fix (%d/%d)...", reason, msg.RetryCount, maxRetries)
	if streamErr != nil {
		retryNotice = fmt.Sprintf("⚠️ Connection error (%v), attempting automatic recovery (%d/%d)...", streamErr, msg.RetryCount, maxRetries)
	}
	e.reply(msg.Session, retryNotice)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(e.sysCfg.RetryDelayMs) * time.Millisecond):
		return true
	}
}

func (e *AgentEngine) reply(session api.SessionContext, text string) {
	if err := e.responder.SendReply(session, text); err != nil {
		slog.Error("Failed to send reply", "channel", session.ChannelID, "chat", session.ChatID, "error", err)
	}
}

// SummarizeContent performs a single pass over the message to derive content info.
func SummarizeContent(msg llm.Message) (hasContent, hasThinking bool, preview string) {
	var sb strings.Builder
	sb.Grow(100)

	for _, b := range msg.Content {
		if b.Type == llm.BlockTypeThinking && len(b.Text) > 0 {
			hasThinking = true
		} else if b.Type == llm.BlockTypeText && len(b.Text) > 0 {
			hasContent = true
			if sb.Len() < 100 {
				remaining := 100 - sb.Len()
				if len(b.Text) > remaining {
					sb.WriteString(b.Text[:remaining])
				} else {
					sb.WriteString(b.Text)
				}
			}
		}
	}

	preview = sb.String()
	if len(preview) >= 100 {
		preview += "..."
	}
	return
}

// ConvertToolResult transforms a api.ToolResult into a slice of llm.ContentBlock.
func ConvertToolResult(res *api.ToolResult) []llm.ContentBlock {
	var blocks []llm.ContentBlock
	if res != nil {
		for _, b := range res.Content {
			if b.Text != "" {
				blocks = append(blocks, llm.NewTextBlock(b.Text))
			}
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, llm.NewTextBlock("(No output)"))
	}
	return blocks
}
