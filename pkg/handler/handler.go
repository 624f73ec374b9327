package handler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"coinagent/pkg/api"
	"coinagent/pkg/config"
	"coinagent/pkg/llm"
	"coinagent/pkg/utils"

	"golang.org/x/sync/semaphore"
)

// ChatHandler receives messages from the gateway and hands each one to the
// agent engine on its own goroutine. At most MaxConcurrentMessages runs are
// in flight; further messages wait for a slot.
// It implements api.GatewayHandler.
type ChatHandler struct {
	ctx       context.Context
	engine    api.AgentEngine
	responder api.MessageResponder
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
}

// NewChatHandler creates a handler whose runs are cancelled with ctx.
func NewChatHandler(ctx context.Context, engine api.AgentEngine, sysCfg *config.SystemConfig) *ChatHandler {
	limit := int64(sysCfg.MaxConcurrentMessages)
	if limit <= 0 {
		limit = 1
	}
	return &ChatHandler{
		ctx:    ctx,
		engine: engine,
		sem:    semaphore.NewWeighted(limit),
	}
}

// SetResponder implements api.ResponderAware.
func (h *ChatHandler) SetResponder(responder api.MessageResponder) {
	h.responder = responder
}

// OnMessage is the primary entry point for processing incoming user messages.
// It assigns a DebugID for log grouping and returns immediately.
func (h *ChatHandler) OnMessage(msg *api.UnifiedMessage) {
	if msg.DebugID == "" {
		msg.DebugID = utils.GenerateShortID()
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(msg)
	}()
}

func (h *ChatHandler) process(msg *api.UnifiedMessage) {
	// Inject debug tracking ID (used to group agent loop logs into one folder)
	ctx := context.WithValue(h.ctx, llm.DebugDirContextKey, msg.DebugID)

	if err := ctx.Err(); err != nil {
		slog.WarnContext(ctx, "Dropped message during shutdown", "channel", msg.Session.ChannelID, "error", err)
		return
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		slog.WarnContext(ctx, "Dropped message during shutdown", "channel", msg.Session.ChannelID, "error", err)
		return
	}
	defer h.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Agent loop panicked", "error", r, "stack", string(debug.Stack()))
			if h.responder != nil {
				_ = h.responder.SendReply(msg.Session, "❌ Internal error, please try again.")
			}
		}
	}()

	start := time.Now()
	slog.DebugContext(ctx, "Agent loop started", "channel", msg.Session.ChannelID, "user", msg.Session.Username)
	h.engine.HandleMessage(ctx, msg)
	slog.InfoContext(ctx, "Agent loop finished", "duration", time.Since(start).String())
}

// Wait blocks until every in-flight message has been handled.
func (h *ChatHandler) Wait() {
	h.wg.Wait()
}
