package gateway

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"coinagent/pkg/api"
	"coinagent/pkg/config"
	"coinagent/pkg/llm"
	"coinagent/pkg/monitor"
)

// GatewayManager 負責管理所有的 Channels 並統一路由訊息
// It implements api.ChannelContext and api.MessageResponder.
type GatewayManager struct {
	channels      map[string]Channel
	msgHandler    MessageHandler
	monitor       monitor.Monitor // 監控器
	channelBuffer int             // 內部 Channel 緩衝大小
	mu            sync.RWMutex
}

// NewGatewayManager 建立一個新的 GatewayManager
func NewGatewayManager() *GatewayManager {
	return &GatewayManager{
		channels:      make(map[string]Channel),
		channelBuffer: 100, // 預設值
	}
}

// WithSystemConfig 套用系統層級參數
func (g *GatewayManager) WithSystemConfig(cfg *config.SystemConfig) {
	g.SetChannelBuffer(cfg.InternalChannelBuffer)
}

// SetChannelBuffer 設定內部的 Channel 緩衝大小
func (g *GatewayManager) SetChannelBuffer(size int) {
	if size > 0 {
		g.channelBuffer = size
	}
}

// SetMessageHandler 設定處理訊息的核心邏輯
func (g *GatewayManager) SetMessageHandler(handler MessageHandler) {
	g.msgHandler = handler
}

// SetMonitor 設定監控器
func (g *GatewayManager) SetMonitor(m monitor.Monitor) {
	g.monitor = m
}

// Register 註冊一個 Channel
func (g *GatewayManager) Register(c Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[c.ID()] = c
}

// GetChannel 取得特定的 Channel (通常用於主動發送訊息)
func (g *GatewayManager) GetChannel(id string) (Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.channels[id]
	return c, ok
}

// ChannelIDs returns the registered channel ids in sorted order.
func (g *GatewayManager) ChannelIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.channels))
	for id := range g.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartAll 啟動所有已註冊的 Channels
func (g *GatewayManager) StartAll() error {
	for _, id := range g.ChannelIDs() {
		c, _ := g.GetChannel(id)
		slog.Info("Starting channel", "channel", id)
		// 啟動 Channel，並傳入 self 作為 Context
		if err := c.Start(g); err != nil {
			return fmt.Errorf("failed to start channel %s: %w", id, err)
		}
	}
	return nil
}

// StopAll 停止所有 Channels 與監控器
func (g *GatewayManager) StopAll() {
	for _, id := range g.ChannelIDs() {
		c, _ := g.GetChannel(id)
		slog.Info("Stopping channel", "channel", id)
		if err := c.Stop(); err != nil {
			slog.Error("Error stopping channel", "channel", id, "error", err)
		}
	}
	if g.monitor != nil {
		if err := g.monitor.Stop(); err != nil {
			slog.Error("Error stopping monitor", "error", err)
		}
	}
}

// SendReply 統一的回覆介面，透過 Channel 介面送回訊息
func (g *GatewayManager) SendReply(session SessionContext, content string) error {
	slog.Debug("Reply", "channel", session.ChannelID, "user", session.Username, "content", content)
	g.notify(monitor.TypeAssistant, session, content)

	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}
	return c.Send(session, content)
}

// SendSignal 發送一個控制訊號 (如 thinking) 到 Channel
func (g *GatewayManager) SendSignal(session SessionContext, signal string) error {
	if _, ok := api.ToolFromSignal(signal); ok {
		g.notify(monitor.TypeSignal, session, signal)
	}

	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}

	// 檢查 Channel 是否支援訊號介面
	if sc, ok := c.(SignalingChannel); ok {
		slog.Debug("Signal", "channel", session.ChannelID, "user", session.Username, "signal", signal)
		return sc.SendSignal(session, signal)
	}

	// 不支援的通道安靜地忽略
	return nil
}

// StreamReply 統一的串流回覆介面
func (g *GatewayManager) StreamReply(session SessionContext, blocks <-chan llm.ContentBlock) error {
	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		// 仍需消耗 blocks，避免生產端阻塞
		for range blocks {
		}
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}

	// 建立一個新的 channel 來包裝原始 blocks，以便收集完整內容廣播到監控器
	wrappedBlocks := make(chan llm.ContentBlock, g.channelBuffer)

	go func() {
		defer close(wrappedBlocks)
		var fullContent strings.Builder
		for block := range blocks {
			// 只收集 text 類型的內容用於監控
			if block.Type == llm.BlockTypeText {
				fullContent.WriteString(block.Text)
			}
			wrappedBlocks <- block
		}
		// 串流結束後，廣播完整訊息到監控器
		if fullContent.Len() > 0 {
			g.notify(monitor.TypeAssistant, session, fullContent.String())
		}
	}()

	err := c.Stream(session, wrappedBlocks)
	// Stream 提前返回時，繼續消耗剩餘內容
	for range wrappedBlocks {
	}
	return err
}

// OnMessage 實作 ChannelContext 介面，接收來自 Channel 的訊息
func (g *GatewayManager) OnMessage(channelID string, msg *UnifiedMessage) {
	slog.Info("Message received",
		"channel", channelID,
		"user", msg.Session.Username,
		"user_id", msg.Session.UserID,
		"content", msg.Content,
	)
	g.notify(monitor.TypeUser, msg.Session, msg.Content)

	if g.msgHandler != nil {
		// 將訊息轉發給核心處理器
		g.msgHandler(msg)
	} else {
		slog.Warn("No message handler set", "channel", channelID)
	}
}

func (g *GatewayManager) notify(kind string, session SessionContext, content string) {
	if g.monitor == nil {
		return
	}
	g.monitor.OnMessage(monitor.MonitorMessage{
		Timestamp:   time.Now(),
		MessageType: kind,
		ChannelID:   session.ChannelID,
		Username:    session.Username,
		Content:     content,
	})
}
