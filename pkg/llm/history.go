package llm

import (
	"sync"
)

// ChatHistory 管理單次對話的訊息序列。每則使用者訊息都會建立新的 ChatHistory，
// 不跨訊息保存狀態。
type ChatHistory struct {
	messages []Message
	mu       sync.RWMutex
}

// NewChatHistory 建立一個新的歷史管理員，可帶入初始訊息（例如 system prompt）
func NewChatHistory(initial ...Message) *ChatHistory {
	msgs := make([]Message, 0, len(initial)+4)
	msgs = append(msgs, initial...)
	return &ChatHistory{messages: msgs}
}

// Add 加入新訊息
func (h *ChatHistory) Add(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, msgs...)
}

// GetMessages 取得目前的對話歷史副本
func (h *ChatHistory) GetMessages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cp := make([]Message, len(h.messages))
	copy(cp, h.messages)
	return cp
}

// Len returns the number of stored messages.
func (h *ChatHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
