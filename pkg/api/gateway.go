package api

import (
	"strings"

	"coinagent/pkg/llm"
)

// Control signals sent through SignalingChannel.
const (
	SignalThinking   = "thinking" // the model started producing output
	signalToolPrefix = "tool:"
)

// ToolSignal is the signal announcing that the named tool is running.
func ToolSignal(name string) string {
	return signalToolPrefix + name
}

// ToolFromSignal returns the tool name carried by a ToolSignal.
func ToolFromSignal(signal string) (string, bool) {
	return strings.CutPrefix(signal, signalToolPrefix)
}

// Channel defines the standardized lifecycle interface for communication platforms.
// Stream consumes blocks until the channel is closed.
type Channel interface {
	ID() string
	Start(ctx ChannelContext) error
	Stop() error
	Send(session SessionContext, message string) error
	Stream(session SessionContext, blocks <-chan llm.ContentBlock) error
}

// SignalingChannel is an optional extension of the Channel interface for
// platforms that support control signals (e.g., typing indicators, thinking UI).
type SignalingChannel interface {
	Channel
	// SendSignal transmits a control signal (SignalThinking or a ToolSignal)
	// to the target session to change UI state.
	SendSignal(session SessionContext, signal string) error
}

// ChannelContext provides the interface for a Channel implementation to
// communicate back with the Gateway core.
type ChannelContext interface {
	MessageResponder
	OnMessage(channelID string, msg *UnifiedMessage)
}

// MessageResponder defines the capabilities for sending responses back to a channel.
type MessageResponder interface {
	SendReply(session SessionContext, content string) error
	StreamReply(session SessionContext, blocks <-chan llm.ContentBlock) error
	SendSignal(session SessionContext, signal string) error
}

// UnifiedMessage defines the standardized internal data structure for all
// incoming messages, whichever channel they arrive on.
type UnifiedMessage struct {
	Session    SessionContext // Contextual information about the source (User, Chat)
	Content    string         // Standardized text content of the message
	Raw        any            // Optional storage for the original platform-specific payload object
	RetryCount int            // Counter for automatic recovery attempts during stream failures
	NoTools    bool           // Virtual flag to disable tool calling for specific requests
	DebugID    string         // Unique identifier for grouping agentic loop logs for this request
}

// SessionContext encapsulates identity and routing information for a specific
// conversation unit on a specific communication channel.
type SessionContext struct {
	ChannelID string // Identifier of the channel that originated the session (e.g., "telegram")
	UserID    string // Platform-specific unique identifier for the user
	ChatID    string // Platform-specific identifier for the chat or group (may match UserID for DMs)
	Username  string // Display name or nickname of the user as provided by the platform
}

// MessageHandler defines the function signature for processing incoming messages.
// It implements the MessageProcessor interface.
type MessageHandler func(*UnifiedMessage)

// OnMessage allows MessageHandler to satisfy the MessageProcessor interface.
func (h MessageHandler) OnMessage(msg *UnifiedMessage) {
	h(msg)
}

// MessageProcessor defines the interface for components that can process incoming messages.
type MessageProcessor interface {
	OnMessage(msg *UnifiedMessage)
}

// ResponderAware defines an interface for components that require a MessageResponder to be injected.
type ResponderAware interface {
	SetResponder(responder MessageResponder)
}

// GatewayHandler is a composite interface for components that handle incoming
// messages AND are aware of the responder (e.g., handler.ChatHandler).
type GatewayHandler interface {
	MessageProcessor
	ResponderAware
}
