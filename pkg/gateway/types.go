package gateway

import (
	"coinagent/pkg/api"
)

// Re-export types from api package via aliases so channel and handler code
// can depend on gateway alone.
type Channel = api.Channel
type SignalingChannel = api.SignalingChannel
type MessageResponder = api.MessageResponder
type ChannelContext = api.ChannelContext
type UnifiedMessage = api.UnifiedMessage
type SessionContext = api.SessionContext
type MessageHandler = api.MessageHandler
