package gemini

import (
	"context"
	"log/slog"

	"coinagent/pkg/config"
	"coinagent/pkg/llm"
)

// GeminiFactory handles creation of Gemini Clients
type GeminiFactory struct{}

// DefaultAPIKeyEnv implements llm.KeyedProvider.
func (f *GeminiFactory) DefaultAPIKeyEnv() string {
	return "GEMINI_API_KEY"
}

// Create implements ProviderFactory
func (f *GeminiFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	var clients []llm.LLMClient

	// Determine thinking mode from unified options
	useThought := false
	if effort, ok := cfg.Options["thinking_effort"].(string); ok && effort != "" && effort != "off" {
		useThought = true
	}

	// Cartesian Product: Models x Keys (prioritize models)
	for _, model := range cfg.Models {
		for _, key := range cfg.APIKeys {
			client, err := NewGeminiClient(context.Background(), key, model, useThought, cfg.UseThoughtSignature)
			if err != nil {
				slog.Error("Failed to create Gemini client", "model", model, "error", err)
				continue
			}
			client.SetDebug(sys.DebugChunks)
			if sys.InternalChannelBuffer > 0 {
				client.bufferSize = sys.InternalChannelBuffer
			}
			clients = append(clients, client)
		}
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("gemini", &GeminiFactory{})
}
