package openailm

import (
	"coinagent/pkg/config"
	"coinagent/pkg/llm"
)

// OpenAIFactory handles creation of OpenAI Clients
type OpenAIFactory struct{}

// DefaultAPIKeyEnv implements llm.KeyedProvider.
func (f *OpenAIFactory) DefaultAPIKeyEnv() string {
	return "OPENAI_API_KEY"
}

// Create implements ProviderFactory
func (f *OpenAIFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	var clients []llm.LLMClient

	for _, model := range cfg.Models {
		for _, key := range cfg.APIKeys {
			client := NewClient("openai", key, model, cfg.BaseURL, cfg.Options)
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
	llm.RegisterProvider("openai", &OpenAIFactory{})
}
