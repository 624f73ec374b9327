package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"coinagent/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// ErrMissingAPIKey is returned when a keyed provider has neither inline keys
// nor a populated environment variable.
var ErrMissingAPIKey = errors.New("missing API key")

// NewFromConfig 根據設定檔建立 LLM Client
func NewFromConfig(rawLLM jsoniter.RawMessage, system *config.SystemConfig) (LLMClient, error) {
	if len(rawLLM) == 0 {
		return nil, fmt.Errorf("missing 'llm' config")
	}
	if system == nil {
		system = config.DefaultSystemConfig()
	}

	var groups []ProviderGroupConfig
	if err := json.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse 'llm' config: %w", err)
	}

	var allAtomicClients []LLMClient
	for _, group := range groups {
		slog.Info("Loading LLM group", "type", group.Type, "models", len(group.Models))

		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			slog.Warn("Unknown provider type", "type", group.Type)
			continue
		}

		if keyed, ok := factory.(KeyedProvider); ok {
			keys, err := resolveAPIKeys(group, keyed.DefaultAPIKeyEnv())
			if err != nil {
				return nil, err
			}
			group.APIKeys = keys
		}

		clients, err := factory.Create(group, system)
		if err != nil {
			slog.Warn("Failed to create clients", "type", group.Type, "error", err)
			continue
		}

		allAtomicClients = append(allAtomicClients, clients...)
	}

	if len(allAtomicClients) == 0 {
		return nil, ErrNoClients
	}

	slog.Info("LLM clients initialized", "count", len(allAtomicClients))

	// 如果只有一個，直接回傳
	if len(allAtomicClients) == 1 {
		return allAtomicClients[0], nil
	}

	// 否則包裹在 FallbackClient 中，並代入系統層級的重試設定
	return &FallbackClient{
		Clients:    allAtomicClients,
		MaxRetries: system.MaxRetries,
		RetryDelay: time.Duration(system.RetryDelayMs) * time.Millisecond,
	}, nil
}

func resolveAPIKeys(group ProviderGroupConfig, defaultEnv string) ([]string, error) {
	var keys []string
	for _, k := range group.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		return keys, nil
	}

	envName := group.APIKeyEnv
	if envName == "" {
		envName = defaultEnv
	}
	if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
		return []string{v}, nil
	}
	return nil, fmt.Errorf("%w: provider %q needs api_keys or the %s environment variable", ErrMissingAPIKey, group.Type, envName)
}
