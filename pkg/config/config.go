package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultSystemPrompt keeps the agent on crypto price questions and
	// points it at the two market tools.
	DefaultSystemPrompt = `You are a dedicated Crypto Agent specialized in providing real-time cryptocurrency prices using the 'fetch_coin_rate' and 'fetch_top_coins' tools.

- For the price of a single coin like Bitcoin, Ethereum, or any coin name or symbol, use the 'fetch_coin_rate' tool.

- If the user asks any of the following:
  "top coins today"
  "top 10"
  "top crypto list"
  "top 10 crypto prices"
  "which coins are trending today"
Then use the 'fetch_top_coins' tool.

If a tool returns {"status":"fail"}, relay its details to the user instead of guessing a price.
You should only respond with data from these tools. Do not answer any unrelated questions.`

	// DefaultWelcomeMessage is sent when a chat starts.
	DefaultWelcomeMessage = "**Welcome to the Crypto Price Agent!** 🪙\n" +
		"Ask me about any cryptocurrency's price, or say 'top 10 coins' to get trending crypto list."
)

// Config defines the global application configuration structure.
// This structure maps directly to the config.json file and holds
// business-level settings like channel API keys and LLM provider choices.
type Config struct {
	// Channels contains a map of channel identifiers (e.g., "telegram", "web")
	// to their specific configuration payloads in raw JSON format.
	Channels map[string]jsoniter.RawMessage `json:"channels"`
	// LLM holds the provider groups in raw JSON; pkg/llm decodes it.
	LLM jsoniter.RawMessage `json:"llm"`
	// SystemPrompt is the instruction string sent to the AI as the first
	// message of every agent run.
	SystemPrompt string `json:"system_prompt"`
	// WelcomeMessage greets users when a chat starts (web connect, /start).
	WelcomeMessage string `json:"welcome_message"`
	// Market configures the ticker feed behind the coin tools.
	Market MarketConfig `json:"market"`
}

// MarketConfig controls the CoinLore feed and the snapshot cache.
type MarketConfig struct {
	// BaseURL is the tickers endpoint. Top-N requests add ?limit=n.
	BaseURL string `json:"base_url"`
	// TimeoutMs bounds a single upstream request.
	TimeoutMs int `json:"timeout_ms"`
	// CacheTTLMs is how long a full snapshot is shared across lookups.
	// 0 disables the cache.
	CacheTTLMs int `json:"cache_ttl_ms"`
	// RequestsPerSecond paces upstream calls. 0 disables pacing.
	RequestsPerSecond float64 `json:"requests_per_second"`
	// TopDefaultLimit is used when fetch_top_coins is called without a limit.
	TopDefaultLimit int `json:"top_default_limit"`
}

// Timeout returns TimeoutMs as a duration.
func (m MarketConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// CacheTTL returns CacheTTLMs as a duration.
func (m MarketConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLMs) * time.Millisecond
}

// DefaultConfig returns the values used for every key config.json omits.
func DefaultConfig() *Config {
	return &Config{
		SystemPrompt:   DefaultSystemPrompt,
		WelcomeMessage: DefaultWelcomeMessage,
		Market: MarketConfig{
			BaseURL:           "https://api.coinlore.net/api/tickers/",
			TimeoutMs:         10000,
			CacheTTLMs:        5000,
			RequestsPerSecond: 1,
			TopDefaultLimit:   10,
		},
	}
}

// ErrMissingLLM is returned by Validate when no provider is configured.
var ErrMissingLLM = errors.New("mandatory 'llm' configuration is missing or empty")

// Validate ensures the configuration contains what the chat server needs.
// The market-only CLI commands do not call it.
func (c *Config) Validate() error {
	if len(c.LLM) == 0 {
		return ErrMissingLLM
	}
	if c.Market.TopDefaultLimit <= 0 {
		return fmt.Errorf("market.top_default_limit must be positive, got %d", c.Market.TopDefaultLimit)
	}
	if c.Market.CacheTTLMs < 0 || c.Market.TimeoutMs < 0 || c.Market.RequestsPerSecond < 0 {
		return fmt.Errorf("market timings must not be negative")
	}
	return nil
}

// SystemConfig defines engine-level technical parameters.
// These settings are usually stored in system.json and control the
// performance, reliability, and technical behavior of the agent engine.
type SystemConfig struct {
	// MaxRetries is the number of times the system will attempt to
	// recover from a transient LLM or network error before giving up.
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the duration to wait (in milliseconds) between
	// consecutive retry attempts.
	RetryDelayMs int `json:"retry_delay_ms"`
	// LLMTimeoutMs is the hard cutoff time (in milliseconds) for one agent
	// run. The context will be cancelled if exceeded.
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// MaxToolRounds caps how many tool-call rounds one message may trigger.
	MaxToolRounds int `json:"max_tool_rounds"`
	// MaxConcurrentMessages bounds how many messages are processed at once.
	MaxConcurrentMessages int `json:"max_concurrent_messages"`
	// OllamaDefaultURL is the fallback endpoint used when connecting
	// to a local Ollama instance if no specific URL is provided.
	OllamaDefaultURL string `json:"ollama_default_url"`
	// InternalChannelBuffer defines the size of the internal Go channels
	// used for buffering stream chunks to prevent production blocking.
	InternalChannelBuffer int `json:"internal_channel_buffer"`
	// ThinkingInitDelayMs is the time to wait (in milliseconds) after a
	// user message before showing the "AI is thinking" status in the UI.
	ThinkingInitDelayMs int `json:"thinking_init_delay_ms"`
	// TelegramMessageLimit is the maximum character count for a single
	// Telegram message. Longer responses will be split into multiple chunks.
	TelegramMessageLimit int `json:"telegram_message_limit"`
	// ShowThinking determines whether the AI's internal reasoning process (thinking blocks)
	// should be streamed and displayed to the end user.
	ShowThinking bool `json:"show_thinking"`
	// DebugChunks enables saving every raw LLM response chunk to the /debug
	// folder for inspection and troubleshooting purposes.
	DebugChunks bool `json:"debug_chunks"`
	// LogLevel sets the minimum severity for log output.
	// Accepted values: "debug", "info", "warn", "error". Default: "info".
	LogLevel string `json:"log_level"`
	// EnableTools globally toggles the tool calling (agentic) functionality.
	// If false, the AI will not be provided with any external tools/capabilities.
	EnableTools bool `json:"enable_tools"`
}

// DefaultSystemConfig returns a SystemConfig pointer initialized with hardcoded
// safe default values. This is used as a fallback when the system.json file
// is missing or corrupt, ensuring the engine can always start.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxRetries:            3,
		RetryDelayMs:          500,
		LLMTimeoutMs:          120000,
		MaxToolRounds:         5,
		MaxConcurrentMessages: 8,
		OllamaDefaultURL:      "http://localhost:11434",
		InternalChannelBuffer: 100,
		ThinkingInitDelayMs:   500,
		TelegramMessageLimit:  4000,
		ShowThinking:          false,
		LogLevel:              "info",
		EnableTools:           true,
	}
}

// Load reads config.json (appPath) over DefaultConfig and system.json
// (systemPath) over DefaultSystemConfig. A missing app config is an error;
// a missing or broken system config falls back to defaults.
func Load(appPath, systemPath string) (*Config, *SystemConfig, error) {
	appFile, err := os.ReadFile(appPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(appFile, cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, LoadSystemConfig(systemPath), nil
}

// LoadSystemConfig attempts to load system settings, returns defaults if it fails
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg // File not found, use defaults
	}

	parsed := DefaultSystemConfig()
	if err := json.Unmarshal(file, parsed); err != nil {
		return cfg // Parse failed, use defaults
	}
	return parsed
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Variables already set are not overridden
// and missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}
