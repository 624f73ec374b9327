package telegram

import (
	"fmt"
	"os"

	"coinagent/pkg/api"
	"coinagent/pkg/channels"
	"coinagent/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTokenEnv is read when the config carries no token.
const DefaultTokenEnv = "TELEGRAM_BOT_TOKEN"

// TelegramFactory 負責建立 Telegram Channels
type TelegramFactory struct{}

// Create 實作 ChannelFactory
func (f *TelegramFactory) Create(rawConfig jsoniter.RawMessage, app *config.Config, system *config.SystemConfig) (api.Channel, error) {
	var tgCfg TelegramConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &tgCfg); err != nil {
			return nil, fmt.Errorf("failed to parse telegram config: %w", err)
		}
	}
	if tgCfg.Disabled {
		return nil, nil
	}

	if tgCfg.Token == "" {
		env := tgCfg.TokenEnv
		if env == "" {
			env = DefaultTokenEnv
		}
		tgCfg.Token = os.Getenv(env)
	}
	if tgCfg.Token == "" {
		return nil, fmt.Errorf("missing telegram token")
	}

	return NewTelegramChannel(tgCfg, system.TelegramMessageLimit)
}

func init() {
	channels.RegisterChannel("telegram", &TelegramFactory{})
}
