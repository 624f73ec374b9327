package web

import (
	"fmt"

	"coinagent/pkg/api"
	"coinagent/pkg/channels"
	"coinagent/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// WebFactory 負責建立 Web Channels
type WebFactory struct{}

// Create 實作 ChannelFactory
func (f *WebFactory) Create(rawConfig jsoniter.RawMessage, app *config.Config, system *config.SystemConfig) (api.Channel, error) {
	pCfg := DefaultWebConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &pCfg); err != nil {
			return nil, fmt.Errorf("failed to parse web config: %w", err)
		}
	}
	if pCfg.Disabled {
		return nil, nil
	}
	if pCfg.Port <= 0 || pCfg.Port > 65535 {
		return nil, fmt.Errorf("invalid web port %d", pCfg.Port)
	}

	return NewWebChannel(pCfg, app.WelcomeMessage), nil
}

func init() {
	channels.RegisterChannel("web", &WebFactory{})
}
