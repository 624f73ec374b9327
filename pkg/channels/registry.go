package channels

import (
	"sort"
	"sync"

	"coinagent/pkg/api"
	"coinagent/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// ChannelFactory defines the abstract interface for platform-specific
// channel creators. This allows the system to support new platforms
// (e.g., Line, Discord) without modifying the core gateway logic.
type ChannelFactory interface {
	// Create instantiates a concrete Channel implementation using the
	// provided configuration. A nil channel with a nil error means the
	// channel is disabled.
	Create(rawConfig jsoniter.RawMessage, app *config.Config, system *config.SystemConfig) (api.Channel, error)
}

// ChannelFactoryFunc adapts a function to ChannelFactory.
type ChannelFactoryFunc func(rawConfig jsoniter.RawMessage, app *config.Config, system *config.SystemConfig) (api.Channel, error)

// Create implements ChannelFactory.
func (f ChannelFactoryFunc) Create(rawConfig jsoniter.RawMessage, app *config.Config, system *config.SystemConfig) (api.Channel, error) {
	return f(rawConfig, app, system)
}

var (
	registryMu sync.RWMutex
	// channelRegistry maps platform names (e.g., "telegram") to their factories.
	channelRegistry = make(map[string]ChannelFactory)
)

// RegisterChannel adds a new ChannelFactory to the global internal registry.
// This is typically called during the package's init() phase.
func RegisterChannel(name string, factory ChannelFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	channelRegistry[name] = factory
}

// GetChannelFactory retrieves a registered ChannelFactory by platform name.
func GetChannelFactory(name string) (ChannelFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := channelRegistry[name]
	return f, ok
}

// RegisteredChannels lists the known platform names.
func RegisteredChannels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(channelRegistry))
	for name := range channelRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
