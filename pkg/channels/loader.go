package channels

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"coinagent/pkg/api"
	"coinagent/pkg/config"
)

// LoadChannels builds every channel listed in app.Channels. Unknown names
// are skipped with a warning; a factory error aborts loading so a broken
// config is reported at startup.
func LoadChannels(app *config.Config, system *config.SystemConfig) ([]api.Channel, error) {
	names := make([]string, 0, len(app.Channels))
	for name := range app.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []api.Channel
	var errs []error
	for _, name := range names {
		factory, ok := GetChannelFactory(name)
		if !ok {
			slog.Warn("Unknown channel type", "name", name, "known", RegisteredChannels())
			continue
		}

		channel, err := factory.Create(app.Channels[name], app, system)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", name, err))
			continue
		}

		// If Create returns nil (e.g., disabled in config), skip
		if channel == nil {
			slog.Info("Channel disabled", "name", name)
			continue
		}

		out = append(out, channel)
		slog.Info("Channel created", "name", name)
	}
	return out, errors.Join(errs...)
}
