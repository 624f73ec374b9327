// Package autoload registers every built-in channel factory. Import it for
// side effects.
package autoload

import (
	_ "coinagent/pkg/channels/telegram"
	_ "coinagent/pkg/channels/web"
)
