// Package autoload registers every built-in LLM provider. Import it for
// side effects.
package autoload

import (
	_ "coinagent/pkg/llm/gemini"
	_ "coinagent/pkg/llm/ollama"
	_ "coinagent/pkg/llm/openailm"
)
