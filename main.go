package main

import (
	"fmt"
	"os"

	_ "coinagent/pkg/channels/autoload" // 自動註冊 Channels
	_ "coinagent/pkg/llm/autoload"      // 自動註冊 LLM Providers
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
