package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"coinagent/pkg/agent"
	"coinagent/pkg/channels"
	"coinagent/pkg/config"
	"coinagent/pkg/gateway"
	"coinagent/pkg/handler"
	"coinagent/pkg/llm"
	"coinagent/pkg/market"
	"coinagent/pkg/monitor"
	"coinagent/pkg/tools"

	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	systemPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "coinagent",
		Short: "Crypto price agent over the CoinLore ticker feed",
		Long: `coinagent answers cryptocurrency price questions through an LLM agent
with two tools: fetch_coin_rate and fetch_top_coins.

Without a subcommand it starts the chat server (same as "coinagent serve").`,
		SilenceUsage: true,
		Version:      version + " (" + commit + ")",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(opts.envFile); err != nil {
				return err
			}
			monitor.SetupSlog(opts.logLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.json", "application config file")
	root.PersistentFlags().StringVar(&opts.systemPath, "system", "system.json", "engine config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "dotenv file loaded before startup")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newPriceCmd(opts))
	root.AddCommand(newTopCmd(opts))
	return root
}

// --- Serve Command ---

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway and its channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func runServe(ctx context.Context, out io.Writer, opts *rootOptions) error {
	// --- 0. 讀取設定檔 ---
	cfg, sys, err := config.Load(opts.configPath, opts.systemPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.logLevel == "" {
		monitor.SetLogLevel(sys.LogLevel)
	}
	monitor.PrintBanner(out, version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 1. LLM 設定 ---
	client, err := llm.NewFromConfig(cfg.LLM, sys)
	if err != nil {
		return fmt.Errorf("init LLM client: %w", err)
	}

	// --- 2. 市場資料與工具 ---
	marketTools := tools.NewMarketTools(newMarketService(cfg), cfg.Market.TopDefaultLimit)

	// --- 3. Channels ---
	chs, err := channels.LoadChannels(cfg, sys)
	if err != nil {
		return err
	}

	// --- 4. Gateway 初始化（使用 Builder 模式）---
	engine := agent.NewAgentEngine(client, cfg, sys)
	chatHandler := handler.NewChatHandler(ctx, engine, sys)
	gw, err := gateway.NewGatewayBuilder().
		WithSystemConfig(sys).
		WithMonitor(monitor.NewCLIMonitor()).
		WithChannel(chs...).
		WithAgentEngine(engine).
		WithTools(marketTools...).
		WithHandler(chatHandler).
		Build()
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	slog.Info("Gateway started", "channels", gw.ChannelIDs(), "tools", len(marketTools))

	go reloadOnChange(ctx, opts)

	// 等待信號
	<-ctx.Done()
	slog.Info("Received shutdown signal. Stopping services...")

	// 執行清理
	gw.StopAll()
	chatHandler.Wait()
	slog.Info("Bye!")
	return nil
}

// reloadOnChange re-applies the log level whenever system.json changes.
// An explicit --log-level flag wins over the file.
func reloadOnChange(ctx context.Context, opts *rootOptions) {
	for range config.WatchConfig(ctx, opts.configPath, opts.systemPath) {
		sys := config.LoadSystemConfig(opts.systemPath)
		if opts.logLevel != "" {
			continue
		}
		monitor.SetLogLevel(sys.LogLevel)
		slog.Info("Configuration reloaded", "log_level", sys.LogLevel)
	}
}

// --- Price / Top Commands ---

func newPriceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "price <coin>",
		Short: "Print the USD price of one coin",
		Example: `  coinagent price bitcoin
  coinagent price BTC
  coinagent price "Bitcoin Cash"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd.Context(), cmd.OutOrStdout(), opts, tools.FetchCoinRateName, map[string]any{
				"name": strings.Join(args, " "),
			})
		},
	}
}

func newTopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "top [n]",
		Short: "Print the top coins by market cap",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs := map[string]any{}
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("n must be a whole number, got %q", args[0])
				}
				toolArgs["limit"] = n
			}
			return runTool(cmd.Context(), cmd.OutOrStdout(), opts, tools.FetchTopCoinsName, toolArgs)
		},
	}
}

// runTool executes one market tool directly, without an LLM.
func runTool(ctx context.Context, out io.Writer, opts *rootOptions, name string, args map[string]any) error {
	cfg, sys, err := loadMarketConfig(opts)
	if err != nil {
		return err
	}
	if opts.logLevel == "" {
		monitor.SetLogLevel(sys.LogLevel)
	}

	registry := tools.NewToolRegistry(tools.NewMarketTools(newMarketService(cfg), cfg.Market.TopDefaultLimit)...)
	tool, ok := registry.Get(name)
	if !ok {
		return fmt.Errorf("tool %s not registered", name)
	}

	res, err := tool.Execute(ctx, args)
	if err != nil {
		return err
	}
	if res.IsError {
		if details, ok := res.Details["details"].(string); ok {
			return errors.New(details)
		}
		return errors.New(res.Text())
	}
	fmt.Fprintln(out, strings.TrimRight(res.Text(), "\n"))
	return nil
}

// loadMarketConfig reads the config files when present. The market commands
// need no LLM, so a missing config.json means defaults.
func loadMarketConfig(opts *rootOptions) (*config.Config, *config.SystemConfig, error) {
	if _, err := os.Stat(opts.configPath); errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig(), config.LoadSystemConfig(opts.systemPath), nil
	}
	return config.Load(opts.configPath, opts.systemPath)
}

func newMarketService(cfg *config.Config) *market.Service {
	feed := market.NewCoinLoreFeed(market.FeedConfig{
		BaseURL:           cfg.Market.BaseURL,
		Timeout:           cfg.Market.Timeout(),
		RequestsPerSecond: cfg.Market.RequestsPerSecond,
	})
	return market.NewService(feed,
		market.WithCacheTTL(cfg.Market.CacheTTL()),
		market.WithFetchTimeout(cfg.Market.Timeout()),
	)
}
