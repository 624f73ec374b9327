package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"coinagent/pkg/api"
	"coinagent/pkg/market"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	FetchCoinRateName = "fetch_coin_rate"
	FetchTopCoinsName = "fetch_top_coins"

	feedUnavailableText = "Market data feed is unavailable right now. Please try again later."
)

// CoinService is the part of market.Service the tools need.
type CoinService interface {
	Lookup(ctx context.Context, query string) (market.LookupResult, error)
	Top(ctx context.Context, n int) (market.RankedList, error)
}

// NewMarketTools returns the coin price and top-N tools backed by svc.
// defaultLimit applies when fetch_top_coins is called without a limit; a
// non-positive value means market.DefaultTopLimit.
func NewMarketTools(svc CoinService, defaultLimit int) []Tool {
	if defaultLimit <= 0 {
		defaultLimit = market.DefaultTopLimit
	}
	return []Tool{
		&CoinRateTool{svc: svc},
		&TopCoinsTool{svc: svc, defaultLimit: defaultLimit},
	}
}

// failure mirrors the {"status":"fail","details":...} shape the agent is
// prompted to relay.
type failure struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

func failResult(details string, extra map[string]any) *ToolResult {
	b, _ := json.Marshal(failure{Status: "fail", Details: details})
	res := api.NewTextResult(string(b))
	res.IsError = true
	res.Details = map[string]any{"status": "fail", "details": details}
	for k, v := range extra {
		res.Details[k] = v
	}
	return res
}

// errorResult maps service errors onto the tool's failure text.
func errorResult(err error) *ToolResult {
	if errors.Is(err, market.ErrInvalidArgument) {
		return failResult("Invalid request: "+strings.TrimPrefix(err.Error(), market.ErrInvalidArgument.Error()+": "), nil)
	}
	return failResult(feedUnavailableText, map[string]any{"transport": true})
}

//----------------------------------------------------------------
// fetch_coin_rate
//----------------------------------------------------------------

// CoinRateTool looks up the current USD price of a single coin.
type CoinRateTool struct {
	svc CoinService
}

func (t *CoinRateTool) Name() string {
	return FetchCoinRateName
}

func (t *CoinRateTool) Description() string {
	return "Fetches the real-time USD price of a cryptocurrency. " +
		"Pass the coin's name, ticker symbol or id (for example: Bitcoin, BTC, bitcoin)."
}

func (t *CoinRateTool) Parameters() map[string]any {
	return map[string]any{
		"name": map[string]any{
			"type":        "string",
			"description": "The name, symbol, or ID of the cryptocurrency.",
		},
		"symbol": map[string]any{
			"type":        "string",
			"description": "Optional ticker symbol, used when name is empty.",
		},
	}
}

func (t *CoinRateTool) RequiredParameters() []string {
	return []string{"name"}
}

// coinRate is the success payload returned to the model.
type coinRate struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	PriceUSD string `json:"price_usd"`
}

func (t *CoinRateTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	query := stringArg(args, "name")
	if strings.TrimSpace(query) == "" {
		query = stringArg(args, "symbol")
	}

	res, err := t.svc.Lookup(ctx, query)
	if err != nil {
		return errorResult(err), nil
	}
	if res.NotFound() {
		return failResult(fmt.Sprintf("Coin '%s' is not available in the current coin list.", res.Query), map[string]any{"query": res.Query}), nil
	}

	coin := res.Ticker
	b, err := json.Marshal(coinRate{Name: coin.Name, Symbol: coin.Symbol, PriceUSD: coin.PriceUSD})
	if err != nil {
		return nil, fmt.Errorf("encode coin rate: %w", err)
	}
	slog.DebugContext(ctx, "Coin rate resolved", "query", query, "coin", coin.Slug, "matched_by", res.MatchedBy, "price_usd", coin.PriceUSD)

	out := api.NewTextResult(string(b))
	out.Details = map[string]any{
		"coin":       *coin,
		"matched_by": string(res.MatchedBy),
	}
	return out, nil
}

//----------------------------------------------------------------
// fetch_top_coins
//----------------------------------------------------------------

// TopCoinsTool lists the top coins by market cap.
type TopCoinsTool struct {
	svc          CoinService
	defaultLimit int
}

func (t *TopCoinsTool) Name() string {
	return FetchTopCoinsName
}

func (t *TopCoinsTool) Description() string {
	return fmt.Sprintf("Fetches the top cryptocurrencies by market cap (default %d). "+
		"Use it when the user asks about top coins, trending coins, or a crypto price list.", t.defaultLimit)
}

func (t *TopCoinsTool) Parameters() map[string]any {
	return map[string]any{
		"limit": map[string]any{
			"type":        "integer",
			"description": fmt.Sprintf("How many coins to list. Defaults to %d.", t.defaultLimit),
		},
	}
}

func (t *TopCoinsTool) RequiredParameters() []string {
	return nil
}

func (t *TopCoinsTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	limit, err := intArg(args, "limit", t.defaultLimit)
	if err != nil {
		return failResult("Invalid request: "+err.Error(), nil), nil
	}

	list, err := t.svc.Top(ctx, limit)
	if err != nil {
		return errorResult(err), nil
	}

	out := api.NewTextResult(FormatTopCoins(list))
	out.Details = map[string]any{
		"limit": list.Limit,
		"coins": list.Coins,
	}
	return out, nil
}

// FormatTopCoins renders list as the numbered markdown list shown to users.
func FormatTopCoins(list market.RankedList) string {
	if len(list.Coins) == 0 {
		return "No coins are available in the current coin list."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Top %d Cryptocurrencies by Market Cap:**\n", len(list.Coins))
	for i, coin := range list.Coins {
		fmt.Fprintf(&sb, "%d. %s (%s) - $%s\n", i+1, coin.Name, coin.Symbol, coin.PriceUSD)
	}
	return sb.String()
}
