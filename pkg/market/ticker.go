package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is one market entry of the upstream feed.
// PriceUSD keeps the feed's decimal text untouched; use Price for arithmetic.
type Ticker struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Symbol           string `json:"symbol"`
	Slug             string `json:"nameid"`
	Rank             int    `json:"rank"`
	PriceUSD         string `json:"price_usd"`
	PercentChange24h string `json:"percent_change_24h,omitempty"`
	MarketCapUSD     string `json:"market_cap_usd,omitempty"`
}

// Price parses PriceUSD as an exact decimal.
func (t Ticker) Price() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(t.PriceUSD)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q for %s: %w", t.PriceUSD, t.Symbol, err)
	}
	return d, nil
}

// Snapshot is the set of tickers returned by a single upstream fetch.
type Snapshot struct {
	Tickers   []Ticker
	FetchedAt time.Time
}

// MatchField names the ticker field a lookup matched on.
type MatchField string

const (
	MatchSlug   MatchField = "slug"
	MatchSymbol MatchField = "symbol"
	MatchName   MatchField = "name"
)

// LookupResult is the outcome of a coin lookup. A miss is a value, not an
// error: Ticker is nil and Query carries the original query text.
type LookupResult struct {
	Query     string
	Ticker    *Ticker
	MatchedBy MatchField
}

// Found reports whether the lookup resolved to a ticker.
func (r LookupResult) Found() bool {
	return r.Ticker != nil
}

// NotFound reports whether the query matched no entry in the snapshot.
func (r LookupResult) NotFound() bool {
	return r.Ticker == nil
}

// RankedList holds the top entries in the order the feed ranked them.
type RankedList struct {
	Limit     int
	Coins     []Ticker
	FetchedAt time.Time
}
