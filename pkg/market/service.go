package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultTopLimit is the number of coins returned when a caller asks for
// "the top coins" without a count.
const DefaultTopLimit = 10

// Service resolves coin queries and top-N rankings against a Feed.
// It holds no per-request state and is safe for concurrent use.
type Service struct {
	feed  Feed
	cache *snapshotCache
	now   func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithCacheTTL sets how long a full snapshot is shared across lookups.
// A zero or negative ttl disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.cache.ttl = ttl
	}
}

// WithFetchTimeout bounds a shared snapshot fetch. It should match the
// feed's request timeout; non-positive values are ignored.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cache.fetchTimeout = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.cache.now = now
	}
}

// NewService creates a Service on top of feed.
func NewService(feed Feed, opts ...Option) *Service {
	s := &Service{
		feed:  feed,
		cache: newSnapshotCache(DefaultCacheTTL, nil),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup resolves a free-form coin name, symbol or slug.
//
// Matching is case-insensitive and applied as ordered passes over the
// snapshot: exact slug, then exact symbol, then exact name. Within a pass
// the first entry in feed order wins. A miss is reported through the
// returned LookupResult; err is only set for invalid input or feed failures.
func (s *Service) Lookup(ctx context.Context, query string) (LookupResult, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return LookupResult{Query: query}, fmt.Errorf("%w: empty coin query", ErrInvalidArgument)
	}

	snap, err := s.cache.get(ctx, s.feed.Snapshot)
	if err != nil {
		slog.WarnContext(ctx, "Coin lookup failed", "query", query, "error", err)
		return LookupResult{Query: query}, asTransport("snapshot", err)
	}

	res := Match(snap.Tickers, query)
	if res.NotFound() {
		slog.InfoContext(ctx, "Coin not found", "query", query, "snapshot_size", len(snap.Tickers))
	}
	return res, nil
}

// Top returns the first n coins ranked by the feed. The limit is passed to
// the upstream so the payload stays small; entries keep feed order.
func (s *Service) Top(ctx context.Context, n int) (RankedList, error) {
	if n <= 0 {
		return RankedList{}, fmt.Errorf("%w: limit must be a positive integer, got %d", ErrInvalidArgument, n)
	}

	snap, err := s.feed.Top(ctx, n)
	if err != nil {
		slog.WarnContext(ctx, "Top coins fetch failed", "limit", n, "error", err)
		return RankedList{}, asTransport("top", err)
	}

	coins := snap.Tickers
	if len(coins) > n {
		coins = coins[:n]
	}
	fetchedAt := snap.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}
	return RankedList{Limit: n, Coins: coins, FetchedAt: fetchedAt}, nil
}

// Match applies the lookup precedence to tickers without any I/O.
func Match(tickers []Ticker, query string) LookupResult {
	q := strings.TrimSpace(query)
	passes := []struct {
		field MatchField
		value func(Ticker) string
	}{
		{MatchSlug, func(t Ticker) string { return t.Slug }},
		{MatchSymbol, func(t Ticker) string { return t.Symbol }},
		{MatchName, func(t Ticker) string { return t.Name }},
	}

	for _, p := range passes {
		for i := range tickers {
			if v := p.value(tickers[i]); v != "" && strings.EqualFold(v, q) {
				t := tickers[i]
				return LookupResult{Query: query, Ticker: &t, MatchedBy: p.field}
			}
		}
	}
	return LookupResult{Query: query}
}

// asTransport keeps invalid-argument errors as they are and makes sure any
// other feed failure satisfies errors.Is(err, ErrTransport).
func asTransport(op string, err error) error {
	if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrTransport) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
