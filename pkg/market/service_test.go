package market

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeFeed struct {
	mu            sync.Mutex
	tickers       []Ticker
	err           error
	snapshotCalls int
	topCalls      int
	lastLimit     int
}

func (f *fakeFeed) Snapshot(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotCalls++
	if f.err != nil {
		return Snapshot{}, f.err
	}
	return Snapshot{Tickers: append([]Ticker(nil), f.tickers...), FetchedAt: time.Unix(1700000000, 0)}, nil
}

// Top ignores the limit on purpose so truncation in Service is exercised.
func (f *fakeFeed) Top(ctx context.Context, limit int) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topCalls++
	f.lastLimit = limit
	if f.err != nil {
		return Snapshot{}, f.err
	}
	return Snapshot{Tickers: append([]Ticker(nil), f.tickers...)}, nil
}

func (f *fakeFeed) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotCalls, f.topCalls
}

func sampleTickers() []Ticker {
	return []Ticker{
		{ID: "90", Name: "Bitcoin", Symbol: "BTC", Slug: "bitcoin", Rank: 1, PriceUSD: "65000.12"},
		{ID: "80", Name: "Ethereum", Symbol: "ETH", Slug: "ethereum", Rank: 2, PriceUSD: "3100.50"},
		{ID: "33", Name: "Bat", Symbol: "XYZ", Slug: "bat-clone", Rank: 3, PriceUSD: "0.01"},
		{ID: "44", Name: "Basic Attention Token", Symbol: "BAT", Slug: "basic-attention-token", Rank: 4, PriceUSD: "0.25"},
		{ID: "55", Name: "Harmony", Symbol: "ONE", Slug: "harmony", Rank: 5, PriceUSD: "0.02"},
		{ID: "66", Name: "One Coin", Symbol: "ONC", Slug: "one", Rank: 6, PriceUSD: "0.0001"},
		{ID: "77", Name: "Bitcoin Copy", Symbol: "BTC", Slug: "bitcoin-copy", Rank: 7, PriceUSD: "0.5"},
	}
}

func TestLookupMatching(t *testing.T) {
	testCases := []struct {
		name      string
		query     string
		wantID    string
		matchedBy MatchField
	}{
		{name: "Symbol lower case", query: "btc", wantID: "90", matchedBy: MatchSymbol},
		{name: "Slug mixed case", query: "eThErEuM", wantID: "80", matchedBy: MatchSlug},
		{name: "Name only", query: "basic attention token", wantID: "44", matchedBy: MatchName},
		{name: "Slug", query: "harmony", wantID: "55", matchedBy: MatchSlug},
		{name: "Surrounding whitespace", query: "  ETH  ", wantID: "80", matchedBy: MatchSymbol},
		{name: "Symbol beats an earlier name match", query: "bat", wantID: "44", matchedBy: MatchSymbol},
		{name: "Slug beats an earlier symbol match", query: "one", wantID: "66", matchedBy: MatchSlug},
		{name: "Duplicate symbol resolves to first in feed order", query: "BTC", wantID: "90", matchedBy: MatchSymbol},
	}

	feed := &fakeFeed{tickers: sampleTickers()}
	svc := NewService(feed, WithCacheTTL(0))

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := svc.Lookup(context.Background(), tc.query)
			if err != nil {
				t.Fatalf("Lookup returned error: %v", err)
			}
			if !res.Found() {
				t.Fatalf("expected %q to be found", tc.query)
			}
			if res.Ticker.ID != tc.wantID {
				t.Errorf("expected id %s, got %s (%s)", tc.wantID, res.Ticker.ID, res.Ticker.Name)
			}
			if res.MatchedBy != tc.matchedBy {
				t.Errorf("expected match on %s, got %s", tc.matchedBy, res.MatchedBy)
			}
			if res.Query != tc.query {
				t.Errorf("query should be carried through, got %q", res.Query)
			}
		})
	}
}

func TestLookupBitcoinScenario(t *testing.T) {
	feed := &fakeFeed{tickers: []Ticker{
		{Name: "Bitcoin", Symbol: "BTC", Slug: "bitcoin", PriceUSD: "65000.12"},
	}}
	svc := NewService(feed)

	res, err := svc.Lookup(context.Background(), "btc")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if !res.Found() || res.Ticker.PriceUSD != "65000.12" {
		t.Fatalf("expected BTC at 65000.12, got %+v", res.Ticker)
	}

	price, err := res.Ticker.Price()
	if err != nil {
		t.Fatalf("Price returned error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("65000.12")) {
		t.Errorf("unexpected decimal price %s", price)
	}

	miss, err := svc.Lookup(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("a miss must not be an error: %v", err)
	}
	if !miss.NotFound() {
		t.Fatalf("expected NotFound, got %+v", miss.Ticker)
	}
	if miss.Query != "ethereum" {
		t.Errorf("NotFound must carry the exact query, got %q", miss.Query)
	}
}

func TestLookupRejectsEmptyQuery(t *testing.T) {
	feed := &fakeFeed{tickers: sampleTickers()}
	svc := NewService(feed)

	for _, q := range []string{"", "   "} {
		_, err := svc.Lookup(context.Background(), q)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("query %q: expected ErrInvalidArgument, got %v", q, err)
		}
	}
	if snaps, _ := feed.calls(); snaps != 0 {
		t.Errorf("invalid input must not reach the feed, got %d calls", snaps)
	}
}

func TestLookupTransportError(t *testing.T) {
	feed := &fakeFeed{err: errors.New("connection reset by peer")}
	svc := NewService(feed)

	_, err := svc.Lookup(context.Background(), "btc")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "snapshot" {
		t.Errorf("expected snapshot TransportError, got %#v", err)
	}
}

func TestLookupIsIdempotent(t *testing.T) {
	feed := &fakeFeed{tickers: sampleTickers()}
	svc := NewService(feed, WithCacheTTL(0))

	first, err := svc.Lookup(context.Background(), "BTC")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Lookup(context.Background(), "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical results, got %+v and %+v", first, second)
	}
	if snaps, _ := feed.calls(); snaps != 2 {
		t.Errorf("cache disabled: expected 2 upstream calls, got %d", snaps)
	}
}

func TestLookupCache(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	feed := &fakeFeed{tickers: sampleTickers()}
	svc := NewService(feed, WithCacheTTL(5*time.Second), WithClock(clock))

	for i := 0; i < 3; i++ {
		if _, err := svc.Lookup(context.Background(), "eth"); err != nil {
			t.Fatal(err)
		}
	}
	if snaps, _ := feed.calls(); snaps != 1 {
		t.Fatalf("expected a single upstream call within the TTL, got %d", snaps)
	}

	now = now.Add(6 * time.Second)
	if _, err := svc.Lookup(context.Background(), "eth"); err != nil {
		t.Fatal(err)
	}
	if snaps, _ := feed.calls(); snaps != 2 {
		t.Errorf("expected a refetch after expiry, got %d calls", snaps)
	}
}

func TestLookupCacheSkipsFailures(t *testing.T) {
	feed := &fakeFeed{err: errors.New("dial tcp: i/o timeout")}
	svc := NewService(feed, WithCacheTTL(time.Minute))

	if _, err := svc.Lookup(context.Background(), "btc"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}

	feed.mu.Lock()
	feed.err = nil
	feed.tickers = sampleTickers()
	feed.mu.Unlock()

	res, err := svc.Lookup(context.Background(), "btc")
	if err != nil || !res.Found() {
		t.Fatalf("expected recovery after a failed fetch, got %v / %+v", err, res)
	}
	if snaps, _ := feed.calls(); snaps != 2 {
		t.Errorf("failed fetch should not be cached, got %d calls", snaps)
	}
}

func TestLookupConcurrent(t *testing.T) {
	feed := &fakeFeed{tickers: sampleTickers()}
	svc := NewService(feed, WithCacheTTL(time.Minute))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Lookup(context.Background(), "bitcoin")
			if err != nil {
				errs <- err
				return
			}
			if !res.Found() || res.Ticker.ID != "90" {
				errs <- errors.New("unexpected lookup result")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if snaps, _ := feed.calls(); snaps < 1 || snaps > 20 {
		t.Errorf("unexpected upstream call count %d", snaps)
	}
}

// blockingFeed holds Snapshot until release is closed.
type blockingFeed struct {
	fakeFeed
	started chan struct{}
	release chan struct{}
}

func (f *blockingFeed) Snapshot(ctx context.Context) (Snapshot, error) {
	close(f.started)
	<-f.release
	return f.fakeFeed.Snapshot(ctx)
}

func TestLookupWaiterHonorsOwnContext(t *testing.T) {
	feed := &blockingFeed{
		fakeFeed: fakeFeed{tickers: sampleTickers()},
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	svc := NewService(feed, WithCacheTTL(time.Minute))

	leader := make(chan error, 1)
	go func() {
		_, err := svc.Lookup(context.Background(), "btc")
		leader <- err
	}()
	<-feed.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Lookup(ctx, "eth"); !errors.Is(err, context.Canceled) || !errors.Is(err, ErrTransport) {
		t.Errorf("cancelled waiter should fail with a transport error wrapping context.Canceled, got %v", err)
	}

	close(feed.release)
	if err := <-leader; err != nil {
		t.Errorf("leader should still succeed, got %v", err)
	}
	if snaps, _ := feed.calls(); snaps != 1 {
		t.Errorf("expected one upstream fetch, got %d", snaps)
	}
}

func TestLookupLeaderCancelDoesNotFailWaiters(t *testing.T) {
	feed := &blockingFeed{
		fakeFeed: fakeFeed{tickers: sampleTickers()},
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	svc := NewService(feed, WithCacheTTL(time.Minute))

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := svc.Lookup(leaderCtx, "btc")
		leader <- err
	}()
	<-feed.started

	type result struct {
		res LookupResult
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		res, err := svc.Lookup(context.Background(), "eth")
		waiter <- result{res, err}
	}()

	cancelLeader()
	if err := <-leader; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled leader should stop waiting, got %v", err)
	}

	close(feed.release)
	got := <-waiter
	if got.err != nil {
		t.Fatalf("waiter with a live context should succeed, got %v", got.err)
	}
	if !got.res.Found() || got.res.Ticker.Symbol != "ETH" {
		t.Errorf("unexpected waiter result %+v", got.res)
	}
	if snaps, _ := feed.calls(); snaps != 1 {
		t.Errorf("expected one upstream fetch, got %d", snaps)
	}
}

func TestLookupSharedFetchIsBounded(t *testing.T) {
	feed := &deadlineFeed{}
	svc := NewService(feed, WithCacheTTL(time.Minute), WithFetchTimeout(50*time.Millisecond))

	_, err := svc.Lookup(context.Background(), "btc")
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, ErrTransport) {
		t.Fatalf("expected a transport error wrapping the fetch deadline, got %v", err)
	}
}

// deadlineFeed blocks until its context ends.
type deadlineFeed struct {
	fakeFeed
}

func (f *deadlineFeed) Snapshot(ctx context.Context) (Snapshot, error) {
	<-ctx.Done()
	return Snapshot{}, ctx.Err()
}

func TestTransportErrorMessage(t *testing.T) {
	testCases := []struct {
		name string
		err  *TransportError
		want string
	}{
		{
			name: "With URL and status",
			err:  &TransportError{Op: "top", URL: "http://feed", StatusCode: 500, Err: errors.New("boom")},
			want: "market top: http://feed: status 500: boom",
		},
		{
			name: "Without URL",
			err:  &TransportError{Op: "snapshot", Err: context.Canceled},
			want: "market snapshot: context canceled",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTop(t *testing.T) {
	five := []Ticker{
		{Name: "A", Symbol: "A", Slug: "a", Rank: 1},
		{Name: "B", Symbol: "B", Slug: "b", Rank: 2},
		{Name: "C", Symbol: "C", Slug: "c", Rank: 3},
		{Name: "D", Symbol: "D", Slug: "d", Rank: 4},
		{Name: "E", Symbol: "E", Slug: "e", Rank: 5},
	}

	testCases := []struct {
		name  string
		n     int
		want  []string
		limit int
	}{
		{name: "Top three of five", n: 3, want: []string{"A", "B", "C"}, limit: 3},
		{name: "Exactly available", n: 5, want: []string{"A", "B", "C", "D", "E"}, limit: 5},
		{name: "More than available", n: 10, want: []string{"A", "B", "C", "D", "E"}, limit: 10},
		{name: "Single", n: 1, want: []string{"A"}, limit: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			feed := &fakeFeed{tickers: five}
			svc := NewService(feed)

			list, err := svc.Top(context.Background(), tc.n)
			if err != nil {
				t.Fatalf("Top returned error: %v", err)
			}
			var got []string
			for _, c := range list.Coins {
				got = append(got, c.Name)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
			if feed.lastLimit != tc.limit {
				t.Errorf("expected limit %d passed upstream, got %d", tc.limit, feed.lastLimit)
			}
			if list.Limit != tc.n {
				t.Errorf("expected Limit %d, got %d", tc.n, list.Limit)
			}
			if snaps, _ := feed.calls(); snaps != 0 {
				t.Errorf("Top must not fetch the full snapshot, got %d calls", snaps)
			}
		})
	}
}

func TestTopEmptyFeed(t *testing.T) {
	svc := NewService(&fakeFeed{})

	list, err := svc.Top(context.Background(), DefaultTopLimit)
	if err != nil {
		t.Fatalf("empty result must not be an error: %v", err)
	}
	if len(list.Coins) != 0 {
		t.Errorf("expected no coins, got %d", len(list.Coins))
	}
	if list.FetchedAt.IsZero() {
		t.Error("FetchedAt should default to now")
	}
}

func TestTopInvalidArgument(t *testing.T) {
	feed := &fakeFeed{tickers: sampleTickers()}
	svc := NewService(feed)

	for _, n := range []int{0, -1, -100} {
		_, err := svc.Top(context.Background(), n)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("n=%d: expected ErrInvalidArgument, got %v", n, err)
		}
	}
	if _, tops := feed.calls(); tops != 0 {
		t.Errorf("invalid limit must not reach the feed, got %d calls", tops)
	}
}

func TestTopTransportError(t *testing.T) {
	feed := &fakeFeed{err: &TransportError{Op: "top", URL: "http://feed", StatusCode: 500, Err: errors.New("boom")}}
	svc := NewService(feed)

	_, err := svc.Top(context.Background(), 10)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != 500 {
		t.Errorf("original TransportError should be preserved, got %#v", err)
	}
}

func TestTickerPriceRejectsGarbage(t *testing.T) {
	_, err := Ticker{Symbol: "BAD", PriceUSD: "n/a"}.Price()
	if err == nil {
		t.Fatal("expected an error for a non-numeric price")
	}
}
