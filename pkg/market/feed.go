package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultBaseURL        = "https://api.coinlore.net/api/tickers/"
	DefaultRequestTimeout = 10 * time.Second
	// CoinLore asks clients to stay around one request per second.
	DefaultRequestsPerSecond = 1.0

	maxBodyBytes = 32 << 20
)

// Feed is the upstream ticker source consumed by Service.
type Feed interface {
	// Snapshot fetches the full current ticker list.
	Snapshot(ctx context.Context) (Snapshot, error)
	// Top fetches the first limit entries, truncated by the upstream.
	Top(ctx context.Context, limit int) (Snapshot, error)
}

// FeedConfig configures the CoinLore HTTP feed.
type FeedConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	HTTPClient        *http.Client
}

// CoinLoreFeed polls the CoinLore tickers endpoint.
type CoinLoreFeed struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// tickersResponse mirrors the CoinLore payload. Data is a pointer so a
// missing field can be told apart from an empty list.
type tickersResponse struct {
	Data *[]Ticker `json:"data"`
}

// NewCoinLoreFeed builds a feed from cfg, filling zero values with defaults.
func NewCoinLoreFeed(cfg FeedConfig) *CoinLoreFeed {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	f := &CoinLoreFeed{
		baseURL:    cfg.BaseURL,
		httpClient: client,
	}
	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return f
}

// Snapshot implements Feed.
func (f *CoinLoreFeed) Snapshot(ctx context.Context) (Snapshot, error) {
	return f.fetch(ctx, "snapshot", f.baseURL)
}

// Top implements Feed.
func (f *CoinLoreFeed) Top(ctx context.Context, limit int) (Snapshot, error) {
	if limit <= 0 {
		return Snapshot{}, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, limit)
	}
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return Snapshot{}, &TransportError{Op: "top", URL: f.baseURL, Err: err}
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	return f.fetch(ctx, "top", u.String())
}

func (f *CoinLoreFeed) fetch(ctx context.Context, op, target string) (Snapshot, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return Snapshot{}, &TransportError{Op: op, URL: target, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Snapshot{}, &TransportError{Op: op, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, &TransportError{Op: op, URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Snapshot{}, &TransportError{Op: op, URL: target, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Snapshot{}, &TransportError{
			Op:         op,
			URL:        target,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	var payload tickersResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Snapshot{}, &TransportError{Op: op, URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	if payload.Data == nil {
		return Snapshot{}, &TransportError{Op: op, URL: target, StatusCode: resp.StatusCode, Err: errors.New("response has no data field")}
	}

	tickers := *payload.Data
	for i := range tickers {
		if tickers[i].Rank == 0 {
			tickers[i].Rank = i + 1
		}
	}

	slog.DebugContext(ctx, "Fetched tickers", "op", op, "count", len(tickers), "duration", time.Since(start).String())

	return Snapshot{Tickers: tickers, FetchedAt: time.Now()}, nil
}
