package market

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how long a full snapshot is reused across lookups.
const DefaultCacheTTL = 5 * time.Second

// snapshotCache keeps the most recent full snapshot for ttl and collapses
// concurrent misses into a single upstream request. Failed fetches are
// never stored.
type snapshotCache struct {
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	group        singleflight.Group

	mu      sync.RWMutex
	snap    Snapshot
	expires time.Time
	valid   bool
}

func newSnapshotCache(ttl time.Duration, now func() time.Time) *snapshotCache {
	if now == nil {
		now = time.Now
	}
	return &snapshotCache{ttl: ttl, fetchTimeout: DefaultRequestTimeout, now: now}
}

func (c *snapshotCache) cached() (Snapshot, bool) {
	if c.ttl <= 0 {
		return Snapshot{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.valid && c.now().Before(c.expires) {
		return c.snap, true
	}
	return Snapshot{}, false
}

func (c *snapshotCache) store(snap Snapshot) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	c.expires = c.now().Add(c.ttl)
	c.valid = true
}

// get returns the cached snapshot or calls fetch. The shared upstream
// request is detached from the caller that started it and bounded by
// fetchTimeout, so one caller giving up never fails the others. Each caller
// stops waiting when its own context ends.
func (c *snapshotCache) get(ctx context.Context, fetch func(context.Context) (Snapshot, error)) (Snapshot, error) {
	if snap, ok := c.cached(); ok {
		return snap, nil
	}

	ch := c.group.DoChan("snapshot", func() (any, error) {
		if snap, ok := c.cached(); ok {
			return snap, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		snap, err := fetch(fetchCtx)
		if err != nil {
			return Snapshot{}, err
		}
		c.store(snap)
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}
