// Package gatecache keeps a per-process copy of the maintenance state so the
// request path can check the gate without touching the store.
//
// Reads are served from memory while the entry is fresh. An expired or
// missing entry is refreshed from the store by a single in-flight call per
// process, bounded by a timeout. When that call fails the cache keeps serving
// the last known state (or the configured fallback) and waits RetryBackoff
// before asking the store again. States pushed over the invalidation bus
// replace the entry immediately unless they are older than it.
package gatecache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alfredjeanlab/maintgate/internal/metrics"
	"github.com/alfredjeanlab/maintgate/internal/model"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultTTL          = 5 * time.Second
	DefaultStoreTimeout = 2 * time.Second
	DefaultRetryBackoff = time.Second
)

// FailPolicy decides what a read returns when the store cannot be reached.
type FailPolicy string

const (
	// FailOpen serves the last known state, or the default disabled state.
	FailOpen FailPolicy = "open"
	// FailClosed serves the last known state only if it is enabled, and
	// otherwise an enabled state with the default message.
	FailClosed FailPolicy = "closed"
)

// ParseFailPolicy parses "open" or "closed" (case-insensitive).
func ParseFailPolicy(s string) (FailPolicy, error) {
	switch p := FailPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FailOpen, FailClosed:
		return p, nil
	case "":
		return FailOpen, nil
	default:
		return "", fmt.Errorf("unknown fail policy %q (must be open or closed)", s)
	}
}

// Source is the read side of the state store.
type Source interface {
	Get(ctx context.Context) (*model.MaintenanceState, error)
}

// Options configures a Cache.
type Options struct {
	TTL          time.Duration
	StoreTimeout time.Duration
	RetryBackoff time.Duration
	FailPolicy   FailPolicy
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time

	// OnChange is called, outside the cache lock, when a store read finds a
	// newer revision than the cache knew. States pushed with Invalidate do
	// not trigger it.
	OnChange func(*model.MaintenanceState)
}

// entry is what Read serves until expiresAt. known is the last state read
// from the store or pushed to the cache; state differs from it only while a
// store failure is being served under the fail policy.
type entry struct {
	state     *model.MaintenanceState
	known     *model.MaintenanceState
	fetchedAt time.Time
	expiresAt time.Time
}

func (e *entry) degraded() bool { return e.state != e.known }

// Cache is the per-process gate cache. The zero value is not usable; call New.
type Cache struct {
	src  Source
	opts Options

	mu  sync.RWMutex
	cur *entry

	flight singleflight.Group
}

const flightKey = "state"

// New returns a cache reading from src.
func New(src Source, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.FailPolicy == "" {
		opts.FailPolicy = FailOpen
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{src: src, opts: opts}
}

// Read returns the current maintenance state. It never fails: store errors
// resolve to the last known state according to the fail policy. The returned
// state is shared and must not be modified.
func (c *Cache) Read(ctx context.Context) *model.MaintenanceState {
	c.mu.RLock()
	e := c.cur
	c.mu.RUnlock()
	if e != nil && c.opts.Now().Before(e.expiresAt) {
		c.opts.Metrics.CacheHit()
		return e.state
	}

	c.opts.Metrics.CacheMiss()
	ch := c.flight.DoChan(flightKey, func() (any, error) {
		return c.refresh(ctx), nil
	})
	select {
	case res := <-ch:
		return res.Val.(*model.MaintenanceState)
	case <-ctx.Done():
		return c.fallback()
	}
}

// Invalidate replaces the cached state with st and restarts its TTL. A state
// older than the cached one is ignored, since bus delivery is unordered. It
// reports whether st was applied.
func (c *Cache) Invalidate(st *model.MaintenanceState) bool {
	if st == nil {
		return false
	}
	now := c.opts.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur.known != nil && st.Revision < c.cur.known.Revision {
		c.opts.Logger.Debug("gatecache: ignoring stale invalidation",
			"revision", st.Revision, "cached_revision", c.cur.known.Revision)
		return false
	}
	st = st.Clone().Normalize()
	c.cur = &entry{state: st, known: st, fetchedAt: now, expiresAt: now.Add(c.opts.TTL)}
	c.opts.Metrics.CacheUpdated(st.Revision, true)
	return true
}

// Snapshot returns the last state read from the store or pushed to the
// cache, without I/O. ok is false when there is none.
func (c *Cache) Snapshot() (st *model.MaintenanceState, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil || c.cur.known == nil {
		return nil, false
	}
	return c.cur.known, true
}

// refresh runs inside the single flight. The store call is detached from the
// leader's cancellation so that followers are not failed by it.
func (c *Cache) refresh(ctx context.Context) *model.MaintenanceState {
	now := c.opts.Now()

	// A flight that finished just before this one started may already have
	// refreshed the entry.
	c.mu.RLock()
	e := c.cur
	c.mu.RUnlock()
	if e != nil && now.Before(e.expiresAt) {
		return e.state
	}

	getCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StoreTimeout)
	defer cancel()
	st, err := c.src.Get(getCtx)
	if err != nil {
		c.opts.Metrics.CacheStoreError()
		c.opts.Logger.Warn("gatecache: store read failed, serving last known state",
			"err", err, "policy", string(c.opts.FailPolicy))
		return c.failed(now)
	}
	st, changed := c.fill(st.Normalize(), now)
	if changed && c.opts.OnChange != nil {
		c.opts.OnChange(st)
	}
	return st
}

// fill stores a state read from the store. If a fresh entry with a newer
// revision was pushed while the read was in flight, that entry wins. changed
// reports whether the stored state is newer than the last known one.
func (c *Cache) fill(st *model.MaintenanceState, now time.Time) (_ *model.MaintenanceState, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.cur; e != nil && !e.degraded() && now.Before(e.expiresAt) && st.Revision < e.known.Revision {
		return e.state, false
	}
	changed = c.cur == nil || c.cur.known == nil || st.Revision > c.cur.known.Revision
	c.cur = &entry{state: st, known: st, fetchedAt: now, expiresAt: now.Add(c.opts.TTL)}
	c.opts.Metrics.CacheUpdated(st.Revision, false)
	return st, changed
}

// failed keeps serving after a store failure and postpones the next attempt.
func (c *Cache) failed(now time.Time) *model.MaintenanceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{fetchedAt: now, expiresAt: now.Add(c.opts.RetryBackoff)}
	if c.cur != nil {
		e.known = c.cur.known
		e.fetchedAt = c.cur.fetchedAt
	}
	e.state = c.policyFallback(e.known)
	c.cur = e
	return e.state
}

// fallback answers a reader whose own context ended before the flight did.
func (c *Cache) fallback() *model.MaintenanceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return c.policyFallback(nil)
	}
	return c.policyFallback(c.cur.known)
}

func (c *Cache) policyFallback(last *model.MaintenanceState) *model.MaintenanceState {
	if c.opts.FailPolicy == FailClosed {
		if last != nil && last.Enabled {
			return last
		}
		return &model.MaintenanceState{Enabled: true, Message: model.DefaultMessage}
	}
	if last != nil {
		return last
	}
	return model.DefaultState()
}
