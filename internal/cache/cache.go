package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/chedoparti/clubsync/internal/api"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// FetchFunc loads a value from the backend.
type FetchFunc func(ctx context.Context) (any, error)

// CommitFunc writes a fetched value into the store. It runs at most once
// per fetch, and never for a fetch that lost the sequence race.
type CommitFunc func(value any)

// Options tunes staleness, eviction and the retry policy.
type Options struct {
	// ListStale applies to list and stats keys.
	ListStale time.Duration
	// ScopedStale applies to detail, by-date and by-court keys.
	ScopedStale time.Duration
	// GCTime evicts entries unused for this long.
	GCTime time.Duration

	// MaxRetries bounds re-attempts after the initial try.
	MaxRetries uint64
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps the backoff interval.
	MaxDelay time.Duration

	Clock Clock
	// Permanent classifies errors that must never be retried.
	// Defaults to authentication failures.
	Permanent func(error) bool
}

// DefaultOptions mirrors the staleness policy the UI depends on: five
// minutes for lists and stats, one minute for date- or id-scoped views,
// thirty-minute garbage collection, three retries backing off 1s..30s.
func DefaultOptions() Options {
	return Options{
		ListStale:   5 * time.Minute,
		ScopedStale: time.Minute,
		GCTime:      30 * time.Minute,
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

type entry struct {
	value      any
	err        error
	fetchedAt  time.Time
	lastAccess time.Time
	staleAfter time.Duration

	// seq is the sequence of the last committed response for this key.
	seq uint64

	// Kept so stale entries can refetch in the background and so focus or
	// reconnect triggers can refresh without the caller re-registering.
	fetch  FetchFunc
	commit CommitFunc

	// cancel aborts the in-flight fetch, if any. cancelGen identifies
	// which fetch installed it, so a finishing fetch never clears a
	// newer fetch's cancel.
	cancel    context.CancelFunc
	cancelGen uint64
}

// Cache is the request-deduplication and staleness layer in front of the
// store.
type Cache struct {
	opts  Options
	log   zerolog.Logger
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	nextSeq map[string]uint64
}

// New builds a cache with the given options; zero fields fall back to
// defaults.
func New(opts Options, log zerolog.Logger) *Cache {
	def := DefaultOptions()
	if opts.ListStale == 0 {
		opts.ListStale = def.ListStale
	}
	if opts.ScopedStale == 0 {
		opts.ScopedStale = def.ScopedStale
	}
	if opts.GCTime == 0 {
		opts.GCTime = def.GCTime
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Permanent == nil {
		opts.Permanent = api.IsAuthError
	}
	return &Cache{
		opts:    opts,
		log:     log,
		entries: map[string]*entry{},
		nextSeq: map[string]uint64{},
	}
}

func (c *Cache) staleFor(k Key) time.Duration {
	switch k.Kind {
	case KindList, KindStats:
		return c.opts.ListStale
	default:
		return c.opts.ScopedStale
	}
}

// Get returns the cached value for the key, fetching when absent. A fresh
// entry is returned as-is; a stale entry is returned immediately while a
// background refetch runs. Concurrent callers for the same key share one
// in-flight request.
func (c *Cache) Get(ctx context.Context, key Key, fetch FetchFunc, commit CommitFunc) (any, error) {
	ks := key.String()
	now := c.opts.Clock.Now()

	c.mu.Lock()
	if e, ok := c.entries[ks]; ok {
		e.lastAccess = now
		e.fetch = fetch
		e.commit = commit
		fetchedAt, value := e.fetchedAt, e.value
		staleAfter := e.staleAfter
		c.mu.Unlock()

		if !fetchedAt.IsZero() {
			if now.Sub(fetchedAt) < staleAfter {
				return value, nil
			}
			// Stale but present: serve the cached value, refetch behind it.
			go c.refetch(context.WithoutCancel(ctx), key, fetch, commit)
			return value, nil
		}
	} else {
		c.mu.Unlock()
	}

	return c.refetch(ctx, key, fetch, commit)
}

// refetch performs the deduplicated, retried fetch and commits the result
// unless a later-sequenced response already landed.
func (c *Cache) refetch(ctx context.Context, key Key, fetch FetchFunc, commit CommitFunc) (any, error) {
	ks := key.String()
	value, err, _ := c.group.Do(ks, func() (any, error) {
		seq := c.claimSeq(ks)

		fetchCtx, cancel := context.WithCancel(ctx)
		gen := c.trackInFlight(ks, key, cancel)
		defer c.clearInFlight(ks, gen, cancel)

		v, fetchErr := c.fetchWithRetry(fetchCtx, ks, fetch)
		if fetchErr != nil {
			c.recordError(ks, key, fetchErr)
			return nil, fetchErr
		}
		if !c.commitIfCurrent(ks, key, seq, v, fetch, commit) {
			c.log.Debug().Str("key", ks).Uint64("seq", seq).
				Msg("Discarding out-of-order response")
			return c.currentValue(ks), nil
		}
		if commit != nil {
			commit(v)
		}
		return v, nil
	})
	return value, err
}

func (c *Cache) claimSeq(ks string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq[ks]++
	return c.nextSeq[ks]
}

func (c *Cache) trackInFlight(ks string, key Key, cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureEntryLocked(ks, key)
	e.cancelGen++
	e.cancel = cancel
	return e.cancelGen
}

func (c *Cache) clearInFlight(ks string, gen uint64, cancel context.CancelFunc) {
	c.mu.Lock()
	if e, ok := c.entries[ks]; ok && e.cancelGen == gen {
		e.cancel = nil
	}
	c.mu.Unlock()
	cancel()
}

func (c *Cache) ensureEntryLocked(ks string, key Key) *entry {
	e, ok := c.entries[ks]
	if !ok {
		e = &entry{staleAfter: c.staleFor(key), lastAccess: c.opts.Clock.Now()}
		c.entries[ks] = e
	}
	return e
}

// commitIfCurrent records the fetched value unless a higher sequence was
// already committed for the key. Reports whether the value won.
func (c *Cache) commitIfCurrent(ks string, key Key, seq uint64, value any, fetch FetchFunc, commit CommitFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureEntryLocked(ks, key)
	if seq <= e.seq {
		return false
	}
	e.seq = seq
	e.value = value
	e.err = nil
	e.fetchedAt = c.opts.Clock.Now()
	e.lastAccess = e.fetchedAt
	e.fetch = fetch
	e.commit = commit
	return true
}

func (c *Cache) currentValue(ks string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ks]; ok {
		return e.value
	}
	return nil
}

func (c *Cache) recordError(ks string, key Key, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureEntryLocked(ks, key)
	e.err = err
}

// fetchWithRetry retries transport and server errors up to MaxRetries
// with exponential backoff capped at MaxDelay. Errors classified as
// permanent (authentication failures by default) are returned immediately.
func (c *Cache) fetchWithRetry(ctx context.Context, ks string, fetch FetchFunc) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BaseDelay
	bo.Multiplier = 2
	bo.MaxInterval = c.opts.MaxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var value any
	attempt := 0
	op := func() error {
		attempt++
		v, err := fetch(ctx)
		if err != nil {
			if c.opts.Permanent(err) {
				return backoff.Permanent(err)
			}
			c.log.Warn().Str("key", ks).Int("attempt", attempt).Err(err).
				Msg("Fetch failed, will retry")
			return err
		}
		value = v
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.opts.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return value, nil
}

// Invalidate marks a key stale so the next read refetches. Multiple
// invalidations before the next read coalesce into one refetch. An
// in-flight fetch for the key is forgotten from the dedup group, so a new
// read starts fresh instead of adopting a result the invalidation just
// declared untrustworthy.
func (c *Cache) Invalidate(key Key) {
	ks := key.String()
	c.group.Forget(ks)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ks]; ok {
		e.fetchedAt = time.Time{}
	}
}

// InvalidateResource marks every key of a resource stale.
func (c *Cache) InvalidateResource(resource string) {
	prefix := resource + "/"
	c.mu.Lock()
	var keys []string
	for ks, e := range c.entries {
		if len(ks) >= len(prefix) && ks[:len(prefix)] == prefix {
			e.fetchedAt = time.Time{}
			keys = append(keys, ks)
		}
	}
	c.mu.Unlock()
	for _, ks := range keys {
		c.group.Forget(ks)
	}
}

// InvalidateAll marks the entire cache stale.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	var keys []string
	for ks, e := range c.entries {
		e.fetchedAt = time.Time{}
		keys = append(keys, ks)
	}
	c.mu.Unlock()
	for _, ks := range keys {
		c.group.Forget(ks)
	}
}

// CancelInFlight aborts pending fetches for a resource, called before a
// mutation applies an optimistic write so a late stale read cannot clobber
// it.
func (c *Cache) CancelInFlight(resource string) {
	prefix := resource + "/"
	c.mu.Lock()
	var cancels []context.CancelFunc
	for ks, e := range c.entries {
		if len(ks) >= len(prefix) && ks[:len(prefix)] == prefix && e.cancel != nil {
			cancels = append(cancels, e.cancel)
			e.cancel = nil
		}
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// GC evicts entries unused for longer than the garbage-collection window.
// Returns how many entries were evicted.
func (c *Cache) GC() int {
	now := c.opts.Clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for ks, e := range c.entries {
		if e.cancel == nil && now.Sub(e.lastAccess) > c.opts.GCTime {
			delete(c.entries, ks)
			delete(c.nextSeq, ks)
			evicted++
		}
	}
	if evicted > 0 {
		c.log.Debug().Int("evicted", evicted).Msg("Cache garbage collection")
	}
	return evicted
}

// RefreshStale refetches every entry whose data has gone stale, reusing
// the fetch and commit functions from its last read. Used by the window
// focus and network reconnect triggers.
func (c *Cache) RefreshStale(ctx context.Context) {
	now := c.opts.Clock.Now()
	type job struct {
		key    Key
		fetch  FetchFunc
		commit CommitFunc
	}
	var jobs []job

	c.mu.Lock()
	for ks, e := range c.entries {
		if e.fetch == nil {
			continue
		}
		if e.fetchedAt.IsZero() || now.Sub(e.fetchedAt) >= e.staleAfter {
			jobs = append(jobs, job{key: parseKey(ks), fetch: e.fetch, commit: e.commit})
		}
	}
	c.mu.Unlock()

	for _, j := range jobs {
		go c.refetch(ctx, j.key, j.fetch, j.commit)
	}
}

// Len reports how many entries the cache holds.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
