// Package cache stores rendered images by content hash across a memory LRU,
// an optional remote tier and a durable blob store, and serialises renders of
// the same hash behind a render lock.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/dsl-png-renderer/internal/metrics"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
	"github.com/JakeFAU/dsl-png-renderer/internal/storage"
)

// Defaults applied by New.
const (
	DefaultCapacity = 256
	DefaultTTL      = time.Hour
	DefaultPrefix   = "renders"
)

// ErrStorage wraps failures writing to the remote or durable tiers.
var ErrStorage = errors.New("cache storage failure")

// Tier names used in metrics and logs.
const (
	TierMemory = "memory"
	TierRemote = "remote"
	TierBlob   = "blob"
)

// Remote is a shared key/value tier with native expiry, such as Redis.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config tunes the cache.
type Config struct {
	// Capacity is the number of entries kept in memory.
	Capacity int
	// TTL applies when Put is called with a non-positive ttl.
	TTL time.Duration
	// Prefix is the blob path prefix for durable objects.
	Prefix string
}

// Options wires optional tiers and collaborators.
type Options struct {
	Remote Remote
	Blobs  storage.BlobStore
	Logger *zap.Logger
	Now    func() time.Time
}

// Stats summarises the memory tier.
type Stats struct {
	Entries  int  `json:"entries"`
	Capacity int  `json:"capacity"`
	Pinned   int  `json:"pinned"`
	Remote   bool `json:"remote"`
	Durable  bool `json:"durable"`
}

type entry struct {
	result    *render.Result
	expiresAt time.Time
}

// record is the serialised form kept in the remote and blob tiers.
type record struct {
	Result    *render.Result `json:"result"`
	PNG       []byte         `json:"png,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Cache is safe for concurrent use.
type Cache struct {
	capacity int
	ttl      time.Duration
	prefix   string
	remote   Remote
	blobs    storage.BlobStore
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	mem   *lru.Cache[string, *entry]
	size  int
	pins  map[string]int
	group singleflight.Group
}

// New builds a cache. Remote and Blobs may be nil.
func New(cfg Config, opts Options) (*Cache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	mem, err := lru.New[string, *entry](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		prefix:   cfg.Prefix,
		remote:   opts.Remote,
		blobs:    opts.Blobs,
		logger:   logger.Named("cache"),
		now:      now,
		mem:      mem,
		size:     cfg.Capacity,
		pins:     make(map[string]int),
	}, nil
}

func (c *Cache) remoteKey(hash string) string {
	return "dslpng:render:" + hash
}

func (c *Cache) blobPath(hash, ext string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return fmt.Sprintf("%s/%s/%s.%s", c.prefix, shard, hash, ext)
}

// Lookup returns a copy of the cached result for hash, marked FromCache.
// Lower tiers are consulted in order and a hit repopulates the faster tiers.
// Tier read failures are logged and treated as misses.
func (c *Cache) Lookup(ctx context.Context, hash string) (*render.Result, bool, error) {
	if res, ok := c.lookupMemory(hash); ok {
		metrics.ObserveCacheLookup(TierMemory, "hit")
		return hit(res), true, nil
	}
	metrics.ObserveCacheLookup(TierMemory, "miss")

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if rec, ok := c.lookupRemote(ctx, hash); ok {
		metrics.ObserveCacheLookup(TierRemote, "hit")
		c.addMemory(hash, rec.Result, rec.ExpiresAt)
		return hit(rec.Result), true, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if rec, ok := c.lookupBlob(ctx, hash); ok {
		metrics.ObserveCacheLookup(TierBlob, "hit")
		c.addMemory(hash, rec.Result, rec.ExpiresAt)
		if c.remote != nil {
			if err := c.putRemote(ctx, hash, rec.Result, rec.ExpiresAt); err != nil {
				c.logger.Warn("repopulate remote tier failed", zap.String("content_hash", hash), zap.Error(err))
			}
		}
		return hit(rec.Result), true, nil
	}
	return nil, false, ctx.Err()
}

func hit(res *render.Result) *render.Result {
	out := res.Clone()
	out.FromCache = true
	return out
}

func (c *Cache) lookupMemory(hash string) (*render.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.mem.Get(hash)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		if c.pins[hash] == 0 {
			c.mem.Remove(hash)
			metrics.ObserveCacheEviction("ttl", 1)
		}
		return nil, false
	}
	return e.result, true
}

func (c *Cache) lookupRemote(ctx context.Context, hash string) (*record, bool) {
	if c.remote == nil {
		return nil, false
	}
	raw, ok, err := c.remote.Get(ctx, c.remoteKey(hash))
	if err != nil {
		c.logger.Warn("remote tier read failed", zap.String("content_hash", hash), zap.Error(err))
		metrics.ObserveCacheLookup(TierRemote, "error")
		return nil, false
	}
	if !ok {
		metrics.ObserveCacheLookup(TierRemote, "miss")
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Result == nil {
		c.logger.Warn("remote tier entry corrupt", zap.String("content_hash", hash), zap.Error(err))
		metrics.ObserveCacheLookup(TierRemote, "error")
		return nil, false
	}
	if !c.now().Before(rec.ExpiresAt) {
		metrics.ObserveCacheLookup(TierRemote, "miss")
		return nil, false
	}
	rec.Result.PNG = rec.PNG
	return &rec, true
}

func (c *Cache) lookupBlob(ctx context.Context, hash string) (*record, bool) {
	if c.blobs == nil {
		return nil, false
	}
	raw, err := c.blobs.GetObject(ctx, c.blobPath(hash, "json"))
	if errors.Is(err, storage.ErrObjectNotFound) {
		metrics.ObserveCacheLookup(TierBlob, "miss")
		return nil, false
	}
	if err != nil {
		c.logger.Warn("blob tier read failed", zap.String("content_hash", hash), zap.Error(err))
		metrics.ObserveCacheLookup(TierBlob, "error")
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Result == nil {
		c.logger.Warn("blob metadata corrupt", zap.String("content_hash", hash), zap.Error(err))
		metrics.ObserveCacheLookup(TierBlob, "error")
		return nil, false
	}
	if !c.now().Before(rec.ExpiresAt) {
		metrics.ObserveCacheLookup(TierBlob, "miss")
		c.deleteBlobs(ctx, hash)
		return nil, false
	}
	png, err := c.blobs.GetObject(ctx, c.blobPath(hash, "png"))
	if err != nil {
		c.logger.Warn("blob image read failed", zap.String("content_hash", hash), zap.Error(err))
		metrics.ObserveCacheLookup(TierBlob, "error")
		return nil, false
	}
	rec.Result.PNG = png
	return &rec, true
}

func (c *Cache) deleteBlobs(ctx context.Context, hash string) {
	for _, ext := range []string{"json", "png"} {
		if err := c.blobs.DeleteObject(ctx, c.blobPath(hash, ext)); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			c.logger.Debug("delete expired blob failed", zap.String("content_hash", hash), zap.Error(err))
		}
	}
}

// Put stores result under hash in every configured tier. ttl <= 0 uses the
// configured default. The memory tier always succeeds; failures in the lower
// tiers are joined and wrapped with ErrStorage. When the durable tier accepts
// the image, result.BlobURI is set to its location.
func (c *Cache) Put(ctx context.Context, hash string, result *render.Result, ttl time.Duration) error {
	if result == nil {
		return fmt.Errorf("put %s: nil result", hash)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	expiresAt := c.now().Add(ttl)

	var errs []error
	if c.blobs != nil {
		uri, err := c.putBlob(ctx, hash, result, expiresAt)
		if err != nil {
			errs = append(errs, err)
		} else {
			result.BlobURI = uri
		}
	}
	if c.remote != nil {
		if err := c.putRemote(ctx, hash, result, expiresAt); err != nil {
			errs = append(errs, err)
		}
	}

	stored := result.Clone()
	stored.FromCache = false
	c.addMemory(hash, stored, expiresAt)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrStorage, errors.Join(errs...))
	}
	return nil
}

func (c *Cache) putRemote(ctx context.Context, hash string, result *render.Result, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(record{Result: result, PNG: result.PNG, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("encode remote entry: %w", err)
	}
	if err := c.remote.Set(ctx, c.remoteKey(hash), raw, ttl); err != nil {
		return fmt.Errorf("remote tier: %w", err)
	}
	return nil
}

func (c *Cache) putBlob(ctx context.Context, hash string, result *render.Result, expiresAt time.Time) (string, error) {
	uri, err := c.blobs.PutObject(ctx, c.blobPath(hash, "png"), "image/png", bytes.NewReader(result.PNG))
	if err != nil {
		return "", fmt.Errorf("blob tier image: %w", err)
	}
	meta := result.Clone()
	meta.BlobURI = uri
	raw, err := json.Marshal(record{Result: meta, ExpiresAt: expiresAt})
	if err != nil {
		return "", fmt.Errorf("encode blob metadata: %w", err)
	}
	if _, err := c.blobs.PutObject(ctx, c.blobPath(hash, "json"), "application/json", bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("blob tier metadata: %w", err)
	}
	return uri, nil
}

func (c *Cache) addMemory(hash string, result *render.Result, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mem.Contains(hash) && c.mem.Len() >= c.size {
		c.makeRoomLocked()
	}
	c.mem.Add(hash, &entry{result: result, expiresAt: expiresAt})
}

// makeRoomLocked evicts the least recently used unpinned entry. When every
// entry is pinned the memory tier grows by one until pins are released.
func (c *Cache) makeRoomLocked() {
	for _, key := range c.mem.Keys() {
		if c.pins[key] > 0 {
			continue
		}
		c.mem.Remove(key)
		metrics.ObserveCacheEviction("capacity", 1)
		return
	}
	c.size++
	c.mem.Resize(c.size)
}

// shrinkLocked returns the memory tier to its configured capacity once pins
// allow it.
func (c *Cache) shrinkLocked() {
	if c.size == c.capacity {
		return
	}
	for c.mem.Len() > c.capacity {
		evicted := false
		for _, key := range c.mem.Keys() {
			if c.pins[key] > 0 {
				continue
			}
			c.mem.Remove(key)
			metrics.ObserveCacheEviction("capacity", 1)
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
	c.size = max(c.capacity, c.mem.Len())
	c.mem.Resize(c.size)
}

// EvictExpired removes expired, unpinned entries from the memory tier and
// returns how many were removed. Remote entries expire natively and durable
// entries are removed lazily on lookup.
func (c *Cache) EvictExpired(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, key := range c.mem.Keys() {
		if c.pins[key] > 0 {
			continue
		}
		e, ok := c.mem.Peek(key)
		if ok && !now.Before(e.expiresAt) {
			c.mem.Remove(key)
			removed++
		}
	}
	metrics.ObserveCacheEviction("ttl", removed)
	return removed
}

// Run evicts expired entries every interval until ctx ends.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.EvictExpired(ctx); n > 0 {
				c.logger.Debug("evicted expired entries", zap.Int("count", n))
			}
		}
	}
}

// RenderFunc produces the image for a hash while its render lock is held.
type RenderFunc func(ctx context.Context) (*render.Result, error)

// Do runs fn under the render lock for hash. Concurrent callers for the same
// hash attach to the in-flight call and observe its outcome; shared reports
// whether this caller attached to another caller's render. The hash stays
// pinned in the memory tier until fn returns. If the caller that started the
// render was cancelled, attached callers whose own context is still live
// start a new render.
func (c *Cache) Do(ctx context.Context, hash string, fn RenderFunc) (res *render.Result, shared bool, err error) {
	for {
		ch := c.group.DoChan(hash, func() (any, error) {
			c.pin(hash)
			defer c.unpin(hash)
			if cached, ok := c.lookupMemory(hash); ok {
				return hit(cached), nil
			}
			return fn(ctx)
		})
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case out := <-ch:
			if out.Err != nil {
				if out.Shared && ctx.Err() == nil && isContextErr(out.Err) {
					continue
				}
				return nil, out.Shared, out.Err
			}
			r, _ := out.Val.(*render.Result)
			return r.Clone(), out.Shared, nil
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) pin(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[hash]++
}

func (c *Cache) unpin(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[hash]--
	if c.pins[hash] <= 0 {
		delete(c.pins, hash)
	}
	c.shrinkLocked()
}

// Pinned reports whether a render lock is held for hash.
func (c *Cache) Pinned(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pins[hash] > 0
}

// Stats reports memory tier occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:  c.mem.Len(),
		Capacity: c.capacity,
		Pinned:   len(c.pins),
		Remote:   c.remote != nil,
		Durable:  c.blobs != nil,
	}
}
