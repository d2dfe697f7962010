// Package cache is the host-memory tier of the model cache: model components
// loaded from storage into RAM buffers, independent of any device.
//
// Entries are reference counted by the VRAM tier. An entry with a non-zero
// reference count is never evicted; eviction is least-recently-used among the
// unpinned entries and happens before an insert would exceed capacity.
package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"gpupool/internal/poolerr"
)

// ComponentSpec names one component to load.
type ComponentSpec struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// Entry is a snapshot of one cached component.
type Entry struct {
	ID           string    `json:"cache_id"`
	ModelID      string    `json:"model_id"`
	Kind         string    `json:"kind"`
	Path         string    `json:"path"`
	Size         int64     `json:"size_bytes"`
	Checksum     string    `json:"checksum"`
	CachedAt     time.Time `json:"cached_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
	RefCount     int32     `json:"ref_count"`
}

// Stats summarises the cache.
type Stats struct {
	TotalBytes    int64  `json:"total_bytes"`
	EntryCount    int    `json:"entry_count"`
	ModelCount    int    `json:"model_count"`
	CapacityBytes int64  `json:"capacity_bytes"`
	PinnedBytes   int64  `json:"pinned_bytes"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
}

type entry struct {
	id       string
	modelID  string
	kind     string
	path     string
	size     int64
	checksum string
	cachedAt time.Time
	data     []byte

	lastAccess  atomic.Int64 // unix nanos
	accessSeq   atomic.Uint64
	accessCount atomic.Int64
	refs        atomic.Int32
}

func (e *entry) snapshot() Entry {
	return Entry{
		ID:           e.id,
		ModelID:      e.modelID,
		Kind:         e.kind,
		Path:         e.path,
		Size:         e.size,
		Checksum:     e.checksum,
		CachedAt:     e.cachedAt,
		LastAccessed: time.Unix(0, e.lastAccess.Load()),
		AccessCount:  e.accessCount.Load(),
		RefCount:     e.refs.Load(),
	}
}

// Config configures a Cache.
type Config struct {
	// CapacityBytes bounds the summed entry size; <= 0 means unbounded.
	CapacityBytes int64
	Storage       Storage
	Logger        zerolog.Logger
	// EvictHook, if set, is called after each eviction (metrics).
	EvictHook func(Entry)
}

// Cache is the RAM model cache.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	byModel  map[string][]string
	used     int64 // committed + reserved bytes
	capacity int64

	storage Storage
	loads   singleflight.Group
	seq     atomic.Uint64
	log     zerolog.Logger
	onEvict func(Entry)

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		byModel:  make(map[string][]string),
		capacity: cfg.CapacityBytes,
		storage:  cfg.Storage,
		log:      cfg.Logger,
		onEvict:  cfg.EvictHook,
	}
}

func (c *Cache) touch(e *entry) {
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessSeq.Store(c.seq.Add(1))
	e.accessCount.Add(1)
}

// Get returns the cached components of modelID and marks them accessed.
func (c *Cache) Get(modelID string) ([]Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byModel[modelID]
	if len(ids) == 0 {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e := c.entries[id]
		c.touch(e)
		out = append(out, e.snapshot())
	}
	return out, true
}

// Contains reports whether modelID is cached without touching access stats.
func (c *Cache) Contains(modelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byModel[modelID]) > 0
}

// Load reads the components of modelID from storage into the cache. When specs
// is empty the components are discovered from storage. A model that is
// already cached is returned as-is (and touched). Concurrent loads of the
// same model share one read.
func (c *Cache) Load(ctx context.Context, modelID string, specs []ComponentSpec) ([]Entry, error) {
	if modelID == "" {
		return nil, poolerr.InvalidRequest("cache.load", "model id is required")
	}
	if got, ok := c.Get(modelID); ok {
		return got, nil
	}
	v, err, _ := c.loads.Do(modelID, func() (any, error) {
		if got, ok := c.Get(modelID); ok {
			return got, nil
		}
		return c.load(ctx, modelID, specs)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

type loaded struct {
	spec     ComponentSpec
	size     int64
	data     []byte
	checksum string
}

func (c *Cache) load(ctx context.Context, modelID string, specs []ComponentSpec) ([]Entry, error) {
	if c.storage == nil {
		return nil, poolerr.New(poolerr.KindUnavailable, "cache.load", "no storage configured")
	}
	start := time.Now()
	if len(specs) == 0 {
		var err error
		if specs, err = c.storage.Discover(modelID); err != nil {
			return nil, err
		}
	}
	parts := make([]loaded, len(specs))
	var need int64
	for i, sp := range specs {
		if sp.Path == "" {
			return nil, poolerr.InvalidRequest("cache.load", "component %d of %q has no path", i, modelID)
		}
		if sp.Kind == "" {
			sp.Kind = KindBase
		}
		n, err := c.storage.Stat(sp.Path)
		if err != nil {
			return nil, err
		}
		parts[i] = loaded{spec: sp, size: n}
		need += n
	}

	if err := c.reserve(modelID, need); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			c.mu.Lock()
			c.used -= need
			c.mu.Unlock()
		}
	}()

	for i := range parts {
		b, err := c.storage.Read(ctx, parts[i].spec.Path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, poolerr.Wrap(poolerr.KindTimeout, "cache.load", ctx.Err())
			}
			return nil, err
		}
		if int64(len(b)) != parts[i].size {
			return nil, poolerr.New(poolerr.KindStorage, "cache.load",
				"%s changed size during load (%d != %d)", parts[i].spec.Path, len(b), parts[i].size)
		}
		if err := validate(parts[i].spec.Path, b); err != nil {
			return nil, err
		}
		parts[i].data = b
		parts[i].checksum = strconv.FormatUint(xxhash.Sum64(b), 16)
	}

	now := time.Now()
	c.mu.Lock()
	out := make([]Entry, 0, len(parts))
	for _, p := range parts {
		e := &entry{
			id:       uuid.New().String(),
			modelID:  modelID,
			kind:     p.spec.Kind,
			path:     p.spec.Path,
			size:     p.size,
			checksum: p.checksum,
			cachedAt: now,
			data:     p.data,
		}
		c.touch(e)
		c.entries[e.id] = e
		c.byModel[modelID] = append(c.byModel[modelID], e.id)
		out = append(out, e.snapshot())
	}
	committed = true
	used := c.used
	c.mu.Unlock()

	c.log.Info().Str("model", modelID).Int("components", len(out)).Int64("bytes", need).
		Int64("cache_used", used).Dur("dur", time.Since(start)).Msg("cache load")
	return out, nil
}

// reserve evicts LRU unpinned entries until need fits and then books need
// against capacity so concurrent loads cannot overshoot.
func (c *Cache) reserve(modelID string, need int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity <= 0 {
		c.used += need
		return nil
	}
	if need > c.capacity {
		return poolerr.New(poolerr.KindInsufficientMemory, "cache.load",
			"model %q needs %d bytes, cache capacity is %d", modelID, need, c.capacity)
	}
	for c.used+need > c.capacity {
		victim := c.lruLocked(modelID)
		if victim == nil {
			return poolerr.New(poolerr.KindCacheFull, "cache.load",
				"cannot free %d bytes for %q: remaining entries are pinned", c.used+need-c.capacity, modelID)
		}
		c.removeLocked(victim)
		c.evictions.Add(1)
		c.log.Info().Str("model", victim.modelID).Str("kind", victim.kind).Int64("bytes", victim.size).Msg("cache evict lru")
		if c.onEvict != nil {
			c.onEvict(victim.snapshot())
		}
	}
	c.used += need
	return nil
}

// lruLocked returns the least recently accessed unpinned entry not belonging
// to skipModel.
func (c *Cache) lruLocked(skipModel string) *entry {
	var lru *entry
	for _, e := range c.entries {
		if e.refs.Load() > 0 || e.modelID == skipModel {
			continue
		}
		if lru == nil || e.accessSeq.Load() < lru.accessSeq.Load() {
			lru = e
		}
	}
	return lru
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.id)
	ids := c.byModel[e.modelID]
	for i, id := range ids {
		if id == e.id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(c.byModel, e.modelID)
	} else {
		c.byModel[e.modelID] = ids
	}
	c.used -= e.size
	e.data = nil
}

// Evict removes one entry. It fails with InUse while any device references it.
func (c *Cache) Evict(cacheID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheID]
	if !ok {
		return poolerr.NotFound("cache.evict", "cache entry %q", cacheID)
	}
	if n := e.refs.Load(); n > 0 {
		return poolerr.New(poolerr.KindInUse, "cache.evict", "entry %s of %q referenced by %d device(s)", cacheID, e.modelID, n)
	}
	c.removeLocked(e)
	c.evictions.Add(1)
	if c.onEvict != nil {
		c.onEvict(e.snapshot())
	}
	return nil
}

// Remove evicts every component of modelID, only if none is referenced.
func (c *Cache) Remove(modelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.byModel[modelID]
	if len(ids) == 0 {
		return poolerr.NotFound("cache.remove", "model %q not cached", modelID)
	}
	for _, id := range ids {
		if n := c.entries[id].refs.Load(); n > 0 {
			return poolerr.New(poolerr.KindInUse, "cache.remove", "model %q referenced by %d device(s)", modelID, n)
		}
	}
	for _, id := range append([]string(nil), ids...) {
		e := c.entries[id]
		c.removeLocked(e)
		c.evictions.Add(1)
		if c.onEvict != nil {
			c.onEvict(e.snapshot())
		}
	}
	return nil
}

// Acquire increments the reference count of every component of modelID.
// Pinned entries are excluded from eviction until Release.
func (c *Cache) Acquire(modelID string) ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byModel[modelID]
	if len(ids) == 0 {
		return nil, poolerr.NotFound("cache.acquire", "model %q not cached", modelID)
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e := c.entries[id]
		e.refs.Add(1)
		c.touch(e)
		out = append(out, e.snapshot())
	}
	return out, nil
}

// Release decrements the reference count of every component of modelID.
func (c *Cache) Release(modelID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byModel[modelID]
	if len(ids) == 0 {
		return poolerr.NotFound("cache.release", "model %q not cached", modelID)
	}
	for _, id := range ids {
		e := c.entries[id]
		for {
			n := e.refs.Load()
			if n <= 0 {
				return poolerr.New(poolerr.KindInvariant, "cache.release", "entry %s of %q released more often than acquired", id, modelID)
			}
			if e.refs.CompareAndSwap(n, n-1) {
				break
			}
		}
	}
	return nil
}

// Data returns the host buffer of an entry.
func (c *Cache) Data(cacheID string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheID]
	if !ok {
		return nil, poolerr.NotFound("cache.data", "cache entry %q", cacheID)
	}
	c.touch(e)
	return e.data, nil
}

// Entries lists all entries ordered by model then kind.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.snapshot())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelID != out[j].ModelID {
			return out[i].ModelID < out[j].ModelID
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Stats returns cache totals. TotalBytes counts only committed entries.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		EntryCount:    len(c.entries),
		ModelCount:    len(c.byModel),
		CapacityBytes: c.capacity,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
	}
	for _, e := range c.entries {
		s.TotalBytes += e.size
		if e.refs.Load() > 0 {
			s.PinnedBytes += e.size
		}
	}
	return s
}
