package authz

import (
	"container/list"
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL bounds how long an entry may serve before forced
	// recomputation, a safety net against missed invalidation paths.
	DefaultCacheTTL = 30 * time.Second
	// DefaultCacheCapacity is the total entry budget across shards.
	DefaultCacheCapacity = 8192

	cacheShards = 16
)

// VersionRegistry tracks the last acknowledged aggregate version per
// subject. Writers record versions here before acknowledging success, so a
// cached decision stamped with an older version self-invalidates on the
// next read.
type VersionRegistry struct {
	mu       sync.RWMutex
	versions map[string]int64
}

// NewVersionRegistry creates an empty registry.
func NewVersionRegistry() *VersionRegistry {
	return &VersionRegistry{versions: map[string]int64{}}
}

// Get returns the recorded version for the subject.
func (r *VersionRegistry) Get(subject Subject) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[subjectKey(subject)]
	return v, ok
}

// Record stores the version if it advances the recorded one.
func (r *VersionRegistry) Record(subject Subject, version int64) {
	key := subjectKey(subject)
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.versions[key] {
		r.versions[key] = version
	}
}

func subjectKey(subject Subject) string {
	return string(subject.Kind) + ":" + subject.ID
}

// GenerationSource exposes the current hierarchy generation.
type GenerationSource interface {
	Generation() int64
}

// DecisionCache is the generation-stamped cache in front of the evaluator.
// Entries carry the subject version and hierarchy generation they were
// computed under; a read validates both stamps and treats any mismatch as a
// miss. Writes never enumerate affected keys, they only bump counters.
// Concurrent misses for the same key collapse into one evaluation.
type DecisionCache struct {
	shards    [cacheShards]*cacheShard
	group     singleflight.Group
	versions  *VersionRegistry
	hierarchy GenerationSource
	ttl       time.Duration
	clock     func() time.Time
}

type cacheShard struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	capacity int
}

type cacheEntry struct {
	key      string
	decision Decision
	storedAt time.Time
}

// CacheConfig tunes the decision cache.
type CacheConfig struct {
	TTL      time.Duration
	Capacity int
}

// NewDecisionCache constructs the cache. Zero config fields fall back to
// the package defaults.
func NewDecisionCache(versions *VersionRegistry, hierarchy GenerationSource, cfg CacheConfig) *DecisionCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheCapacity
	}
	perShard := cfg.Capacity / cacheShards
	if perShard < 1 {
		perShard = 1
	}
	c := &DecisionCache{
		versions:  versions,
		hierarchy: hierarchy,
		ttl:       cfg.TTL,
		clock:     time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			entries:  map[string]*list.Element{},
			lru:      list.New(),
			capacity: perShard,
		}
	}
	return c
}

// Resolve returns a cached decision when its stamps are still current,
// otherwise computes, stores and returns a fresh one. When computation
// fails the last stored decision is served as long as it is within the TTL;
// past that the error surfaces and the caller denies.
func (c *DecisionCache) Resolve(ctx context.Context, req CheckRequest, compute func(context.Context) (Decision, error)) (Decision, error) {
	key := cacheKey(req)
	now := c.clock()
	shard := c.shardFor(key)

	if dec, ok := shard.lookup(key, now, c.validate); ok {
		return dec, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under singleflight: a concurrent resolve may have
		// stored a fresh entry already.
		if dec, ok := shard.lookup(key, c.clock(), c.validate); ok {
			return dec, nil
		}
		dec, err := compute(ctx)
		if err != nil {
			return Decision{}, err
		}
		shard.store(key, dec, c.clock())
		return dec, nil
	})
	if err != nil {
		if dec, ok := shard.lookupStale(key, c.clock(), c.ttl); ok {
			return dec, nil
		}
		return Deny(ReasonBackendError), err
	}
	return v.(Decision), nil
}

// Invalidate drops every cached entry. Used on shutdown and in tests;
// normal invalidation happens through generation stamps.
func (c *DecisionCache) Invalidate() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.entries = map[string]*list.Element{}
		shard.lru.Init()
		shard.mu.Unlock()
	}
}

// Len reports the number of stored entries, valid or not.
func (c *DecisionCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}

func (c *DecisionCache) validate(req cacheEntry, now time.Time) bool {
	if now.Sub(req.storedAt) >= c.ttl {
		return false
	}
	if req.decision.HierarchyGen != c.hierarchy.Generation() {
		return false
	}
	subject, ok := subjectFromKey(req.key)
	if !ok {
		return false
	}
	if ver, known := c.versions.Get(subject); known && req.decision.SubjectVer < ver {
		return false
	}
	return true
}

func (c *DecisionCache) shardFor(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}

func (s *cacheShard) lookup(key string, now time.Time, valid func(cacheEntry, time.Time) bool) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.entries[key]
	if !ok {
		return Decision{}, false
	}
	entry := elem.Value.(cacheEntry)
	if !valid(entry, now) {
		return Decision{}, false
	}
	s.lru.MoveToFront(elem)
	return entry.decision, true
}

// lookupStale returns the stored decision regardless of generation stamps,
// honoring only the TTL. Fallback path for backend failures.
func (s *cacheShard) lookupStale(key string, now time.Time, ttl time.Duration) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.entries[key]
	if !ok {
		return Decision{}, false
	}
	entry := elem.Value.(cacheEntry)
	if now.Sub(entry.storedAt) >= ttl {
		return Decision{}, false
	}
	return entry.decision, true
}

func (s *cacheShard) store(key string, dec Decision, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.entries[key]; ok {
		elem.Value = cacheEntry{key: key, decision: dec, storedAt: now}
		s.lru.MoveToFront(elem)
		return
	}
	elem := s.lru.PushFront(cacheEntry{key: key, decision: dec, storedAt: now})
	s.entries[key] = elem
	for s.lru.Len() > s.capacity {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(cacheEntry).key)
	}
}

// cacheKey flattens the request identity. Owner and attributes are part of
// the key because registered policies read them, so requests differing in
// either must not share an entry. Attributes render in sorted order to keep
// the key canonical.
func cacheKey(req CheckRequest) string {
	parts := []string{
		string(req.Subject.Kind), req.Subject.ID,
		req.Action, req.ResourceType, req.ResourceID,
		string(req.Scope), req.OwnerID,
	}
	if len(req.Attributes) > 0 {
		names := make([]string, 0, len(req.Attributes))
		for name := range req.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			parts = append(parts, name+"="+req.Attributes[name])
		}
	}
	return strings.Join(parts, "\x1f")
}

func subjectFromKey(key string) (Subject, bool) {
	parts := strings.SplitN(key, "\x1f", 3)
	if len(parts) < 3 {
		return Subject{}, false
	}
	return Subject{Kind: SubjectKind(parts[0]), ID: parts[1]}, true
}
