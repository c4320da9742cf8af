// Package cache implements the semantic response cache: exact fingerprint
// lookup backed by a sharded in-memory LRU, embedding-similarity near hits,
// and an optional Redis tier for exact hits shared across processes.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/internal/gateway"
)

const (
	shardCount = 16

	DefaultTTL                 = time.Hour
	DefaultMaxEntries          = 10000
	DefaultSimilarityThreshold = 0.95
)

// Embedder computes an embedding vector for a text. The cache treats
// embedding failures as a scan skip, never a request failure.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Hit describes a successful lookup.
type Hit struct {
	Response *gateway.ChatResponse
	// Near is true when the hit came from embedding similarity rather than
	// an exact fingerprint match.
	Near       bool
	Similarity float64
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits     uint64 `json:"hits"`
	NearHits uint64 `json:"nearHits"`
	Misses   uint64 `json:"misses"`
	Entries  int    `json:"entries"`
}

type entry struct {
	fingerprint string
	model       string
	userContent string
	embedding   []float64
	response    gateway.ChatResponse
	insertedAt  time.Time
	hitCount    int
	elem        *list.Element
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recent
}

// Cache is the semantic cache. Shards bound lock contention; capacity and
// TTL bound memory.
type Cache struct {
	shards     [shardCount]*shard
	ttl        time.Duration
	maxEntries int
	threshold  float64
	embedder   Embedder
	rdb        *redis.Client
	logger     *slog.Logger

	statMu sync.Mutex
	stats  Stats
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets entry time-to-live.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithMaxEntries bounds total entries across shards.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithSimilarityThreshold sets the near-hit cosine threshold.
func WithSimilarityThreshold(t float64) Option {
	return func(c *Cache) { c.threshold = t }
}

// WithEmbedder enables embedding-similarity near hits.
func WithEmbedder(e Embedder) Option {
	return func(c *Cache) { c.embedder = e }
}

// WithRedis adds a shared exact-hit tier.
func WithRedis(rdb *redis.Client) Option {
	return func(c *Cache) { c.rdb = rdb }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		threshold:  DefaultSimilarityThreshold,
		logger:     slog.Default(),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[string]*entry),
			lru:     list.New(),
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) shardFor(fingerprint string) *shard {
	// Fingerprints are uniform hex; the first byte distributes evenly.
	return c.shards[fingerprint[0]%shardCount]
}

func (c *Cache) perShardCap() int {
	n := c.maxEntries / shardCount
	if n < 1 {
		n = 1
	}
	return n
}

// cloneResponse copies a response so eviction cannot mutate what a caller
// already holds.
func cloneResponse(r *gateway.ChatResponse) *gateway.ChatResponse {
	out := *r
	out.Choices = make([]gateway.Choice, len(r.Choices))
	copy(out.Choices, r.Choices)
	if r.Gateway != nil {
		meta := *r.Gateway
		out.Gateway = &meta
	}
	return &out
}

// Lookup resolves a request against the cache: local exact hit, then Redis
// exact hit, then embedding similarity over entries for the same model.
func (c *Cache) Lookup(ctx context.Context, req *gateway.ChatRequest) (Hit, bool) {
	fp := Fingerprint(req)

	if resp, ok := c.lookupExact(fp); ok {
		c.count(func(s *Stats) { s.Hits++ })
		return Hit{Response: resp}, true
	}

	if resp, ok := c.lookupRedis(ctx, fp); ok {
		c.count(func(s *Stats) { s.Hits++ })
		return Hit{Response: resp}, true
	}

	if c.embedder != nil {
		if hit, ok := c.lookupNear(ctx, req); ok {
			c.count(func(s *Stats) { s.NearHits++ })
			return hit, true
		}
	}

	c.count(func(s *Stats) { s.Misses++ })
	return Hit{}, false
}

func (c *Cache) lookupExact(fp string) (*gateway.ChatResponse, bool) {
	sh := c.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[fp]
	if !ok {
		return nil, false
	}
	if time.Since(e.insertedAt) > c.ttl {
		sh.removeLocked(e)
		return nil, false
	}
	e.hitCount++
	sh.lru.MoveToFront(e.elem)
	return cloneResponse(&e.response), true
}

func (c *Cache) lookupRedis(ctx context.Context, fp string) (*gateway.ChatResponse, bool) {
	if c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, redisKey(fp)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis cache get failed", "error", err)
		}
		return nil, false
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *Cache) lookupNear(ctx context.Context, req *gateway.ChatRequest) (Hit, bool) {
	vec, err := c.embedder.Embed(ctx, req.UserContent())
	if err != nil {
		c.logger.Debug("cache embedding failed", "error", err)
		return Hit{}, false
	}

	var best *entry
	var bestShard *shard
	bestSim := 0.0

	for _, sh := range c.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.model != req.Model || len(e.embedding) == 0 {
				continue
			}
			if time.Since(e.insertedAt) > c.ttl {
				continue
			}
			if sim := Cosine(vec, e.embedding); sim > bestSim {
				bestSim, best, bestShard = sim, e, sh
			}
		}
		sh.mu.Unlock()
	}

	if best == nil || bestSim < c.threshold {
		return Hit{}, false
	}

	bestShard.mu.Lock()
	defer bestShard.mu.Unlock()
	// Entry may have been evicted between the scan and this lock.
	e, ok := bestShard.entries[best.fingerprint]
	if !ok {
		return Hit{}, false
	}
	e.hitCount++
	bestShard.lru.MoveToFront(e.elem)
	return Hit{Response: cloneResponse(&e.response), Near: true, Similarity: bestSim}, true
}

// Store writes a response for the request. Streaming responses are never
// stored (the pipeline enforces that). The embedding is computed once at
// write time so lookups only embed the probe.
func (c *Cache) Store(ctx context.Context, req *gateway.ChatRequest, resp *gateway.ChatResponse) {
	fp := Fingerprint(req)

	var vec []float64
	if c.embedder != nil {
		v, err := c.embedder.Embed(ctx, req.UserContent())
		if err != nil {
			c.logger.Debug("cache embedding failed", "error", err)
		} else {
			vec = v
		}
	}

	stored := cloneResponse(resp)
	// Cached replays must not leak the original call's latency or routing.
	stored.Gateway = nil

	sh := c.shardFor(fp)
	sh.mu.Lock()
	if old, ok := sh.entries[fp]; ok {
		sh.removeLocked(old)
	}
	e := &entry{
		fingerprint: fp,
		model:       req.Model,
		userContent: req.UserContent(),
		embedding:   vec,
		response:    *stored,
		insertedAt:  time.Now(),
	}
	e.elem = sh.lru.PushFront(e)
	sh.entries[fp] = e
	for len(sh.entries) > c.perShardCap() {
		oldest := sh.lru.Back()
		if oldest == nil {
			break
		}
		sh.removeLocked(oldest.Value.(*entry))
	}
	sh.mu.Unlock()

	if c.rdb != nil {
		data, err := json.Marshal(stored)
		if err == nil {
			if err := c.rdb.Set(ctx, redisKey(fp), data, c.ttl).Err(); err != nil {
				c.logger.Warn("redis cache set failed", "error", err)
			}
		}
	}
}

func (sh *shard) removeLocked(e *entry) {
	delete(sh.entries, e.fingerprint)
	sh.lru.Remove(e.elem)
}

func redisKey(fp string) string {
	return "modelmux:cache:" + fp
}

func (c *Cache) count(fn func(*Stats)) {
	c.statMu.Lock()
	fn(&c.stats)
	c.statMu.Unlock()
}

// Stats returns cumulative counters and the current entry count.
func (c *Cache) Stats() Stats {
	c.statMu.Lock()
	s := c.stats
	c.statMu.Unlock()
	for _, sh := range c.shards {
		sh.mu.Lock()
		s.Entries += len(sh.entries)
		sh.mu.Unlock()
	}
	return s
}

// Purge drops every entry. Used by admin tooling and tests.
func (c *Cache) Purge() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*entry)
		sh.lru.Init()
		sh.mu.Unlock()
	}
}
