package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/echoanalytics/echo-gate/pkg/logger"
)

// MemoryLimiter implements an in-memory token bucket rate limiter.
// Buckets are spread over shards, each guarded by its own mutex, so the
// refill-and-consume sequence for an identity is atomic without serializing
// unrelated clients.
type MemoryLimiter struct {
	config      Config
	clock       Clock
	log         *logger.Logger
	shards      []*shard
	perShardMax int

	// For cleanup
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// shard owns a slice of the identity space.
// lru orders its buckets from most to least recently used.
type shard struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List
}

// bucket holds the token state for a single identity.
type bucket struct {
	id         string
	tokens     float64
	lastRefill time.Time
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	clock Clock
	log   *logger.Logger
}

// WithClock sets the time source. Defaults to SystemClock.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: SystemClock{}, log: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMemoryLimiter creates a new in-memory rate limiter.
// If cfg.SweepInterval is positive a background goroutine evicts idle buckets until Close is called.
func NewMemoryLimiter(cfg Config, opts ...Option) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Shards == 0 {
		cfg.Shards = DefaultConfig().Shards
	}

	o := buildOptions(opts)
	m := &MemoryLimiter{
		config: cfg,
		clock:  o.clock,
		log:    o.log,
		shards: make([]*shard, cfg.Shards),
		done:   make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{buckets: make(map[string]*list.Element), lru: list.New()}
	}
	if cfg.MaxBuckets > 0 {
		m.perShardMax = (cfg.MaxBuckets + cfg.Shards - 1) / cfg.Shards
	}

	if cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}

	return m, nil
}

// Allow refills the identifier's bucket and consumes one token if available.
// Rejections still persist the refilled token count and refill time.
func (m *MemoryLimiter) Allow(_ context.Context, identifier string) (*Decision, error) {
	id := normalizeIdentity(identifier)
	now := m.clock.Now()
	s := m.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	var b *bucket
	if e, ok := s.buckets[id]; ok {
		b = e.Value.(*bucket)
		s.lru.MoveToFront(e)
	} else {
		if m.perShardMax > 0 && len(s.buckets) >= m.perShardMax {
			s.evictOldest()
		}
		b = &bucket{id: id, tokens: float64(m.config.BurstSize), lastRefill: now}
		s.buckets[id] = s.lru.PushFront(b)
	}

	decision, tokens := m.config.refillAndConsume(b.tokens, now.Sub(b.lastRefill))
	b.tokens = tokens
	// A clock that went backwards must not rewind the bucket, or the gap would be refilled twice.
	if now.After(b.lastRefill) {
		b.lastRefill = now
	}

	return decision, nil
}

// Reset clears the rate limit state for an identifier.
func (m *MemoryLimiter) Reset(_ context.Context, identifier string) error {
	id := normalizeIdentity(identifier)
	s := m.shardFor(id)

	s.mu.Lock()
	if e, ok := s.buckets[id]; ok {
		s.remove(e)
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of tracked identities.
func (m *MemoryLimiter) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes buckets that have been idle long enough to be full again.
// Such a bucket is indistinguishable from a freshly created one, so eviction loses nothing.
// It returns the number of evicted buckets.
func (m *MemoryLimiter) Sweep() int {
	idle := m.config.IdleTTL
	if full := m.config.FullRefill(); full > idle {
		idle = full
	}
	cutoff := m.clock.Now().Add(-idle)

	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for _, e := range s.buckets {
			if !e.Value.(*bucket).lastRefill.After(cutoff) {
				s.remove(e)
				removed++
			}
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		m.log.Debug("swept idle rate limit buckets", "removed", removed)
	}
	return removed
}

// Close stops the sweeper. It is safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

// sweepLoop periodically removes idle buckets.
func (m *MemoryLimiter) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *MemoryLimiter) shardFor(id string) *shard {
	return m.shards[xxhash.Sum64String(id)%uint64(len(m.shards))]
}

// evictOldest drops the least recently used bucket. Caller holds s.mu.
func (s *shard) evictOldest() {
	if e := s.lru.Back(); e != nil {
		s.remove(e)
	}
}

// remove unlinks e from the shard. Caller holds s.mu.
func (s *shard) remove(e *list.Element) {
	s.lru.Remove(e)
	delete(s.buckets, e.Value.(*bucket).id)
}
