package middleware

import (
	"sync"
	"time"
)

const rateLimiterShards = 16

type bucket struct {
	tokens    float64
	lastCheck time.Time
	inFlight  int
}

// rateLimiter implements a sharded per-key token-bucket rate limiter,
// generalized from the tunnel server's fixed registration limiter to the
// per-route configured requests_per_window/window of §4.5. Keys are mapped
// to one of [rateLimiterShards] independent shards via FNV hashing so
// concurrent allow() calls on distinct keys rarely contend on one mutex.
type rateLimiter struct {
	rate          float64 // tokens per second
	burst         float64
	maxConcurrent int // 0 = unlimited
	idleEvictAge  time.Duration

	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// newRateLimiter builds a limiter from requestsPerWindow/window, converted
// to a tokens-per-second rate with burst equal to the window allowance.
func newRateLimiter(requestsPerWindow int, window time.Duration, maxConcurrent int) *rateLimiter {
	if window <= 0 {
		window = time.Second
	}
	if requestsPerWindow <= 0 {
		requestsPerWindow = 1
	}
	rl := &rateLimiter{
		rate:          float64(requestsPerWindow) / window.Seconds(),
		burst:         float64(requestsPerWindow),
		maxConcurrent: maxConcurrent,
		idleEvictAge:  10 * window,
	}
	for i := range rl.shards {
		rl.shards[i].buckets = make(map[string]*bucket)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	return &rl.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(rateLimiterShards))
}

// allow reports whether key may proceed, refilling tokens by elapsed time.
func (rl *rateLimiter) allow(key string) bool {
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastCheck: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastCheck = now

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// tryEnterConcurrent reserves one concurrent slot for key, returning false
// if maxConcurrent is already reached. Callers must pair a successful call
// with leaveConcurrent on every exit path.
func (rl *rateLimiter) tryEnterConcurrent(key string) bool {
	if rl.maxConcurrent <= 0 {
		return true
	}
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastCheck: time.Now()}
		s.buckets[key] = b
	}
	if b.inFlight >= rl.maxConcurrent {
		return false
	}
	b.inFlight++
	return true
}

func (rl *rateLimiter) leaveConcurrent(key string) {
	if rl.maxConcurrent <= 0 {
		return
	}
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[key]; ok && b.inFlight > 0 {
		b.inFlight--
	}
}

// retryAfter estimates the wait until key would next be allowed a token; the
// caller truncates it to whole seconds for the Retry-After header on a 429.
func (rl *rateLimiter) retryAfter(key string) time.Duration {
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || b.tokens >= 1.0 {
		return 0
	}
	need := 1.0 - b.tokens
	secs := need / rl.rate
	return time.Duration(secs * float64(time.Second))
}

// cleanup evicts idle buckets across all shards. It runs only through
// Pipeline.Cleanup, never from allow(), so the hot path does no map iteration.
func (rl *rateLimiter) cleanup() {
	now := time.Now()
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, v := range s.buckets {
			if v.inFlight == 0 && now.Sub(v.lastCheck) > rl.idleEvictAge {
				delete(s.buckets, k)
			}
		}
		s.mu.Unlock()
	}
}
