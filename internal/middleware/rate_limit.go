package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/client"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

type RouteLimit struct {
	PathPrefix      string
	RatePerInterval int
	Interval        time.Duration
	Burst           int
	Cost            int
}

type LimiterConfig struct {
	RatePerInterval int
	Interval        time.Duration
	Burst           int
	HeaderKeys      []string
	RouteLimits     []RouteLimit

	// Redis mode (optional)
	Redis     *client.RedisClient
	KeyPrefix string
	BucketTTL time.Duration
}

// RateLimiter is a per-client token bucket, kept in memory or in Redis.
// Clients are keyed by the address resolved by the ClientIP middleware.
type RateLimiter struct {
	mu      sync.RWMutex
	cfg     LimiterConfig
	buckets map[string]*tokenBucket
	now     func() time.Time
}

func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerInterval
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rate, interval, burst, cost := rl.limitsFor(r.URL.Path)
		key := rl.buildKey(r)

		if rl.cfg.Redis != nil {
			ok, err := redisAllow(
				r.Context(), rl.cfg.Redis,
				rl.cfg.KeyPrefix+key,
				rate, interval, burst, cost, rl.cfg.BucketTTL,
			)
			if err != nil {
				logger.Warn("rate limit: redis unavailable, allowing request: %v", err)
				w.Header().Set("X-RateLimit-Degraded", "true")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				tooMany(w, interval)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		b := rl.getOrCreateBucket(key, rate, interval, burst)
		if !b.allow(cost, rl.now()) {
			tooMany(w, interval)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tooMany(w http.ResponseWriter, interval time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(interval.Seconds())))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

func (rl *RateLimiter) limitsFor(path string) (rate int, interval time.Duration, burst, cost int) {
	rate, interval, burst, cost = rl.cfg.RatePerInterval, rl.cfg.Interval, rl.cfg.Burst, 1
	for _, rlmt := range rl.cfg.RouteLimits {
		if !strings.HasPrefix(path, rlmt.PathPrefix) {
			continue
		}
		if rlmt.RatePerInterval > 0 {
			rate = rlmt.RatePerInterval
		}
		if rlmt.Interval > 0 {
			interval = rlmt.Interval
		}
		if rlmt.Burst > 0 {
			burst = rlmt.Burst
		}
		if rlmt.Cost > 0 {
			cost = rlmt.Cost
		}
		break
	}
	return rate, interval, burst, cost
}

func (rl *RateLimiter) buildKey(r *http.Request) string {
	ipStr := ClientIPFromRequest(r).String()
	if len(rl.cfg.HeaderKeys) == 0 {
		return ipStr
	}
	parts := []string{ipStr}
	for _, h := range rl.cfg.HeaderKeys {
		if v := sanitizeHeader(r.Header.Get(h), 128); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "|")
}

type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

func newBucket(rate int, interval time.Duration, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: float64(rate) / interval.Seconds(),
		lastRefill: now,
	}
}

func (b *tokenBucket) allow(cost int, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true
	}
	return false
}

func (rl *RateLimiter) getOrCreateBucket(key string, rate int, interval time.Duration, burst int) *tokenBucket {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return b
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, exists := rl.buckets[key]; exists {
		return b
	}
	b = newBucket(rate, interval, burst, rl.now())
	rl.buckets[key] = b
	return b
}

var luaScript = client.NewScript(`
-- KEYS = bucket key
-- ARGV = now_ms, rate_per_sec, capacity, cost, ttl_sec
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if not tokens or not ts then
  tokens = cap
  ts = now
else
  local elapsed = (now - ts) / 1000
  tokens = math.min(cap, tokens + (elapsed * rate))
  ts = now
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "ts", ts)
redis.call("EXPIRE", key, ttl)

return allowed
`)

func redisAllow(
	ctx context.Context,
	rdb *client.RedisClient,
	key string,
	rate int,
	interval time.Duration,
	burst int,
	cost int,
	ttl time.Duration,
) (bool, error) {
	ratePerSec := float64(rate) / interval.Seconds()
	var allowed bool
	err := rdb.InstrumentedDo(ctx, "rate_limit", func(ctx context.Context) error {
		res, err := luaScript.Run(ctx, rdb, []string{key},
			time.Now().UnixMilli(),
			ratePerSec,
			burst,
			cost,
			int(ttl.Seconds()),
		).Int64()
		allowed = res == 1
		return err
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

func (rl *RateLimiter) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		Mode         string `json:"mode"`
		InMemoryKeys int    `json:"in_memory_keys,omitempty"`
	}{
		Mode: "memory",
	}
	if rl.cfg.Redis != nil {
		stats.Mode = "redis"
	} else {
		rl.mu.RLock()
		stats.InMemoryKeys = len(rl.buckets)
		rl.mu.RUnlock()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
