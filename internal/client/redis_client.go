package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("redis circuit breaker open")

// RedisConfig defines configuration for Redis client
type RedisConfig struct {
	Address         string               `yaml:"address"`
	Password        string               `yaml:"password"`
	DB              int                  `yaml:"db"`
	PoolSize        int                  `yaml:"pool_size"`
	MinIdleConns    int                  `yaml:"min_idle_conns"`
	MaxRetries      int                  `yaml:"max_retries"`
	DialTimeout     time.Duration        `yaml:"dial_timeout"`
	ReadTimeout     time.Duration        `yaml:"read_timeout"`
	WriteTimeout    time.Duration        `yaml:"write_timeout"`
	PoolTimeout     time.Duration        `yaml:"pool_timeout"`
	ConnMaxIdleTime time.Duration        `yaml:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration        `yaml:"conn_max_lifetime"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Observe receives the latency of every InstrumentedDo call.
	Observe func(d time.Duration, ok bool) `yaml:"-"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	FailureRatio float64       `yaml:"failure_ratio"`
	RecoveryTime time.Duration `yaml:"recovery_time"`
	MinRequests  uint64        `yaml:"min_requests"`
}

// RedisClient wraps redis.Client with a circuit breaker and tracing.
type RedisClient struct {
	*redis.Client
	config RedisConfig
	mu     sync.RWMutex
	closed bool
	tracer trace.Tracer
	stats  RedisStats
	cb     *circuitBreaker
}

type RedisStats struct {
	Commands    uint64
	Errors      uint64
	Timeouts    uint64
	CircuitOpen uint64
}

const (
	stateClosed   = "closed"
	stateOpen     = "open"
	stateHalfOpen = "half-open"
)

type circuitBreaker struct {
	mu           sync.Mutex
	state        string
	failures     uint64
	successes    uint64
	total        uint64
	lastFailure  time.Time
	failureRatio float64
	recoveryTime time.Duration
	minRequests  uint64
	now          func() time.Time
}

func newCircuitBreaker(cfg CircuitBreakerConfig) *circuitBreaker {
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = 30 * time.Second
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	return &circuitBreaker{
		state:        stateClosed,
		failureRatio: cfg.FailureRatio,
		recoveryTime: cfg.RecoveryTime,
		minRequests:  cfg.MinRequests,
		now:          time.Now,
	}
}

// NewRedisClient creates a new Redis client instance
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisClient, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10 * runtime.GOMAXPROCS(0)
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = cfg.PoolSize / 2
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = 4 * time.Second
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = 5 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Address,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		MaxRetries:      cfg.MaxRetries,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			logger.Debug("New Redis connection established to %s", cfg.Address)
			return nil
		},
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	rc := wrapClient(client, cfg)
	logger.Info("Redis client connected to %s (DB:%d)", cfg.Address, cfg.DB)
	return rc, nil
}

func wrapClient(client *redis.Client, cfg RedisConfig) *RedisClient {
	rc := &RedisClient{
		Client: client,
		config: cfg,
		tracer: otel.Tracer("redis"),
	}
	if cfg.CircuitBreaker.Enabled {
		rc.cb = newCircuitBreaker(cfg.CircuitBreaker)
	}
	client.AddHook(tracingHook{})
	return rc
}

// Close terminates the Redis client connection
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	logger.Info("Closing Redis client")
	return c.Client.Close()
}

// HealthCheck verifies Redis connectivity
func (c *RedisClient) HealthCheck(ctx context.Context) error {
	if c.cb.isOpen() {
		return ErrCircuitOpen
	}
	if err := c.Ping(ctx).Err(); err != nil {
		c.cb.recordFailure()
		return fmt.Errorf("redis health check failed: %w", err)
	}
	c.cb.recordSuccess()
	return nil
}

// Stats returns current Redis client statistics
func (c *RedisClient) Stats() RedisStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// InstrumentedDo runs fn behind the circuit breaker inside a span.
func (c *RedisClient) InstrumentedDo(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.cb.isOpen() {
		c.mu.Lock()
		c.stats.CircuitOpen++
		c.mu.Unlock()
		return ErrCircuitOpen
	}

	ctx, span := c.tracer.Start(ctx, "redis."+op)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	c.mu.Lock()
	c.stats.Commands++
	if err != nil {
		c.stats.Errors++
		if isTimeoutError(err) {
			c.stats.Timeouts++
		}
	}
	c.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		c.cb.recordFailure()
	} else {
		c.cb.recordSuccess()
	}
	if c.config.Observe != nil {
		c.config.Observe(duration, err == nil)
	}
	return err
}

// ClaimEvent atomically marks an event id as seen. It reports false when
// another request already claimed it within ttl.
func (c *RedisClient) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := c.InstrumentedDo(ctx, "claim_event", func(ctx context.Context) error {
		ok, err := c.SetNX(ctx, eventKey(eventID), 1, ttl).Result()
		claimed = ok
		return err
	})
	return claimed, err
}

// ReleaseEvent drops a claim made by ClaimEvent.
func (c *RedisClient) ReleaseEvent(ctx context.Context, eventID string) error {
	return c.InstrumentedDo(ctx, "release_event", func(ctx context.Context) error {
		return c.Del(ctx, eventKey(eventID)).Err()
	})
}

func eventKey(eventID string) string {
	return "evt:" + eventID
}

// CircuitBreakerState returns current circuit breaker status
func (c *RedisClient) CircuitBreakerState() string {
	if c.cb == nil {
		return "disabled"
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()
	return c.cb.state
}

type tracingHook struct{}

func (tracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.String("net.transport", network),
				attribute.String("net.peer.name", addr),
			)
		}
		return next(ctx, network, addr)
	}
}

func (tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("db.system", "redis"),
				attribute.String("db.operation", cmd.Name()),
			)
		}
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) && span.IsRecording() {
			span.RecordError(err)
		}
		return err
	}
}

func (tracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("db.system", "redis"),
				attribute.String("db.operation", "pipeline"),
				attribute.Int("db.command_count", len(cmds)),
			)
		}
		err := next(ctx, cmds)
		if span.IsRecording() {
			for _, cmd := range cmds {
				if cerr := cmd.Err(); cerr != nil && !errors.Is(cerr, redis.Nil) {
					span.RecordError(cerr)
					break
				}
			}
		}
		return err
	}
}

// isOpen moves an expired open breaker to half-open. A nil breaker never opens.
func (cb *circuitBreaker) isOpen() bool {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.recoveryTime {
			cb.state = stateHalfOpen
			cb.failures = 0
			cb.successes = 0
			cb.total = 0
			logger.Warn("Redis circuit moving to half-open state")
		} else {
			return true
		}
	}
	return false
}

func (cb *circuitBreaker) recordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.total++
	cb.lastFailure = cb.now()

	if cb.state == stateHalfOpen {
		cb.state = stateOpen
		logger.Error("Redis circuit re-opened after failure")
		return
	}
	if cb.total >= cb.minRequests {
		failureRatio := float64(cb.failures) / float64(cb.total)
		if failureRatio >= cb.failureRatio {
			cb.state = stateOpen
			logger.Error("Redis circuit opened due to high failure ratio: %.2f", failureRatio)
		}
	}
}

func (cb *circuitBreaker) recordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.total++

	if cb.state == stateHalfOpen && cb.successes >= cb.minRequests/2 {
		cb.state = stateClosed
		cb.failures = 0
		cb.successes = 0
		cb.total = 0
		logger.Warn("Redis circuit closed after successful operations")
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout")
}

// NewScript exposes redis.NewScript through the client package for convenience.
func NewScript(script string) *redis.Script {
	return redis.NewScript(script)
}
