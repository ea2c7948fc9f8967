package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(start time.Time) (*circuitBreaker, *time.Time) {
	now := start
	cb := newCircuitBreaker(CircuitBreakerConfig{
		Enabled:      true,
		FailureRatio: 0.5,
		RecoveryTime: time.Second,
		MinRequests:  4,
	})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensOnFailureRatio(t *testing.T) {
	cb, _ := testBreaker(time.Unix(0, 0))

	cb.recordSuccess()
	cb.recordFailure()
	cb.recordSuccess()
	assert.False(t, cb.isOpen(), "below min requests")

	cb.recordFailure()
	assert.True(t, cb.isOpen())
	assert.Equal(t, stateOpen, cb.state)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, now := testBreaker(time.Unix(0, 0))
	for i := 0; i < 4; i++ {
		cb.recordFailure()
	}
	require.True(t, cb.isOpen())

	*now = now.Add(2 * time.Second)
	assert.False(t, cb.isOpen())
	assert.Equal(t, stateHalfOpen, cb.state)

	cb.recordSuccess()
	cb.recordSuccess()
	assert.Equal(t, stateClosed, cb.state)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := testBreaker(time.Unix(0, 0))
	for i := 0; i < 4; i++ {
		cb.recordFailure()
	}
	*now = now.Add(2 * time.Second)
	require.False(t, cb.isOpen())

	cb.recordFailure()
	assert.True(t, cb.isOpen())
}

func TestInstrumentedDo_CountsAndObserves(t *testing.T) {
	var observed []bool
	rc := wrapClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), RedisConfig{
		Observe: func(_ time.Duration, ok bool) { observed = append(observed, ok) },
	})
	t.Cleanup(func() { _ = rc.Close() })

	require.NoError(t, rc.InstrumentedDo(context.Background(), "noop", func(context.Context) error { return nil }))
	boom := errors.New("boom")
	assert.ErrorIs(t, rc.InstrumentedDo(context.Background(), "fail", func(context.Context) error { return boom }), boom)

	stats := rc.Stats()
	assert.Equal(t, uint64(2), stats.Commands)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, []bool{true, false}, observed)
	assert.Equal(t, "disabled", rc.CircuitBreakerState())
}

func TestInstrumentedDo_RejectsWhileOpen(t *testing.T) {
	rc := wrapClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), RedisConfig{
		CircuitBreaker: CircuitBreakerConfig{Enabled: true, MinRequests: 1, RecoveryTime: time.Hour},
	})
	t.Cleanup(func() { _ = rc.Close() })

	_ = rc.InstrumentedDo(context.Background(), "fail", func(context.Context) error { return errors.New("down") })
	called := false
	err := rc.InstrumentedDo(context.Background(), "next", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, uint64(1), rc.Stats().CircuitOpen)
	assert.Equal(t, stateOpen, rc.CircuitBreakerState())
}

func TestIsTimeoutError(t *testing.T) {
	assert.False(t, isTimeoutError(nil))
	assert.True(t, isTimeoutError(errors.New("read tcp: i/o timeout")))
	assert.False(t, isTimeoutError(errors.New("connection refused")))
}
