package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Received("Purchase")
	m.Received("Purchase")
	m.Accepted("Purchase")
	m.Duplicate()
	m.Rejected("missing_event_id")
	m.Forwarded("success", 20*time.Millisecond)
	m.ObserveRedis(time.Millisecond, false)
	m.Dropped("events")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsReceived.WithLabelValues("Purchase")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsAccepted.WithLabelValues("Purchase")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDuplicate))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conversions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShipperDropped.WithLabelValues("events")))

	n, err := testutil.GatherAndCount(reg, "pixel_redis_command_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Received("PageView")
		m.Forwarded("error", time.Second)
		m.SetConversionQueue(3)
		m.ObserveRedis(time.Millisecond, true)
	})
}
