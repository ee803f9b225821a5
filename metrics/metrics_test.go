package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test", reg)

	m.CacheLookups.WithLabelValues(ResultHit).Inc()
	m.CacheLookups.WithLabelValues(ResultHit).Inc()
	m.CacheLookups.WithLabelValues(ResultMiss).Inc()
	m.ObserveRedis("get", time.Now())

	assert.InDelta(t, 2, testutil.ToFloat64(m.CacheLookups.WithLabelValues(ResultHit)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheLookups.WithLabelValues(ResultMiss)), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_cache_lookups_total")
	assert.Contains(t, names, "test_redis_operation_duration_seconds")
}

func TestDiscardDoesNotCollide(t *testing.T) {
	t.Parallel()

	a := Discard()
	b := OrDiscard(nil)
	assert.NotSame(t, a, b)
	assert.Same(t, a, OrDiscard(a))
}
