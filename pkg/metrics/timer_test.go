package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.WithinDuration(t, time.Now(), timer.start, time.Second)

	first := timer.Duration()
	time.Sleep(10 * time.Millisecond)
	second := timer.Duration()

	assert.GreaterOrEqual(t, first, time.Duration(0))
	assert.Greater(t, second, first)
	assert.GreaterOrEqual(t, second, 10*time.Millisecond)
}

func TestTimerObserve(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_commit_duration_seconds",
		Help: "Test histogram",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_accept_duration_seconds",
		Help: "Test histogram vec",
	}, []string{"operation"})

	timer := NewTimer()
	timer.ObserveDuration(histogram)
	timer.ObserveDurationVec(vec, "create_application")
	timer.ObserveDurationVec(vec, "create_application")

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
	assert.Equal(t, 1, testutil.CollectAndCount(vec))
}
