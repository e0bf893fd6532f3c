package health

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted returns the queued outcomes in order, then keeps the last one
type scripted struct {
	mu       sync.Mutex
	outcomes []bool
	calls    int
}

func (s *scripted) Check(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	s.calls++
	return Result{Healthy: s.outcomes[i], Message: "scripted", CheckedAt: time.Now()}
}

func (s *scripted) Type() CheckType { return CheckTypeExec }

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestProbeConfigValidate(t *testing.T) {
	valid := ProbeConfig{Entity: "app:/web", Domain: "UD0", Type: CheckTypeHTTP, Target: "http://127.0.0.1/healthz", Interval: time.Second}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *ProbeConfig)
	}{
		{"missing entity", func(c *ProbeConfig) { c.Entity = "" }},
		{"missing domain", func(c *ProbeConfig) { c.Domain = "" }},
		{"zero interval", func(c *ProbeConfig) { c.Interval = 0 }},
		{"missing target", func(c *ProbeConfig) { c.Target = "" }},
		{"exec without command", func(c *ProbeConfig) { c.Type = CheckTypeExec }},
		{"unknown type", func(c *ProbeConfig) { c.Type = "grpc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), errdefs.NotValid)
		})
	}
}

func TestProbeConfigChecker(t *testing.T) {
	c, err := ProbeConfig{Entity: "cluster", Domain: "UD0", Type: CheckTypeTCP, Target: "127.0.0.1:1", Interval: time.Second, Timeout: time.Second}.Checker()
	require.NoError(t, err)
	assert.Equal(t, CheckTypeTCP, c.Type())
	assert.Equal(t, time.Second, c.(*configChecker).config.Timeout)

	c, err = ProbeConfig{Entity: "cluster", Domain: "UD0", Type: CheckTypeExec, Command: []string{"true"}, Interval: time.Second}.Checker()
	require.NoError(t, err)
	assert.Equal(t, CheckTypeExec, c.Type())
	assert.Equal(t, 10*time.Second, c.(*configChecker).config.Timeout)

	c, err = ProbeConfig{Entity: "app:/web", Domain: "UD0", Type: CheckTypeHTTP, Target: "http://127.0.0.1/healthz", Interval: time.Second}.Checker()
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, c.(*configChecker).config.Method)
}

func TestProberFailureThreshold(t *testing.T) {
	agg := NewReportAggregator(nil)
	p, err := NewProber(agg, nil, nil)
	require.NoError(t, err)

	check := &scripted{outcomes: []bool{false, false, true}}
	p.AddChecker("app:/web", "UD0", time.Second, 2, check)

	policy := DefaultPolicy()
	policy.ConsiderWarningAsError = false
	domains := []string{"UD0"}

	// first failure is only a warning
	p.RunOnce(context.Background())
	ok, _, err := agg.IsApplicationHealthy(context.Background(), "app:/web", &policy, domains, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	p.RunOnce(context.Background())
	ok, evals, err := agg.IsApplicationHealthy(context.Background(), "app:/web", &policy, domains, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, evals, 1)
	assert.Equal(t, StateError, evals[0].State)

	p.RunOnce(context.Background())
	ok, _, err = agg.IsApplicationHealthy(context.Background(), "app:/web", &policy, domains, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProberRunsOnInterval(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, err := NewProber(NewReportAggregator(clk), clk, nil)
	require.NoError(t, err)

	check := &scripted{outcomes: []bool{true}}
	p.AddChecker(ClusterEntity, "UD0", 10*time.Second, 1, check)

	p.Start(context.Background())
	defer p.Stop()

	require.NoError(t, clk.WaitAdvance(10*time.Second, time.Second, 1))
	assert.Eventually(t, func() bool { return check.count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestNewProberRejectsBadConfig(t *testing.T) {
	_, err := NewProber(nil, nil, nil)
	assert.ErrorIs(t, err, errdefs.NotValid)

	_, err = NewProber(NewReportAggregator(nil), nil, []ProbeConfig{{Entity: "x", Domain: "UD0", Type: CheckTypeTCP, Interval: time.Second}})
	assert.ErrorIs(t, err, errdefs.NotValid)
}
