package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probeOf(typ CheckType, mutate func(c *ProbeConfig)) ProbeConfig {
	c := ProbeConfig{Entity: "app:/web", Domain: "UD0", Type: typ, Interval: time.Second}
	if mutate != nil {
		mutate(&c)
	}
	return c
}

func runCheck(t *testing.T, ctx context.Context, c ProbeConfig) Result {
	t.Helper()
	checker, err := c.Checker()
	require.NoError(t, err)
	require.Equal(t, c.Type, checker.Type())
	return checker.Check(ctx)
}

func TestHTTPCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/created":
			w.WriteHeader(http.StatusCreated)
		case "/header":
			if r.Header.Get("X-Probe") != "keeper" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/head":
			if r.Method != http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	target := func(path string) func(c *ProbeConfig) {
		return func(c *ProbeConfig) { c.Target = server.URL + path }
	}
	tests := []struct {
		name    string
		mutate  func(c *ProbeConfig)
		healthy bool
	}{
		{name: "ok", mutate: target("/ok"), healthy: true},
		{name: "server error", mutate: target("/boom")},
		{name: "created accepted by default", mutate: target("/created"), healthy: true},
		{name: "created not listed", mutate: func(c *ProbeConfig) {
			c.Target = server.URL + "/created"
			c.ExpectedStatus = []int{http.StatusOK}
		}},
		{name: "server error listed", mutate: func(c *ProbeConfig) {
			c.Target = server.URL + "/boom"
			c.ExpectedStatus = []int{http.StatusInternalServerError}
		}, healthy: true},
		{name: "missing header", mutate: target("/header")},
		{name: "header", mutate: func(c *ProbeConfig) {
			c.Target = server.URL + "/header"
			c.Headers = map[string]string{"X-Probe": "keeper"}
		}, healthy: true},
		{name: "method", mutate: func(c *ProbeConfig) {
			c.Target = server.URL + "/head"
			c.Method = http.MethodHead
		}, healthy: true},
		{name: "timeout", mutate: func(c *ProbeConfig) {
			c.Target = server.URL + "/slow"
			c.Timeout = 50 * time.Millisecond
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := runCheck(t, context.Background(), probeOf(CheckTypeHTTP, tt.mutate))
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Positive(t, result.Duration)
		})
	}
}

func TestHTTPCheckCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := runCheck(t, ctx, probeOf(CheckTypeHTTP, func(c *ProbeConfig) { c.Target = server.URL }))
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

func TestTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg := probeOf(CheckTypeTCP, func(c *ProbeConfig) {
		c.Target = addr
		c.Timeout = 100 * time.Millisecond
	})
	result := runCheck(t, context.Background(), cfg)
	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, "connected to "+addr, result.Message)

	require.NoError(t, ln.Close())
	result = runCheck(t, context.Background(), cfg)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "connection failed")
}

func TestExecCheck(t *testing.T) {
	tests := []struct {
		name     string
		command  []string
		timeout  time.Duration
		healthy  bool
		contains string
	}{
		{name: "output", command: []string{"sh", "-c", "echo ready"}, healthy: true, contains: "ready"},
		{name: "stderr on failure", command: []string{"sh", "-c", "echo broken >&2; exit 3"}, contains: "broken"},
		{name: "timeout", command: []string{"sleep", "5"}, timeout: 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := runCheck(t, context.Background(), probeOf(CheckTypeExec, func(c *ProbeConfig) {
				c.Command = tt.command
				c.Timeout = tt.timeout
			}))
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Contains(t, result.Message, tt.contains)
		})
	}
}

func TestClip(t *testing.T) {
	assert.Len(t, clip(strings.Repeat("x", 150)), maxCommandOutput+3)
	assert.Equal(t, "short", clip("  short\n"))
}
