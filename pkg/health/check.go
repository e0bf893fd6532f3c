package health

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"slices"
	"strings"
	"time"
)

const maxCommandOutput = 100

// checkFunc performs one check of a probe and returns what it observed.
// A non-nil error marks the check failed.
type checkFunc func(ctx context.Context, c ProbeConfig) (string, error)

var checks = map[CheckType]struct {
	run     checkFunc
	timeout time.Duration
}{
	CheckTypeHTTP: {run: checkHTTP, timeout: 10 * time.Second},
	CheckTypeTCP:  {run: checkTCP, timeout: 5 * time.Second},
	CheckTypeExec: {run: checkExec, timeout: 10 * time.Second},
}

// Checker builds the checker the probe runs
func (c ProbeConfig) Checker() (Checker, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	check := checks[c.Type]
	if c.Timeout == 0 {
		c.Timeout = check.timeout
	}
	if c.Type == CheckTypeHTTP && c.Method == "" {
		c.Method = http.MethodGet
	}
	return &configChecker{config: c, run: check.run}, nil
}

// configChecker runs the check of a ProbeConfig under its timeout
type configChecker struct {
	config ProbeConfig
	run    checkFunc
}

// Check implements Checker
func (c *configChecker) Check(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	message, err := c.run(ctx, c.config)
	if err != nil {
		return failed(start, "%v", err)
	}
	return passed(start, message)
}

// Type implements Checker
func (c *configChecker) Type() CheckType {
	return c.config.Type
}

// probeClient has no timeout of its own; each check bounds its request
// through the context
var probeClient = &http.Client{}

func checkHTTP(ctx context.Context, c ProbeConfig) (string, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method, c.Target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}

	resp, err := probeClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	status := fmt.Sprintf("%s %s: HTTP %d", c.Method, c.Target, resp.StatusCode)
	if !c.acceptsStatus(resp.StatusCode) {
		return "", fmt.Errorf("%s is not an expected status", status)
	}
	return status, nil
}

// acceptsStatus reports whether code counts as healthy. Without an explicit
// list any 2xx or 3xx answer does.
func (c ProbeConfig) acceptsStatus(code int) bool {
	if len(c.ExpectedStatus) > 0 {
		return slices.Contains(c.ExpectedStatus, code)
	}
	return code >= 200 && code < 400
}

func checkTCP(ctx context.Context, c ProbeConfig) (string, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.Target)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	conn.Close()
	return "connected to " + c.Target, nil
}

func checkExec(ctx context.Context, c ProbeConfig) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	name := strings.Join(c.Command, " ")
	if err := cmd.Run(); err != nil {
		if msg := clip(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if out := clip(stdout.String()); out != "" {
		return name + ": " + out, nil
	}
	return name, nil
}

// clip trims command output to what fits in a report description
func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxCommandOutput {
		return s[:maxCommandOutput] + "..."
	}
	return s
}
