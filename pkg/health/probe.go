package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// CheckType names a probe mechanism
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result is the outcome of a single check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

func passed(start time.Time, message string) Result {
	return Result{Healthy: true, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

func failed(start time.Time, format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), CheckedAt: start, Duration: time.Since(start)}
}

// Checker runs one kind of health check
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Reporter receives probe outcomes. *ReportAggregator implements it.
type Reporter interface {
	Report(entity, domain string, state State, description string)
}

// ProbeConfig describes a check whose outcome is reported for an entity in
// an upgrade domain
type ProbeConfig struct {
	Entity string    `yaml:"entity"`
	Domain string    `yaml:"domain"`
	Type   CheckType `yaml:"type"`

	// Target is the URL for http probes and the address for tcp probes
	Target  string   `yaml:"target"`
	Command []string `yaml:"command"`

	// HTTP only. An empty ExpectedStatus accepts any 2xx or 3xx answer.
	Method         string            `yaml:"method"`
	Headers        map[string]string `yaml:"headers"`
	ExpectedStatus []int             `yaml:"expected_status"`

	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// FailureThreshold consecutive failures turn a warning into an error
	FailureThreshold int `yaml:"failure_threshold"`
}

// Validate checks the probe definition
func (c ProbeConfig) Validate() error {
	if c.Entity == "" || c.Domain == "" {
		return fmt.Errorf("probe needs an entity and a domain: %w", errdefs.NotValid)
	}
	if c.Interval <= 0 || c.Timeout < 0 || c.FailureThreshold < 0 {
		return fmt.Errorf("probe %s/%s: interval must be positive and timeout and threshold not negative: %w", c.Entity, c.Domain, errdefs.NotValid)
	}
	switch c.Type {
	case CheckTypeHTTP, CheckTypeTCP:
		if c.Target == "" {
			return fmt.Errorf("%s probe %s/%s needs a target: %w", c.Type, c.Entity, c.Domain, errdefs.NotValid)
		}
	case CheckTypeExec:
		if len(c.Command) == 0 {
			return fmt.Errorf("exec probe %s/%s needs a command: %w", c.Entity, c.Domain, errdefs.NotValid)
		}
	default:
		return fmt.Errorf("unknown probe type %q: %w", c.Type, errdefs.NotValid)
	}
	return nil
}

type probe struct {
	entity    string
	domain    string
	interval  time.Duration
	threshold int
	checker   Checker

	failures int
}

// Prober runs checks on their intervals and pushes the resulting states to
// a Reporter, so node-local checks can gate monitored upgrades
type Prober struct {
	reporter Reporter
	clock    clock.Clock
	probes   []*probe
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProber builds a probe for each config
func NewProber(reporter Reporter, clk clock.Clock, configs []ProbeConfig) (*Prober, error) {
	if reporter == nil {
		return nil, fmt.Errorf("prober requires a reporter: %w", errdefs.NotValid)
	}
	if clk == nil {
		clk = clock.WallClock
	}

	p := &Prober{
		reporter: reporter,
		clock:    clk,
		logger:   log.WithComponent("prober"),
		stopCh:   make(chan struct{}),
	}
	for _, cfg := range configs {
		checker, err := cfg.Checker()
		if err != nil {
			return nil, err
		}
		threshold := cfg.FailureThreshold
		if threshold == 0 {
			threshold = 1
		}
		p.probes = append(p.probes, &probe{
			entity:    cfg.Entity,
			domain:    cfg.Domain,
			interval:  cfg.Interval,
			threshold: threshold,
			checker:   checker,
		})
	}
	return p, nil
}

// AddChecker registers a checker built outside of configuration
func (p *Prober) AddChecker(entity, domain string, interval time.Duration, threshold int, checker Checker) {
	if threshold <= 0 {
		threshold = 1
	}
	p.probes = append(p.probes, &probe{
		entity:    entity,
		domain:    domain,
		interval:  interval,
		threshold: threshold,
		checker:   checker,
	})
}

// Start runs every probe on its own interval until Stop
func (p *Prober) Start(ctx context.Context) {
	for _, pr := range p.probes {
		p.wg.Add(1)
		go p.run(ctx, pr)
	}
	p.logger.Info().Int("probes", len(p.probes)).Msg("Health prober started")
}

// Stop halts the probes and waits for in-flight checks
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context, pr *probe) {
	defer p.wg.Done()
	for {
		p.check(ctx, pr)
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.clock.After(pr.interval):
		}
	}
}

// RunOnce runs every probe a single time
func (p *Prober) RunOnce(ctx context.Context) {
	for _, pr := range p.probes {
		p.check(ctx, pr)
	}
}

func (p *Prober) check(ctx context.Context, pr *probe) {
	result := pr.checker.Check(ctx)

	state := StateOK
	if result.Healthy {
		pr.failures = 0
	} else {
		pr.failures++
		state = StateWarning
		if pr.failures >= pr.threshold {
			state = StateError
		}
	}

	kind := string(pr.checker.Type())
	metrics.HealthProbesTotal.WithLabelValues(kind, string(state)).Inc()
	metrics.HealthProbeDuration.WithLabelValues(kind).Observe(result.Duration.Seconds())

	if state != StateOK {
		p.logger.Debug().
			Str("entity", pr.entity).
			Str("domain", pr.domain).
			Str("state", string(state)).
			Int("failures", pr.failures).
			Msg(result.Message)
	}
	p.reporter.Report(pr.entity, pr.domain, state, result.Message)
}
