package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
)

// State represents the reported health of an entity within a domain
type State string

const (
	StateOK      State = "ok"
	StateWarning State = "warning"
	StateError   State = "error"
	StateUnknown State = "unknown"
)

// FailureAction is what a monitored upgrade does when health evaluation fails
type FailureAction string

const (
	FailureActionRollback FailureAction = "rollback"
	FailureActionManual   FailureAction = "manual"
)

// Policy gates monitored upgrades
type Policy struct {
	// ConsiderWarningAsError counts warning reports as unhealthy
	ConsiderWarningAsError bool `json:"consider_warning_as_error"`

	// MaxPercentUnhealthyDomains is the percentage (0-100) of evaluated
	// domains allowed to be unhealthy before the check fails
	MaxPercentUnhealthyDomains int `json:"max_percent_unhealthy_domains"`

	// HealthCheckWait is how long to wait after a domain completes before
	// evaluating health
	HealthCheckWait time.Duration `json:"health_check_wait"`

	// HealthCheckRetries is the number of evaluations attempted before the
	// failure action is applied
	HealthCheckRetries int `json:"health_check_retries"`

	// FailureAction is applied when evaluation keeps failing
	FailureAction FailureAction `json:"failure_action"`
}

// DefaultPolicy returns a Policy with sensible defaults
func DefaultPolicy() Policy {
	return Policy{
		MaxPercentUnhealthyDomains: 0,
		HealthCheckWait:            0,
		HealthCheckRetries:         3,
		FailureAction:              FailureActionRollback,
	}
}

// Validate checks the policy values
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("health policy is required: %w", errdefs.NotValid)
	}
	if p.MaxPercentUnhealthyDomains < 0 || p.MaxPercentUnhealthyDomains > 100 {
		return fmt.Errorf("max percent unhealthy domains %d out of range: %w", p.MaxPercentUnhealthyDomains, errdefs.NotValid)
	}
	if p.HealthCheckWait < 0 {
		return fmt.Errorf("negative health check wait: %w", errdefs.NotValid)
	}
	if p.HealthCheckRetries < 0 {
		return fmt.Errorf("negative health check retries: %w", errdefs.NotValid)
	}
	switch p.FailureAction {
	case FailureActionRollback, FailureActionManual:
	default:
		return fmt.Errorf("unknown failure action %q: %w", p.FailureAction, errdefs.NotValid)
	}
	return nil
}

// Unhealthy reports whether a state counts against the policy
func (p *Policy) Unhealthy(state State) bool {
	switch state {
	case StateError:
		return true
	case StateWarning:
		return p.ConsiderWarningAsError
	}
	return false
}

// Evaluation describes one unhealthy finding
type Evaluation struct {
	Entity      string
	Domain      string
	State       State
	Description string
}

// Baseline captures domains that were already unhealthy when an upgrade
// started; they are not held against the upgrade
type Baseline struct {
	UnhealthyDomains []string `json:"unhealthy_domains,omitempty"`
}

func (b *Baseline) contains(domain string) bool {
	if b == nil {
		return false
	}
	for _, d := range b.UnhealthyDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// Aggregator evaluates health for upgrade gating
type Aggregator interface {
	// IsApplicationHealthy evaluates the application over the given domains
	IsApplicationHealthy(ctx context.Context, application string, policy *Policy, domains []string, baseline *Baseline) (bool, []Evaluation, error)

	// IsClusterHealthy evaluates the cluster over the given domains
	IsClusterHealthy(ctx context.Context, policy *Policy, domains []string, baseline *Baseline) (bool, []Evaluation, error)

	// Baseline captures the currently unhealthy domains for an entity
	Baseline(ctx context.Context, entity string, policy *Policy) (*Baseline, error)
}
