package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// ClusterEntity is the entity name used for cluster-wide reports
const ClusterEntity = "cluster"

type reportKey struct {
	entity string
	domain string
}

// Report is one health report for an entity in a domain
type Report struct {
	Entity      string
	Domain      string
	State       State
	Description string
	ReportedAt  time.Time
}

// ReportAggregator evaluates policies against health reports pushed into it
type ReportAggregator struct {
	mu      sync.RWMutex
	clock   clock.Clock
	reports map[reportKey]Report
}

// NewReportAggregator creates an empty aggregator
func NewReportAggregator(clk clock.Clock) *ReportAggregator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &ReportAggregator{
		clock:   clk,
		reports: make(map[reportKey]Report),
	}
}

// Report records the latest state for an entity in a domain
func (a *ReportAggregator) Report(entity, domain string, state State, description string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reports[reportKey{entity: entity, domain: domain}] = Report{
		Entity:      entity,
		Domain:      domain,
		State:       state,
		Description: description,
		ReportedAt:  a.clock.Now(),
	}
}

// Clear drops every report for an entity
func (a *ReportAggregator) Clear(entity string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for k := range a.reports {
		if k.entity == entity {
			delete(a.reports, k)
		}
	}
}

// IsApplicationHealthy implements Aggregator
func (a *ReportAggregator) IsApplicationHealthy(ctx context.Context, application string, policy *Policy, domains []string, baseline *Baseline) (bool, []Evaluation, error) {
	return a.evaluate(ctx, application, policy, domains, baseline)
}

// IsClusterHealthy implements Aggregator
func (a *ReportAggregator) IsClusterHealthy(ctx context.Context, policy *Policy, domains []string, baseline *Baseline) (bool, []Evaluation, error) {
	return a.evaluate(ctx, ClusterEntity, policy, domains, baseline)
}

// Baseline implements Aggregator
func (a *ReportAggregator) Baseline(ctx context.Context, entity string, policy *Policy) (*Baseline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	baseline := &Baseline{}
	for k, r := range a.reports {
		if k.entity == entity && policy.Unhealthy(r.State) {
			baseline.UnhealthyDomains = append(baseline.UnhealthyDomains, k.domain)
		}
	}
	sort.Strings(baseline.UnhealthyDomains)
	return baseline, nil
}

func (a *ReportAggregator) evaluate(ctx context.Context, entity string, policy *Policy, domains []string, baseline *Baseline) (bool, []Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	if err := policy.Validate(); err != nil {
		return false, nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var evaluations []Evaluation
	evaluated := 0
	for _, domain := range domains {
		if baseline.contains(domain) {
			continue
		}
		evaluated++

		r, ok := a.reports[reportKey{entity: entity, domain: domain}]
		if !ok || !policy.Unhealthy(r.State) {
			continue
		}
		evaluations = append(evaluations, Evaluation{
			Entity:      entity,
			Domain:      domain,
			State:       r.State,
			Description: r.Description,
		})
	}

	if evaluated == 0 {
		return true, nil, nil
	}

	percent := len(evaluations) * 100 / evaluated
	return percent <= policy.MaxPercentUnhealthyDomains, evaluations, nil
}
