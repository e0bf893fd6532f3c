/*
Package health evaluates the health signals that gate monitored upgrades.

Monitored upgrades pause after every upgrade domain and ask an Aggregator
whether the application, or the cluster for runtime upgrades, is still
healthy enough to continue. The answer is driven by a Policy and by a
Baseline of domains that were already unhealthy when the upgrade started.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                    Upgrade Executor                          │
	│        (pkg/deploy, after each completed domain)             │
	└──────────────┬───────────────────────────────────────────────┘
	               │ IsApplicationHealthy / IsClusterHealthy
	               ▼
	┌──────────────────────────────────────────────────────────────┐
	│                    ReportAggregator                          │
	│  latest Report per (entity, domain)                          │
	│  Policy: warning-as-error, max % unhealthy domains           │
	│  Baseline: domains excluded from evaluation                  │
	└──────────────▲───────────────────────────────────────────────┘
	               │ Report(entity, domain, state, description)
	        ┌──────┴───────┐
	        │    Prober    │  one goroutine per probe, clock driven
	        └──────┬───────┘
	               │ ProbeConfig.Checker
	               ▼
	     ┌────────────────────────────┐
	     │  checks: http, tcp, exec   │
	     │  bounded by probe timeout  │
	     └────────────────────────────┘

# Evaluation

For each requested domain that is not part of the baseline the aggregator
looks up the latest report of the entity. A missing report counts as
healthy. Error reports are unhealthy; warning reports are unhealthy only
when ConsiderWarningAsError is set. The entity is healthy when

	unhealthy * 100 / evaluated <= MaxPercentUnhealthyDomains

and trivially healthy when no domain is left to evaluate.

# Probes

A Prober turns checker results into reports. A passing check reports
StateOK and resets the failure count. Failing checks report StateWarning
until FailureThreshold consecutive failures have been seen, then
StateError:

	probes:
	  - entity: app:/web
	    domain: UD0
	    type: http
	    target: http://10.0.0.4:8080/healthz
	    headers: {X-Probe: keeper}
	    expected_status: [200, 204]
	    interval: 10s
	    failure_threshold: 3

Each check type has a default timeout (10s for http and exec, 5s for tcp)
used when the probe sets none.

# Usage

	agg := health.NewReportAggregator(clock.WallClock)
	prober, err := health.NewProber(agg, clock.WallClock, cfg.Health.Probes)
	if err != nil {
		return err
	}
	prober.Start(ctx)
	defer prober.Stop()

	policy := health.DefaultPolicy()
	ok, evaluations, err := agg.IsApplicationHealthy(ctx, "app:/web", &policy, []string{"UD0"}, nil)
*/
package health
