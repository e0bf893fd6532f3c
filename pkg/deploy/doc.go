/*
Package deploy implements the default rollout executor for keeper.

The Deployer picks up contexts handed over by the rollout queue and drives
them to a terminal status. It never trusts the context it was given: every
step starts from the committed record, performs node-local work through an
Activator and commits exactly one transition. A commit that loses against
a concurrent client write is redone from a fresh read, which is how client
interrupts, rollbacks and goal states reach a running rollout.

# Lifecycle Contexts

Application types, applications, runtime versions, deployments and
infrastructure tasks follow the same two paths:

	Pending ──► Processing ──► activate ──► Completed
	                              │
	                              └──────────► Failed

	DeletePending ──► Deleting ──► deactivate ──► (record removed)

Creating a compose or single-instance deployment also records its generated
application type and the application backing it; deleting the deployment
removes both again.

# Upgrades

Upgrade contexts walk their upgrade domains one at a time:

	┌──────────────┐   next domain    ┌──────────────┐
	│  between     │ ───────────────► │  domain in   │
	│  domains     │                  │  progress    │
	└──────▲───────┘                  └──────┬───────┘
	       │                                 │ activate
	       │        complete domain          │ health gate (monitored)
	       └─────────────────────────────────┘

How the walk moves on depends on the upgrade mode:

  - Unmonitored auto upgrades start the next domain after Config.DomainDelay.
  - Unmonitored manual upgrades park between domains until a client moves
    to the next one.
  - Monitored upgrades wait Policy.HealthCheckWait after each domain and
    evaluate health over every upgraded domain, retrying
    Policy.HealthCheckRetries times. On failure the policy either rolls the
    upgrade back or hands it to the client by switching it to manual mode.
  - Rollbacks walk every domain back to the previous version without
    health gating.

Completing the last domain applies the new version to the application or
deployment in the same commit and promotes a queued goal state. An
incompatible deployment description skips domain walking: the application
is replaced in one step.

# Usage

	deployer, err := deploy.NewDeployer(deploy.Options{
		Store:     store,
		Activator: &deploy.LogActivator{Logger: log.WithComponent("activator")},
		Health:    aggregator,
	})
	queue := rollout.NewQueue(deployer, cfg.Rollout.Workers)
*/
package deploy
