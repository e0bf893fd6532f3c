/*
Package accept implements the client-facing half of keeper: every mutation
request enters here, is staged as a rollout context in a store transaction,
committed, answered and handed to background rollout.

# Request Flow

	request ──► duplicate tracker ──► stage (tx) ──► commit ──► finish
	               │                     ▲   │                    │
	               │ stale/done:         │   │ stale sequence     ├─ reply now
	               │ canned success      └───┘ (juju/retry)       ├─ enqueue
	               ▼                                              └─ wait for rollout
	            reply

Each operation provides a stage function that reads the contexts it depends
on inside the transaction and decides exactly one outcome: insert a new
Pending context, restart a failed one over its old record, refresh the
timeout of an identical in-flight request, change an in-flight context in
place (interrupt, goal state, next domain), or reject.

Everything a stage function reads joins the transaction read set. When a
concurrent writer changes any of it the commit fails with
errdefs.StaleSequence and the stage function runs again against the new
state, so two racing creates of the same key can never both insert.

# Finish

finish decides from the staging outcome alone:

  - progress signals (errdefs.RequestAlreadyProcessing and friends) still
    schedule the context so work keeps moving, and are returned as is
  - a commit that timed out may have landed; the context is scheduled and
    errdefs.CommitTimeout is returned so the client retries. A retry with
    the same request instance finds whatever the store holds.
  - upgrade style operations reply once the commit is durable
  - provisioning style operations wait on a reply binding until the rollout
    queue finishes the context, or until the request timeout, which yields
    errdefs.OperationTimeout

# Duplicate Requests

Header.Instance is a per-key request instance chosen by the client. Retries
reuse it. A retry of a completed instance, or any older instance, is
answered with success without touching the store; a newer instance that
arrives while another is in flight gets errdefs.RequestAlreadyProcessing.
Instance zero skips the tracker; internal callers such as the cleanup job
use it.

# Usage

	p, err := accept.New(accept.Options{
		Store:    mgr.Store(),
		Queue:    queue,
		Health:   aggregator,
		Topology: accept.StaticTopology{"UD0", "UD1", "UD2"},
	})

	_, err = p.ProvisionApplicationType(ctx, accept.Header{Instance: 1}, "web", "1.0", "")
	_, err = p.CreateApplication(ctx, accept.Header{Instance: 1}, accept.CreateApplicationRequest{
		Name:        types.MustParseName("app:/web"),
		TypeName:    "web",
		TypeVersion: "1.0",
	})
*/
package accept
