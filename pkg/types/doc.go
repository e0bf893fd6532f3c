/*
Package types defines the rollout context, the record keeper persists for
every mutation a client requests.

A RolloutContext carries a shared header (kind, key, status, sequence
number, request instance, activity id, timeout) and exactly one payload
pointer matching its Kind:

	Kind                         Payload              Key
	application                  Application          app:/web
	application_type             ApplicationType      web/1.0
	application_upgrade          ApplicationUpgrade   app:/web
	runtime_provision            RuntimeProvision     code:config
	runtime_upgrade              RuntimeUpgrade       cluster
	compose_deployment           Deployment           deployment name
	compose_upgrade              DeploymentUpgrade    deployment name
	single_instance_deployment   Deployment           deployment name
	single_instance_upgrade      DeploymentUpgrade    deployment name
	infrastructure_task          InfrastructureTask   task id

The kind is also the store bucket, so a (kind, key) pair identifies a
context.

# Status

	          accept
	─────────────────────▶ pending ──▶ processing ──▶ completed
	                          │              │
	                          │              └──────▶ failed
	delete accept             ▼
	─────────────────▶ delete_pending ──▶ deleting ──▶ (removed)

Pending and delete_pending contexts are pickable by background rollout.
Processing and deleting contexts are in flight. Completed and failed are
terminal until a new request reinitializes the context.

# Names

Applications are keyed by a hierarchical Name, "scheme:/a/b". Names are
comparable values so they key maps directly, and IsPrefixOf answers the
hierarchy question:

	n := types.MustParseName("app:/team/web")
	types.MustParseName("app:/team").IsPrefixOf(n) // true

# Encoding

Contexts are stored as JSON. The sequence number is not part of the
encoding; the store assigns it on read.

	data, _ := c.Marshal()
	c2, err := types.Unmarshal(data, seq)
*/
package types
