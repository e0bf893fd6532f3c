package errdefs

import (
	"github.com/juju/errors"
)

// Validation errors. The caller must fix the request; never retried.
const (
	// NotValid describes a malformed request or description.
	NotValid = errors.ConstError("not valid")

	// InvalidUpgradeDomain is returned when a move-next or completion report
	// names a domain other than the one the upgrade expects.
	InvalidUpgradeDomain = errors.ConstError("invalid upgrade domain")

	// HealthCheckFailed is returned when a monitored upgrade cannot proceed
	// because the health policy does not validate.
	HealthCheckFailed = errors.ConstError("health check failed")

	// PreviewFeatureBlocked is returned when a runtime code upgrade is
	// requested while unsupported preview features are enabled.
	PreviewFeatureBlocked = errors.ConstError("code upgrade blocked by unsupported preview features")

	// DeploymentNotUpgradable describes a deployment description that cannot
	// be applied as an upgrade or a replacement.
	DeploymentNotUpgradable = errors.ConstError("deployment not upgradable")
)

// Conflict errors. Terminal for the request, no retry.
const (
	// NotFound describes a generic missing record.
	NotFound = errors.ConstError("not found")

	// ApplicationNotFound describes an error that occurs when the application
	// being operated on does not exist.
	ApplicationNotFound = errors.ConstError("application not found")

	// ApplicationTypeNotFound describes an error that occurs when the
	// application type version referenced is not provisioned.
	ApplicationTypeNotFound = errors.ConstError("application type not found")

	// DeploymentNotFound describes a missing compose or single-instance
	// deployment.
	DeploymentNotFound = errors.ConstError("deployment not found")

	// RuntimeVersionNotFound describes a runtime code/config pair that has
	// not been provisioned.
	RuntimeVersionNotFound = errors.ConstError("runtime version not found")

	// AlreadyExists describes a generic duplicate record.
	AlreadyExists = errors.ConstError("already exists")

	// ApplicationAlreadyExists describes an error that occurs when the
	// application being created already exists.
	ApplicationAlreadyExists = errors.ConstError("application already exists")

	// ApplicationTypeAlreadyExists describes an error that occurs when the
	// application type version being provisioned already exists.
	ApplicationTypeAlreadyExists = errors.ConstError("application type already exists")

	// AlreadyInTargetVersion is returned when an upgrade targets the version
	// already running with unchanged parameters.
	AlreadyInTargetVersion = errors.ConstError("already in target version")

	// TypeInUse is returned when unprovisioning a version still referenced by
	// an application or an upgrade.
	TypeInUse = errors.ConstError("application type in use")

	// RuntimeVersionInUse is the runtime equivalent of TypeInUse.
	RuntimeVersionInUse = errors.ConstError("runtime version in use")

	// UpgradeNotInProgress is returned for interrupt, rollback or domain
	// operations against an upgrade that has already finished.
	UpgradeNotInProgress = errors.ConstError("upgrade not in progress")

	// StaleUpgradeInstance is returned when a domain progress report carries
	// an upgrade instance older than the current one.
	StaleUpgradeInstance = errors.ConstError("stale upgrade instance")

	// StaleRequest is returned for a request instance older than one already
	// accepted for the same key.
	StaleRequest = errors.ConstError("stale request")
)

// Progress signals. Not failures: the work is accepted and ongoing.
const (
	// RequestAlreadyProcessing tells the caller to poll status or retry.
	RequestAlreadyProcessing = errors.ConstError("request already processing")

	// UpgradeInProgress is returned when a mutation collides with an
	// upgrade that is still rolling.
	UpgradeInProgress = errors.ConstError("upgrade in progress")

	// InfrastructureTaskInProgress is returned when a task instance is still
	// being processed.
	InfrastructureTaskInProgress = errors.ConstError("infrastructure task in progress")
)

// Transient errors. Recovered by retrying the same idempotent request.
const (
	// StaleSequence is returned by a commit whose read set changed after it
	// was read.
	StaleSequence = errors.ConstError("stale sequence number")

	// CommitTimeout is returned when a commit did not finish within its
	// budget. The write may still become durable.
	CommitTimeout = errors.ConstError("commit timed out")

	// OperationTimeout is returned when the caller's budget ran out while
	// background work was still running.
	OperationTimeout = errors.ConstError("operation timed out")

	// Unavailable is returned when the replication layer cannot accept
	// writes, for example on a follower.
	Unavailable = errors.ConstError("store unavailable")
)

// InvariantViolation marks a coding error. It is never swallowed.
const InvariantViolation = errors.ConstError("invariant violation")
