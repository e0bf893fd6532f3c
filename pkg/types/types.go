package types

import (
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/upgrade"
)

// Status is the lifecycle status of a rollout context
type Status string

const (
	StatusPending       Status = "pending"
	StatusProcessing    Status = "processing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusDeletePending Status = "delete_pending"
	StatusDeleting      Status = "deleting"
)

// IsTerminal reports whether the context is finished until a new request
// reopens it
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsPickable reports whether background rollout may pick the context up
func (s Status) IsPickable() bool {
	return s == StatusPending || s == StatusDeletePending
}

// IsInFlight reports whether background rollout already picked it up
func (s Status) IsInFlight() bool {
	return s == StatusProcessing || s == StatusDeleting
}

// ContextKind tags the payload variant of a RolloutContext. It is also the
// store bucket the context lives in.
type ContextKind string

const (
	KindApplication              ContextKind = "application"
	KindApplicationType          ContextKind = "application_type"
	KindApplicationUpgrade       ContextKind = "application_upgrade"
	KindRuntimeProvision         ContextKind = "runtime_provision"
	KindRuntimeUpgrade           ContextKind = "runtime_upgrade"
	KindComposeDeployment        ContextKind = "compose_deployment"
	KindComposeUpgrade           ContextKind = "compose_upgrade"
	KindSingleInstanceDeployment ContextKind = "single_instance_deployment"
	KindSingleInstanceUpgrade    ContextKind = "single_instance_upgrade"
	KindInfrastructureTask       ContextKind = "infrastructure_task"
)

// AllKinds lists every context kind
func AllKinds() []ContextKind {
	return []ContextKind{
		KindApplication,
		KindApplicationType,
		KindApplicationUpgrade,
		KindRuntimeProvision,
		KindRuntimeUpgrade,
		KindComposeDeployment,
		KindComposeUpgrade,
		KindSingleInstanceDeployment,
		KindSingleInstanceUpgrade,
		KindInfrastructureTask,
	}
}

// IsUpgrade reports whether the kind carries an upgrade state machine
func (k ContextKind) IsUpgrade() bool {
	switch k {
	case KindApplicationUpgrade, KindRuntimeUpgrade, KindComposeUpgrade, KindSingleInstanceUpgrade:
		return true
	}
	return false
}

// RuntimeUpgradeKey is the key of the singleton cluster runtime upgrade
const RuntimeUpgradeKey = "cluster"

// RolloutContext is one persisted mutation. The header fields are shared;
// exactly one payload pointer is set and it must match Kind.
type RolloutContext struct {
	Kind             ContextKind   `json:"kind"`
	Key              string        `json:"key"`
	Status           Status        `json:"status"`
	SequenceNumber   uint64        `json:"-"`
	OperationTimeout time.Duration `json:"operation_timeout"`
	RequestInstance  int64         `json:"request_instance"`
	ActivityID       string        `json:"activity_id"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`

	Application        *Application        `json:"application,omitempty"`
	ApplicationType    *ApplicationType    `json:"application_type,omitempty"`
	ApplicationUpgrade *ApplicationUpgrade `json:"application_upgrade,omitempty"`
	RuntimeProvision   *RuntimeProvision   `json:"runtime_provision,omitempty"`
	RuntimeUpgrade     *RuntimeUpgrade     `json:"runtime_upgrade,omitempty"`
	Deployment         *Deployment         `json:"deployment,omitempty"`
	DeploymentUpgrade  *DeploymentUpgrade  `json:"deployment_upgrade,omitempty"`
	InfrastructureTask *InfrastructureTask `json:"infrastructure_task,omitempty"`
}

// Application is a running instance of an application type version
type Application struct {
	Name        Name              `json:"name"`
	TypeName    string            `json:"type_name"`
	TypeVersion string            `json:"type_version"`
	Parameters  map[string]string `json:"parameters,omitempty"`

	// Deployment is set when the application backs a compose or
	// single-instance deployment
	Deployment string `json:"deployment,omitempty"`
}

// ApplicationType is a provisioned application type version
type ApplicationType struct {
	TypeName      string    `json:"type_name"`
	Version       string    `json:"version"`
	PackagePath   string    `json:"package_path,omitempty"`
	ProvisionedAt time.Time `json:"provisioned_at"`
}

// ApplicationUpgrade carries the upgrade state machine of one application
type ApplicationUpgrade struct {
	Application Name             `json:"application"`
	TypeName    string           `json:"type_name"`
	Progress    upgrade.Progress `json:"progress"`
}

// RuntimeProvision is a provisioned cluster runtime version
type RuntimeProvision struct {
	Version       upgrade.RuntimeVersion `json:"version"`
	ProvisionedAt time.Time              `json:"provisioned_at"`
}

// RuntimeUpgrade is the singleton cluster runtime upgrade. Progress
// versions use the RuntimeVersion "code:config" form.
type RuntimeUpgrade struct {
	Progress upgrade.Progress `json:"progress"`
}

// DeploymentDescription is the client supplied description of a compose or
// single-instance deployment
type DeploymentDescription struct {
	Content string `json:"content"`
}

// Deployment is a compose or single-instance deployment, backed by a
// generated application type and application
type Deployment struct {
	Name        string                `json:"name"`
	Description DeploymentDescription `json:"description"`
	TypeName    string                `json:"type_name"`
	TypeVersion string                `json:"type_version"`
	Generation  uint64                `json:"generation"`
	Application Name                  `json:"application"`
}

// DeploymentUpgrade tracks a compose or single-instance upgrade
type DeploymentUpgrade struct {
	Deployment  string                `json:"deployment"`
	Target      DeploymentDescription `json:"target"`
	Replacement bool                  `json:"replacement"`
	Progress    upgrade.Progress      `json:"progress"`
}

// InfrastructureTaskState is the phase of an infrastructure task
type InfrastructureTaskState string

const (
	TaskStatePreparing InfrastructureTaskState = "preparing"
	TaskStatePrepared  InfrastructureTaskState = "prepared"
	TaskStateFinishing InfrastructureTaskState = "finishing"
	TaskStateFinished  InfrastructureTaskState = "finished"
)

// InfrastructureTask is a node maintenance task coordinated with rollouts
type InfrastructureTask struct {
	TaskID     string                  `json:"task_id"`
	InstanceID uint64                  `json:"instance_id"`
	Nodes      []string                `json:"nodes"`
	State      InfrastructureTaskState `json:"state"`
}

// Validate checks that exactly one payload is set and that it matches Kind
func (c *RolloutContext) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("%s context without key: %w", c.Kind, errdefs.InvariantViolation)
	}

	set := 0
	var want bool
	count := func(present bool, kinds ...ContextKind) {
		if !present {
			return
		}
		set++
		for _, k := range kinds {
			if k == c.Kind {
				want = true
			}
		}
	}
	count(c.Application != nil, KindApplication)
	count(c.ApplicationType != nil, KindApplicationType)
	count(c.ApplicationUpgrade != nil, KindApplicationUpgrade)
	count(c.RuntimeProvision != nil, KindRuntimeProvision)
	count(c.RuntimeUpgrade != nil, KindRuntimeUpgrade)
	count(c.Deployment != nil, KindComposeDeployment, KindSingleInstanceDeployment)
	count(c.DeploymentUpgrade != nil, KindComposeUpgrade, KindSingleInstanceUpgrade)
	count(c.InfrastructureTask != nil, KindInfrastructureTask)

	if set != 1 || !want {
		return fmt.Errorf("%s context %q has %d payloads: %w", c.Kind, c.Key, set, errdefs.InvariantViolation)
	}
	return nil
}

// Progress returns the upgrade state machine for upgrade kinds
func (c *RolloutContext) Progress() *upgrade.Progress {
	switch {
	case c.ApplicationUpgrade != nil:
		return &c.ApplicationUpgrade.Progress
	case c.RuntimeUpgrade != nil:
		return &c.RuntimeUpgrade.Progress
	case c.DeploymentUpgrade != nil:
		return &c.DeploymentUpgrade.Progress
	}
	return nil
}

// AwaitsClient reports whether a manual rollforward is parked between
// domains until a client starts the next one
func (c *RolloutContext) AwaitsClient() bool {
	p := c.Progress()
	if p == nil {
		return false
	}
	return p.State == upgrade.StateRollingForward &&
		p.Mode == upgrade.ModeUnmonitoredManual &&
		p.Domains.InProgress == "" &&
		len(p.Domains.Pending) > 0
}

// Touch updates the modification time
func (c *RolloutContext) Touch(now time.Time) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}

// Reinitialize restarts a context over a previous record: the header is
// reset for a new request while the stored sequence number is kept so the
// write still validates against the old record
func (c *RolloutContext) Reinitialize(status Status, instance int64, activityID string, timeout time.Duration, now time.Time) {
	c.Status = status
	c.RequestInstance = instance
	c.ActivityID = activityID
	c.OperationTimeout = timeout
	c.FailureReason = ""
	c.CreatedAt = now
	c.UpdatedAt = now
}

// ApplicationTypeKey is the store key of an application type version
func ApplicationTypeKey(typeName, version string) string {
	return typeName + "/" + version
}

// ApplicationTypePrefix selects every version of a type
func ApplicationTypePrefix(typeName string) string {
	return typeName + "/"
}

// InfrastructureTaskKey is the store key of an infrastructure task
func InfrastructureTaskKey(taskID string) string {
	return taskID
}
