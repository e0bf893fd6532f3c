package errdefs

import (
	"context"

	"github.com/juju/errors"
)

// Category groups errors by how the caller and the finish step react to them.
type Category string

const (
	CategoryOK         Category = "ok"
	CategoryValidation Category = "validation"
	CategoryConflict   Category = "conflict"
	CategoryProgress   Category = "progress"
	CategoryTransient  Category = "transient"
	CategoryFatal      Category = "fatal"
)

var (
	validation = []error{NotValid, InvalidUpgradeDomain, HealthCheckFailed, PreviewFeatureBlocked, DeploymentNotUpgradable}
	conflict   = []error{
		NotFound, ApplicationNotFound, ApplicationTypeNotFound, DeploymentNotFound, RuntimeVersionNotFound,
		AlreadyExists, ApplicationAlreadyExists, ApplicationTypeAlreadyExists, AlreadyInTargetVersion,
		TypeInUse, RuntimeVersionInUse, UpgradeNotInProgress, StaleUpgradeInstance, StaleRequest,
	}
	progress  = []error{RequestAlreadyProcessing, UpgradeInProgress, InfrastructureTaskInProgress}
	transient = []error{StaleSequence, CommitTimeout, OperationTimeout, Unavailable, context.DeadlineExceeded, context.Canceled}
)

// Classify maps err onto its category. Unknown errors are fatal so that they
// surface instead of being mistaken for progress.
func Classify(err error) Category {
	if err == nil {
		return CategoryOK
	}
	switch {
	case isAny(err, progress):
		return CategoryProgress
	case isAny(err, transient):
		return CategoryTransient
	case isAny(err, validation):
		return CategoryValidation
	case isAny(err, conflict):
		return CategoryConflict
	}
	return CategoryFatal
}

// ShouldEnqueue reports whether background work must still be scheduled
// after an accept attempt that ended with err. A timed-out commit may have
// landed, so it is treated like progress.
func ShouldEnqueue(err error) bool {
	switch Classify(err) {
	case CategoryOK, CategoryProgress:
		return true
	}
	return errors.Is(err, CommitTimeout)
}

// IsRetryable reports whether the client should resend the same request.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case CategoryProgress, CategoryTransient:
		return true
	}
	return false
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is a missing record
func IsNotFound(err error) bool {
	return errors.Is(err, NotFound)
}
