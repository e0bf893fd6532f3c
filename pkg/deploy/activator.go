package deploy

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ActionKind names a node-local activation
type ActionKind string

const (
	ActionProvisionType      ActionKind = "provision_type"
	ActionUnprovisionType    ActionKind = "unprovision_type"
	ActionStartApplication   ActionKind = "start_application"
	ActionStopApplication    ActionKind = "stop_application"
	ActionUpgradeDomain      ActionKind = "upgrade_domain"
	ActionProvisionRuntime   ActionKind = "provision_runtime"
	ActionUnprovisionRuntime ActionKind = "unprovision_runtime"
	ActionPrepareNodes       ActionKind = "prepare_nodes"
	ActionRestoreNodes       ActionKind = "restore_nodes"
)

// Action is one unit of work the deployer asks the nodes to perform.
// Activations must be idempotent: after a crash or a lost commit the
// deployer repeats the last action.
type Action struct {
	Kind ActionKind

	// Subject is the type key, application name, runtime version or task
	// the action applies to
	Subject string

	// Version is the version to run; for domain upgrades the version the
	// domain moves to
	Version    string
	Parameters map[string]string

	// Domain is set for domain upgrades
	Domain string

	// Nodes is set for infrastructure tasks
	Nodes []string
}

// Activator performs node-local work
type Activator interface {
	Activate(ctx context.Context, a Action) error
}

// ActivatorFunc adapts a function to Activator
type ActivatorFunc func(ctx context.Context, a Action) error

// Activate calls f
func (f ActivatorFunc) Activate(ctx context.Context, a Action) error {
	return f(ctx, a)
}

// LogActivator records every action and logs it. It stands in for node
// agents that are not part of keeper.
type LogActivator struct {
	Logger zerolog.Logger

	mu      sync.Mutex
	actions []Action
}

// Activate implements Activator
func (l *LogActivator) Activate(ctx context.Context, a Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.actions = append(l.actions, a)
	l.mu.Unlock()

	l.Logger.Info().
		Str("action", string(a.Kind)).
		Str("subject", a.Subject).
		Str("version", a.Version).
		Str("domain", a.Domain).
		Msg("Activation")
	return nil
}

// Actions returns a copy of the recorded actions
func (l *LogActivator) Actions() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Action(nil), l.actions...)
}
