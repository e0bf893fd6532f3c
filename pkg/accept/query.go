package accept

import (
	"fmt"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
)

// UpgradeStatus is a read-only snapshot of an upgrade
type UpgradeStatus struct {
	Kind     types.ContextKind
	Key      string
	Status   types.Status
	Progress upgrade.Progress
}

// GetContext returns the committed context of kind at key
func (p *Pipeline) GetContext(kind types.ContextKind, key string) (*types.RolloutContext, error) {
	return storage.GetContext(p.store, kind, key)
}

// ListContexts returns every committed context of kind
func (p *Pipeline) ListContexts(kind types.ContextKind) ([]*types.RolloutContext, error) {
	return storage.ListContexts(p.store, kind)
}

// GetUpgradeProgress returns the state and domain progress of an upgrade
func (p *Pipeline) GetUpgradeProgress(kind types.ContextKind, key string) (*UpgradeStatus, error) {
	if !kind.IsUpgrade() {
		return nil, fmt.Errorf("%s is not an upgrade kind: %w", kind, errdefs.NotValid)
	}
	c, err := p.GetContext(kind, key)
	if err != nil {
		return nil, err
	}
	return &UpgradeStatus{
		Kind:     c.Kind,
		Key:      c.Key,
		Status:   c.Status,
		Progress: *c.Progress(),
	}, nil
}
