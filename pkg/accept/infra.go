package accept

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
)

const (
	opStartTask  = "start_infrastructure_task"
	opFinishTask = "finish_infrastructure_task"
)

// StartInfrastructureTask prepares nodes for a maintenance task. It
// returns once the nodes are prepared. Task instances only move forward:
// a new instance of a task may start once the previous one finished.
func (p *Pipeline) StartInfrastructureTask(ctx context.Context, hdr Header, taskID string, instanceID uint64, nodes []string) (*types.RolloutContext, error) {
	if taskID == "" || instanceID == 0 {
		return nil, fmt.Errorf("task id and instance are required: %w", errdefs.NotValid)
	}
	key := types.InfrastructureTaskKey(taskID)
	payload := types.InfrastructureTask{
		TaskID:     taskID,
		InstanceID: instanceID,
		Nodes:      slices.Clone(nodes),
		State:      types.TaskStatePreparing,
	}

	return p.accept(ctx, opStartTask, stringKey(familyTask, key), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		existing, err := readOptional(tx, types.KindInfrastructureTask, key)
		if err != nil {
			return staged{}, err
		}
		if existing == nil {
			c := p.newContext(types.KindInfrastructureTask, key, hdr, now)
			c.InfrastructureTask = &payload
			return insert(tx, c, false)
		}

		task := existing.InfrastructureTask
		switch {
		case task.InstanceID > instanceID:
			return staged{}, fmt.Errorf("task %s instance %d superseded by %d: %w", taskID, instanceID, task.InstanceID, errdefs.StaleRequest)

		case task.InstanceID < instanceID:
			if existing.Status == types.StatusFailed || (existing.Status == types.StatusCompleted && task.State == types.TaskStateFinished) {
				existing.InfrastructureTask = &payload
				restart(existing, types.StatusPending, hdr, now)
				return write(tx, existing, false)
			}
			return staged{context: existing}, fmt.Errorf("task %s instance %d is %s: %w", taskID, task.InstanceID, task.State, errdefs.InfrastructureTaskInProgress)

		case existing.Status == types.StatusFailed && task.State == types.TaskStatePreparing:
			restart(existing, types.StatusPending, hdr, now)
			return write(tx, existing, false)

		case task.State == types.TaskStatePreparing:
			return refresh(tx, existing, hdr, now, false)

		case task.State == types.TaskStatePrepared:
			return staged{context: existing}, nil

		default:
			return staged{}, fmt.Errorf("task %s instance %d is already %s: %w", taskID, instanceID, task.State, errdefs.StaleRequest)
		}
	})
}

// FinishInfrastructureTask releases the nodes of a prepared task and
// returns once they are back in service
func (p *Pipeline) FinishInfrastructureTask(ctx context.Context, hdr Header, taskID string, instanceID uint64) (*types.RolloutContext, error) {
	if taskID == "" || instanceID == 0 {
		return nil, fmt.Errorf("task id and instance are required: %w", errdefs.NotValid)
	}
	key := types.InfrastructureTaskKey(taskID)

	return p.accept(ctx, opFinishTask, stringKey(familyTask, key), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		existing, err := readOptional(tx, types.KindInfrastructureTask, key)
		if err != nil {
			return staged{}, err
		}
		if existing == nil {
			return staged{}, fmt.Errorf("task %s: %w", taskID, errdefs.NotFound)
		}

		task := existing.InfrastructureTask
		if task.InstanceID != instanceID {
			return staged{}, fmt.Errorf("task %s runs instance %d, not %d: %w", taskID, task.InstanceID, instanceID, errdefs.StaleRequest)
		}

		switch task.State {
		case types.TaskStatePreparing:
			return staged{context: existing}, fmt.Errorf("task %s is still preparing: %w", taskID, errdefs.InfrastructureTaskInProgress)
		case types.TaskStatePrepared:
			task.State = types.TaskStateFinishing
			restart(existing, types.StatusPending, hdr, now)
			return write(tx, existing, false)
		case types.TaskStateFinishing:
			if existing.Status == types.StatusFailed {
				restart(existing, types.StatusPending, hdr, now)
				return write(tx, existing, false)
			}
			return refresh(tx, existing, hdr, now, false)
		default:
			return staged{context: existing}, nil
		}
	})
}

// requireNoActiveTask fails while any infrastructure task holds nodes
func requireNoActiveTask(tx storage.Tx) error {
	tasks, err := storage.ReadContexts(tx, types.KindInfrastructureTask, "")
	if err != nil {
		return err
	}
	for _, c := range tasks {
		if c.Status == types.StatusFailed || c.InfrastructureTask.State == types.TaskStateFinished {
			continue
		}
		return fmt.Errorf("task %s is %s: %w", c.InfrastructureTask.TaskID, c.InfrastructureTask.State, errdefs.InfrastructureTaskInProgress)
	}
	return nil
}
