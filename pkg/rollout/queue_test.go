package rollout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/reply"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func appContext(key string) *types.RolloutContext {
	return &types.RolloutContext{
		Kind:   types.KindApplication,
		Key:    key,
		Status: types.StatusPending,
		Application: &types.Application{
			Name: types.MustParseName(key), TypeName: "T", TypeVersion: "1.0",
		},
	}
}

func completed(c *types.RolloutContext) *types.RolloutContext {
	out := *c
	out.Status = types.StatusCompleted
	return &out
}

func waitBinding(t *testing.T, b *reply.Binding) reply.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := b.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestQueueCompletesBinding(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(ExecutorFunc(func(ctx context.Context, c *types.RolloutContext) (*types.RolloutContext, error) {
		return completed(c), nil
	}), 2)
	q.Start(context.Background())
	defer q.Stop()

	b := reply.New()
	require.NoError(t, q.Enqueue(appContext("app:/web"), b))

	res := waitBinding(t, b)
	require.NoError(t, res.Err)
	assert.Equal(t, types.StatusCompleted, res.Context.Status)

	assert.Eventually(t, func() bool { return q.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestQueueCollapsesAndSerializesPerKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	var running, maxRunning, runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 10)

	q := NewQueue(ExecutorFunc(func(ctx context.Context, c *types.RolloutContext) (*types.RolloutContext, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return completed(c), nil
	}), 4)
	q.Start(context.Background())
	defer q.Stop()

	first := reply.New()
	require.NoError(t, q.Enqueue(appContext("app:/web"), first))
	<-started

	// submissions while running collapse into one rerun
	second := reply.New()
	err := q.Enqueue(appContext("app:/web"), second)
	assert.ErrorIs(t, err, errdefs.RequestAlreadyProcessing)
	err = q.Enqueue(appContext("app:/web"), nil)
	assert.ErrorIs(t, err, errdefs.RequestAlreadyProcessing)
	assert.True(t, q.Active(types.KindApplication, "app:/web"))

	release <- struct{}{}
	waitBinding(t, first)
	assert.False(t, second.Completed(), "a binding attached mid-run waits for the rerun")

	<-started
	release <- struct{}{}
	waitBinding(t, second)

	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestQueueRunsKeysInParallel(t *testing.T) {
	defer goleak.VerifyNone(t)

	var wg sync.WaitGroup
	wg.Add(3)
	q := NewQueue(ExecutorFunc(func(ctx context.Context, c *types.RolloutContext) (*types.RolloutContext, error) {
		wg.Done()
		// every key must be running at once for this to return
		wg.Wait()
		return completed(c), nil
	}), 3)
	q.Start(context.Background())
	defer q.Stop()

	bindings := []*reply.Binding{reply.New(), reply.New(), reply.New()}
	for i, key := range []string{"app:/a", "app:/b", "app:/c"} {
		require.NoError(t, q.Enqueue(appContext(key), bindings[i]))
	}
	for _, b := range bindings {
		assert.NoError(t, waitBinding(t, b).Err)
	}
}

func TestQueueStopFailsWaitingBindings(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{}, 1)
	q := NewQueue(ExecutorFunc(func(ctx context.Context, c *types.RolloutContext) (*types.RolloutContext, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}), 1)
	q.Start(context.Background())

	running := reply.New()
	waiting := reply.New()
	require.NoError(t, q.Enqueue(appContext("app:/a"), running))
	<-started
	require.NoError(t, q.Enqueue(appContext("app:/b"), waiting))

	q.Stop()

	assert.ErrorIs(t, waitBinding(t, running).Err, context.Canceled)
	assert.ErrorIs(t, waitBinding(t, waiting).Err, errdefs.Unavailable)
	assert.ErrorIs(t, q.Enqueue(appContext("app:/c"), nil), errdefs.Unavailable)
}
