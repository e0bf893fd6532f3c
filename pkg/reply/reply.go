// Package reply binds a client request to the answer it will eventually
// receive. A binding completes exactly once, either straight from the
// accept path or later from the background rollout that finishes the work.
package reply

import (
	"context"
	"sync"

	"github.com/cuemby/keeper/pkg/types"
)

// Result is what the client receives
type Result struct {
	Context *types.RolloutContext
	Err     error
}

// Binding is a one-shot reply handle
type Binding struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

// New returns an open binding
func New() *Binding {
	return &Binding{done: make(chan struct{})}
}

// Complete records the result. Only the first call has any effect; it
// reports whether this call completed the binding.
func (b *Binding) Complete(r Result) bool {
	completed := false
	b.once.Do(func() {
		b.result = r
		close(b.done)
		completed = true
	})
	return completed
}

// Done is closed once the binding completed
func (b *Binding) Done() <-chan struct{} {
	return b.done
}

// Completed reports whether a result is available
func (b *Binding) Completed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Result returns the recorded result. It must only be called after Done
// is closed.
func (b *Binding) Result() Result {
	<-b.done
	return b.result
}

// Wait blocks until the binding completes or ctx ends
func (b *Binding) Wait(ctx context.Context) (Result, error) {
	select {
	case <-b.done:
		return b.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
