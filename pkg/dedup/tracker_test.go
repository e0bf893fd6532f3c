package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/types"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
)

func TestTryAccept(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(tr *Tracker[string])
		instance int64
		expected Decision
	}{
		{
			name:     "first request",
			setup:    func(tr *Tracker[string]) {},
			instance: 1,
			expected: Accepted,
		},
		{
			name:     "retry of in-flight instance",
			setup:    func(tr *Tracker[string]) { tr.TryAccept("k", 1) },
			instance: 1,
			expected: Accepted,
		},
		{
			name: "retry of completed instance",
			setup: func(tr *Tracker[string]) {
				tr.TryAccept("k", 1)
				tr.Complete("k", 1)
			},
			instance: 1,
			expected: RejectCompleted,
		},
		{
			name: "older instance",
			setup: func(tr *Tracker[string]) {
				tr.TryAccept("k", 3)
				tr.Complete("k", 3)
			},
			instance: 2,
			expected: RejectStale,
		},
		{
			name:     "newer instance while one is in flight",
			setup:    func(tr *Tracker[string]) { tr.TryAccept("k", 1) },
			instance: 2,
			expected: RejectBusy,
		},
		{
			name: "newer instance after completion",
			setup: func(tr *Tracker[string]) {
				tr.TryAccept("k", 1)
				tr.Complete("k", 1)
			},
			instance: 2,
			expected: Accepted,
		},
		{
			name: "retry after abandon",
			setup: func(tr *Tracker[string]) {
				tr.TryAccept("k", 1)
				tr.Abandon("k", 1)
			},
			instance: 1,
			expected: Accepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker[string](testclock.NewClock(time.Now()))
			tt.setup(tr)
			assert.Equal(t, tt.expected, tr.TryAccept("k", tt.instance))
		})
	}
}

func TestJoinedRetriesReleaseTogether(t *testing.T) {
	tr := NewTracker[string](nil)

	assert.Equal(t, Accepted, tr.TryAccept("k", 5))
	assert.Equal(t, Accepted, tr.TryAccept("k", 5))

	tr.Complete("k", 5)
	assert.True(t, tr.InFlight("k"))
	assert.Equal(t, RejectBusy, tr.TryAccept("k", 6))

	tr.Complete("k", 5)
	assert.False(t, tr.InFlight("k"))
	assert.Equal(t, RejectCompleted, tr.TryAccept("k", 5))

	// completing a stale instance is ignored
	tr.Complete("k", 4)
	assert.Equal(t, Accepted, tr.TryAccept("k", 6))
}

func TestNameKeysAreIndependent(t *testing.T) {
	tr := NewTracker[types.Name](nil)
	web := types.MustParseName("app:/web")
	db := types.MustParseName("app:/db")

	assert.Equal(t, Accepted, tr.TryAccept(web, 1))
	assert.Equal(t, Accepted, tr.TryAccept(db, 1))
	assert.Equal(t, RejectBusy, tr.TryAccept(web, 2))
	assert.Equal(t, Accepted, tr.TryAccept(types.MustParseName("APP:/web/"), 1))
}

func TestConcurrentNewInstancesAdmitOne(t *testing.T) {
	tr := NewTracker[string](nil)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(instance int64) {
			defer wg.Done()
			if tr.TryAccept("k", 100+instance) == Accepted {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// once one instance holds the key, every other instance is busy or stale
	assert.Equal(t, int32(1), accepted.Load())
}

func TestPrune(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	tr := NewTracker[string](clk)

	tr.TryAccept("idle", 1)
	tr.Complete("idle", 1)
	tr.TryAccept("busy", 1)

	clk.Advance(time.Hour)
	tr.TryAccept("fresh", 1)
	tr.Complete("fresh", 1)

	assert.Equal(t, 1, tr.Prune(30*time.Minute))
	assert.Equal(t, 2, tr.Len())

	// a pruned key starts over
	assert.Equal(t, Accepted, tr.TryAccept("idle", 1))
}
