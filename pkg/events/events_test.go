package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestBrokerDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventContextAccepted, Kind: "application", Key: "app:/web"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventContextAccepted, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(5 * time.Second):
		require.Fail(t, "event not delivered")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBrokerPublishAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventCleanupScan})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "publish blocked on a stopped broker")
	}

	var nilBroker *Broker
	nilBroker.Publish(&Event{Type: EventCleanupScan})
}

func TestSubscribeTopicsFilters(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBroker()
	b.Start()
	defer b.Stop()

	upgrades := b.SubscribeTopics("upgrade")
	all := b.Subscribe()
	defer b.Unsubscribe(upgrades)
	defer b.Unsubscribe(all)

	b.Publish(&Event{Type: EventContextAccepted, Kind: "application_upgrade", Key: "app:/web"})
	b.Publish(&Event{Type: EventDomainCompleted, Kind: "application_upgrade", Key: "app:/web", Message: "UD0"})

	select {
	case ev := <-upgrades:
		assert.Equal(t, EventDomainCompleted, ev.Type)
		assert.Equal(t, "UD0", ev.Message)
	case <-time.After(5 * time.Second):
		require.Fail(t, "upgrade event not delivered")
	}

	for _, want := range []EventType{EventContextAccepted, EventDomainCompleted} {
		select {
		case ev := <-all:
			assert.Equal(t, want, ev.Type)
		case <-time.After(5 * time.Second):
			require.Fail(t, "event not delivered", "want %s", want)
		}
	}
	assert.Empty(t, upgrades)
}

func TestEventTypeTopic(t *testing.T) {
	assert.Equal(t, "context", EventContextFailed.Topic())
	assert.Equal(t, "upgrade", EventUpgradeRollback.Topic())
	assert.Equal(t, "cleanup", EventCleanupScan.Topic())
	assert.Equal(t, "plain", EventType("plain").Topic())
}
