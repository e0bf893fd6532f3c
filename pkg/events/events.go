package events

import (
	"strings"
	"sync"
	"time"

	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/google/uuid"
)

// EventType names a rollout lifecycle transition. The part before the dot
// is its topic.
type EventType string

const (
	EventContextAccepted  EventType = "context.accepted"
	EventContextCompleted EventType = "context.completed"
	EventContextFailed    EventType = "context.failed"
	EventContextDeleted   EventType = "context.deleted"
	EventDomainStarted    EventType = "upgrade.domain_started"
	EventDomainCompleted  EventType = "upgrade.domain_completed"
	EventUpgradeCompleted EventType = "upgrade.completed"
	EventUpgradeRollback  EventType = "upgrade.rolling_back"
	EventCleanupScan      EventType = "cleanup.scan"
)

// Topic returns the prefix shared by related event types
func (t EventType) Topic() string {
	topic, _, _ := strings.Cut(string(t), ".")
	return topic
}

// Event is one rollout lifecycle transition of the context (Kind, Key)
type Event struct {
	ID        string
	Type      EventType
	Kind      string
	Key       string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives events until it is unsubscribed
type Subscriber chan *Event

const (
	publishBuffer    = 100
	subscriberBuffer = 50
)

// Broker fans events out to subscribers. Slow subscribers lose events
// rather than stall rollouts.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]func(EventType) bool

	eventCh  chan *Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewBroker creates a broker; Start runs its distribution loop
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]func(EventType) bool),
		eventCh:     make(chan *Event, publishBuffer),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins distributing published events
func (b *Broker) Start() {
	go b.run()
}

// Stop ends distribution and waits for the loop to exit. Safe to call twice.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
}

// Subscribe returns a channel receiving every event
func (b *Broker) Subscribe() Subscriber {
	return b.subscribe(func(EventType) bool { return true })
}

// SubscribeTopics returns a channel receiving only events of the given
// topics, e.g. "upgrade"
func (b *Broker) SubscribeTopics(topics ...string) Subscriber {
	want := make(map[string]bool, len(topics))
	for _, t := range topics {
		want[t] = true
	}
	return b.subscribe(func(t EventType) bool { return want[t.Topic()] })
}

func (b *Broker) subscribe(match func(EventType) bool) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = match
	return sub
}

// Unsubscribe removes and closes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for distribution. A nil broker drops it, and so
// does a stopped one.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, match := range b.subscribers {
		if !match(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			metrics.EventsDroppedTotal.WithLabelValues(event.Type.Topic()).Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
