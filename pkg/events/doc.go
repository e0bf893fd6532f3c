/*
Package events provides an in-memory broker for rollout lifecycle events.

The accept pipeline, the deployer and the cleanup scanner publish events
such as context.accepted, upgrade.domain_completed or cleanup.scan. Every
subscriber gets its own buffered channel; publishing never blocks on slow
subscribers, whose events are dropped once their buffer is full.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Kind, ev.Key, ev.Message)
	}

SubscribeTopics narrows a subscription to event topics, the part of the
type before the dot:

	upgrades := broker.SubscribeTopics("upgrade")

Dropped events are counted in keeper_events_dropped_total.

Publish on a nil *Broker is a no-op, so components can run without one.
Events are not persisted; the store remains the source of truth.
*/
package events
