/*
Package events provides the in-memory event broker of a hive driver.

Components publish grid events (node connections and failures, heartbeat
failures, job lifecycle, resubmissions, reservations) and any number of
subscribers receive them through buffered channels:

	Publisher → history ring (per type) → event channel (256) → broadcast loop
	                                                                 ↓
	                                               subscriber channels (50 each)

Publish never blocks the caller. A full distribution buffer or a slow
subscriber loses the event for that consumer only; the per-type history used
by the management snapshots always records it.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(events.New(events.EventNodeFailed, "heartbeat timeout",
		map[string]string{"node": nodeUUID}))

	failures := broker.Recent(events.EventHeartbeatFailed, 10)

A nil *Broker accepts Publish calls and discards them, so components can be
built without one in tests.
*/
package events
