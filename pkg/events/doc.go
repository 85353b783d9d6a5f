/*
Package events is a small in-memory pub/sub bus used to decouple the
configuration watcher from whatever wants to react to a reload.

The only event type today is config.changed, published by
pkg/config.Watcher when a reload of the on-disk YAML file succeeds.
pkg/config.Store.Subscribe consumes it to apply the new configuration,
and the configuration_sync work item consumes a second subscription to
know a local reload happened without re-reading the file itself.

	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			if ev.Type == events.EventConfigChanged {
				// ev.Payload is a *config.Config
			}
		}
	}()

Publish is non-blocking and delivery is best-effort: a subscriber whose
buffer is full misses the event rather than stalling the bus. That is
acceptable here because every current consumer treats an event as a
hint to re-check state it can also arrive at on its own schedule, not as
the only path to a required action.
*/
package events
