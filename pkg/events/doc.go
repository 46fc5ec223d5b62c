/*
Package events provides an in-memory event broker for scheduler pub/sub
messaging.

The broker broadcasts job and worker lifecycle events to interested
subscribers over buffered channels. Publishing is non-blocking: the
main event channel buffers 100 events and each subscriber channel
buffers 50, and a subscriber that falls behind skips events rather than
stalling the broker. Delivery is best effort; nothing in the scheduler
depends on an event arriving.

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventJobFailed:
				handleJobFailed(event)
			case events.EventWorkerFailed:
				handleWorkerFailed(event)
			}
		}
	}()

Publishing:

	broker.Publish(&events.Event{
		Type:    events.EventJobDeadLetter,
		Message: "job 42 moved to dead letter queue",
		Metadata: map[string]string{
			"job_key": "42",
			"reason":  "maximum retry attempts exceeded",
		},
	})

Filtering happens at the subscriber side by event type; the broker
itself is topic-agnostic.
*/
package events
