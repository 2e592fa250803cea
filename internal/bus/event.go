package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used across the daemon:
//
//	net.online / net.offline        connectivity transitions
//	queue.enqueued                  a send was persisted for later delivery
//	message.send_ack                a queued send was confirmed by the backend
//	message.send_failed             a send failed terminally
//	message.send_exhausted          a send ran out of retry attempts (keep policy)
//	view.updated                    a conversation view changed
//	presence.changed                a tracked user's effective liveness flipped
//	typing.changed                  the typing set of a conversation changed
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
