package bus

import "time"

// Event is a domain event published on the bus. Kind is dot-separated,
// e.g. "message.appended" or "net.online"; subscribers filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Now builds an event stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
