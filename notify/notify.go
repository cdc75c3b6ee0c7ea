// Package notify publishes change events for derived rows. Delivery (webhook
// fan-out, queues) lives outside this service; the pipeline only emits
// (table, primary key) pairs.
package notify

import "github.com/ethereum/go-ethereum/log"

// Event identifies one created or updated row.
type Event struct {
	Table string
	PK    string
}

// Publisher receives change events. Implementations must not block the
// pipeline.
type Publisher interface {
	Publish(table, pk string)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(string, string) {}

// ChannelPublisher buffers events on a channel for an external consumer.
// When the buffer is full the event is dropped; the consumer is best effort
// and can always rebuild from the database.
type ChannelPublisher struct {
	events chan Event
}

func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{events: make(chan Event, buffer)}
}

// Events is the consumer side of the publisher.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.events
}

func (p *ChannelPublisher) Publish(table, pk string) {
	select {
	case p.events <- Event{Table: table, PK: pk}:
	default:
		log.Debug("dropping change notification", "table", table, "pk", pk)
	}
}
