// package model defines the data types shared by all layers of the event bus:
// events as applications see them, deliveries as consumers see them, and the
// broker endpoints that the router and connection pool trade in.
package model

import (
	"bytes"
	"context"
	"time"
)

// Headers carries optional string metadata on an Event. Insertion order is
// irrelevant.
type Headers map[string]string

// Event is an immutable application event: an opaque payload bound for a
// topic, plus optional headers. Ownership transfers to the publisher at
// publish time and the publisher either delivers it or reports an error, it
// never silently drops it.
type Event struct {
	Topic   string
	Payload []byte
	Headers Headers
}

// NewEvent constructs an Event for the given topic.
func NewEvent(topic string, payload []byte, headers Headers) *Event {
	return &Event{
		Topic:   topic,
		Payload: payload,
		Headers: headers,
	}
}

// Equal reports whether two events carry the same topic, payload and headers.
func (evt *Event) Equal(other *Event) bool {
	if evt == nil || other == nil {
		return evt == other
	}
	if evt.Topic != other.Topic || !bytes.Equal(evt.Payload, other.Payload) {
		return false
	}
	if len(evt.Headers) != len(other.Headers) {
		return false
	}
	for k, v := range evt.Headers {
		if other.Headers[k] != v {
			return false
		}
	}
	return true
}

// MessageID is a broker-assigned message identifier. NSQ uses 16 ASCII bytes,
// other brokers use strings of their own, so we keep it opaque.
type MessageID string

// Delivery is a single received message as handed to consumer handlers. The
// same logical Event may be delivered more than once (at-least-once
// semantics), with Attempts increasing on each redelivery.
type Delivery struct {
	ID        MessageID
	Attempts  uint16
	Timestamp time.Time
	Event     *Event
}

// Handler processes one delivery. Returning nil acknowledges the message,
// returning an error requeues it for redelivery with backoff. Handlers for
// distinct messages may run concurrently, up to the subscription's
// max-in-flight.
type Handler func(ctx context.Context, d *Delivery) error

// DeliveryPolicy tunes how a subscription handles received messages.
type DeliveryPolicy struct {
	// AutoAck acknowledges messages on receipt, before the handler runs.
	// This downgrades the subscription to at-most-once. Default is false:
	// acknowledge only after the handler returns nil.
	AutoAck bool

	// MaxInFlight bounds concurrent handler invocations for the
	// subscription. Zero means use the bus default.
	MaxInFlight int

	// AckTimeout is how long a delivery may remain unacknowledged before
	// the local tracker drops it (the broker redelivers it). Zero means
	// use the bus default.
	AckTimeout time.Duration
}
