// package wire defines the contract between the event bus and a concrete
// broker protocol. An Adapter is a pure byte transformer: it encodes abstract
// publish/subscribe/ack operations into wire bytes and decodes inbound bytes
// into frames. All I/O happens elsewhere (the connection pool owns sockets),
// which keeps adapters trivially testable.
//
// Adapters form a small closed set, one per broker family, selected by
// configuration at bus construction time.
package wire

import (
	"context"
	"io"
	"time"

	"github.com/getlantern/eventbus/model"
)

// Capability is a bitmask of protocol features an adapter supports.
type Capability uint8

const (
	CapPublish Capability = 1 << iota
	CapSubscribe
	CapAck
	CapRequeue
	CapHeartbeat
)

// Has reports whether all capabilities in want are present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// FrameType classifies an inbound frame.
type FrameType uint8

const (
	// FrameResponse is a success response to a command (e.g. OK).
	FrameResponse FrameType = iota
	// FrameError is an error response from the broker.
	FrameError
	// FrameMessage carries a delivered message.
	FrameMessage
	// FrameHeartbeat is a broker liveness probe that must be answered.
	FrameHeartbeat
)

// Frame is one decoded unit from the broker. Body is set for response and
// error frames, Delivery for message frames. The Delivery's event carries no
// topic; the subscription that owns the connection knows which topic it
// subscribed to and fills it in.
type Frame struct {
	Type     FrameType
	Body     []byte
	Delivery *model.Delivery
}

// Adapter translates abstract bus operations to and from one broker family's
// wire protocol.
type Adapter interface {
	// Name identifies the broker family, e.g. "nsq".
	Name() string

	// Capabilities reports which operations this adapter can encode.
	Capabilities() Capability

	// Negotiate performs the protocol handshake on a fresh connection.
	Negotiate(ctx context.Context, rw io.ReadWriter) error

	// EncodeEvent encodes an event's payload and headers into the body
	// bytes carried on the wire. DecodeEvent inverts it.
	EncodeEvent(evt *model.Event) ([]byte, error)
	DecodeEvent(body []byte) (*model.Event, error)

	// EncodePublish encodes a complete publish command for the event.
	EncodePublish(evt *model.Event) ([]byte, error)

	// EncodeSubscribe encodes a subscription to topic on the given channel.
	EncodeSubscribe(topic, channel string) ([]byte, error)

	// EncodeReady encodes a flow-control update allowing the broker to
	// keep up to n messages in flight on this connection.
	EncodeReady(n int) ([]byte, error)

	// EncodeAck acknowledges successful handling of a message.
	EncodeAck(id model.MessageID) ([]byte, error)

	// EncodeRequeue asks the broker to redeliver a message after delay.
	EncodeRequeue(id model.MessageID, delay time.Duration) ([]byte, error)

	// EncodeHeartbeatReply encodes the answer to a heartbeat frame.
	EncodeHeartbeatReply() []byte

	// EncodeClose encodes a clean connection shutdown.
	EncodeClose() []byte

	// ReadFrame reads and decodes the next frame from r. It returns
	// model.ErrProtocolError (possibly wrapped) on malformed input.
	ReadFrame(r io.Reader) (*Frame, error)
}
