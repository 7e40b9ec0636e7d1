package nsqwire

import (
	"io"
	"time"

	"github.com/getlantern/errors"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/wire"
)

const (
	frameTypeResponse = 0
	frameTypeError    = 1
	frameTypeMessage  = 2

	// messageHeaderLen is the fixed prefix of a message frame body:
	// timestamp (8) + attempts (2) + message ID (16).
	messageHeaderLen = 26

	// maxFrameSize bounds inbound frames; anything larger is treated as a
	// protocol violation rather than an allocation request.
	maxFrameSize = 16 * 1024 * 1024

	heartbeatBody = "_heartbeat_"
)

// ReadFrame reads one NSQ frame from r. Frames are encoded as follows:
//
//	+--------------+------------+--------------+
//	|  Frame Size  | Frame Type |     Data     |
//	+--------------+------------+--------------+
//	|      4       |     4      | FrameSize-4  |
//	+--------------+------------+--------------+
//
// All multi-byte numeric values are encoded in Big Endian byte order. Frame
// type 0 is a response (including heartbeats), 1 an error, 2 a message.
func (a *adapter) ReadFrame(r io.Reader) (*wire.Frame, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := enc.Uint32(sizeBuf[:])
	if size < 4 || size > maxFrameSize {
		return nil, errors.New("%v: implausible frame size %d", model.ErrProtocolError, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	frameType := enc.Uint32(data[:4])
	body := data[4:]

	switch frameType {
	case frameTypeResponse:
		if string(body) == heartbeatBody {
			return &wire.Frame{Type: wire.FrameHeartbeat}, nil
		}
		return &wire.Frame{Type: wire.FrameResponse, Body: body}, nil
	case frameTypeError:
		return &wire.Frame{Type: wire.FrameError, Body: body}, nil
	case frameTypeMessage:
		delivery, err := a.decodeMessage(body)
		if err != nil {
			return nil, err
		}
		return &wire.Frame{Type: wire.FrameMessage, Delivery: delivery}, nil
	default:
		return nil, errors.New("%v: unknown frame type %d", model.ErrProtocolError, frameType)
	}
}

// decodeMessage parses a message frame body:
//
//	+-----------+----------+------------+------+
//	| Timestamp | Attempts | Message ID | Body |
//	+-----------+----------+------------+------+
//	|     8     |    2     |     16     | rest |
//	+-----------+----------+------------+------+
//
// Timestamp is nanoseconds since epoch, message IDs are 16 ASCII bytes.
func (a *adapter) decodeMessage(body []byte) (*model.Delivery, error) {
	if len(body) < messageHeaderLen {
		return nil, errors.New("%v: message frame too short (%d bytes)", model.ErrProtocolError, len(body))
	}
	timestamp := int64(enc.Uint64(body[:8]))
	attempts := enc.Uint16(body[8:10])
	id := model.MessageID(body[10:26])

	evt, err := a.DecodeEvent(body[26:])
	if err != nil {
		return nil, err
	}

	return &model.Delivery{
		ID:        id,
		Attempts:  attempts,
		Timestamp: time.Unix(0, timestamp),
		Event:     evt,
	}, nil
}
