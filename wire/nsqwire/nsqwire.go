// package nsqwire implements the wire.Adapter contract for the NSQ V2 binary
// protocol. The adapter only transforms bytes; sockets belong to the
// connection pool.
//
// Event bodies are carried as a MessagePack envelope holding the payload and
// headers, so that header metadata survives brokers that treat message bodies
// as opaque bytes.
package nsqwire

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/msgpack"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/wire"
)

const (
	// magic announces protocol version V2 immediately after connecting.
	magic = "  V2"

	userAgent = "eventbus/1.0"
)

var (
	log = golog.LoggerFor("nsqwire")

	enc = binary.BigEndian // NSQ multi-byte values are big endian

	// valid topic and channel names per nsqd, including the #ephemeral suffix
	validName = regexp.MustCompile(`^[.a-zA-Z0-9_-]{1,64}(#ephemeral)?$`)
)

type adapter struct{}

// New returns a wire.Adapter speaking the NSQ V2 protocol.
func New() wire.Adapter {
	return &adapter{}
}

func (a *adapter) Name() string {
	return "nsq"
}

func (a *adapter) Capabilities() wire.Capability {
	return wire.CapPublish | wire.CapSubscribe | wire.CapAck | wire.CapRequeue | wire.CapHeartbeat
}

// identify is the JSON body of the IDENTIFY command.
type identify struct {
	ClientID  string `json:"client_id"`
	Hostname  string `json:"hostname"`
	UserAgent string `json:"user_agent"`
}

// Negotiate sends the protocol magic followed by IDENTIFY and waits for the
// broker's OK.
func (a *adapter) Negotiate(ctx context.Context, rw io.ReadWriter) error {
	if _, err := rw.Write([]byte(magic)); err != nil {
		return errors.New("unable to send magic: %v", err)
	}

	hostname, _ := os.Hostname()
	body, err := json.Marshal(&identify{
		ClientID:  hostname,
		Hostname:  hostname,
		UserAgent: userAgent,
	})
	if err != nil {
		return errors.New("unable to marshal identify body: %v", err)
	}
	if _, err := rw.Write(commandWithBody("IDENTIFY", body)); err != nil {
		return errors.New("unable to send IDENTIFY: %v", err)
	}

	frame, err := a.ReadFrame(rw)
	if err != nil {
		return err
	}
	if frame.Type != wire.FrameResponse {
		return errors.New("unexpected IDENTIFY response: %v", string(frame.Body))
	}
	log.Debugf("negotiated NSQ V2 session as %v", hostname)
	return nil
}

// envelope is the msgpack-encoded wire body of an event.
type envelope struct {
	Headers map[string]string `msgpack:"h,omitempty"`
	Payload []byte            `msgpack:"p"`
}

func (a *adapter) EncodeEvent(evt *model.Event) ([]byte, error) {
	body, err := msgpack.Marshal(&envelope{
		Headers: evt.Headers,
		Payload: evt.Payload,
	})
	if err != nil {
		return nil, errors.New("unable to marshal event envelope: %v", err)
	}
	return body, nil
}

func (a *adapter) DecodeEvent(body []byte) (*model.Event, error) {
	env := &envelope{}
	if err := msgpack.Unmarshal(body, env); err != nil {
		return nil, errors.New("%v: %v", model.ErrProtocolError, err)
	}
	return &model.Event{
		Payload: env.Payload,
		Headers: env.Headers,
	}, nil
}

func (a *adapter) EncodePublish(evt *model.Event) ([]byte, error) {
	if !validName.MatchString(evt.Topic) {
		return nil, errors.New("invalid topic name %v", evt.Topic)
	}
	body, err := a.EncodeEvent(evt)
	if err != nil {
		return nil, err
	}
	return commandWithBody(fmt.Sprintf("PUB %s", evt.Topic), body), nil
}

func (a *adapter) EncodeSubscribe(topic, channel string) ([]byte, error) {
	if !validName.MatchString(topic) {
		return nil, errors.New("invalid topic name %v", topic)
	}
	if !validName.MatchString(channel) {
		return nil, errors.New("invalid channel name %v", channel)
	}
	return command(fmt.Sprintf("SUB %s %s", topic, channel)), nil
}

func (a *adapter) EncodeReady(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New("ready count must be non-negative, got %d", n)
	}
	return command(fmt.Sprintf("RDY %d", n)), nil
}

func (a *adapter) EncodeAck(id model.MessageID) ([]byte, error) {
	return command(fmt.Sprintf("FIN %s", id)), nil
}

func (a *adapter) EncodeRequeue(id model.MessageID, delay time.Duration) ([]byte, error) {
	if delay < 0 {
		delay = 0
	}
	return command(fmt.Sprintf("REQ %s %d", id, delay/time.Millisecond)), nil
}

func (a *adapter) EncodeHeartbeatReply() []byte {
	return command("NOP")
}

func (a *adapter) EncodeClose() []byte {
	return command("CLS")
}

func command(name string) []byte {
	return []byte(name + "\n")
}

func commandWithBody(name string, body []byte) []byte {
	cmd := make([]byte, 0, len(name)+1+4+len(body))
	cmd = append(cmd, name...)
	cmd = append(cmd, '\n')
	var size [4]byte
	enc.PutUint32(size[:], uint32(len(body)))
	cmd = append(cmd, size[:]...)
	cmd = append(cmd, body...)
	return cmd
}
