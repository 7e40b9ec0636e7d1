// package testsupport provides shared test fixtures, chiefly an in-process
// fake nsqd that speaks enough of the NSQ V2 protocol to exercise the
// publisher, dispatcher and pool.
package testsupport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getlantern/golog"

	"github.com/getlantern/eventbus/model"
)

var (
	log = golog.LoggerFor("testsupport")

	enc = binary.BigEndian
)

const (
	frameTypeResponse = 0
	frameTypeError    = 1
	frameTypeMessage  = 2
)

// FakeNSQD is a minimal in-process nsqd. It accepts IDENTIFY, PUB, SUB, RDY,
// FIN, REQ, NOP and CLS, records everything it sees and lets tests inject
// deliveries and heartbeats.
type FakeNSQD struct {
	listener net.Listener

	mx        sync.Mutex
	published map[string][][]byte
	finished  []model.MessageID
	requeued  map[model.MessageID]time.Duration
	subs      []*fakeSub
	rejectPub bool
	closed    bool
}

type fakeSub struct {
	topic   string
	channel string
	conn    net.Conn
	writeMx *sync.Mutex
	ready   int
}

// NewFakeNSQD starts a fake nsqd on a random local port.
func NewFakeNSQD(t *testing.T) *FakeNSQD {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	f := &FakeNSQD{
		listener:  listener,
		published: make(map[string][][]byte),
		requeued:  make(map[model.MessageID]time.Duration),
	}
	go f.accept()
	t.Cleanup(f.Close)
	return f
}

// Endpoint returns the fake's address as a data-node endpoint.
func (f *FakeNSQD) Endpoint() *model.Endpoint {
	addr := f.listener.Addr().(*net.TCPAddr)
	return model.NewEndpoint(addr.IP.String(), addr.Port)
}

// Addr returns the fake's host:port.
func (f *FakeNSQD) Addr() string {
	return f.listener.Addr().String()
}

// RejectPublishes makes every subsequent PUB fail with a broker error frame.
func (f *FakeNSQD) RejectPublishes(reject bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.rejectPub = reject
}

// Published returns the raw envelope bodies published to topic so far.
func (f *FakeNSQD) Published(topic string) [][]byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([][]byte, len(f.published[topic]))
	copy(out, f.published[topic])
	return out
}

// Finished returns the message IDs acked via FIN so far.
func (f *FakeNSQD) Finished() []model.MessageID {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([]model.MessageID, len(f.finished))
	copy(out, f.finished)
	return out
}

// Requeued returns the requeue delay recorded for id, if any.
func (f *FakeNSQD) Requeued(id model.MessageID) (time.Duration, bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	delay, found := f.requeued[id]
	return delay, found
}

// Deliver pushes a message frame to every subscriber of topic with RDY > 0.
// It returns how many subscribers received it.
func (f *FakeNSQD) Deliver(topic string, id model.MessageID, attempts uint16, envelope []byte) int {
	f.mx.Lock()
	defer f.mx.Unlock()

	delivered := 0
	for _, sub := range f.subs {
		if sub.topic != topic || sub.ready <= 0 {
			continue
		}
		body := make([]byte, 26+len(envelope))
		enc.PutUint64(body, uint64(time.Now().UnixNano()))
		enc.PutUint16(body[8:], attempts)
		copy(body[10:26], id)
		copy(body[26:], envelope)
		writeFrame(sub.conn, sub.writeMx, frameTypeMessage, body)
		delivered++
	}
	return delivered
}

// Heartbeat sends a heartbeat frame to every open subscription connection.
func (f *FakeNSQD) Heartbeat() {
	f.mx.Lock()
	defer f.mx.Unlock()
	for _, sub := range f.subs {
		writeFrame(sub.conn, sub.writeMx, frameTypeResponse, []byte("_heartbeat_"))
	}
}

// Close shuts the fake down.
func (f *FakeNSQD) Close() {
	f.mx.Lock()
	if f.closed {
		f.mx.Unlock()
		return
	}
	f.closed = true
	f.mx.Unlock()
	f.listener.Close()
}

func (f *FakeNSQD) accept() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *FakeNSQD) serve(conn net.Conn) {
	defer conn.Close()

	writeMx := &sync.Mutex{}
	reader := bufio.NewReader(conn)

	// protocol magic
	magic := make([]byte, 4)
	if _, err := io.ReadFull(reader, magic); err != nil {
		return
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.Split(strings.TrimSuffix(line, "\n"), " ")
		switch parts[0] {
		case "IDENTIFY":
			if _, err := readBody(reader); err != nil {
				return
			}
			writeFrame(conn, writeMx, frameTypeResponse, []byte("OK"))
		case "PUB":
			body, err := readBody(reader)
			if err != nil {
				return
			}
			f.mx.Lock()
			reject := f.rejectPub
			if !reject {
				f.published[parts[1]] = append(f.published[parts[1]], body)
			}
			f.mx.Unlock()
			if reject {
				writeFrame(conn, writeMx, frameTypeError, []byte("E_PUB_FAILED"))
			} else {
				writeFrame(conn, writeMx, frameTypeResponse, []byte("OK"))
			}
		case "SUB":
			f.mx.Lock()
			f.subs = append(f.subs, &fakeSub{
				topic:   parts[1],
				channel: parts[2],
				conn:    conn,
				writeMx: writeMx,
			})
			f.mx.Unlock()
			writeFrame(conn, writeMx, frameTypeResponse, []byte("OK"))
		case "RDY":
			var n int
			fmt.Sscanf(parts[1], "%d", &n)
			f.mx.Lock()
			for _, sub := range f.subs {
				if sub.conn == conn {
					sub.ready = n
				}
			}
			f.mx.Unlock()
		case "FIN":
			f.mx.Lock()
			f.finished = append(f.finished, model.MessageID(parts[1]))
			f.mx.Unlock()
		case "REQ":
			var ms int64
			fmt.Sscanf(parts[2], "%d", &ms)
			f.mx.Lock()
			f.requeued[model.MessageID(parts[1])] = time.Duration(ms) * time.Millisecond
			f.mx.Unlock()
		case "NOP":
			// nothing to do
		case "CLS":
			writeFrame(conn, writeMx, frameTypeResponse, []byte("CLOSE_WAIT"))
			return
		default:
			log.Debugf("fake nsqd ignoring unknown command %v", parts[0])
			writeFrame(conn, writeMx, frameTypeError, []byte("E_INVALID"))
		}
	}
}

func readBody(reader *bufio.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(reader, sizeBuf[:]); err != nil {
		return nil, err
	}
	body := make([]byte, enc.Uint32(sizeBuf[:]))
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(conn net.Conn, writeMx *sync.Mutex, frameType uint32, body []byte) {
	writeMx.Lock()
	defer writeMx.Unlock()

	frame := make([]byte, 8+len(body))
	enc.PutUint32(frame, uint32(4+len(body)))
	enc.PutUint32(frame[4:], frameType)
	copy(frame[8:], body)
	conn.Write(frame)
}
