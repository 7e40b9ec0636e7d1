package pool

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/getlantern/errors"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/wire"
)

// Conn is a checked-out connection to one broker endpoint. While checked out
// it belongs exclusively to its holder. Writes are additionally serialized by
// an internal mutex so that a holder may write acks from handler goroutines
// while its read loop is blocked in ReadFrame.
type Conn struct {
	pool    *Pool
	epp     *endpointPool
	netConn net.Conn
	reader  *bufio.Reader
	writeMx sync.Mutex
	broken  bool
}

func newConn(p *Pool, epp *endpointPool, netConn net.Conn) *Conn {
	return &Conn{
		pool:    p,
		epp:     epp,
		netConn: netConn,
		reader:  bufio.NewReader(netConn),
	}
}

// Endpoint returns the endpoint this connection is attached to.
func (c *Conn) Endpoint() *model.Endpoint {
	return c.epp.ep
}

// Write sends raw command bytes.
func (c *Conn) Write(cmd []byte) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	_, err := c.netConn.Write(cmd)
	return err
}

// ReadFrame reads the next frame. Only one goroutine may read at a time;
// checkout exclusivity guarantees that.
func (c *Conn) ReadFrame() (*wire.Frame, error) {
	return c.pool.opts.Adapter.ReadFrame(c.reader)
}

// Exchange writes a command and reads frames until a non-heartbeat frame
// arrives, answering any heartbeats that were queued while the connection
// sat idle. The deadline bounds the whole exchange.
func (c *Conn) Exchange(cmd []byte, deadline time.Time) (*wire.Frame, error) {
	c.netConn.SetDeadline(deadline)
	defer c.netConn.SetDeadline(time.Time{})

	if err := c.Write(cmd); err != nil {
		return nil, err
	}
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			return nil, err
		}
		if frame.Type == wire.FrameHeartbeat {
			if err := c.Write(c.pool.opts.Adapter.EncodeHeartbeatReply()); err != nil {
				return nil, err
			}
			continue
		}
		if frame.Type == wire.FrameError {
			return frame, errors.New("broker error: %v", string(frame.Body))
		}
		return frame, nil
	}
}

// Release returns the connection to the pool for reuse.
func (c *Conn) Release() {
	c.pool.release(c)
}

// Invalidate discards the connection after a transport error. The endpoint's
// failure count is bumped so the router deprioritizes it.
func (c *Conn) Invalidate() {
	c.pool.invalidate(c)
}

// Discard closes the connection without blaming the endpoint, for clean
// shutdowns.
func (c *Conn) Discard() {
	c.pool.discard(c)
}
