// package pool implements the connection manager: pooled, reconnecting
// connections to broker endpoints under an explicit checkout/return
// discipline. A checked-out connection belongs exclusively to its holder, so
// no two operations ever write to the same connection concurrently.
//
// Each endpoint gets a bounded slot semaphore (total connections) and an idle
// list. Dialing goes through a per-endpoint circuit breaker so that an
// endpoint that keeps failing stops being dialed for a while instead of
// eating the retry budget of every caller.
package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/sony/gobreaker"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/wire"
)

var (
	log = golog.LoggerFor("pool")
)

const (
	DefaultDialTimeout        = 5 * time.Second
	DefaultMaxPerEndpoint     = 8
	DefaultMaxIdlePerEndpoint = 2
	DefaultMaxDialAttempts    = 3
	DefaultInitialBackoff     = 50 * time.Millisecond
	DefaultMaxBackoff         = 2 * time.Second
)

// DialFunc opens a transport connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Options configures a Pool. Zero values take the defaults above.
type Options struct {
	Adapter            wire.Adapter
	DialTimeout        time.Duration
	MaxPerEndpoint     int
	MaxIdlePerEndpoint int
	MaxDialAttempts    int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	Dial               DialFunc
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.MaxPerEndpoint <= 0 {
		out.MaxPerEndpoint = DefaultMaxPerEndpoint
	}
	if out.MaxIdlePerEndpoint <= 0 {
		out.MaxIdlePerEndpoint = DefaultMaxIdlePerEndpoint
	}
	if out.MaxDialAttempts <= 0 {
		out.MaxDialAttempts = DefaultMaxDialAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = DefaultInitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	if out.Dial == nil {
		out.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := &net.Dialer{}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &out
}

// Pool manages connections to broker endpoints.
type Pool struct {
	opts      *Options
	mx        sync.Mutex
	endpoints map[string]*endpointPool
	closed    bool
}

// New constructs a Pool using the given options. The adapter is required, it
// performs the protocol handshake on every new connection.
func New(opts *Options) *Pool {
	return &Pool{
		opts:      opts.withDefaults(),
		endpoints: make(map[string]*endpointPool),
	}
}

type endpointPool struct {
	ep      *model.Endpoint
	slots   chan struct{}
	mx      sync.Mutex
	idle    []*Conn
	breaker *gobreaker.CircuitBreaker
}

func (p *Pool) endpointPoolFor(ep *model.Endpoint) *endpointPool {
	p.mx.Lock()
	defer p.mx.Unlock()

	epp := p.endpoints[ep.Addr()]
	if epp == nil {
		epp = &endpointPool{
			ep:    ep,
			slots: make(chan struct{}, p.opts.MaxPerEndpoint),
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        ep.Addr(),
				MaxRequests: 1,
				Timeout:     p.opts.MaxBackoff,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
			}),
		}
		for i := 0; i < p.opts.MaxPerEndpoint; i++ {
			epp.slots <- struct{}{}
		}
		p.endpoints[ep.Addr()] = epp
	}
	return epp
}

// Acquire checks out a connection to ep, dialing a new one if no idle
// connection is available and the per-endpoint cap hasn't been reached.
// It blocks until a slot frees up or ctx expires. Callers must hand the
// connection back via Release or Invalidate on every exit path.
func (p *Pool) Acquire(ctx context.Context, ep *model.Endpoint) (*Conn, error) {
	p.mx.Lock()
	closed := p.closed
	p.mx.Unlock()
	if closed {
		return nil, model.ErrBusClosed
	}

	epp := p.endpointPoolFor(ep)

	select {
	case <-epp.slots:
		// got a slot
	case <-ctx.Done():
		return nil, errors.New("%v: %v", model.ErrConnectionUnavailable, ctx.Err())
	}

	epp.mx.Lock()
	if n := len(epp.idle); n > 0 {
		conn := epp.idle[n-1]
		epp.idle = epp.idle[:n-1]
		epp.mx.Unlock()
		return conn, nil
	}
	epp.mx.Unlock()

	conn, err := p.dial(ctx, epp)
	if err != nil {
		epp.slots <- struct{}{}
		return nil, err
	}
	return conn, nil
}

// dial opens and negotiates a new connection with bounded
// backoff-and-retry, routed through the endpoint's circuit breaker.
func (p *Pool) dial(ctx context.Context, epp *endpointPool) (*Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.InitialBackoff
	bo.MaxInterval = p.opts.MaxBackoff
	bo.MaxElapsedTime = 0

	var conn *Conn
	attempt := func() error {
		raw, err := epp.breaker.Execute(func() (interface{}, error) {
			dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
			defer cancel()

			netConn, err := p.opts.Dial(dialCtx, epp.ep.Addr())
			if err != nil {
				return nil, err
			}
			netConn.SetDeadline(time.Now().Add(p.opts.DialTimeout))
			if err := p.opts.Adapter.Negotiate(dialCtx, netConn); err != nil {
				netConn.Close()
				return nil, err
			}
			netConn.SetDeadline(time.Time{})
			return netConn, nil
		})
		if err != nil {
			if err == gobreaker.ErrOpenState {
				// breaker is open, retrying now would be pointless
				return backoff.Permanent(err)
			}
			return err
		}
		conn = newConn(p, epp, raw.(net.Conn))
		return nil
	}

	err := backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.opts.MaxDialAttempts-1)), ctx))
	if err != nil {
		epp.ep.RecordFailure()
		return nil, errors.New("%v: dialing %v: %v", model.ErrConnectionUnavailable, epp.ep.Addr(), err)
	}
	epp.ep.RecordSuccess()
	log.Debugf("connected to %v", epp.ep.Addr())
	return conn, nil
}

func (p *Pool) release(conn *Conn) {
	epp := conn.epp

	p.mx.Lock()
	closed := p.closed
	p.mx.Unlock()

	epp.mx.Lock()
	keep := !closed && !conn.broken && len(epp.idle) < p.opts.MaxIdlePerEndpoint
	if keep {
		epp.idle = append(epp.idle, conn)
	}
	epp.mx.Unlock()

	if !keep {
		conn.netConn.Close()
	}
	epp.slots <- struct{}{}
}

func (p *Pool) invalidate(conn *Conn) {
	conn.broken = true
	conn.netConn.Close()
	conn.epp.ep.RecordFailure()
	conn.epp.slots <- struct{}{}
}

func (p *Pool) discard(conn *Conn) {
	conn.broken = true
	conn.netConn.Close()
	conn.epp.slots <- struct{}{}
}

// Close closes all idle connections and refuses further acquisitions.
// Checked-out connections are closed when their holders release them.
func (p *Pool) Close() {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, epp := range p.endpoints {
		epp.mx.Lock()
		for _, conn := range epp.idle {
			conn.netConn.Close()
		}
		epp.idle = nil
		epp.mx.Unlock()
	}
}
