// package dispatcher consumes subscribed topics: it runs a receive loop per
// subscription, tracks in-flight messages, invokes application handlers with
// bounded concurrency and turns handler outcomes into ack or requeue frames.
//
// Handler errors never leave this package; they become requeues with a delay
// that grows with the delivery's attempt count. Ordering across messages is
// not guaranteed, by design: throughput wins over ordering under
// at-least-once semantics.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/uuid"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/pool"
	"github.com/getlantern/eventbus/router"
	"github.com/getlantern/eventbus/telemetry"
	"github.com/getlantern/eventbus/util"
	"github.com/getlantern/eventbus/wire"
)

var (
	log = golog.LoggerFor("dispatcher")
)

const (
	DefaultMaxInFlight       = 16
	DefaultAckTimeout        = 60 * time.Second
	DefaultRequeueInitial    = 500 * time.Millisecond
	DefaultRequeueMax        = 15 * time.Minute
	DefaultRequeueMultiplier = 2.0
	DefaultDrainTimeout      = 10 * time.Second

	reconnectDelay = time.Second
)

// Options configures a Dispatcher.
type Options struct {
	Adapter           wire.Adapter
	Router            *router.Router
	Pool              *pool.Pool
	MaxInFlight       int
	AckTimeout        time.Duration
	RequeueInitial    time.Duration
	RequeueMax        time.Duration
	RequeueMultiplier float64
	DrainTimeout      time.Duration
}

// Dispatcher owns all subscriptions of one bus.
type Dispatcher struct {
	opts   *Options
	mx     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// New constructs a Dispatcher. The adapter must support subscribing and
// acking; requeue support is also required since at-least-once delivery is
// meaningless without it.
func New(opts *Options) (*Dispatcher, error) {
	required := wire.CapSubscribe | wire.CapAck | wire.CapRequeue
	if !opts.Adapter.Capabilities().Has(required) {
		return nil, errors.New("%v: %v adapter cannot consume", model.ErrUnsupportedCapability, opts.Adapter.Name())
	}
	o := *opts
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.RequeueInitial <= 0 {
		o.RequeueInitial = DefaultRequeueInitial
	}
	if o.RequeueMax <= 0 {
		o.RequeueMax = DefaultRequeueMax
	}
	if o.RequeueMultiplier <= 1 {
		o.RequeueMultiplier = DefaultRequeueMultiplier
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return &Dispatcher{
		opts: &o,
		subs: make(map[string]*Subscription),
	}, nil
}

// Subscribe registers handler for topic on the given channel and starts its
// receive loop. The returned subscription lives until Unsubscribe or Close.
func (d *Dispatcher) Subscribe(topic, channel string, handler model.Handler, policy *model.DeliveryPolicy) (*Subscription, error) {
	if _, err := d.opts.Adapter.EncodeSubscribe(topic, channel); err != nil {
		return nil, err
	}

	p := model.DeliveryPolicy{}
	if policy != nil {
		p = *policy
	}
	if p.MaxInFlight <= 0 {
		p.MaxInFlight = d.opts.MaxInFlight
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = d.opts.AckTimeout
	}

	sub := &Subscription{
		id:      uuid.New().String(),
		topic:   topic,
		channel: channel,
		handler: handler,
		policy:  p,
		d:       d,
		tracker: newTracker(),
		sem:     make(chan struct{}, p.MaxInFlight),
		closeCh: make(chan interface{}),
		doneCh:  make(chan interface{}),
	}

	d.mx.Lock()
	if d.closed {
		d.mx.Unlock()
		return nil, model.ErrBusClosed
	}
	d.subs[sub.id] = sub
	d.mx.Unlock()

	go sub.run()
	return sub, nil
}

// Unsubscribe cancels the subscription with the given ID.
func (d *Dispatcher) Unsubscribe(subscriptionID string) error {
	d.mx.Lock()
	sub := d.subs[subscriptionID]
	d.mx.Unlock()

	if sub == nil {
		return errors.New("unknown subscription %v", subscriptionID)
	}
	return sub.Close()
}

func (d *Dispatcher) remove(subscriptionID string) {
	d.mx.Lock()
	delete(d.subs, subscriptionID)
	d.mx.Unlock()
}

// Close cancels all subscriptions and waits for their loops to drain, each
// bounded by the configured drain timeout.
func (d *Dispatcher) Close() error {
	d.mx.Lock()
	d.closed = true
	subs := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mx.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

// Subscription is one topic+channel registration with its own receive loop.
type Subscription struct {
	id      string
	topic   string
	channel string
	handler model.Handler
	policy  model.DeliveryPolicy
	d       *Dispatcher

	tracker  *tracker
	sem      chan struct{}
	handlers sync.WaitGroup

	closeOnce sync.Once
	closeCh   chan interface{}
	doneCh    chan interface{}
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Close cancels the subscription, waits for the receive loop to finish
// draining (bounded by the drain timeout) and forgets the subscription.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})

	select {
	case <-s.doneCh:
	case <-time.After(s.d.opts.DrainTimeout + time.Second):
		log.Errorf("receive loop for %v/%v did not exit in time", s.topic, s.channel)
	}
	s.d.remove(s.id)
	return nil
}

// run reconnects sessions until the subscription closes. Each failed session
// bumps nothing here; endpoint failure accounting happens where the failure
// is observed.
func (s *Subscription) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		err := s.session()
		if err == nil {
			// clean shutdown
			return
		}
		log.Debugf("session for %v/%v ended: %v, reconnecting", s.topic, s.channel, err)

		select {
		case <-s.closeCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// session connects to one broker endpoint and consumes until a transport
// error (returned, prompting reconnect) or subscription close (returns nil).
func (s *Subscription) session() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolveCtx, resolveCancel := context.WithTimeout(ctx, s.policy.AckTimeout)
	endpoints, err := s.d.opts.Router.Resolve(resolveCtx, s.topic)
	resolveCancel()
	if err != nil {
		return err
	}
	ep := s.d.opts.Router.Pick(s.topic, endpoints)

	conn, err := s.d.opts.Pool.Acquire(ctx, ep)
	if err != nil {
		return err
	}

	adapter := s.d.opts.Adapter
	sub, _ := adapter.EncodeSubscribe(s.topic, s.channel) // validated at Subscribe time
	if _, err := conn.Exchange(sub, time.Now().Add(s.policy.AckTimeout)); err != nil {
		conn.Invalidate()
		return errors.New("unable to subscribe to %v/%v: %v", s.topic, s.channel, err)
	}
	rdy, err := adapter.EncodeReady(s.policy.MaxInFlight)
	if err != nil {
		conn.Invalidate()
		return err
	}
	if err := conn.Write(rdy); err != nil {
		conn.Invalidate()
		return err
	}
	ep.RecordSuccess()
	log.Debugf("consuming %v/%v from %v", s.topic, s.channel, ep.Addr())

	// reader pump, so the main loop can also watch closeCh
	frames := make(chan *wire.Frame)
	readErr := make(chan error, 1)
	sessionDone := make(chan interface{})
	defer close(sessionDone)
	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-sessionDone:
				return
			}
		}
	}()

	sweeper := time.NewTicker(s.policy.AckTimeout / 2)
	defer sweeper.Stop()

	for {
		select {
		case <-s.closeCh:
			// stop the flow, let in-flight handlers finish so their acks
			// still go out, then close cleanly
			if rdy0, err := adapter.EncodeReady(0); err == nil {
				conn.Write(rdy0)
			}
			s.drain()
			conn.Write(adapter.EncodeClose())
			conn.Discard()
			return nil

		case err := <-readErr:
			conn.Invalidate()
			return err

		case now := <-sweeper.C:
			for _, m := range s.tracker.sweep(now) {
				log.Debugf("message %v on %v/%v timed out after %d attempts, dropping local state",
					m.id, s.topic, s.channel, m.attempts)
			}

		case frame := <-frames:
			switch frame.Type {
			case wire.FrameHeartbeat:
				if err := conn.Write(adapter.EncodeHeartbeatReply()); err != nil {
					conn.Invalidate()
					return err
				}
			case wire.FrameMessage:
				s.receive(ctx, conn, frame.Delivery)
			case wire.FrameError:
				conn.Invalidate()
				return errors.New("broker error on %v/%v: %v", s.topic, s.channel, string(frame.Body))
			default:
				// stray OK responses (e.g. to NOP) are fine to ignore
			}
		}
	}
}

// receive tracks a delivery and hands it to a handler goroutine, respecting
// the subscription's max-in-flight.
func (s *Subscription) receive(ctx context.Context, conn *pool.Conn, delivery *model.Delivery) {
	delivery.Event.Topic = s.topic

	m, fresh := s.tracker.track(delivery, time.Now().Add(s.policy.AckTimeout))
	if !fresh {
		// already handling this ID, ignore the duplicate
		return
	}

	if s.policy.AutoAck {
		// at-most-once: ack before handling, never requeue
		if ack, err := s.d.opts.Adapter.EncodeAck(delivery.ID); err == nil {
			conn.Write(ack)
		}
	}

	select {
	case s.sem <- struct{}{}:
	case <-s.closeCh:
		// shutting down before dispatch, the broker will redeliver
		s.tracker.untrack(delivery.ID)
		return
	}

	if !m.transition(StateReceived, StateDispatched) {
		// swept to TimedOut while waiting for a handler slot
		<-s.sem
		return
	}

	s.handlers.Add(1)
	go s.dispatch(ctx, conn, m, delivery)
}

func (s *Subscription) dispatch(ctx context.Context, conn *pool.Conn, m *inFlight, delivery *model.Delivery) {
	defer s.handlers.Done()
	defer func() { <-s.sem }()
	defer s.tracker.untrack(delivery.ID)

	handlerCtx, cancel := context.WithDeadline(ctx, m.deadline)
	defer cancel()

	err := s.invokeHandler(handlerCtx, delivery)

	if s.policy.AutoAck {
		return
	}

	adapter := s.d.opts.Adapter
	if err == nil {
		if !m.transition(StateDispatched, StateAcked) {
			// timed out meanwhile, the broker already owns it again
			return
		}
		ack, encErr := adapter.EncodeAck(delivery.ID)
		if encErr != nil {
			log.Errorf("unable to encode ack for %v: %v", delivery.ID, encErr)
			return
		}
		if writeErr := conn.Write(ack); writeErr != nil {
			log.Debugf("unable to send ack for %v: %v", delivery.ID, writeErr)
			return
		}
		telemetry.Acked(ctx, s.topic)
		return
	}

	// handler errors stay here: requeue with attempt-scaled backoff
	log.Debugf("handler for %v/%v failed on message %v (attempt %d): %v",
		s.topic, s.channel, delivery.ID, delivery.Attempts, err)
	if !m.transition(StateDispatched, StateRequeued) {
		return
	}
	delay := util.BackoffDelay(s.d.opts.RequeueInitial, s.d.opts.RequeueMax,
		s.d.opts.RequeueMultiplier, int(delivery.Attempts))
	req, encErr := adapter.EncodeRequeue(delivery.ID, delay)
	if encErr != nil {
		log.Errorf("unable to encode requeue for %v: %v", delivery.ID, encErr)
		return
	}
	if writeErr := conn.Write(req); writeErr != nil {
		log.Debugf("unable to send requeue for %v: %v", delivery.ID, writeErr)
		return
	}
	telemetry.Requeued(ctx, s.topic)
}

// invokeHandler shields the dispatcher from panicking handlers.
func (s *Subscription) invokeHandler(ctx context.Context, delivery *model.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked: %v", r)
		}
	}()
	return s.handler(ctx, delivery)
}

// drain waits for outstanding handlers to finish, bounded by the drain
// timeout, so acks already earned still make it onto the wire.
func (s *Subscription) drain() {
	done := make(chan interface{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.d.opts.DrainTimeout):
		log.Debugf("drain of %v/%v timed out with %d messages still in flight",
			s.topic, s.channel, s.tracker.size())
	}
}
