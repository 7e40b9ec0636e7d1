// package membus implements a memory-based bus.Bus. It is useful for tests
// and single-process deployments and not intended for production.
//
// Topics hold messages until at least one channel exists, then fan out a copy
// of every published event to each channel. Subscriptions on the same
// topic+channel compete for that channel's messages, mirroring how the real
// broker balances a channel across consumers.
package membus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/uuid"

	"github.com/getlantern/eventbus/bus"
	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/util"
)

var (
	log = golog.LoggerFor("membus")
)

const (
	DefaultMaxInFlight       = 16
	DefaultRequeueInitial    = 50 * time.Millisecond
	DefaultRequeueMax        = 5 * time.Second
	DefaultRequeueMultiplier = 2.0
	DefaultDrainTimeout      = 5 * time.Second

	channelDepth = 10000
)

// Options configures a membus. The zero value takes defaults.
type Options struct {
	MaxInFlight       int
	RequeueInitial    time.Duration
	RequeueMax        time.Duration
	RequeueMultiplier float64
	DrainTimeout      time.Duration
}

// New constructs an in-memory Bus.
func New(opts *Options) bus.Bus {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
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
	return &membus{
		opts:    &o,
		topics:  make(map[string]*topic),
		closeCh: make(chan interface{}),
	}
}

type membus struct {
	opts    *Options
	mx      sync.Mutex
	topics  map[string]*topic
	seq     uint64
	workers sync.WaitGroup

	closeOnce sync.Once
	closeCh   chan interface{}
}

type topic struct {
	mx       sync.Mutex
	channels map[string]*channel

	// pending buffers events published before the topic's first channel
	// exists, so a subscriber that shows up late still sees them
	pending []*model.Delivery
}

type channel struct {
	deliveries chan *model.Delivery
}

func (b *membus) Publish(ctx context.Context, topicName string, payload []byte, headers model.Headers) error {
	select {
	case <-b.closeCh:
		return model.ErrBusClosed
	default:
	}

	t := b.getOrCreateTopic(topicName)
	t.mx.Lock()
	defer t.mx.Unlock()

	if len(t.channels) == 0 {
		t.pending = append(t.pending, b.newDelivery(topicName, payload, headers))
		return nil
	}
	for _, ch := range t.channels {
		if err := enqueue(ch, b.newDelivery(topicName, payload, headers)); err != nil {
			return err
		}
	}
	return nil
}

func (b *membus) Subscribe(topicName, channelName string, handler model.Handler, policy *model.DeliveryPolicy) (bus.Subscription, error) {
	select {
	case <-b.closeCh:
		return nil, model.ErrBusClosed
	default:
	}
	if handler == nil {
		return nil, errors.New("subscribe requires a handler")
	}

	p := model.DeliveryPolicy{}
	if policy != nil {
		p = *policy
	}
	if p.MaxInFlight <= 0 {
		p.MaxInFlight = b.opts.MaxInFlight
	}

	t := b.getOrCreateTopic(topicName)
	ch := t.getOrCreateChannel(channelName)

	sub := &subscription{
		id:      uuid.New().String(),
		topic:   topicName,
		b:       b,
		ch:      ch,
		handler: handler,
		policy:  p,
		closeCh: make(chan interface{}),
	}
	for i := 0; i < p.MaxInFlight; i++ {
		b.workers.Add(1)
		go sub.work()
	}
	return sub, nil
}

// Close stops all subscription workers, waiting up to the drain timeout for
// running handlers to finish.
func (b *membus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})

	done := make(chan interface{})
	go func() {
		b.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(b.opts.DrainTimeout):
		return errors.New("handlers still running after drain timeout")
	}
}

func (b *membus) getOrCreateTopic(topicName string) *topic {
	b.mx.Lock()
	defer b.mx.Unlock()

	t := b.topics[topicName]
	if t == nil {
		t = &topic{
			channels: make(map[string]*channel),
		}
		b.topics[topicName] = t
	}
	return t
}

func (t *topic) getOrCreateChannel(channelName string) *channel {
	t.mx.Lock()
	defer t.mx.Unlock()

	ch := t.channels[channelName]
	if ch == nil {
		ch = &channel{
			deliveries: make(chan *model.Delivery, channelDepth),
		}
		t.channels[channelName] = ch
		// the first channel inherits everything published so far
		for _, d := range t.pending {
			enqueue(ch, d)
		}
		t.pending = nil
	}
	return ch
}

func (b *membus) newDelivery(topicName string, payload []byte, headers model.Headers) *model.Delivery {
	seq := atomic.AddUint64(&b.seq, 1)
	return &model.Delivery{
		ID:        model.MessageID(fmt.Sprintf("%016d", seq)),
		Attempts:  1,
		Timestamp: time.Now(),
		Event:     model.NewEvent(topicName, payload, headers),
	}
}

func enqueue(ch *channel, d *model.Delivery) error {
	select {
	case ch.deliveries <- d:
		return nil
	default:
		return errors.New("channel backlog full, dropping message %v", d.ID)
	}
}

type subscription struct {
	id      string
	topic   string
	b       *membus
	ch      *channel
	handler model.Handler
	policy  model.DeliveryPolicy

	closeOnce sync.Once
	closeCh   chan interface{}
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	return nil
}

// work consumes the channel queue until the subscription or the bus closes.
// Each worker handles one message at a time, so the subscription's worker
// count is its max-in-flight.
func (s *subscription) work() {
	defer s.b.workers.Done()

	for {
		select {
		case <-s.closeCh:
			return
		case <-s.b.closeCh:
			return
		case d := <-s.ch.deliveries:
			s.handle(d)
		}
	}
}

func (s *subscription) handle(d *model.Delivery) {
	err := s.invokeHandler(d)
	if err == nil || s.policy.AutoAck {
		return
	}

	log.Debugf("handler for %v failed on message %v (attempt %d): %v", s.topic, d.ID, d.Attempts, err)
	delay := util.BackoffDelay(s.b.opts.RequeueInitial, s.b.opts.RequeueMax,
		s.b.opts.RequeueMultiplier, int(d.Attempts))
	redelivery := &model.Delivery{
		ID:        d.ID,
		Attempts:  d.Attempts + 1,
		Timestamp: d.Timestamp,
		Event:     d.Event,
	}
	select {
	case <-time.After(delay):
		if qErr := enqueue(s.ch, redelivery); qErr != nil {
			log.Error(qErr)
		}
	case <-s.b.closeCh:
	}
}

func (s *subscription) invokeHandler(d *model.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return s.handler(ctx, d)
}
