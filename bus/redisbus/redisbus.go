// package redisbus implements bus.Bus over Redis streams. It can run on a
// cluster.
//
// Each topic gets its own stream at topic:{<topic>}, for example if the topic
// is "orders" the stream is at key "topic:{orders}". The {} braces around the
// topic make it the sharding key when running on a Redis cluster.
//
// Channels map to consumer groups on the topic's stream, so subscriptions on
// the same topic+channel compete for messages while distinct channels each
// see every event. Acks are XACKs against the group. A failed handler
// requeues by appending a fresh entry with a bumped attempt count after a
// backoff delay and acking the original, which preserves at-least-once
// delivery without blocking the group on one bad message.
//
// All subscription loops of a group share one consumer name, so entries left
// unacked by a process that died are re-read from the group's pending list
// when the next subscription on that topic+channel starts up.
package redisbus

import (
	"context"
	gerrors "errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/msgpack"
	"github.com/go-redis/redis/v8"
	"github.com/getlantern/uuid"

	"github.com/getlantern/eventbus/bus"
	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/telemetry"
	"github.com/getlantern/eventbus/util"
)

var (
	log = golog.LoggerFor("redisbus")
)

const (
	DefaultMaxInFlight       = 16
	DefaultBlockInterval     = 250 * time.Millisecond
	DefaultRequeueInitial    = 50 * time.Millisecond
	DefaultRequeueMax        = 5 * time.Second
	DefaultRequeueMultiplier = 2.0
	DefaultDrainTimeout      = 5 * time.Second

	errorRetryDelay = 2 * time.Second

	// sharedConsumer is the consumer name used by every reader of a group.
	// Groups already scope delivery per channel; sharing the name lets a
	// restarted subscriber reclaim its predecessor's unacked entries.
	sharedConsumer = "consumer"

	fieldPayload  = "payload"
	fieldHeaders  = "headers"
	fieldAttempts = "attempts"
)

// Options configures a redisbus. The zero value takes defaults.
type Options struct {
	MaxInFlight       int
	BlockInterval     time.Duration
	RequeueInitial    time.Duration
	RequeueMax        time.Duration
	RequeueMultiplier float64
	DrainTimeout      time.Duration
}

// New constructs a Redis-backed Bus over the given client.
func New(client *redis.Client, opts *Options) (bus.Bus, error) {
	if client == nil {
		return nil, errors.New("redisbus requires a client")
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.BlockInterval <= 0 {
		o.BlockInterval = DefaultBlockInterval
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
	return &redisbus{
		client:  client,
		opts:    &o,
		closeCh: make(chan interface{}),
	}, nil
}

type redisbus struct {
	client *redis.Client
	opts   *Options
	loops  sync.WaitGroup

	closeOnce sync.Once
	closeCh   chan interface{}
}

func (b *redisbus) Publish(ctx context.Context, topic string, payload []byte, headers model.Headers) error {
	select {
	case <-b.closeCh:
		return model.ErrBusClosed
	default:
	}

	values := map[string]interface{}{
		fieldPayload:  string(payload),
		fieldAttempts: 1,
	}
	if len(headers) > 0 {
		encoded, err := msgpack.Marshal(map[string]string(headers))
		if err != nil {
			return errors.New("unable to encode headers: %v", err)
		}
		values[fieldHeaders] = string(encoded)
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(topic),
		Values: values,
	}).Err(); err != nil {
		telemetry.PublishError(ctx, topic)
		return errors.New("unable to publish to %v: %v", topic, err)
	}
	telemetry.Published(ctx, topic)
	return nil
}

func (b *redisbus) Subscribe(topic, channel string, handler model.Handler, policy *model.DeliveryPolicy) (bus.Subscription, error) {
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

	stream := streamName(topic)
	ctx, cancel := context.WithCancel(context.Background())
	err := b.client.XGroupCreateMkStream(ctx, stream, channel, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		cancel()
		return nil, errors.New("unable to create group %v on %v: %v", channel, stream, err)
	}

	sub := &subscription{
		id:       uuid.New().String(),
		topic:    topic,
		channel:  channel,
		stream:   stream,
		consumer: sharedConsumer,
		handler:  handler,
		policy:   p,
		b:        b,
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, p.MaxInFlight),
	}
	b.loops.Add(1)
	go sub.run()
	return sub, nil
}

// Close stops all subscription loops, waiting up to the drain timeout for
// running handlers to finish.
func (b *redisbus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})

	done := make(chan interface{})
	go func() {
		b.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(b.opts.DrainTimeout):
		return errors.New("subscription loops still running after drain timeout")
	}
}

type subscription struct {
	id       string
	topic    string
	channel  string
	stream   string
	consumer string
	handler  model.Handler
	policy   model.DeliveryPolicy
	b        *redisbus

	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
	sem      chan struct{}

	closeOnce sync.Once
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
	})
	return nil
}

// run reads the group until the subscription or the bus closes. The first
// reads re-claim entries delivered to the shared consumer but never acked
// ("0"), then the loop switches to blocking on new entries (">").
func (s *subscription) run() {
	defer s.b.loops.Done()
	defer s.drain()

	cursor := "0"
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.b.closeCh:
			return
		default:
		}

		streams, err := s.b.client.XReadGroup(s.ctx, &redis.XReadGroupArgs{
			Group:    s.channel,
			Consumer: s.consumer,
			Streams:  []string{s.stream, cursor},
			Block:    s.b.opts.BlockInterval,
			Count:    int64(s.policy.MaxInFlight),
		}).Result()
		if err != nil {
			if gerrors.Is(err, redis.Nil) {
				cursor = ">"
				continue
			}
			if gerrors.Is(err, context.Canceled) {
				return
			}
			// unexpected error, log and wait a little before retrying
			log.Errorf("read of %v/%v failed: %v", s.topic, s.channel, err)
			select {
			case <-time.After(errorRetryDelay):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		// a "0" read does not clear the pending list, so it happens exactly
		// once before the loop tails new entries
		cursor = ">"

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				select {
				case s.sem <- struct{}{}:
				case <-s.ctx.Done():
					return
				}
				s.handlers.Add(1)
				go s.handle(msg)
			}
		}
	}
}

func (s *subscription) handle(msg redis.XMessage) {
	defer s.handlers.Done()
	defer func() { <-s.sem }()

	delivery, err := s.decode(msg)
	if err != nil {
		// a malformed entry can never succeed, ack it away
		log.Errorf("dropping undecodable entry %v on %v: %v", msg.ID, s.stream, err)
		s.ack(msg.ID)
		return
	}

	if s.policy.AutoAck {
		s.ack(msg.ID)
	}

	handlerErr := s.invokeHandler(delivery)
	if s.policy.AutoAck {
		return
	}
	if handlerErr == nil {
		s.ack(msg.ID)
		telemetry.Acked(s.ctx, s.topic)
		return
	}

	log.Debugf("handler for %v/%v failed on entry %v (attempt %d): %v",
		s.topic, s.channel, msg.ID, delivery.Attempts, handlerErr)
	s.requeue(msg, delivery.Attempts)
}

// requeue re-appends the entry with a bumped attempt count after a backoff
// delay and acks the original so the group moves on.
func (s *subscription) requeue(msg redis.XMessage, attempts uint16) {
	delay := util.BackoffDelay(s.b.opts.RequeueInitial, s.b.opts.RequeueMax,
		s.b.opts.RequeueMultiplier, int(attempts))
	select {
	case <-time.After(delay):
	case <-s.b.closeCh:
		// left unacked on purpose, the pending entry is claimed on restart
		return
	}

	values := make(map[string]interface{}, len(msg.Values))
	for k, v := range msg.Values {
		values[k] = v
	}
	values[fieldAttempts] = int(attempts) + 1

	ctx, cancel := context.WithTimeout(context.Background(), errorRetryDelay)
	defer cancel()
	if err := s.b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}).Err(); err != nil {
		log.Errorf("unable to requeue entry %v on %v: %v", msg.ID, s.stream, err)
		return
	}
	s.ack(msg.ID)
	telemetry.Requeued(ctx, s.topic)
}

func (s *subscription) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), errorRetryDelay)
	defer cancel()
	if err := s.b.client.XAck(ctx, s.stream, s.channel, id).Err(); err != nil {
		log.Debugf("unable to ack entry %v on %v: %v", id, s.stream, err)
	}
}

func (s *subscription) decode(msg redis.XMessage) (*model.Delivery, error) {
	payload, ok := msg.Values[fieldPayload].(string)
	if !ok {
		return nil, errors.New("entry has no payload")
	}
	var headers model.Headers
	if raw, found := msg.Values[fieldHeaders].(string); found {
		decoded := map[string]string{}
		if err := msgpack.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, errors.New("unable to decode headers: %v", err)
		}
		headers = model.Headers(decoded)
	}
	attempts := 1
	if raw, found := msg.Values[fieldAttempts].(string); found {
		if parsed, err := strconv.Atoi(raw); err == nil {
			attempts = parsed
		}
	}
	return &model.Delivery{
		ID:        model.MessageID(msg.ID),
		Attempts:  uint16(attempts),
		Timestamp: timeFromEntryID(msg.ID),
		Event:     model.NewEvent(s.topic, []byte(payload), headers),
	}, nil
}

func (s *subscription) invokeHandler(delivery *model.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked: %v", r)
		}
	}()
	return s.handler(s.ctx, delivery)
}

// drain waits for outstanding handlers, bounded by the drain timeout.
func (s *subscription) drain() {
	done := make(chan interface{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.b.opts.DrainTimeout):
		log.Debugf("drain of %v/%v timed out", s.topic, s.channel)
	}
}

func streamName(topic string) string {
	return "topic:{" + topic + "}"
}

// timeFromEntryID extracts the millisecond clock from a stream entry ID of
// the form "<ms>-<seq>".
func timeFromEntryID(id string) time.Time {
	parts := strings.SplitN(id, "-", 2)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
