package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/pool"
	"github.com/getlantern/eventbus/router"
	"github.com/getlantern/eventbus/router/staticrouter"
	"github.com/getlantern/eventbus/testsupport"
	"github.com/getlantern/eventbus/wire/nsqwire"
)

func newTestDispatcher(t *testing.T, fake *testsupport.FakeNSQD, opts *Options) *Dispatcher {
	adapter := nsqwire.New()
	r, err := router.New(&router.Options{
		Discovery:      staticrouter.NewDiscovery([]*model.Endpoint{fake.Endpoint()}),
		ResolveTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	p := pool.New(&pool.Options{Adapter: adapter})
	t.Cleanup(p.Close)

	if opts == nil {
		opts = &Options{}
	}
	opts.Adapter = adapter
	opts.Router = r
	opts.Pool = p
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Second
	}

	d, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func envelope(t *testing.T, payload []byte, headers model.Headers) []byte {
	env, err := nsqwire.New().EncodeEvent(model.NewEvent("ignored", payload, headers))
	require.NoError(t, err)
	return env
}

func deliverEventually(t *testing.T, fake *testsupport.FakeNSQD, topic string, id model.MessageID, attempts uint16, env []byte) {
	// the subscription connects asynchronously, retry until it has RDY > 0
	require.Eventually(t, func() bool {
		return fake.Deliver(topic, id, attempts, env) > 0
	}, 5*time.Second, 20*time.Millisecond, "subscriber never became ready")
}

func TestSubscribeHandleAck(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, nil)

	received := make(chan *model.Delivery, 1)
	sub, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		received <- del
		return nil
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID())
	require.Equal(t, "orders", sub.Topic())

	id := model.MessageID("msg0000000000001")
	deliverEventually(t, fake, "orders", id, 1, envelope(t, []byte(`{"id":1}`), model.Headers{"k": "v"}))

	select {
	case del := <-received:
		require.Equal(t, id, del.ID)
		require.Equal(t, "orders", del.Event.Topic, "dispatcher fills in the topic")
		require.Equal(t, []byte(`{"id":1}`), del.Event.Payload)
		require.Equal(t, model.Headers{"k": "v"}, del.Event.Headers)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never invoked")
	}

	require.Eventually(t, func() bool {
		for _, finished := range fake.Finished() {
			if finished == id {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "ack never reached the broker")
}

func TestHandlerErrorRequeuesWithBackoff(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, &Options{
		RequeueInitial: 100 * time.Millisecond,
		RequeueMax:     time.Second,
	})

	_, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		return model.TypedError(model.ErrProtocolError) // any handler error
	}, nil)
	require.NoError(t, err)

	id := model.MessageID("msg0000000000002")
	deliverEventually(t, fake, "orders", id, 2, envelope(t, []byte("x"), nil))

	require.Eventually(t, func() bool {
		_, requeued := fake.Requeued(id)
		return requeued
	}, 5*time.Second, 20*time.Millisecond, "requeue never reached the broker")

	delay, _ := fake.Requeued(id)
	require.Equal(t, 200*time.Millisecond, delay, "second attempt gets initial*multiplier")
	require.Empty(t, fake.Finished(), "failed handling must not ack")
}

func TestPanickingHandlerRequeues(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, nil)

	_, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		panic("boom")
	}, nil)
	require.NoError(t, err)

	id := model.MessageID("msg0000000000003")
	deliverEventually(t, fake, "orders", id, 1, envelope(t, []byte("x"), nil))

	require.Eventually(t, func() bool {
		_, requeued := fake.Requeued(id)
		return requeued
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDuplicateDeliveryHandledOnce(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, nil)

	var invocations int64
	release := make(chan interface{})
	_, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		atomic.AddInt64(&invocations, 1)
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	id := model.MessageID("msg0000000000004")
	env := envelope(t, []byte("x"), nil)
	deliverEventually(t, fake, "orders", id, 1, env)
	fake.Deliver("orders", id, 2, env) // duplicate while the first is in flight

	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt64(&invocations))
	close(release)
}

func TestMaxInFlightBoundsConcurrency(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, nil)

	var current, peak int64
	release := make(chan interface{})
	var wg sync.WaitGroup
	wg.Add(4)
	_, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		defer wg.Done()
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&current, -1)
		return nil
	}, &model.DeliveryPolicy{MaxInFlight: 2})
	require.NoError(t, err)

	env := envelope(t, []byte("x"), nil)
	deliverEventually(t, fake, "orders", "msg0000000000005", 1, env)
	fake.Deliver("orders", "msg0000000000006", 1, env)
	fake.Deliver("orders", "msg0000000000007", 1, env)
	fake.Deliver("orders", "msg0000000000008", 1, env)

	time.Sleep(300 * time.Millisecond)
	close(release)
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestAutoAckNeverRequeues(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, nil)

	handled := make(chan interface{}, 1)
	_, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		handled <- nil
		return model.ErrProtocolError // would requeue under the default policy
	}, &model.DeliveryPolicy{AutoAck: true})
	require.NoError(t, err)

	id := model.MessageID("msg0000000000009")
	deliverEventually(t, fake, "orders", id, 1, envelope(t, []byte("x"), nil))
	<-handled

	require.Eventually(t, func() bool {
		for _, finished := range fake.Finished() {
			if finished == id {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "auto-ack must FIN on receipt")

	time.Sleep(100 * time.Millisecond)
	_, requeued := fake.Requeued(id)
	require.False(t, requeued)
}

func TestTimedOutMessageNeverAcked(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, nil)

	done := make(chan interface{}, 1)
	_, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		time.Sleep(600 * time.Millisecond) // well past the ack timeout
		done <- nil
		return nil
	}, &model.DeliveryPolicy{AckTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	id := model.MessageID("msg0000000000010")
	deliverEventually(t, fake, "orders", id, 1, envelope(t, []byte("x"), nil))
	<-done

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, fake.Finished(), "an expired message must not be acked late")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, nil)

	var invocations int64
	sub, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		atomic.AddInt64(&invocations, 1)
		return nil
	}, nil)
	require.NoError(t, err)

	env := envelope(t, []byte("x"), nil)
	deliverEventually(t, fake, "orders", "msg0000000000011", 1, env)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&invocations) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, d.Unsubscribe(sub.ID()))
	require.Error(t, d.Unsubscribe(sub.ID()), "already unsubscribed")

	fake.Deliver("orders", "msg0000000000012", 1, env)
	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt64(&invocations))
}

func TestCloseDrainsInFlightAcks(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, nil)

	started := make(chan interface{}, 1)
	_, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		started <- nil
		time.Sleep(300 * time.Millisecond)
		return nil
	}, nil)
	require.NoError(t, err)

	id := model.MessageID("msg0000000000013")
	deliverEventually(t, fake, "orders", id, 1, envelope(t, []byte("x"), nil))
	<-started

	require.NoError(t, d.Close())
	// the fake reads the FIN off the socket asynchronously, so poll for it
	require.Eventually(t, func() bool {
		for _, finished := range fake.Finished() {
			if finished == id {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "close must drain the in-flight ack")
}

func TestHeartbeatsAnswered(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	d := newTestDispatcher(t, fake, nil)

	received := make(chan *model.Delivery, 1)
	_, err := d.Subscribe("orders", "archiver", func(ctx context.Context, del *model.Delivery) error {
		received <- del
		return nil
	}, nil)
	require.NoError(t, err)

	id := model.MessageID("msg0000000000014")
	deliverEventually(t, fake, "orders", id, 1, envelope(t, []byte("x"), nil))
	<-received

	// heartbeats must not kill the session
	fake.Heartbeat()
	time.Sleep(100 * time.Millisecond)

	id2 := model.MessageID("msg0000000000015")
	fake.Deliver("orders", id2, 1, envelope(t, []byte("y"), nil))
	select {
	case del := <-received:
		require.Equal(t, id2, del.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("session died after heartbeat")
	}
}
