package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/testsupport"
	"github.com/getlantern/eventbus/wire/nsqwire"
)

func newTestBus(t *testing.T, fake *testsupport.FakeNSQD) Bus {
	b, err := New(&Config{
		Endpoints:    []string{fake.Addr()},
		AckTimeout:   2 * time.Second,
		DrainTimeout: 2 * time.Second,
		RetryBackoff: BackoffConfig{
			Initial:    50 * time.Millisecond,
			Max:        time.Second,
			Multiplier: 2,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	b := newTestBus(t, fake)

	received := make(chan *model.Delivery, 1)
	sub, err := b.Subscribe("orders", "archiver", func(ctx context.Context, d *model.Delivery) error {
		received <- d
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "orders", sub.Topic())

	require.NoError(t, b.Publish(context.Background(), "orders", []byte(`{"id":7}`), model.Headers{"trace": "t1"}))
	published := fake.Published("orders")
	require.Len(t, published, 1)

	// the fake does not route publishes to subscribers, feed it back by hand
	id := model.MessageID("msg0000000000042")
	require.Eventually(t, func() bool {
		return fake.Deliver("orders", id, 1, published[0]) > 0
	}, 5*time.Second, 20*time.Millisecond, "subscriber never became ready")

	select {
	case d := <-received:
		require.Equal(t, id, d.ID)
		require.Equal(t, []byte(`{"id":7}`), d.Event.Payload)
		require.Equal(t, model.Headers{"trace": "t1"}, d.Event.Headers)
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
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

func TestClosedBusRefusesWork(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	b := newTestBus(t, fake)
	require.NoError(t, b.Close())

	require.Equal(t, model.ErrBusClosed, b.Publish(context.Background(), "orders", []byte("x"), nil))
	_, err := b.Subscribe("orders", "archiver", func(ctx context.Context, d *model.Delivery) error { return nil }, nil)
	require.Equal(t, model.ErrBusClosed, err)
	require.NoError(t, b.Close(), "close is idempotent")
}

func TestConfigValidation(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err, "needs endpoints or discovery")

	_, err = New(&Config{Adapter: "kafka", Endpoints: []string{"localhost:4150"}})
	require.Error(t, err, "unknown adapters are rejected")

	_, err = New(&Config{Endpoints: []string{"not-an-address"}})
	require.Error(t, err)
}

func TestAdapterFor(t *testing.T) {
	adapter, err := adapterFor("")
	require.NoError(t, err)
	require.Equal(t, nsqwire.New().Name(), adapter.Name())

	adapter, err = adapterFor("nsq")
	require.NoError(t, err)
	require.Equal(t, "nsq", adapter.Name())
}
