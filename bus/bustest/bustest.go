// package bustest provides a conformance suite runnable against any bus.Bus
// implementation.
package bustest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/eventbus/bus"
	"github.com/getlantern/eventbus/model"
)

// TestBus exercises the Bus contract: publish/consume with headers intact,
// redelivery with a growing attempt count after handler errors, fan-out
// across channels, competition within a channel, and that a closed
// subscription stops receiving. The bus must be freshly constructed and is
// left open; the caller owns Close.
func TestBus(t *testing.T, b bus.Bus) {
	t.Run("DeliversPayloadAndHeaders", func(t *testing.T) {
		topic := uniqueTopic()
		received := make(chan *model.Delivery, 1)
		sub, err := b.Subscribe(topic, "workers", func(ctx context.Context, d *model.Delivery) error {
			received <- d
			return nil
		}, nil)
		require.NoError(t, err)
		defer sub.Close()
		require.NotEmpty(t, sub.ID())
		require.Equal(t, topic, sub.Topic())

		require.NoError(t, b.Publish(context.Background(), topic, []byte("hello"), model.Headers{"trace": "abc123"}))

		select {
		case d := <-received:
			require.Equal(t, []byte("hello"), d.Event.Payload)
			require.Equal(t, topic, d.Event.Topic)
			require.Equal(t, "abc123", d.Event.Headers["trace"])
			require.EqualValues(t, 1, d.Attempts)
			require.NotEmpty(t, d.ID)
		case <-time.After(10 * time.Second):
			t.Fatal("event never delivered")
		}
	})

	t.Run("HandlerErrorRedelivers", func(t *testing.T) {
		topic := uniqueTopic()
		attempts := make(chan uint16, 4)
		sub, err := b.Subscribe(topic, "workers", func(ctx context.Context, d *model.Delivery) error {
			attempts <- d.Attempts
			if d.Attempts < 2 {
				return fmt.Errorf("not yet")
			}
			return nil
		}, nil)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, b.Publish(context.Background(), topic, []byte("retry me"), nil))

		require.EqualValues(t, 1, nextAttempt(t, attempts))
		require.EqualValues(t, 2, nextAttempt(t, attempts), "redelivery must carry a bumped attempt count")
	})

	t.Run("ChannelsEachSeeEveryEvent", func(t *testing.T) {
		topic := uniqueTopic()
		var archived, indexed int64
		subA, err := b.Subscribe(topic, "archiver", func(ctx context.Context, d *model.Delivery) error {
			atomic.AddInt64(&archived, 1)
			return nil
		}, nil)
		require.NoError(t, err)
		defer subA.Close()
		subB, err := b.Subscribe(topic, "indexer", func(ctx context.Context, d *model.Delivery) error {
			atomic.AddInt64(&indexed, 1)
			return nil
		}, nil)
		require.NoError(t, err)
		defer subB.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, b.Publish(context.Background(), topic, []byte{byte(i)}, nil))
		}

		require.Eventually(t, func() bool {
			return atomic.LoadInt64(&archived) == 5 && atomic.LoadInt64(&indexed) == 5
		}, 10*time.Second, 20*time.Millisecond, "both channels must see all 5 events")
	})

	t.Run("ChannelMembersCompete", func(t *testing.T) {
		topic := uniqueTopic()
		var mx sync.Mutex
		seen := make(map[model.MessageID]int)
		var total int64
		handler := func(ctx context.Context, d *model.Delivery) error {
			mx.Lock()
			seen[d.ID]++
			mx.Unlock()
			atomic.AddInt64(&total, 1)
			return nil
		}
		subA, err := b.Subscribe(topic, "workers", handler, nil)
		require.NoError(t, err)
		defer subA.Close()
		subB, err := b.Subscribe(topic, "workers", handler, nil)
		require.NoError(t, err)
		defer subB.Close()

		for i := 0; i < 10; i++ {
			require.NoError(t, b.Publish(context.Background(), topic, []byte{byte(i)}, nil))
		}

		require.Eventually(t, func() bool {
			return atomic.LoadInt64(&total) == 10
		}, 10*time.Second, 20*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		mx.Lock()
		defer mx.Unlock()
		require.Len(t, seen, 10, "each event handled exactly once across the channel")
		for id, count := range seen {
			require.Equal(t, 1, count, "message %v handled more than once", id)
		}
	})

	t.Run("ClosedSubscriptionStopsReceiving", func(t *testing.T) {
		topic := uniqueTopic()
		var invocations int64
		sub, err := b.Subscribe(topic, "workers", func(ctx context.Context, d *model.Delivery) error {
			atomic.AddInt64(&invocations, 1)
			return nil
		}, nil)
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), topic, []byte("before"), nil))
		require.Eventually(t, func() bool {
			return atomic.LoadInt64(&invocations) == 1
		}, 10*time.Second, 20*time.Millisecond)

		require.NoError(t, sub.Close())
		time.Sleep(200 * time.Millisecond)

		require.NoError(t, b.Publish(context.Background(), topic, []byte("after"), nil))
		time.Sleep(500 * time.Millisecond)
		require.EqualValues(t, 1, atomic.LoadInt64(&invocations), "no delivery after close")
	})
}

func uniqueTopic() string {
	return fmt.Sprintf("conformance-%d", time.Now().UnixNano())
}

func nextAttempt(t *testing.T, attempts chan uint16) uint16 {
	select {
	case a := <-attempts:
		return a
	case <-time.After(10 * time.Second):
		t.Fatal("no delivery")
		return 0
	}
}
