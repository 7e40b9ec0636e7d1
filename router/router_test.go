package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/eventbus/model"
)

// scriptedDiscovery serves canned endpoint sets and records call counts.
type scriptedDiscovery struct {
	mx        sync.Mutex
	endpoints []*model.Endpoint
	err       error
	calls     int
	delay     time.Duration
}

func (d *scriptedDiscovery) Discover(ctx context.Context, topic string) ([]*model.Endpoint, error) {
	d.mx.Lock()
	d.calls++
	endpoints, err, delay := d.endpoints, d.err, d.delay
	d.mx.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (d *scriptedDiscovery) set(endpoints []*model.Endpoint, err error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.endpoints = endpoints
	d.err = err
}

func (d *scriptedDiscovery) callCount() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.calls
}

func TestResolveCachesWhileFresh(t *testing.T) {
	disc := &scriptedDiscovery{endpoints: []*model.Endpoint{model.NewEndpoint("a", 4150)}}
	r, err := New(&Options{Discovery: disc, TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// re-resolving an unexpired topic returns the same set without
	// touching discovery again
	second, err := r.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, disc.callCount())
}

func TestResolveFailsFastWhenNothingCached(t *testing.T) {
	disc := &scriptedDiscovery{err: context.DeadlineExceeded, delay: 50 * time.Millisecond}
	r, err := New(&Options{Discovery: disc, ResolveTimeout: 500 * time.Millisecond})
	require.NoError(t, err)
	defer r.Close()

	start := time.Now()
	_, err = r.Resolve(context.Background(), "orders")
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second, "resolve must not hang")
}

func TestStaleWhileRevalidate(t *testing.T) {
	epA := model.NewEndpoint("a", 4150)
	epB := model.NewEndpoint("b", 4150)
	disc := &scriptedDiscovery{endpoints: []*model.Endpoint{epA}}
	r, err := New(&Options{Discovery: disc, TTL: 50 * time.Millisecond})
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, "a:4150", first[0].Addr())

	disc.set([]*model.Endpoint{epB}, nil)
	time.Sleep(80 * time.Millisecond) // let the entry go stale

	// stale resolve returns the old set without blocking...
	stale, err := r.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, "a:4150", stale[0].Addr())

	// ...and the background refresh eventually swaps in the new set
	require.Eventually(t, func() bool {
		endpoints, err := r.Resolve(context.Background(), "orders")
		return err == nil && len(endpoints) == 1 && endpoints[0].Addr() == "b:4150"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRefreshPreservesEndpointIdentity(t *testing.T) {
	epA := model.NewEndpoint("a", 4150)
	disc := &scriptedDiscovery{endpoints: []*model.Endpoint{epA}}
	r, err := New(&Options{Discovery: disc, TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	first[0].RecordFailure()

	// a rediscovered endpoint with the same address keeps its failure count
	disc.set([]*model.Endpoint{model.NewEndpoint("a", 4150)}, nil)
	refreshed, err := r.refresh(context.Background(), "orders")
	require.NoError(t, err)
	require.Same(t, first[0], refreshed[0])
	require.EqualValues(t, 1, refreshed[0].Failures())
}

func TestPickDeprioritizesFailingEndpoints(t *testing.T) {
	disc := &scriptedDiscovery{}
	r, err := New(&Options{Discovery: disc})
	require.NoError(t, err)
	defer r.Close()

	healthy1 := model.NewEndpoint("h1", 4150)
	healthy2 := model.NewEndpoint("h2", 4150)
	failing := model.NewEndpoint("f", 4150)
	failing.RecordFailure()
	endpoints := []*model.Endpoint{healthy1, failing, healthy2}

	picked := make(map[string]int)
	for i := 0; i < 100; i++ {
		picked[r.Pick("orders", endpoints).Addr()]++
	}
	require.Zero(t, picked["f:4150"])
	require.Equal(t, 50, picked["h1:4150"])
	require.Equal(t, 50, picked["h2:4150"])

	// once the failing endpoint recovers it participates again
	failing.RecordSuccess()
	picked = make(map[string]int)
	for i := 0; i < 90; i++ {
		picked[r.Pick("orders", endpoints).Addr()]++
	}
	require.Equal(t, 30, picked["f:4150"])
}

func TestPickEmpty(t *testing.T) {
	disc := &scriptedDiscovery{}
	r, err := New(&Options{Discovery: disc})
	require.NoError(t, err)
	defer r.Close()

	require.Nil(t, r.Pick("orders", nil))
}

func TestInvalidateForcesRediscovery(t *testing.T) {
	disc := &scriptedDiscovery{endpoints: []*model.Endpoint{model.NewEndpoint("a", 4150)}}
	r, err := New(&Options{Discovery: disc, TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, 1, disc.callCount())

	r.Invalidate("orders")
	_, err = r.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, 2, disc.callCount())
}
