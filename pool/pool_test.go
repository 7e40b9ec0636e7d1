package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/testsupport"
	"github.com/getlantern/eventbus/wire/nsqwire"
)

func newTestPool(opts *Options) *Pool {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Adapter == nil {
		opts.Adapter = nsqwire.New()
	}
	return New(opts)
}

func TestAcquireReleaseReuse(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	p := newTestPool(nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx, fake.Endpoint())
	require.NoError(t, err)
	require.Equal(t, fake.Addr(), conn.Endpoint().Addr())
	conn.Release()

	// a released connection comes back from the idle list
	conn2, err := p.Acquire(ctx, fake.Endpoint())
	require.NoError(t, err)
	require.Same(t, conn, conn2)
	conn2.Release()
}

func TestAcquireBlocksAtCap(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	p := newTestPool(&Options{MaxPerEndpoint: 1})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx, fake.Endpoint())
	require.NoError(t, err)

	// second acquire can't proceed until the first is released
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	_, err = p.Acquire(shortCtx, fake.Endpoint())
	require.Error(t, err)

	conn.Release()
	conn2, err := p.Acquire(ctx, fake.Endpoint())
	require.NoError(t, err)
	conn2.Release()
}

func TestInvalidateDiscardsConnection(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	p := newTestPool(nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx, fake.Endpoint())
	require.NoError(t, err)

	ep := conn.Endpoint()
	conn.Invalidate()
	require.EqualValues(t, 1, ep.Failures())

	// next acquire dials a fresh connection
	conn2, err := p.Acquire(ctx, ep)
	require.NoError(t, err)
	require.NotSame(t, conn, conn2)
	require.EqualValues(t, 0, ep.Failures())
	conn2.Release()
}

func TestAcquireUnreachableEndpoint(t *testing.T) {
	p := newTestPool(&Options{
		DialTimeout:     200 * time.Millisecond,
		MaxDialAttempts: 2,
		InitialBackoff:  10 * time.Millisecond,
	})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep := model.NewEndpoint("127.0.0.1", 1) // nothing listens here
	_, err := p.Acquire(ctx, ep)
	require.Error(t, err)
	require.True(t, ep.Failures() > 0)
}

func TestExchangeSkipsHeartbeats(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	adapter := nsqwire.New()
	p := newTestPool(&Options{Adapter: adapter})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx, fake.Endpoint())
	require.NoError(t, err)
	defer conn.Release()

	// subscribe so the fake has a connection to heartbeat
	sub, err := adapter.EncodeSubscribe("beats", "ch")
	require.NoError(t, err)
	frame, err := conn.Exchange(sub, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, "OK", string(frame.Body))

	fake.Heartbeat()
	time.Sleep(50 * time.Millisecond)

	// the stale heartbeat is answered, not returned as the response
	rdy, err := adapter.EncodeReady(1)
	require.NoError(t, err)
	require.NoError(t, conn.Write(rdy))
	pub, err := adapter.EncodePublish(model.NewEvent("beats", []byte("x"), nil))
	require.NoError(t, err)
	frame, err = conn.Exchange(pub, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, "OK", string(frame.Body))
}

func TestCloseRefusesAcquire(t *testing.T) {
	fake := testsupport.NewFakeNSQD(t)
	p := newTestPool(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx, fake.Endpoint())
	require.NoError(t, err)

	p.Close()
	conn.Release()

	_, err = p.Acquire(ctx, fake.Endpoint())
	require.Equal(t, model.ErrBusClosed, err)
}
