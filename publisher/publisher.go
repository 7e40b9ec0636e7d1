// package publisher sends events to the broker with bounded
// backoff-and-retry. Every publish resolves the topic afresh on each
// attempt, so a broker failover between attempts is handled by simply
// landing on whichever endpoint the router currently favors.
package publisher

import (
	"context"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/pool"
	"github.com/getlantern/eventbus/router"
	"github.com/getlantern/eventbus/telemetry"
	"github.com/getlantern/eventbus/util"
	"github.com/getlantern/eventbus/wire"
)

var (
	log = golog.LoggerFor("publisher")
)

const (
	DefaultMaxAttempts       = 3
	DefaultAckTimeout        = 5 * time.Second
	DefaultInitialBackoff    = 100 * time.Millisecond
	DefaultMaxBackoff        = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Options configures a Publisher.
type Options struct {
	Adapter           wire.Adapter
	Router            *router.Router
	Pool              *pool.Pool
	MaxAttempts       int
	AckTimeout        time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Publisher publishes events. It is safe for concurrent use; publishes are
// not guaranteed to complete in submission order when retries interleave.
type Publisher struct {
	opts *Options
}

// New constructs a Publisher. The adapter must support publishing.
func New(opts *Options) (*Publisher, error) {
	if !opts.Adapter.Capabilities().Has(wire.CapPublish) {
		return nil, errors.New("%v: %v adapter cannot publish", model.ErrUnsupportedCapability, opts.Adapter.Name())
	}
	o := *opts
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return &Publisher{opts: &o}, nil
}

// Publish sends evt and waits for the broker's acknowledgment. It returns
// nil exactly when the broker acked; after the retry budget is exhausted it
// returns a *model.PublishError carrying the attempt count and last failure.
// Events are never silently dropped.
//
// A topic that resolves to no endpoint fails fast with a resolution error
// rather than burning the retry budget.
func (p *Publisher) Publish(ctx context.Context, evt *model.Event) error {
	cmd, err := p.opts.Adapter.EncodePublish(evt)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := util.BackoffDelay(p.opts.InitialBackoff, p.opts.MaxBackoff, p.opts.BackoffMultiplier, attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &model.PublishError{Reason: ctx.Err(), Attempts: attempt - 1}
			}
		}

		err := p.attempt(ctx, evt, cmd)
		if err == nil {
			telemetry.Published(ctx, evt.Topic)
			return nil
		}
		if attempt == 1 && isResolutionError(err) {
			// nothing to send to, surface immediately
			return err
		}
		log.Debugf("publish attempt %d to %v failed: %v", attempt, evt.Topic, err)
		lastErr = err
	}

	telemetry.PublishError(ctx, evt.Topic)
	return &model.PublishError{Reason: lastErr, Attempts: p.opts.MaxAttempts}
}

// PublishAsync publishes in the background and delivers the final outcome
// (nil or error, exactly one) on the returned channel.
func (p *Publisher) PublishAsync(ctx context.Context, evt *model.Event) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- p.Publish(ctx, evt)
	}()
	return result
}

// attempt performs one resolve/acquire/send/ack cycle.
func (p *Publisher) attempt(ctx context.Context, evt *model.Event, cmd []byte) error {
	endpoints, err := p.opts.Router.Resolve(ctx, evt.Topic)
	if err != nil {
		return err
	}
	ep := p.opts.Router.Pick(evt.Topic, endpoints)
	if ep == nil {
		return model.ErrResolutionFailed
	}

	conn, err := p.opts.Pool.Acquire(ctx, ep)
	if err != nil {
		return err
	}

	frame, err := conn.Exchange(cmd, time.Now().Add(p.opts.AckTimeout))
	if err != nil {
		if frame != nil && frame.Type == wire.FrameError {
			// the broker answered, the connection itself is fine
			conn.Release()
			return err
		}
		conn.Invalidate()
		return err
	}

	ep.RecordSuccess()
	conn.Release()
	return nil
}

func isResolutionError(err error) bool {
	typed, ok := err.(*model.Error)
	return ok && typed.Code == model.ErrCodeResolutionFailed
}
