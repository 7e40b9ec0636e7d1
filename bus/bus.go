// package bus provides the single abstraction application code depends on:
// publish, subscribe, close. The default implementation composes the
// publisher, consumer dispatcher, topic router and connection pool over a
// wire adapter chosen by configuration; sibling packages provide whole-bus
// variants (membus for in-process use, redisbus over Redis streams) behind
// the same interface.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/eventbus/dispatcher"
	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/pool"
	"github.com/getlantern/eventbus/publisher"
	"github.com/getlantern/eventbus/router"
	"github.com/getlantern/eventbus/router/lookupd"
	"github.com/getlantern/eventbus/router/staticrouter"
	"github.com/getlantern/eventbus/wire"
	"github.com/getlantern/eventbus/wire/nsqwire"
)

var (
	log = golog.LoggerFor("bus")
)

// Subscription is a handle on one active topic+channel registration.
type Subscription interface {
	// ID uniquely identifies the subscription.
	ID() string

	// Topic returns the subscribed topic.
	Topic() string

	// Close cancels the subscription.
	Close() error
}

// Bus is the broker-agnostic event bus.
type Bus interface {
	// Publish sends payload to topic and waits for the broker's
	// acknowledgment. Exactly one of ack (nil) or error is returned for
	// every call; events are never silently dropped.
	Publish(ctx context.Context, topic string, payload []byte, headers model.Headers) error

	// Subscribe registers handler for topic on the given channel with
	// at-least-once delivery. A nil policy takes the bus defaults.
	Subscribe(topic, channel string, handler model.Handler, policy *model.DeliveryPolicy) (Subscription, error)

	// Close stops dispatch loops, drains in-flight acks up to the drain
	// timeout and releases all connections.
	Close() error
}

// BackoffConfig shapes an exponential backoff.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Config configures the default broker-backed bus.
type Config struct {
	// Adapter names the wire adapter, "nsq" by default. The set of
	// adapters is closed; unknown names fail at construction.
	Adapter string

	// Endpoints are broker data nodes used when no discovery is
	// configured.
	Endpoints []string

	// DiscoveryEndpoints are lookup-node base URLs. When present they
	// take precedence over static Endpoints.
	DiscoveryEndpoints []string

	// MaxInFlight bounds concurrent handler invocations per subscription.
	MaxInFlight int

	// AckTimeout bounds both publish acknowledgment waits and how long a
	// delivery may remain unacked before local tracking drops it.
	AckTimeout time.Duration

	// PublishAttempts is the publish retry budget.
	PublishAttempts int

	// RetryBackoff shapes the delay between publish retries.
	RetryBackoff BackoffConfig

	// RouteTTL is how long resolved topic routes stay fresh.
	RouteTTL time.Duration

	// DrainTimeout bounds how long Close waits for in-flight handlers.
	DrainTimeout time.Duration

	// MaxConnsPerEndpoint and MaxIdlePerEndpoint bound the pool.
	MaxConnsPerEndpoint int
	MaxIdlePerEndpoint  int
}

type eventBus struct {
	adapter    wire.Adapter
	router     *router.Router
	pool       *pool.Pool
	publisher  *publisher.Publisher
	dispatcher *dispatcher.Dispatcher
	closeOnce  sync.Once
	closeCh    chan interface{}
}

// New builds a Bus from configuration.
func New(cfg *Config) (Bus, error) {
	adapter, err := adapterFor(cfg.Adapter)
	if err != nil {
		return nil, err
	}

	var discovery router.Discovery
	switch {
	case len(cfg.DiscoveryEndpoints) > 0:
		discovery = lookupd.NewDiscovery(cfg.DiscoveryEndpoints)
	case len(cfg.Endpoints) > 0:
		endpoints, err := staticrouter.FromAddrs(cfg.Endpoints)
		if err != nil {
			return nil, err
		}
		discovery = staticrouter.NewDiscovery(endpoints)
	default:
		return nil, errors.New("config needs endpoints or discoveryEndpoints")
	}

	r, err := router.New(&router.Options{
		Discovery: discovery,
		TTL:       cfg.RouteTTL,
	})
	if err != nil {
		return nil, err
	}

	p := pool.New(&pool.Options{
		Adapter:            adapter,
		MaxPerEndpoint:     cfg.MaxConnsPerEndpoint,
		MaxIdlePerEndpoint: cfg.MaxIdlePerEndpoint,
		InitialBackoff:     cfg.RetryBackoff.Initial,
		MaxBackoff:         cfg.RetryBackoff.Max,
	})

	pub, err := publisher.New(&publisher.Options{
		Adapter:           adapter,
		Router:            r,
		Pool:              p,
		MaxAttempts:       cfg.PublishAttempts,
		AckTimeout:        cfg.AckTimeout,
		InitialBackoff:    cfg.RetryBackoff.Initial,
		MaxBackoff:        cfg.RetryBackoff.Max,
		BackoffMultiplier: cfg.RetryBackoff.Multiplier,
	})
	if err != nil {
		r.Close()
		p.Close()
		return nil, err
	}

	disp, err := dispatcher.New(&dispatcher.Options{
		Adapter:           adapter,
		Router:            r,
		Pool:              p,
		MaxInFlight:       cfg.MaxInFlight,
		AckTimeout:        cfg.AckTimeout,
		RequeueInitial:    cfg.RetryBackoff.Initial,
		RequeueMax:        cfg.RetryBackoff.Max,
		RequeueMultiplier: cfg.RetryBackoff.Multiplier,
		DrainTimeout:      cfg.DrainTimeout,
	})
	if err != nil {
		r.Close()
		p.Close()
		return nil, err
	}

	log.Debugf("built %v bus", adapter.Name())
	return &eventBus{
		adapter:    adapter,
		router:     r,
		pool:       p,
		publisher:  pub,
		dispatcher: disp,
		closeCh:    make(chan interface{}),
	}, nil
}

// adapterFor dispatches over the closed set of wire adapters.
func adapterFor(name string) (wire.Adapter, error) {
	switch name {
	case "", "nsq":
		return nsqwire.New(), nil
	default:
		return nil, errors.New("unknown wire adapter %v", name)
	}
}

func (b *eventBus) Publish(ctx context.Context, topic string, payload []byte, headers model.Headers) error {
	select {
	case <-b.closeCh:
		return model.ErrBusClosed
	default:
	}
	return b.publisher.Publish(ctx, model.NewEvent(topic, payload, headers))
}

func (b *eventBus) Subscribe(topic, channel string, handler model.Handler, policy *model.DeliveryPolicy) (Subscription, error) {
	select {
	case <-b.closeCh:
		return nil, model.ErrBusClosed
	default:
	}
	return b.dispatcher.Subscribe(topic, channel, handler, policy)
}

func (b *eventBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)
		b.dispatcher.Close()
		b.router.Close()
		b.pool.Close()
	})
	return nil
}
