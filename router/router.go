// package router maps logical topics to concrete broker endpoints. It layers
// a TTL'd LRU cache over a Discovery source with a stale-while-revalidate
// policy: fresh entries are served from cache, stale entries are served
// immediately while a single background task refreshes them, and only a
// topic with nothing cached pays for a synchronous discovery round trip.
//
// All refreshing funnels through one goroutine fed by a channel, so resolve
// callers never contend on a lock with the refresher.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	lru "github.com/hashicorp/golang-lru"

	"github.com/getlantern/eventbus/model"
)

var (
	log = golog.LoggerFor("router")
)

const (
	DefaultTTL            = 60 * time.Second
	DefaultCacheSize      = 1024
	DefaultResolveTimeout = 5 * time.Second

	// staleGraceFactor controls how long past its TTL a cache entry may
	// still be served while a refresh runs in the background.
	staleGraceFactor = 10
)

// Discovery resolves a topic to broker endpoints, typically by querying
// lookup nodes.
type Discovery interface {
	Discover(ctx context.Context, topic string) ([]*model.Endpoint, error)
}

// Options configures a Router.
type Options struct {
	Discovery      Discovery
	TTL            time.Duration
	CacheSize      int
	ResolveTimeout time.Duration
}

type cacheEntry struct {
	endpoints  []*model.Endpoint
	fetchedAt  time.Time
	refreshing int32
}

// Router resolves topics to endpoints with caching and failure-weighted
// round-robin endpoint selection.
type Router struct {
	opts      *Options
	cache     *lru.Cache
	refreshCh chan string
	rr        sync.Map // topic -> *uint64 round-robin counter
	closeCh   chan interface{}
	closeOnce sync.Once
}

// New constructs a Router over the given discovery source.
func New(opts *Options) (*Router, error) {
	o := *opts
	if o.Discovery == nil {
		return nil, errors.New("router requires a discovery source")
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = DefaultResolveTimeout
	}
	cache, err := lru.New(o.CacheSize)
	if err != nil {
		return nil, errors.New("unable to build cache: %v", err)
	}
	r := &Router{
		opts:      &o,
		cache:     cache,
		refreshCh: make(chan string, o.CacheSize),
		closeCh:   make(chan interface{}),
	}
	go r.processRefreshes()
	return r, nil
}

// Resolve returns the endpoints currently known for topic. Fresh cache
// entries are returned as-is, stale ones are returned immediately while a
// background refresh runs, and a cache miss performs discovery synchronously,
// bounded by ctx and the configured resolve timeout. It fails with
// model.ErrResolutionFailed when discovery is unreachable and nothing usable
// is cached.
func (r *Router) Resolve(ctx context.Context, topic string) ([]*model.Endpoint, error) {
	if cached, found := r.cache.Get(topic); found {
		entry := cached.(*cacheEntry)
		age := time.Since(entry.fetchedAt)
		if age <= r.opts.TTL {
			return entry.endpoints, nil
		}
		if age <= time.Duration(staleGraceFactor)*r.opts.TTL {
			r.requestRefresh(topic)
			return entry.endpoints, nil
		}
		// too stale to trust, fall through to synchronous discovery
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ResolveTimeout)
	defer cancel()

	endpoints, err := r.refresh(ctx, topic)
	if err != nil {
		log.Debugf("discovery failed for %v: %v", topic, err)
		return nil, model.ErrResolutionFailed
	}
	if len(endpoints) == 0 {
		log.Debugf("discovery returned no endpoints for %v", topic)
		return nil, model.ErrResolutionFailed
	}
	return endpoints, nil
}

// Pick selects one endpoint from the given set: round-robin across the
// endpoints with the fewest consecutive failures, so nodes that keep failing
// are deprioritized until they succeed again.
func (r *Router) Pick(topic string, endpoints []*model.Endpoint) *model.Endpoint {
	if len(endpoints) == 0 {
		return nil
	}

	minFailures := endpoints[0].Failures()
	for _, ep := range endpoints[1:] {
		if f := ep.Failures(); f < minFailures {
			minFailures = f
		}
	}
	candidates := make([]*model.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Failures() == minFailures {
			candidates = append(candidates, ep)
		}
	}

	counter, _ := r.rr.LoadOrStore(topic, new(uint64))
	idx := atomic.AddUint64(counter.(*uint64), 1)
	return candidates[int(idx)%len(candidates)]
}

// Invalidate drops the cached entry for topic, forcing the next Resolve to
// perform discovery.
func (r *Router) Invalidate(topic string) {
	r.cache.Remove(topic)
}

// Close stops the background refresher.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.closeCh)
	})
}

func (r *Router) requestRefresh(topic string) {
	select {
	case r.refreshCh <- topic:
	default:
		// refresher is saturated, the periodic sweep will catch it
	}
}

// processRefreshes is the single background task through which all cache
// updates flow. It refreshes topics on demand and sweeps the whole cache
// once per TTL.
func (r *Router) processRefreshes() {
	ticker := time.NewTicker(r.opts.TTL)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCh:
			return
		case topic := <-r.refreshCh:
			r.refreshInBackground(topic)
		case <-ticker.C:
			for _, key := range r.cache.Keys() {
				r.refreshInBackground(key.(string))
			}
		}
	}
}

func (r *Router) refreshInBackground(topic string) {
	cached, found := r.cache.Get(topic)
	if found {
		entry := cached.(*cacheEntry)
		if !atomic.CompareAndSwapInt32(&entry.refreshing, 0, 1) {
			// a refresh for this topic is already running
			return
		}
		defer atomic.StoreInt32(&entry.refreshing, 0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ResolveTimeout)
	defer cancel()
	if _, err := r.refresh(ctx, topic); err != nil {
		// keep serving the stale entry, it's better than nothing
		log.Debugf("background refresh of %v failed: %v", topic, err)
	}
}

// refresh performs discovery and stores the result, preserving the identity
// of endpoints that survive the refresh so their failure counts carry over.
func (r *Router) refresh(ctx context.Context, topic string) ([]*model.Endpoint, error) {
	discovered, err := r.opts.Discovery.Discover(ctx, topic)
	if err != nil {
		return nil, err
	}

	var previous []*model.Endpoint
	if cached, found := r.cache.Get(topic); found {
		previous = cached.(*cacheEntry).endpoints
	}
	byAddr := make(map[string]*model.Endpoint, len(previous))
	for _, ep := range previous {
		byAddr[ep.Addr()] = ep
	}
	merged := make([]*model.Endpoint, 0, len(discovered))
	for _, ep := range discovered {
		if existing, found := byAddr[ep.Addr()]; found {
			merged = append(merged, existing)
		} else {
			merged = append(merged, ep)
		}
	}

	// an empty result is not cached: a topic with no producers yet should
	// be re-discovered on the next resolve, not remembered as empty
	if len(merged) > 0 {
		r.cache.Add(topic, &cacheEntry{
			endpoints: merged,
			fetchedAt: time.Now(),
		})
	}
	return merged, nil
}
