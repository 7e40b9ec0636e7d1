package model

import (
	"fmt"
	"sync/atomic"
)

// EndpointRole distinguishes broker data nodes from discovery/lookup nodes.
type EndpointRole uint8

const (
	RoleData EndpointRole = iota
	RoleDiscovery
)

func (r EndpointRole) String() string {
	if r == RoleDiscovery {
		return "discovery"
	}
	return "data"
}

// Endpoint identifies one broker node. Endpoints are owned by the topic
// router; publishers and consumers report outcomes through the router rather
// than mutating endpoints directly.
type Endpoint struct {
	Host string
	Port int
	Role EndpointRole

	// failures counts consecutive transport failures. It is read by the
	// router's weighted round-robin and updated with atomics because both
	// the publisher and the dispatcher report outcomes concurrently.
	failures int64
}

// NewEndpoint constructs a data-node endpoint.
func NewEndpoint(host string, port int) *Endpoint {
	return &Endpoint{Host: host, Port: port, Role: RoleData}
}

// Addr returns the endpoint as a dialable host:port string.
func (ep *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", ep.Host, ep.Port)
}

// Failures returns the current consecutive failure count.
func (ep *Endpoint) Failures() int64 {
	return atomic.LoadInt64(&ep.failures)
}

// RecordFailure atomically bumps the consecutive failure count.
func (ep *Endpoint) RecordFailure() {
	atomic.AddInt64(&ep.failures, 1)
}

// RecordSuccess atomically resets the consecutive failure count.
func (ep *Endpoint) RecordSuccess() {
	atomic.StoreInt64(&ep.failures, 0)
}
