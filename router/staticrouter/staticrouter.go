// package staticrouter provides a router.Discovery over a fixed endpoint
// set, for deployments without discovery infrastructure where broker
// addresses are handed in via configuration.
package staticrouter

import (
	"context"
	"net"
	"strconv"

	"github.com/getlantern/errors"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/router"
)

type discovery struct {
	endpoints []*model.Endpoint
}

// NewDiscovery returns a Discovery that resolves every topic to the given
// endpoints.
func NewDiscovery(endpoints []*model.Endpoint) router.Discovery {
	return &discovery{endpoints: endpoints}
}

func (d *discovery) Discover(ctx context.Context, topic string) ([]*model.Endpoint, error) {
	return d.endpoints, nil
}

// FromAddrs parses host:port strings into data-node endpoints.
func FromAddrs(addrs []string) ([]*model.Endpoint, error) {
	endpoints := make([]*model.Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.New("invalid endpoint address %v: %v", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.New("invalid port in %v: %v", addr, err)
		}
		endpoints = append(endpoints, model.NewEndpoint(host, port))
	}
	return endpoints, nil
}
