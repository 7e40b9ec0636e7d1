// package lookupd implements router.Discovery against nsqlookupd-style HTTP
// discovery endpoints. Responses from all configured lookup nodes are merged
// and deduplicated; discovery only fails when every node is unreachable.
package lookupd

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/eventbus/model"
	"github.com/getlantern/eventbus/router"
)

var (
	log = golog.LoggerFor("lookupd")
)

const (
	defaultRequestTimeout = 3 * time.Second
)

type discovery struct {
	urls   []string
	client *http.Client
}

// NewDiscovery builds a Discovery that queries the given lookupd base URLs,
// e.g. "http://127.0.0.1:4161".
func NewDiscovery(lookupdURLs []string) router.Discovery {
	return &discovery{
		urls: lookupdURLs,
		client: &http.Client{
			Timeout: defaultRequestTimeout,
		},
	}
}

// lookupResponse covers both the modern flat format and the pre-1.0 format
// that wraps the payload in a data field.
type lookupResponse struct {
	Producers []*producer     `json:"producers"`
	Data      *lookupResponse `json:"data"`
}

type producer struct {
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
}

func (d *discovery) Discover(ctx context.Context, topic string) ([]*model.Endpoint, error) {
	byAddr := make(map[string]*model.Endpoint)
	var lastErr error

	for _, base := range d.urls {
		producers, err := d.lookup(ctx, base, topic)
		if err != nil {
			log.Debugf("lookup of %v at %v failed: %v", topic, base, err)
			lastErr = err
			continue
		}
		for _, p := range producers {
			ep := model.NewEndpoint(p.BroadcastAddress, p.TCPPort)
			byAddr[ep.Addr()] = ep
		}
	}

	if len(byAddr) == 0 && lastErr != nil {
		return nil, errors.New("all %d lookup nodes failed, last error: %v", len(d.urls), lastErr)
	}

	endpoints := make([]*model.Endpoint, 0, len(byAddr))
	for _, ep := range byAddr {
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func (d *discovery) lookup(ctx context.Context, base, topic string) ([]*producer, error) {
	u := fmt.Sprintf("%s/lookup?topic=%s", base, url.QueryEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// the topic doesn't exist on this lookupd yet
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("unexpected status %d from %v", resp.StatusCode, base)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	parsed := &lookupResponse{}
	if err := json.Unmarshal(body, parsed); err != nil {
		return nil, errors.New("unable to parse lookup response from %v: %v", base, err)
	}
	if parsed.Data != nil && len(parsed.Producers) == 0 {
		parsed = parsed.Data
	}
	return parsed.Producers, nil
}
