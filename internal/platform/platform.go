// Package platform is the read-only client for the upstream monitoring
// platform: alert strategies, notice user groups, host inventory, and the
// business topology. Responses are cached with a short TTL and every
// outgoing call passes a shared rate limiter, so a burst of evaluations
// cannot stampede the platform APIs.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/faults"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// Options tunes the client. Zero values fall back to sane defaults.
type Options struct {
	Timeout    time.Duration
	CacheTTL   time.Duration
	RatePerSec float64
	Burst      int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Minute
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	return o
}

// topoData is one immutable topology snapshot, swapped atomically on
// refresh so reads never lock.
type topoData struct {
	NodePaths     map[string][]string `json:"node_paths"`
	DynamicGroups map[string][]string `json:"dynamic_groups"`
}

func (t *topoData) inGroup(hostID, groupID string) bool {
	for _, id := range t.DynamicGroups[groupID] {
		if id == hostID {
			return true
		}
	}
	return false
}

// Client talks to the platform API. It implements the strategy provider,
// the notice group resolver, the host inventory source, and the topology
// resolver consumed by shield matching.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	cache   *gocache.Cache
	topo    atomic.Pointer[topoData]
	log     logger.Logger
}

// New creates a client for the API served at base.
func New(base string, opts Options, log logger.Logger) *Client {
	opts = opts.withDefaults()
	c := &Client{
		base:    base,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		cache:   gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
		log:     log.With(logger.String("component", "platform")),
	}
	c.topo.Store(&topoData{})
	return c
}

// envelope is the platform's uniform response wrapper.
type envelope struct {
	Result  bool            `json:"result"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return faults.Wrap(faults.KindCancelled, err, "platform call aborted")
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build platform request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransientRemote, err, "platform unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return faults.Wrap(faults.KindTransientRemote, err, "failed to read platform response")
	}
	if resp.StatusCode >= 500 {
		return faults.New(faults.KindTransientRemote, "platform returned %d for %s", resp.StatusCode, path)
	}
	if resp.StatusCode >= 300 {
		return faults.New(faults.KindPermanentRemote, "platform returned %d for %s", resp.StatusCode, path)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return faults.Wrap(faults.KindParse, err, "failed to decode platform envelope")
	}
	if !env.Result {
		return faults.New(faults.KindPermanentRemote, "platform rejected %s: code %d: %s", path, env.Code, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return faults.Wrap(faults.KindParse, err, "failed to decode platform data")
		}
	}
	return nil
}

// ByMetric returns the strategies watching a metric within a business.
func (c *Client) ByMetric(ctx context.Context, metricID string, bizID int) ([]strategy.Strategy, error) {
	key := "strategies|" + metricID + "|" + strconv.Itoa(bizID)
	if hit, ok := c.cache.Get(key); ok {
		return hit.([]strategy.Strategy), nil
	}
	q := url.Values{}
	q.Set("metric_id", metricID)
	q.Set("biz_id", strconv.Itoa(bizID))
	var strats []strategy.Strategy
	if err := c.get(ctx, "/api/v1/strategies", q, &strats); err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, strats)
	return strats, nil
}

// ByID returns one strategy by id.
func (c *Client) ByID(ctx context.Context, id int64) (*strategy.Strategy, error) {
	key := "strategy|" + strconv.FormatInt(id, 10)
	if hit, ok := c.cache.Get(key); ok {
		return hit.(*strategy.Strategy), nil
	}
	var strat strategy.Strategy
	if err := c.get(ctx, "/api/v1/strategies/"+strconv.FormatInt(id, 10), nil, &strat); err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, &strat)
	return &strat, nil
}

// Resolve returns the ordered member list of a notice user group.
func (c *Client) Resolve(ctx context.Context, group string) ([]string, error) {
	key := "group|" + group
	if hit, ok := c.cache.Get(key); ok {
		return hit.([]string), nil
	}
	var data struct {
		Users []string `json:"users"`
	}
	q := url.Values{}
	q.Set("name", group)
	if err := c.get(ctx, "/api/v1/user_groups", q, &data); err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, data.Users)
	return data.Users, nil
}

// ListHosts returns the full host inventory for enrichment.
func (c *Client) ListHosts() ([]event.Host, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()
	var hosts []event.Host
	if err := c.get(ctx, "/api/v1/hosts", nil, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// RefreshTopo replaces the cached topology snapshot. Until the first
// successful refresh, node and dynamic-group scopes match nothing.
func (c *Client) RefreshTopo(ctx context.Context) error {
	var data topoData
	if err := c.get(ctx, "/api/v1/topology", nil, &data); err != nil {
		return err
	}
	c.topo.Store(&data)
	c.log.Debug("topology refreshed",
		logger.Int("hosts", len(data.NodePaths)),
		logger.Int("dynamic_groups", len(data.DynamicGroups)))
	return nil
}

// NodePaths returns every topo path the host sits under, outermost first.
func (c *Client) NodePaths(hostID string) []string {
	return c.topo.Load().NodePaths[hostID]
}

// InDynamicGroup reports dynamic-group membership of a host.
func (c *Client) InDynamicGroup(hostID, groupID string) bool {
	return c.topo.Load().inGroup(hostID, groupID)
}
