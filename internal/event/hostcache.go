package event

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kestrelmon/kestrel-go/internal/logger"
)

// Host is a resolved topology record from the metadata source.
type Host struct {
	HostID  int    `json:"host_id"`
	CloudID int    `json:"cloud_id"`
	IP      string `json:"ip"`
	AgentID string `json:"agent_id"`
	BizID   int    `json:"biz_id"`
}

// HostProvider is the upstream metadata source for host topology.
// Implementations must be safe for concurrent use.
type HostProvider interface {
	ListHosts() ([]Host, error)
}

// HostCache is a read-mostly TTL cache over the host topology. Lookups hit
// the cache only; Refresh repopulates it from the provider.
type HostCache struct {
	provider HostProvider
	byAddr   *gocache.Cache // "cloudID|ip" -> Host
	byAgent  *gocache.Cache // agentID -> Host
	log      logger.Logger
}

// NewHostCache creates a host cache with the given entry TTL.
func NewHostCache(provider HostProvider, ttl time.Duration, log logger.Logger) *HostCache {
	cleanup := ttl * 2
	return &HostCache{
		provider: provider,
		byAddr:   gocache.New(ttl, cleanup),
		byAgent:  gocache.New(ttl, cleanup),
		log:      log,
	}
}

// Refresh reloads all hosts from the provider. Called at startup and on the
// scheduler's cache tick.
func (c *HostCache) Refresh() error {
	hosts, err := c.provider.ListHosts()
	if err != nil {
		return fmt.Errorf("failed to refresh host cache: %w", err)
	}
	for _, h := range hosts {
		c.byAddr.SetDefault(addrKey(h.CloudID, h.IP), h)
		if h.AgentID != "" {
			c.byAgent.SetDefault(h.AgentID, h)
		}
	}
	c.log.Debug("host cache refreshed", logger.Int("hosts", len(hosts)))
	return nil
}

// ByAddr resolves (cloud id, ip) to a host.
func (c *HostCache) ByAddr(cloudID int, ip string) (Host, bool) {
	v, ok := c.byAddr.Get(addrKey(cloudID, ip))
	if !ok {
		return Host{}, false
	}
	return v.(Host), true
}

// ByAgentID resolves an agent id to a host.
func (c *HostCache) ByAgentID(agentID string) (Host, bool) {
	v, ok := c.byAgent.Get(agentID)
	if !ok {
		return Host{}, false
	}
	return v.(Host), true
}

func addrKey(cloudID int, ip string) string {
	return fmt.Sprintf("%d|%s", cloudID, ip)
}
