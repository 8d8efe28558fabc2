package shield

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/logger"
)

// RuleSource serves the currently configured shield rules.
type RuleSource interface {
	ListActive(ctx context.Context, now time.Time) ([]Rule, error)
}

// Matcher evaluates alerts against a cached active rule set. The cache is
// refreshed on a scheduler tick and invalidated early through a redis
// channel, so a decision converges within one tick of any rule change.
type Matcher struct {
	mu     sync.RWMutex
	rules  []Rule
	source RuleSource
	topo   TopoResolver
	tz     *time.Location
	log    logger.Logger
}

// NewMatcher creates a matcher with an empty cache. defaultTZ names the zone
// used for cycle windows when a rule does not set its own.
func NewMatcher(source RuleSource, topo TopoResolver, defaultTZ string, log logger.Logger) (*Matcher, error) {
	loc := time.UTC
	if defaultTZ != "" {
		var err error
		loc, err = time.LoadLocation(defaultTZ)
		if err != nil {
			return nil, fmt.Errorf("failed to load shield time zone %s: %w", defaultTZ, err)
		}
	}
	return &Matcher{source: source, topo: topo, tz: loc, log: log}, nil
}

// Refresh reloads the active rule set.
func (m *Matcher) Refresh(ctx context.Context) error {
	rules, err := m.source.ListActive(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to load active shield rules: %w", err)
	}
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
	return nil
}

// Match returns the ids of the rules shielding the alert at now, at most one
// per category (lowest rule id wins inside a category). The result is a pure
// function of the alert, the cached rule set, and now, so repeated calls
// converge regardless of evaluation order.
func (m *Matcher) Match(a *alert.Alert, now time.Time) []int64 {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	perCategory := make(map[Category]int64)
	for i := range rules {
		r := &rules[i]
		if !r.Matches(a, now, m.topo, m.tz) {
			continue
		}
		if cur, ok := perCategory[r.Category]; !ok || r.ID < cur {
			perCategory[r.Category] = r.ID
		}
	}
	if len(perCategory) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(perCategory))
	for _, id := range perCategory {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WatchInvalidation refreshes the cache whenever a message arrives on the
// redis channel. It blocks until ctx is cancelled.
func (m *Matcher) WatchInvalidation(ctx context.Context, client *redis.Client, channel string) {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := m.Refresh(ctx); err != nil {
				m.log.Warn("shield cache refresh after invalidation failed", logger.Error(err))
			}
		}
	}
}
