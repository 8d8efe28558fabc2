// Package shield decides which active shield rules suppress an alert's
// notifications. Matching never mutates the alert; the builder applies the
// decision, so re-running a match is free and order-independent.
package shield

import (
	"strconv"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/event"
)

// Category partitions rules; an alert matches at most one rule per category.
type Category string

const (
	CategoryScope     Category = "scope"
	CategoryStrategy  Category = "strategy"
	CategoryAlert     Category = "alert"
	CategoryDimension Category = "dimension"
)

// ScopeKind selects how a scope rule identifies its targets.
type ScopeKind string

const (
	ScopeInstance     ScopeKind = "instance"
	ScopeIP           ScopeKind = "ip"
	ScopeNode         ScopeKind = "node"
	ScopeDynamicGroup ScopeKind = "dynamic_group"
	ScopeBusiness     ScopeKind = "business"
)

// IPCloud identifies a host by management ip within a cloud area.
type IPCloud struct {
	IP      string `json:"ip"`
	CloudID int    `json:"cloud_id"`
}

// DimensionClause is an equality condition on one target dimension.
type DimensionClause struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ScopeClause targets a set of hosts or service instances.
type ScopeClause struct {
	Kind            ScopeKind `json:"kind"`
	InstanceIDs     []string  `json:"instance_ids,omitempty"`
	IPs             []IPCloud `json:"ips,omitempty"`
	NodePaths       []string  `json:"node_paths,omitempty"`
	DynamicGroupIDs []string  `json:"dynamic_group_ids,omitempty"`
}

// StrategyClause targets alerts of listed strategies, optionally narrowed by
// severity and dimension equality.
type StrategyClause struct {
	StrategyIDs []int64           `json:"strategy_ids"`
	Severities  []event.Severity  `json:"severities,omitempty"`
	Dimensions  []DimensionClause `json:"dimensions,omitempty"`
}

// Rule is one shield configuration. Begin/End bound its validity span; an
// optional Cycle further restricts it to recurring windows inside the span.
type Rule struct {
	ID          int64           `json:"id"`
	BizID       int             `json:"biz_id"`
	Category    Category        `json:"category"`
	Scope       *ScopeClause    `json:"scope,omitempty"`
	Strategy    *StrategyClause `json:"strategy,omitempty"`
	AlertID     string          `json:"alert_id,omitempty"`
	Dimensions  []DimensionClause `json:"dimensions,omitempty"`
	Cycle       *Cycle          `json:"cycle,omitempty"`
	Begin       time.Time       `json:"begin"`
	End         time.Time       `json:"end"`
	Timezone    string          `json:"timezone,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Active reports whether the rule's validity span covers now.
func (r *Rule) Active(now time.Time) bool {
	if !r.Begin.IsZero() && now.Before(r.Begin) {
		return false
	}
	if !r.End.IsZero() && !now.Before(r.End) {
		return false
	}
	return true
}

// TopoResolver maps hosts onto the business topology. Nil disables node and
// dynamic-group scope matching.
type TopoResolver interface {
	// NodePaths returns every topo path the host sits under, outermost
	// first (e.g. "set-1", "set-1/module-3").
	NodePaths(hostID string) []string
	// InDynamicGroup reports dynamic-group membership.
	InDynamicGroup(hostID, groupID string) bool
}

// Matches reports whether the rule shields the alert at the given instant,
// using the rule's time zone (falling back to defaultTZ) for cycle windows.
func (r *Rule) Matches(a *alert.Alert, now time.Time, topo TopoResolver, defaultTZ *time.Location) bool {
	if !r.Active(now) {
		return false
	}
	if r.BizID != 0 && a.Dimensions[event.DimBizID] != strconv.Itoa(r.BizID) {
		return false
	}
	if r.Cycle != nil && !r.Cycle.Contains(now, r.location(defaultTZ)) {
		return false
	}

	switch r.Category {
	case CategoryScope:
		return r.Scope != nil && matchScope(r.Scope, a, topo)
	case CategoryStrategy:
		return r.Strategy != nil && matchStrategy(r.Strategy, a)
	case CategoryAlert:
		return r.AlertID == a.ID
	case CategoryDimension:
		return len(r.Dimensions) > 0 && matchDimensions(r.Dimensions, a.Dimensions)
	default:
		return false
	}
}

func (r *Rule) location(defaultTZ *time.Location) *time.Location {
	if r.Timezone == "" {
		return orUTC(defaultTZ)
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return orUTC(defaultTZ)
	}
	return loc
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

func matchScope(s *ScopeClause, a *alert.Alert, topo TopoResolver) bool {
	switch s.Kind {
	case ScopeBusiness:
		return true
	case ScopeInstance:
		id := a.Dimensions[event.DimServiceInstance]
		if id == "" {
			return false
		}
		for _, want := range s.InstanceIDs {
			if want == id {
				return true
			}
		}
		return false
	case ScopeIP:
		ip := a.Dimensions[event.DimIP]
		cloud := a.Dimensions[event.DimCloudID]
		for _, want := range s.IPs {
			if want.IP == ip && strconv.Itoa(want.CloudID) == cloud {
				return true
			}
		}
		return false
	case ScopeNode:
		if topo == nil {
			return false
		}
		paths := topo.NodePaths(a.Dimensions[event.DimHostID])
		for _, want := range s.NodePaths {
			for _, p := range paths {
				if p == want || hasPathPrefix(p, want) {
					return true
				}
			}
		}
		return false
	case ScopeDynamicGroup:
		if topo == nil {
			return false
		}
		host := a.Dimensions[event.DimHostID]
		for _, g := range s.DynamicGroupIDs {
			if topo.InDynamicGroup(host, g) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// hasPathPrefix reports whether path lies in the subtree rooted at root.
func hasPathPrefix(path, root string) bool {
	return len(path) > len(root) && path[:len(root)] == root && path[len(root)] == '/'
}

func matchStrategy(s *StrategyClause, a *alert.Alert) bool {
	found := false
	for _, id := range s.StrategyIDs {
		if id == a.StrategyID {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(s.Severities) > 0 {
		ok := false
		for _, sev := range s.Severities {
			if sev == a.Severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return matchDimensions(s.Dimensions, a.Dimensions)
}

func matchDimensions(clauses []DimensionClause, dims map[string]string) bool {
	for _, c := range clauses {
		if dims[c.Key] != c.Value {
			return false
		}
	}
	return true
}
