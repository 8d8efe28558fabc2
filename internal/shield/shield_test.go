package shield

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/logger"
)

func testAlert() *alert.Alert {
	return &alert.Alert{
		ID:         "alert-1",
		StrategyID: 100,
		Severity:   event.SeverityWarning,
		Status:     alert.StatusAbnormal,
		Dimensions: map[string]string{
			event.DimBizID:   "2",
			event.DimCloudID: "0",
			event.DimIP:      "10.0.0.1",
			event.DimHostID:  "42",
		},
	}
}

type staticRules struct{ rules []Rule }

func (s *staticRules) ListActive(context.Context, time.Time) ([]Rule, error) {
	return s.rules, nil
}

type staticTopo struct {
	paths  map[string][]string
	groups map[string]map[string]bool
}

func (t *staticTopo) NodePaths(hostID string) []string { return t.paths[hostID] }
func (t *staticTopo) InDynamicGroup(hostID, groupID string) bool {
	return t.groups[hostID][groupID]
}

func newMatcher(t *testing.T, topo TopoResolver, rules ...Rule) *Matcher {
	t.Helper()
	m, err := NewMatcher(&staticRules{rules: rules}, topo, "UTC", logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Refresh(context.Background()))
	return m
}

func span() (time.Time, time.Time) {
	return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
}

func TestMatchScopeIP(t *testing.T) {
	begin, end := span()
	m := newMatcher(t, nil, Rule{
		ID: 1, BizID: 2, Category: CategoryScope,
		Scope: &ScopeClause{Kind: ScopeIP, IPs: []IPCloud{{IP: "10.0.0.1", CloudID: 0}}},
		Begin: begin, End: end,
	})
	now := begin.Add(time.Hour)

	assert.Equal(t, []int64{1}, m.Match(testAlert(), now))

	other := testAlert()
	other.Dimensions[event.DimIP] = "10.0.0.9"
	assert.Empty(t, m.Match(other, now))
}

func TestMatchStrategyWithSeverityAndDimensions(t *testing.T) {
	begin, end := span()
	m := newMatcher(t, nil, Rule{
		ID: 2, BizID: 2, Category: CategoryStrategy,
		Strategy: &StrategyClause{
			StrategyIDs: []int64{100},
			Severities:  []event.Severity{event.SeverityWarning},
			Dimensions:  []DimensionClause{{Key: event.DimHostID, Value: "42"}},
		},
		Begin: begin, End: end,
	})
	now := begin.Add(time.Hour)

	assert.Equal(t, []int64{2}, m.Match(testAlert(), now))

	fatal := testAlert()
	fatal.Severity = event.SeverityFatal
	assert.Empty(t, m.Match(fatal, now), "severity filter applies")

	elsewhere := testAlert()
	elsewhere.Dimensions[event.DimHostID] = "7"
	assert.Empty(t, m.Match(elsewhere, now), "dimension clause applies")
}

func TestMatchNodeSubtree(t *testing.T) {
	begin, end := span()
	topo := &staticTopo{paths: map[string][]string{
		"42": {"set-1", "set-1/module-3"},
	}}
	m := newMatcher(t, topo, Rule{
		ID: 3, BizID: 2, Category: CategoryScope,
		Scope: &ScopeClause{Kind: ScopeNode, NodePaths: []string{"set-1"}},
		Begin: begin, End: end,
	})

	assert.Equal(t, []int64{3}, m.Match(testAlert(), begin.Add(time.Hour)),
		"hosts under the subtree match")
}

func TestMatchAtMostOnePerCategory(t *testing.T) {
	begin, end := span()
	business := ScopeClause{Kind: ScopeBusiness}
	m := newMatcher(t, nil,
		Rule{ID: 9, BizID: 2, Category: CategoryScope, Scope: &business, Begin: begin, End: end},
		Rule{ID: 4, BizID: 2, Category: CategoryScope, Scope: &business, Begin: begin, End: end},
		Rule{ID: 6, BizID: 2, Category: CategoryAlert, AlertID: "alert-1", Begin: begin, End: end},
	)
	now := begin.Add(time.Hour)

	got := m.Match(testAlert(), now)
	assert.Equal(t, []int64{4, 6}, got, "lowest id wins within a category")

	// Idempotent and order-independent: same answer on re-evaluation.
	assert.Equal(t, got, m.Match(testAlert(), now))
}

func TestMatchRespectsValiditySpan(t *testing.T) {
	begin, end := span()
	m := newMatcher(t, nil, Rule{
		ID: 5, BizID: 2, Category: CategoryScope,
		Scope: &ScopeClause{Kind: ScopeBusiness},
		Begin: begin, End: end,
	})

	assert.Empty(t, m.Match(testAlert(), begin.Add(-time.Minute)))
	assert.NotEmpty(t, m.Match(testAlert(), begin))
	assert.Empty(t, m.Match(testAlert(), end), "end is exclusive")
}

func TestDailyCycleWindow(t *testing.T) {
	c := &Cycle{Kind: CycleDaily, StartTime: "22:00", EndTime: "06:00"}
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	assert.True(t, c.Contains(time.Date(2025, 6, 2, 23, 0, 0, 0, loc), loc))
	assert.True(t, c.Contains(time.Date(2025, 6, 3, 5, 59, 0, 0, loc), loc),
		"early morning belongs to the midnight-crossing window")
	assert.False(t, c.Contains(time.Date(2025, 6, 3, 6, 0, 0, 0, loc), loc))
	assert.False(t, c.Contains(time.Date(2025, 6, 3, 12, 0, 0, 0, loc), loc))

	// The same instant in another zone evaluates on the configured zone's
	// clock. 23:00 Shanghai is 15:00 UTC.
	utcView := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	assert.True(t, c.Contains(utcView, loc))
}

func TestWeeklyCycleWindow(t *testing.T) {
	c := &Cycle{
		Kind:      CycleWeekly,
		StartTime: "20:00",
		EndTime:   "02:00",
		Weekdays:  []time.Weekday{time.Friday},
	}
	loc := time.UTC

	friday := time.Date(2025, 6, 6, 21, 0, 0, 0, loc) // a Friday
	assert.True(t, c.Contains(friday, loc))

	saturdayTail := time.Date(2025, 6, 7, 1, 0, 0, 0, loc)
	assert.True(t, c.Contains(saturdayTail, loc),
		"the after-midnight tail belongs to Friday's window")

	saturdayEvening := time.Date(2025, 6, 7, 21, 0, 0, 0, loc)
	assert.False(t, c.Contains(saturdayEvening, loc))
}

func TestCycleRejectsBadClockTimes(t *testing.T) {
	c := &Cycle{Kind: CycleDaily, StartTime: "25:00", EndTime: "06:00"}
	assert.False(t, c.Contains(time.Now(), time.UTC))
}

func TestMatchDimensionCategory(t *testing.T) {
	begin, end := span()
	m := newMatcher(t, nil, Rule{
		ID: 7, BizID: 2, Category: CategoryDimension,
		Dimensions: []DimensionClause{
			{Key: event.DimIP, Value: "10.0.0.1"},
			{Key: event.DimCloudID, Value: "0"},
		},
		Begin: begin, End: end,
	})
	now := begin.Add(time.Hour)

	assert.Equal(t, []int64{7}, m.Match(testAlert(), now))

	other := testAlert()
	other.Dimensions[event.DimCloudID] = "1"
	assert.Empty(t, m.Match(other, now), "all clauses must hold")
}
