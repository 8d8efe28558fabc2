// Package alert owns the open-alert set. Events fold into alerts keyed by
// fingerprint; all mutation is serialized per fingerprint inside the builder's
// sharded workers. No other component mutates an Alert directly.
package alert

import (
	"time"

	"github.com/kestrelmon/kestrel-go/internal/event"
)

// Status is the alert lifecycle state. Shielding is an annotation
// (IsShielded), not a lifecycle state: a shielded alert still recovers and
// closes on its own terms.
type Status string

const (
	StatusAbnormal   Status = "abnormal"
	StatusRecovering Status = "recovering"
	StatusRecovered  Status = "recovered"
	StatusClosed     Status = "closed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRecovered || s == StatusClosed
}

// Alert is the mutable aggregate built from folded events. Terminal alerts
// are immutable except for index log appends.
type Alert struct {
	ID          string         `json:"alert_id"`
	Fingerprint string         `json:"fingerprint"`
	StrategyID  int64          `json:"strategy_id"`
	Severity    event.Severity `json:"severity"`
	Status      Status         `json:"status"`

	FirstEventAt time.Time `json:"first_event_at"`
	LastEventAt  time.Time `json:"last_event_at"`
	EventCount   int64     `json:"event_count"`
	// FirstEventID is the first received triggering event, which is not
	// necessarily the one with the earliest event time.
	FirstEventID string `json:"first_event_id"`

	Dimensions map[string]string `json:"dimensions"`
	Assignees  []string          `json:"assignees,omitempty"`
	Appointees []string          `json:"appointees,omitempty"`
	Acked      bool              `json:"acked,omitempty"`

	IsShielded  bool    `json:"is_shielded"`
	ShieldIDs   []int64 `json:"shield_ids,omitempty"`
	SnapshotRef string  `json:"strategy_snapshot_ref"`

	UpdatedAt time.Time `json:"update_at"`
}

// fold appends one event to the aggregate. EventCount and LastEventAt are
// monotonic non-decreasing; FirstEventAt tracks the minimum event time so
// out-of-order arrivals settle on the true span. Dimension values keep the
// first-seen value for existing keys.
func (a *Alert) fold(ev *event.NormalizedEvent, now time.Time) {
	a.EventCount++
	if a.FirstEventAt.IsZero() || ev.EventTime.Before(a.FirstEventAt) {
		a.FirstEventAt = ev.EventTime
	}
	if ev.EventTime.After(a.LastEventAt) {
		a.LastEventAt = ev.EventTime
	}
	for k, v := range ev.Target {
		if _, ok := a.Dimensions[k]; !ok {
			a.Dimensions[k] = v
		}
	}
	a.UpdatedAt = now
}

// raiseSeverity upgrades the alert severity. Downgrades are ignored for the
// lifetime of the alert.
func (a *Alert) raiseSeverity(sev event.Severity) bool {
	if sev.MoreSevereThan(a.Severity) {
		a.Severity = sev
		return true
	}
	return false
}

// Clone returns a deep copy safe to hand across goroutines.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.Dimensions = make(map[string]string, len(a.Dimensions))
	for k, v := range a.Dimensions {
		cp.Dimensions[k] = v
	}
	cp.Assignees = append([]string(nil), a.Assignees...)
	cp.Appointees = append([]string(nil), a.Appointees...)
	cp.ShieldIDs = append([]int64(nil), a.ShieldIDs...)
	return &cp
}
