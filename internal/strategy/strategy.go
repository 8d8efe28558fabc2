// Package strategy defines the monitoring strategy configuration consumed by
// the pipeline. Strategies are owned by an external config store; the core
// pulls them by id and captures immutable snapshots when alerts open.
package strategy

import (
	"context"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/event"
)

// Signal names an alert transition carried to the action layer.
type Signal string

const (
	SignalManual     Signal = "manual"
	SignalAbnormal   Signal = "abnormal"
	SignalRecovered  Signal = "recovered"
	SignalClosed     Signal = "closed"
	SignalAck        Signal = "ack"
	SignalNoData     Signal = "no_data"
	SignalShielded   Signal = "shielded"
	SignalUnshielded Signal = "unshielded"
	SignalUpgrade    Signal = "upgrade"
	SignalCollect    Signal = "collect"
	SignalDemo       Signal = "demo"
)

// PluginKind selects the action executor for a config.
type PluginKind string

const (
	PluginNotify   PluginKind = "notify"
	PluginWebhook  PluginKind = "webhook"
	PluginJob      PluginKind = "job"
	PluginWorkflow PluginKind = "workflow"
	PluginITSM     PluginKind = "itsm"
	PluginChat     PluginKind = "chat"
	PluginGeneric  PluginKind = "generic"
)

// Algorithm names a detect algorithm variant.
type Algorithm string

const (
	AlgoThreshold    Algorithm = "threshold"
	AlgoRateOfChange Algorithm = "rate_of_change"
	AlgoWeekOnWeek   Algorithm = "week_on_week"
	AlgoYearOnYear   Algorithm = "year_on_year"
	AlgoNoData       Algorithm = "no_data"
	AlgoExternal     Algorithm = "external"
)

// DetectConfig is one detect algorithm bound to a severity.
type DetectConfig struct {
	Algorithm Algorithm      `json:"algorithm"`
	Severity  event.Severity `json:"severity"`
	// Operator and Value parameterize threshold-style algorithms
	// (gt, gte, lt, lte, eq).
	Operator string  `json:"operator,omitempty"`
	Value    float64 `json:"value,omitempty"`
	// Unit of the configured Value; samples are normalized before compare
	// ("percent", "cores", "millicores", "bytes", "kb", "mb", "gb").
	Unit string `json:"unit,omitempty"`
	// Ratio window for rate-of-change / week-on-week / year-on-year.
	RatioPercent float64 `json:"ratio_percent,omitempty"`
	// NoDataTicks is the absence window for the no_data algorithm.
	NoDataTicks int `json:"no_data_ticks,omitempty"`
}

// TriggerConfig is the m-of-n promotion window.
type TriggerConfig struct {
	Count       int `json:"count"`        // m
	CheckWindow int `json:"check_window"` // n
}

// RecoveryConfig is the consecutive-normal demotion window.
type RecoveryConfig struct {
	ConsecutiveNormal int `json:"consecutive_normal"` // k
}

// UpgradeStep widens the receiver set after an interval without ack.
type UpgradeStep struct {
	AfterIntervals int      `json:"after_intervals"`
	UserGroups     []string `json:"user_groups"`
}

// RelationOptions tune convergence and notification for one relation.
type RelationOptions struct {
	ConvergeFunc   string            `json:"converge_func,omitempty"`
	ConvergeWindow time.Duration     `json:"converge_window,omitempty"`
	ConvergeDims   []string          `json:"converge_dims,omitempty"`
	// ExcludeNoticeWays is keyed by signal.
	ExcludeNoticeWays map[Signal][]string `json:"exclude_notice_ways,omitempty"`
	NoticeInterval    time.Duration       `json:"notice_interval,omitempty"`
	UpgradeEnabled    bool                `json:"upgrade_enabled,omitempty"`
	UpgradeChain      []UpgradeStep       `json:"upgrade_chain,omitempty"`
}

// ActionRelation binds a strategy to an action config for a set of signals.
type ActionRelation struct {
	ID         int64           `json:"id"`
	Signals    []Signal        `json:"signals"`
	ConfigRef  int64           `json:"config_ref"`
	UserGroups []string        `json:"user_groups"`
	UserType   string          `json:"user_type"` // main or follower
	Options    RelationOptions `json:"options"`
}

// HasSignal reports whether the relation fires on the given signal.
func (r *ActionRelation) HasSignal(sig Signal) bool {
	for _, s := range r.Signals {
		if s == sig {
			return true
		}
	}
	return false
}

// Strategy is the live config pulled from the external store.
type Strategy struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	BizID     int              `json:"biz_id"`
	MetricID  string           `json:"metric_id"`
	Interval  time.Duration    `json:"interval"` // evaluation tick, floor 10s
	Detects   []DetectConfig   `json:"detects"`
	Trigger   TriggerConfig    `json:"trigger"`
	Recovery  RecoveryConfig   `json:"recovery"`
	Relations []ActionRelation `json:"relations"`
}

// Snapshot is the immutable copy captured when an alert opens. All
// downstream decisions for that alert read from the snapshot, never from the
// live strategy.
type Snapshot struct {
	Ref      string    `json:"ref"`
	TakenAt  time.Time `json:"taken_at"`
	Strategy Strategy  `json:"strategy"`
}

// Provider is the read-only interface to the external strategy store.
// Point-in-time reads are required; the core never writes.
type Provider interface {
	ByMetric(ctx context.Context, metricID string, bizID int) ([]Strategy, error)
	ByID(ctx context.Context, id int64) (*Strategy, error)
}

// SnapshotStore persists and serves captured snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Get(ctx context.Context, ref string) (*Snapshot, error)
}
