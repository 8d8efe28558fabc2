// Package index is the append-friendly, searchable document store. Documents
// are eventually consistent with the operational state; writers tolerate and
// retry failures instead of blocking the pipeline.
package index

import "time"

// AlertDocument is the searchable projection of an alert.
type AlertDocument struct {
	AlertID      string            `gorm:"primaryKey;size:36" json:"alert_id"`
	Fingerprint  string            `gorm:"size:16;not null;index" json:"fingerprint"`
	StrategyID   int64             `gorm:"not null;index" json:"strategy_id"`
	Severity     int               `gorm:"not null" json:"severity"`
	Status       string            `gorm:"size:20;not null;index" json:"status"`
	FirstEventAt time.Time         `json:"first_event_at"`
	LastEventAt  time.Time         `gorm:"index" json:"last_event_at"`
	EventCount   int64             `gorm:"not null;default:0" json:"event_count"`
	Dimensions   map[string]string `gorm:"serializer:json" json:"dimensions"`
	Assignees    []string          `gorm:"serializer:json" json:"assignees,omitempty"`
	Appointees   []string          `gorm:"serializer:json" json:"appointees,omitempty"`
	Acked        bool              `gorm:"not null;default:false" json:"acked"`
	IsShielded   bool              `gorm:"not null;default:false" json:"is_shielded"`
	ShieldIDs    []int64           `gorm:"serializer:json" json:"shield_ids,omitempty"`
	SnapshotRef  string            `gorm:"size:36" json:"strategy_snapshot_ref"`
	UpdatedAt    time.Time         `gorm:"index" json:"update_at"`
}

// TableName returns the table name for GORM.
func (AlertDocument) TableName() string {
	return "alert_docs"
}

// AlertLogDocument is one row of an alert's append-only flow log.
type AlertLogDocument struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AlertID     string    `gorm:"size:36;not null;index" json:"alert_id"`
	Op          string    `gorm:"size:20;not null" json:"op_type"`
	At          time.Time `gorm:"not null;index" json:"time"`
	Description string    `gorm:"size:2000;default:''" json:"description,omitempty"`
	EventID     string    `gorm:"size:36;default:''" json:"event_id,omitempty"`
	Operator    string    `gorm:"size:100;default:''" json:"operator,omitempty"`
}

// TableName returns the table name for GORM.
func (AlertLogDocument) TableName() string {
	return "alert_log_docs"
}

// ActionDocument is the searchable projection of an action task.
type ActionDocument struct {
	TaskID     string    `gorm:"primaryKey;size:36" json:"task_id"`
	ParentID   string    `gorm:"size:36;default:'';index" json:"parent_id"`
	AlertID    string    `gorm:"size:36;not null;index" json:"alert_id"`
	Signal     string    `gorm:"size:20;not null" json:"signal"`
	PluginKind string    `gorm:"size:20;not null" json:"plugin_kind"`
	Status     string    `gorm:"size:20;not null;index" json:"status"`
	Receiver   string    `gorm:"size:100;default:''" json:"receiver"`
	NoticeWay  string    `gorm:"size:20;default:''" json:"notice_way"`
	Content    string    `gorm:"size:4000;default:''" json:"content"`
	FailureMsg string    `gorm:"size:2000;default:''" json:"failure_msg"`
	EndedAt    time.Time `json:"ended_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime;index" json:"update_at"`
}

// TableName returns the table name for GORM.
func (ActionDocument) TableName() string {
	return "action_docs"
}
