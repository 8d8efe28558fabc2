// Package entities defines the operational store records. The operational
// store carries exactly-once state (action tasks, converge instances); the
// searchable document index lives in its own package.
package entities

import "time"

// ActionInstance is one action task, parent or sub. Parents group the sub
// tasks expanded from a notice relation; non-notice plugins execute as a
// single task with no children.
type ActionInstance struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	ParentID string `gorm:"size:36;default:'';index" json:"parent_id"`
	AlertID  string `gorm:"size:36;not null;index" json:"alert_id"`
	// AlertIDs lists every alert a collect primary covers; for ordinary
	// tasks it holds just AlertID.
	AlertIDs []string `gorm:"serializer:json" json:"alert_ids"`
	IsParent bool     `gorm:"not null;default:false" json:"is_parent"`
	// GenerationUUID ties together the tasks emitted by one transition.
	GenerationUUID string `gorm:"size:36;default:''" json:"generation_uuid"`

	Signal     string `gorm:"size:20;not null" json:"signal"`
	StrategyID int64  `gorm:"not null;index" json:"strategy_id"`
	RelationID int64  `gorm:"not null" json:"relation_id"`
	ConfigRef  int64  `gorm:"not null" json:"config_ref"`
	PluginKind string `gorm:"size:20;not null" json:"plugin_kind"`

	Status   string `gorm:"size:20;not null;index" json:"status"`
	Attempts int    `gorm:"not null;default:0" json:"attempts"`

	ConvergeKey string `gorm:"size:64;default:'';index" json:"converge_key"`

	Receiver  string `gorm:"size:200;default:''" json:"receiver"`
	NoticeWay string `gorm:"size:20;default:''" json:"notice_way"`
	// MentionUsers and Followed augment the inputs of chat and follower
	// notices.
	MentionUsers []string `gorm:"serializer:json" json:"mention_users,omitempty"`
	Followed     bool     `gorm:"not null;default:false" json:"followed"`

	// Content is the rendered notification or request body.
	Content string `gorm:"size:4000;default:''" json:"content"`
	// Inputs and Outputs are plugin-specific JSON blobs. Outputs collects
	// response bodies, remote heartbeats, and replay parameters.
	Inputs  string `gorm:"size:4000;default:''" json:"inputs"`
	Outputs string `gorm:"size:4000;default:''" json:"outputs"`
	// RetryParams captures the blocked request so a replay can re-issue it
	// verbatim once the block lifts.
	RetryParams string `gorm:"size:4000;default:''" json:"retry_params"`
	FailureMsg  string `gorm:"size:2000;default:''" json:"failure_msg"`
	// RemoteRef is the remote task handle for two-phase plugins.
	RemoteRef string `gorm:"size:200;default:''" json:"remote_ref"`

	NextRunAt time.Time `gorm:"index" json:"next_run_at"`
	EndedAt   time.Time `json:"ended_at"`

	// Version guards concurrent writers; every save must carry the version
	// it read.
	Version   int       `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ActionInstance) TableName() string {
	return "action_instances"
}
