package entities

import "time"

// ActionConfig is a reusable action definition strategies reference through
// their relations. ExecuteConfig carries the plugin-specific parameters as
// JSON (webhook url and method, job id, workflow template, chat target).
type ActionConfig struct {
	ID            int64  `gorm:"primaryKey" json:"id"`
	Name          string `gorm:"size:255;not null" json:"name"`
	BizID         int    `gorm:"not null;index" json:"biz_id"`
	PluginKind    string `gorm:"size:20;not null" json:"plugin_kind"`
	TemplateTitle string `gorm:"size:500;default:''" json:"template_title"`
	TemplateBody  string `gorm:"size:4000;default:''" json:"template_body"`
	ExecuteConfig string `gorm:"size:4000;default:''" json:"execute_config"`

	// Version is bumped on every edit; concurrent edits of the same base
	// version are rejected.
	Version   int       `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ActionConfig) TableName() string {
	return "action_configs"
}
