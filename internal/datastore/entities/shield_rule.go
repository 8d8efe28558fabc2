package entities

import (
	"time"

	"github.com/kestrelmon/kestrel-go/internal/shield"
)

// ShieldRuleRow persists one shield rule. The matcher-facing clauses live in
// the serialized Rule; Begin/End are mirrored into columns so the active set
// query stays an index scan.
type ShieldRuleRow struct {
	ID        int64       `gorm:"primaryKey" json:"id"`
	BizID     int         `gorm:"not null;index" json:"biz_id"`
	Category  string      `gorm:"size:20;not null" json:"category"`
	Rule      shield.Rule `gorm:"serializer:json" json:"rule"`
	Begin     time.Time   `gorm:"column:begin_at;index" json:"begin"`
	End       time.Time   `gorm:"column:end_at;index" json:"end"`
	Enabled   bool        `gorm:"not null;default:true;index" json:"enabled"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ShieldRuleRow) TableName() string {
	return "shield_rules"
}
