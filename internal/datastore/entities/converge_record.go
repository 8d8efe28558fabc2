package entities

import "time"

// ConvergeRecord is one converge window instance for a converge key. Related
// task ids accumulate while the window is collecting.
type ConvergeRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ConvergeKey string    `gorm:"size:64;not null;index" json:"converge_key"`
	Function    string    `gorm:"size:30;not null" json:"function"`
	Status      string    `gorm:"size:20;not null;index" json:"status"`
	WindowStart time.Time `gorm:"not null" json:"window_start"`
	WindowEnd   time.Time `gorm:"not null;index" json:"window_end"`
	RelatedIDs  []string  `gorm:"serializer:json" json:"related_ids"`
	Version     int       `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ConvergeRecord) TableName() string {
	return "converge_records"
}
