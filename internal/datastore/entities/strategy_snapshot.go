package entities

import (
	"time"

	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// StrategySnapshotRow persists the immutable strategy copy captured when an
// alert opens. Rows are written once and only ever read back by ref.
type StrategySnapshotRow struct {
	Ref       string            `gorm:"primaryKey;size:36" json:"ref"`
	TakenAt   time.Time         `gorm:"not null;index" json:"taken_at"`
	Snapshot  strategy.Snapshot `gorm:"serializer:json" json:"snapshot"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (StrategySnapshotRow) TableName() string {
	return "strategy_snapshots"
}
