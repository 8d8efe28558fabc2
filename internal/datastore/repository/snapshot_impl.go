package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// SnapshotRepository persists strategy snapshots. It satisfies
// strategy.SnapshotStore.
type SnapshotRepository interface {
	strategy.SnapshotStore
	DeleteTakenBefore(ctx context.Context, before time.Time) (int64, error)
}

// snapshotRepository implements SnapshotRepository.
type snapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &snapshotRepository{db: db}
}

// Save writes a snapshot. Snapshots are immutable; saving an existing ref is
// a no-op rather than an overwrite.
func (r *snapshotRepository) Save(ctx context.Context, snap *strategy.Snapshot) error {
	row := entities.StrategySnapshotRow{
		Ref:      snap.Ref,
		TakenAt:  snap.TakenAt,
		Snapshot: *snap,
	}
	err := r.db.WithContext(ctx).Create(&row).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save strategy snapshot %s: %w", snap.Ref, err)
	}
	return nil
}

// Get returns a snapshot by ref. Returns ErrSnapshotNotFound if absent.
func (r *snapshotRepository) Get(ctx context.Context, ref string) (*strategy.Snapshot, error) {
	var row entities.StrategySnapshotRow
	if err := r.db.WithContext(ctx).First(&row, "ref = ?", ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get strategy snapshot %s: %w", ref, err)
	}
	snap := row.Snapshot
	return &snap, nil
}

// DeleteTakenBefore removes snapshots older than the retention horizon.
func (r *snapshotRepository) DeleteTakenBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("taken_at < ?", before).
		Delete(&entities.StrategySnapshotRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old strategy snapshots: %w", result.Error)
	}
	return result.RowsAffected, nil
}
