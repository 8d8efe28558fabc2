package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
)

// convergeRepository implements ConvergeRepository.
type convergeRepository struct {
	db *gorm.DB
}

// NewConvergeRepository creates a new ConvergeRepository.
func NewConvergeRepository(db *gorm.DB) ConvergeRepository {
	return &convergeRepository{db: db}
}

// Create inserts a new window instance.
func (r *convergeRepository) Create(ctx context.Context, rec *entities.ConvergeRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create converge record: %w", err)
	}
	return nil
}

// GetOpen returns the latest non-closed instance for a converge key.
func (r *convergeRepository) GetOpen(ctx context.Context, convergeKey string) (*entities.ConvergeRecord, error) {
	var rec entities.ConvergeRecord
	err := r.db.WithContext(ctx).
		Where("converge_key = ? AND status <> ?", convergeKey, entities.ConvergeStatusClosed).
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConvergeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open converge record for %s: %w", convergeKey, err)
	}
	return &rec, nil
}

// Save writes the record back under its read version.
func (r *convergeRepository) Save(ctx context.Context, rec *entities.ConvergeRecord) error {
	readVersion := rec.Version
	rec.Version = readVersion + 1
	result := r.db.WithContext(ctx).Model(&entities.ConvergeRecord{}).
		Where("id = ? AND version = ?", rec.ID, readVersion).
		Select("status", "related_ids", "window_end", "version").
		Updates(rec)
	if result.Error != nil {
		rec.Version = readVersion
		return fmt.Errorf("failed to save converge record %d: %w", rec.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		rec.Version = readVersion
		return fmt.Errorf("converge record %d: %w", rec.ID, ErrStaleVersion)
	}
	return nil
}

// CloseExpired closes every open instance whose window ended before now.
func (r *convergeRepository) CloseExpired(ctx context.Context, now time.Time) ([]entities.ConvergeRecord, error) {
	var expired []entities.ConvergeRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status <> ? AND window_end <= ?", entities.ConvergeStatusClosed, now).
			Find(&expired).Error; err != nil {
			return fmt.Errorf("failed to list expired converge records: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(expired))
		for i := range expired {
			ids = append(ids, expired[i].ID)
		}
		if err := tx.Model(&entities.ConvergeRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":  entities.ConvergeStatusClosed,
				"version": gorm.Expr("version + 1"),
			}).Error; err != nil {
			return fmt.Errorf("failed to close expired converge records: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// DeleteClosedBefore removes closed instances older than the horizon.
func (r *convergeRepository) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND window_end < ?", entities.ConvergeStatusClosed, before).
		Delete(&entities.ConvergeRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete closed converge records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
