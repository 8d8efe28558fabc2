package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
)

// ActionConfigRepository handles the reusable action definitions.
type ActionConfigRepository interface {
	Get(ctx context.Context, id int64) (*entities.ActionConfig, error)
	List(ctx context.Context, bizID int) ([]entities.ActionConfig, error)
	Create(ctx context.Context, cfg *entities.ActionConfig) error
	// Update writes the config back under the version it was read at.
	Update(ctx context.Context, cfg *entities.ActionConfig) error
	Delete(ctx context.Context, id int64) error
}

// actionConfigRepository implements ActionConfigRepository.
type actionConfigRepository struct {
	db *gorm.DB
}

// NewActionConfigRepository creates a new ActionConfigRepository.
func NewActionConfigRepository(db *gorm.DB) ActionConfigRepository {
	return &actionConfigRepository{db: db}
}

// Get returns a config by id. Returns ErrActionConfigNotFound if absent.
func (r *actionConfigRepository) Get(ctx context.Context, id int64) (*entities.ActionConfig, error) {
	var cfg entities.ActionConfig
	if err := r.db.WithContext(ctx).First(&cfg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActionConfigNotFound
		}
		return nil, fmt.Errorf("failed to get action config %d: %w", id, err)
	}
	return &cfg, nil
}

// List returns the configs of a business, id ascending.
func (r *actionConfigRepository) List(ctx context.Context, bizID int) ([]entities.ActionConfig, error) {
	var cfgs []entities.ActionConfig
	query := r.db.WithContext(ctx)
	if bizID > 0 {
		query = query.Where("biz_id = ?", bizID)
	}
	if err := query.Order("id ASC").Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list action configs: %w", err)
	}
	return cfgs, nil
}

// Create inserts a new config.
func (r *actionConfigRepository) Create(ctx context.Context, cfg *entities.ActionConfig) error {
	if err := r.db.WithContext(ctx).Create(cfg).Error; err != nil {
		return fmt.Errorf("failed to create action config: %w", err)
	}
	return nil
}

// Update writes the config back; a concurrent edit of the same base version
// loses with ErrStaleVersion.
func (r *actionConfigRepository) Update(ctx context.Context, cfg *entities.ActionConfig) error {
	readVersion := cfg.Version
	cfg.Version = readVersion + 1
	result := r.db.WithContext(ctx).Model(&entities.ActionConfig{}).
		Where("id = ? AND version = ?", cfg.ID, readVersion).
		Select("*").Updates(cfg)
	if result.Error != nil {
		cfg.Version = readVersion
		return fmt.Errorf("failed to update action config %d: %w", cfg.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		cfg.Version = readVersion
		return fmt.Errorf("action config %d: %w", cfg.ID, ErrStaleVersion)
	}
	return nil
}

// Delete removes a config.
func (r *actionConfigRepository) Delete(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&entities.ActionConfig{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete action config %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrActionConfigNotFound
	}
	return nil
}
