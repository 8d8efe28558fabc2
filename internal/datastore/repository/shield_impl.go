package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/shield"
)

// ShieldRepository persists shield rules and serves the matcher's active set.
type ShieldRepository interface {
	shield.RuleSource
	Save(ctx context.Context, rule *shield.Rule, enabled bool) error
	Get(ctx context.Context, id int64) (*shield.Rule, error)
	Delete(ctx context.Context, id int64) error
	// DeleteExpiredBefore removes rules whose validity span ended before
	// the horizon.
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// shieldRepository implements ShieldRepository.
type shieldRepository struct {
	db *gorm.DB
}

// NewShieldRepository creates a new ShieldRepository.
func NewShieldRepository(db *gorm.DB) ShieldRepository {
	return &shieldRepository{db: db}
}

// ListActive implements shield.RuleSource: enabled rules whose validity span
// covers now.
func (r *shieldRepository) ListActive(ctx context.Context, now time.Time) ([]shield.Rule, error) {
	var rows []entities.ShieldRuleRow
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND begin_at <= ? AND end_at > ?", true, now, now).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list active shield rules: %w", err)
	}
	rules := make([]shield.Rule, 0, len(rows))
	for i := range rows {
		rules = append(rules, rows[i].Rule)
	}
	return rules, nil
}

// Save upserts a rule by id.
func (r *shieldRepository) Save(ctx context.Context, rule *shield.Rule, enabled bool) error {
	row := entities.ShieldRuleRow{
		ID:       rule.ID,
		BizID:    rule.BizID,
		Category: string(rule.Category),
		Rule:     *rule,
		Begin:    rule.Begin,
		End:      rule.End,
		Enabled:  enabled,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save shield rule %d: %w", rule.ID, err)
	}
	return nil
}

// Get returns a rule by id. Returns ErrShieldRuleNotFound if absent.
func (r *shieldRepository) Get(ctx context.Context, id int64) (*shield.Rule, error) {
	var row entities.ShieldRuleRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrShieldRuleNotFound
		}
		return nil, fmt.Errorf("failed to get shield rule %d: %w", id, err)
	}
	return &row.Rule, nil
}

// Delete removes a rule.
func (r *shieldRepository) Delete(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&entities.ShieldRuleRow{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete shield rule %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrShieldRuleNotFound
	}
	return nil
}

// DeleteExpiredBefore removes rules that ended before the horizon.
func (r *shieldRepository) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("end_at < ?", before).
		Delete(&entities.ShieldRuleRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired shield rules: %w", result.Error)
	}
	return result.RowsAffected, nil
}
