package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
)

// actionRepository implements ActionRepository.
type actionRepository struct {
	db *gorm.DB
}

// NewActionRepository creates a new ActionRepository.
func NewActionRepository(db *gorm.DB) ActionRepository {
	return &actionRepository{db: db}
}

// CreateTask inserts one task.
func (r *actionRepository) CreateTask(ctx context.Context, task *entities.ActionInstance) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create action task: %w", err)
	}
	return nil
}

// CreateTasks inserts a parent and its sub tasks atomically, so a crash never
// leaves a parent without its children.
func (r *actionRepository) CreateTasks(ctx context.Context, tasks []*entities.ActionInstance) error {
	if len(tasks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, task := range tasks {
			if err := tx.Create(task).Error; err != nil {
				return fmt.Errorf("failed to create action task %s: %w", task.ID, err)
			}
		}
		return nil
	})
}

// GetTask returns a task by id. Returns ErrActionNotFound if absent.
func (r *actionRepository) GetTask(ctx context.Context, id string) (*entities.ActionInstance, error) {
	var task entities.ActionInstance
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActionNotFound
		}
		return nil, fmt.Errorf("failed to get action task %s: %w", id, err)
	}
	return &task, nil
}

// SaveTask writes the task back under its read version. Select("*") forces
// zero-value columns through, so a cleared failure_msg actually clears.
func (r *actionRepository) SaveTask(ctx context.Context, task *entities.ActionInstance) error {
	readVersion := task.Version
	task.Version = readVersion + 1
	result := r.db.WithContext(ctx).Model(&entities.ActionInstance{}).
		Where("id = ? AND version = ?", task.ID, readVersion).
		Select("*").Updates(task)
	if result.Error != nil {
		task.Version = readVersion
		return fmt.Errorf("failed to save action task %s: %w", task.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		task.Version = readVersion
		return fmt.Errorf("action task %s: %w", task.ID, ErrStaleVersion)
	}
	return nil
}

// ListByParent returns the sub tasks of a parent, oldest first.
func (r *actionRepository) ListByParent(ctx context.Context, parentID string) ([]entities.ActionInstance, error) {
	var tasks []entities.ActionInstance
	if err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at ASC, id ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list sub tasks of %s: %w", parentID, err)
	}
	return tasks, nil
}

// LatestParent returns the newest parent task for the alert/relation pair.
func (r *actionRepository) LatestParent(ctx context.Context, alertID string, relationID int64) (*entities.ActionInstance, error) {
	var task entities.ActionInstance
	if err := r.db.WithContext(ctx).
		Where("alert_id = ? AND relation_id = ? AND parent_id = ''", alertID, relationID).
		Order("created_at DESC, id DESC").
		First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActionNotFound
		}
		return nil, fmt.Errorf("failed to get latest parent for alert %s: %w", alertID, err)
	}
	return &task, nil
}

// ListByConvergeKey returns tasks under the key created at or after since.
func (r *actionRepository) ListByConvergeKey(ctx context.Context, key string, since time.Time) ([]entities.ActionInstance, error) {
	var tasks []entities.ActionInstance
	if err := r.db.WithContext(ctx).
		Where("converge_key = ? AND created_at >= ?", key, since).
		Order("created_at ASC, id ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks by converge key: %w", err)
	}
	return tasks, nil
}

// ListDue returns runnable tasks whose next run time has passed.
func (r *actionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]entities.ActionInstance, error) {
	var tasks []entities.ActionInstance
	query := r.db.WithContext(ctx).
		Where("status IN ? AND next_run_at <= ? AND is_parent = ?",
			entities.ActionLiveStatuses, now, false).
		Order("next_run_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list due action tasks: %w", err)
	}
	return tasks, nil
}

// ListByStatus returns tasks in the given status, oldest first.
func (r *actionRepository) ListByStatus(ctx context.Context, status string, limit int) ([]entities.ActionInstance, error) {
	var tasks []entities.ActionInstance
	query := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s action tasks: %w", status, err)
	}
	return tasks, nil
}

// DeleteEndedBefore removes terminal tasks older than the horizon.
func (r *actionRepository) DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND ended_at < ?",
			entities.ActionTerminalStatuses, before).
		Delete(&entities.ActionInstance{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete ended action tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
