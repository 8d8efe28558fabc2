package repository

import (
	"context"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
)

// ActionRepository handles action instance persistence for the runtime.
type ActionRepository interface {
	// CreateTask inserts one task.
	CreateTask(ctx context.Context, task *entities.ActionInstance) error
	// CreateTasks inserts a parent and its sub tasks in one transaction.
	CreateTasks(ctx context.Context, tasks []*entities.ActionInstance) error
	GetTask(ctx context.Context, id string) (*entities.ActionInstance, error)

	// SaveTask writes the task back, guarded by the version it was read
	// at. Returns ErrStaleVersion on a lost race.
	SaveTask(ctx context.Context, task *entities.ActionInstance) error

	ListByParent(ctx context.Context, parentID string) ([]entities.ActionInstance, error)
	// LatestParent returns the newest parent task of the alert/relation
	// pair, or ErrActionNotFound when the relation never fired.
	LatestParent(ctx context.Context, alertID string, relationID int64) (*entities.ActionInstance, error)
	// ListByConvergeKey returns tasks under the converge key created at or
	// after since, oldest first.
	ListByConvergeKey(ctx context.Context, key string, since time.Time) ([]entities.ActionInstance, error)
	// ListDue returns non-terminal tasks whose next run time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]entities.ActionInstance, error)
	// ListByStatus returns tasks in the given status, oldest first.
	ListByStatus(ctx context.Context, status string, limit int) ([]entities.ActionInstance, error)

	// DeleteEndedBefore removes terminal tasks older than the horizon and
	// returns the number deleted.
	DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error)
}

// ActionFilter controls action listing queries.
type ActionFilter struct {
	AlertID string
	Status  string
	Limit   int
}
