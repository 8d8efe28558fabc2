package repository

import (
	"context"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
)

// ConvergeRepository persists converge window instances.
type ConvergeRepository interface {
	Create(ctx context.Context, rec *entities.ConvergeRecord) error
	// GetOpen returns the latest non-closed instance for a converge key,
	// or ErrConvergeNotFound.
	GetOpen(ctx context.Context, convergeKey string) (*entities.ConvergeRecord, error)
	// Save writes the record back under its read version.
	Save(ctx context.Context, rec *entities.ConvergeRecord) error
	// CloseExpired closes instances whose window end has passed and
	// returns them so the converger can release held tasks.
	CloseExpired(ctx context.Context, now time.Time) ([]entities.ConvergeRecord, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}
