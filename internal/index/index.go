package index

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
)

// Index reads and writes the document tables.
type Index struct {
	db *gorm.DB
}

// New creates an Index over the given database.
func New(db *gorm.DB) *Index {
	return &Index{db: db}
}

// Migrate creates or updates the document tables.
func (ix *Index) Migrate() error {
	if err := ix.db.AutoMigrate(
		&AlertDocument{},
		&AlertLogDocument{},
		&ActionDocument{},
	); err != nil {
		return fmt.Errorf("failed to migrate index schema: %w", err)
	}
	return nil
}

// UpsertAlert projects one alert into its document. Implements the builder's
// sink.
func (ix *Index) UpsertAlert(ctx context.Context, a *alert.Alert) error {
	return ix.BulkUpsertAlerts(ctx, []AlertDocument{alertDoc(a)})
}

// AppendLog writes one flow log row. Implements the builder's sink.
func (ix *Index) AppendLog(ctx context.Context, entry *alert.LogEntry) error {
	doc := AlertLogDocument{
		AlertID:     entry.AlertID,
		Op:          string(entry.Op),
		At:          entry.At,
		Description: entry.Description,
		EventID:     entry.EventID,
		Operator:    entry.Operator,
	}
	if err := ix.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return fmt.Errorf("failed to append alert log for %s: %w", entry.AlertID, err)
	}
	return nil
}

// BulkUpsertAlerts writes a batch of alert documents, replacing existing rows
// by alert id.
func (ix *Index) BulkUpsertAlerts(ctx context.Context, docs []AlertDocument) error {
	if len(docs) == 0 {
		return nil
	}
	if err := ix.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "alert_id"}},
			UpdateAll: true,
		}).
		Create(&docs).Error; err != nil {
		return fmt.Errorf("failed to bulk upsert %d alert docs: %w", len(docs), err)
	}
	return nil
}

// MGetAlerts returns the documents for the given alert ids; missing ids are
// simply absent from the result.
func (ix *Index) MGetAlerts(ctx context.Context, ids []string) ([]AlertDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var docs []AlertDocument
	if err := ix.db.WithContext(ctx).
		Where("alert_id IN ?", ids).
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to mget alert docs: %w", err)
	}
	return docs, nil
}

// SearchByFingerprint returns every alert document with the fingerprint,
// newest first.
func (ix *Index) SearchByFingerprint(ctx context.Context, fingerprint string) ([]AlertDocument, error) {
	var docs []AlertDocument
	if err := ix.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order("last_event_at DESC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to search alert docs by fingerprint: %w", err)
	}
	return docs, nil
}

// SearchByTimeRange returns alerts whose last event falls in [from, to),
// newest first.
func (ix *Index) SearchByTimeRange(ctx context.Context, from, to time.Time) ([]AlertDocument, error) {
	var docs []AlertDocument
	if err := ix.db.WithContext(ctx).
		Where("last_event_at >= ? AND last_event_at < ?", from, to).
		Order("last_event_at DESC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to search alert docs by time range: %w", err)
	}
	return docs, nil
}

// Logs returns an alert's flow log in append order.
func (ix *Index) Logs(ctx context.Context, alertID string) ([]AlertLogDocument, error) {
	var docs []AlertLogDocument
	if err := ix.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("id ASC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to list alert logs for %s: %w", alertID, err)
	}
	return docs, nil
}

// UpsertActionDoc projects one task row into its document. Implements the
// runtime's sink.
func (ix *Index) UpsertActionDoc(ctx context.Context, inst *entities.ActionInstance) error {
	return ix.UpsertAction(ctx, &ActionDocument{
		TaskID:     inst.ID,
		ParentID:   inst.ParentID,
		AlertID:    inst.AlertID,
		Signal:     inst.Signal,
		PluginKind: inst.PluginKind,
		Status:     inst.Status,
		Receiver:   inst.Receiver,
		NoticeWay:  inst.NoticeWay,
		Content:    inst.Content,
		FailureMsg: inst.FailureMsg,
		EndedAt:    inst.EndedAt,
	})
}

// UpsertAction writes one action document, replacing by task id.
func (ix *Index) UpsertAction(ctx context.Context, doc *ActionDocument) error {
	if err := ix.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			UpdateAll: true,
		}).
		Create(doc).Error; err != nil {
		return fmt.Errorf("failed to upsert action doc %s: %w", doc.TaskID, err)
	}
	return nil
}

// ActionsByAlert returns the action documents of one alert, oldest first.
func (ix *Index) ActionsByAlert(ctx context.Context, alertID string) ([]ActionDocument, error) {
	var docs []ActionDocument
	if err := ix.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("task_id ASC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to list action docs for %s: %w", alertID, err)
	}
	return docs, nil
}

// DeleteOlderThan removes documents not touched since the horizon and
// returns the number of rows removed across tables.
func (ix *Index) DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	var total int64
	db := ix.db.WithContext(ctx)

	res := db.Where("updated_at < ? AND status IN ?", horizon,
		[]string{string(alert.StatusRecovered), string(alert.StatusClosed)}).
		Delete(&AlertDocument{})
	if res.Error != nil {
		return total, fmt.Errorf("failed to sweep alert docs: %w", res.Error)
	}
	total += res.RowsAffected

	res = db.Where("at < ?", horizon).Delete(&AlertLogDocument{})
	if res.Error != nil {
		return total, fmt.Errorf("failed to sweep alert log docs: %w", res.Error)
	}
	total += res.RowsAffected

	res = db.Where("updated_at < ? AND status IN ?", horizon,
		[]string{"success", "failure", "partial", "skipped", "shield", "expired"}).
		Delete(&ActionDocument{})
	if res.Error != nil {
		return total, fmt.Errorf("failed to sweep action docs: %w", res.Error)
	}
	total += res.RowsAffected
	return total, nil
}

func alertDoc(a *alert.Alert) AlertDocument {
	return AlertDocument{
		AlertID:      a.ID,
		Fingerprint:  a.Fingerprint,
		StrategyID:   a.StrategyID,
		Severity:     int(a.Severity),
		Status:       string(a.Status),
		FirstEventAt: a.FirstEventAt,
		LastEventAt:  a.LastEventAt,
		EventCount:   a.EventCount,
		Dimensions:   a.Dimensions,
		Assignees:    a.Assignees,
		Appointees:   a.Appointees,
		Acked:        a.Acked,
		IsShielded:   a.IsShielded,
		ShieldIDs:    a.ShieldIDs,
		SnapshotRef:  a.SnapshotRef,
		UpdatedAt:    a.UpdatedAt,
	}
}
