package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/event"
)

func setupIndex(t *testing.T) *Index {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	require.NoError(t, err, "failed to open in-memory database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ix := New(db)
	require.NoError(t, ix.Migrate())
	return ix
}

func indexedAlert(id, fp string, lastEvent time.Time) *alert.Alert {
	return &alert.Alert{
		ID:           id,
		Fingerprint:  fp,
		StrategyID:   100,
		Severity:     event.SeverityWarning,
		Status:       alert.StatusAbnormal,
		FirstEventAt: lastEvent.Add(-time.Minute),
		LastEventAt:  lastEvent,
		EventCount:   3,
		Dimensions:   map[string]string{event.DimHostID: "42"},
		UpdatedAt:    lastEvent,
	}
}

func TestUpsertAlertReplacesByID(t *testing.T) {
	ix := setupIndex(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := indexedAlert("a-1", "fp-1", at)
	require.NoError(t, ix.UpsertAlert(ctx, a))

	a.EventCount = 5
	a.Status = alert.StatusRecovering
	require.NoError(t, ix.UpsertAlert(ctx, a))

	docs, err := ix.MGetAlerts(ctx, []string{"a-1", "missing"})
	require.NoError(t, err)
	require.Len(t, docs, 1, "missing ids are absent, not errors")
	assert.EqualValues(t, 5, docs[0].EventCount)
	assert.Equal(t, "recovering", docs[0].Status)
	assert.Equal(t, "42", docs[0].Dimensions[event.DimHostID])
}

func TestBulkUpsertAndSearch(t *testing.T) {
	ix := setupIndex(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	docs := []AlertDocument{
		alertDoc(indexedAlert("a-1", "fp-1", base.Add(1*time.Hour))),
		alertDoc(indexedAlert("a-2", "fp-1", base.Add(2*time.Hour))),
		alertDoc(indexedAlert("a-3", "fp-2", base.Add(3*time.Hour))),
	}
	require.NoError(t, ix.BulkUpsertAlerts(ctx, docs))

	byFP, err := ix.SearchByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.Len(t, byFP, 2)
	assert.Equal(t, "a-2", byFP[0].AlertID, "newest first")

	inRange, err := ix.SearchByTimeRange(ctx, base.Add(90*time.Minute), base.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, inRange, 2)
	assert.Equal(t, "a-3", inRange[0].AlertID)
}

func TestAppendLogKeepsOrder(t *testing.T) {
	ix := setupIndex(t)
	ctx := context.Background()
	at := time.Now()

	ops := []alert.OpType{alert.OpCreate, alert.OpAction, alert.OpRecover}
	for i, op := range ops {
		require.NoError(t, ix.AppendLog(ctx, &alert.LogEntry{
			AlertID: "a-1", Op: op, At: at.Add(time.Duration(i) * time.Second),
		}))
	}

	logs, err := ix.Logs(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, op := range ops {
		assert.Equal(t, string(op), logs[i].Op)
	}
}

func TestUpsertActionDocProjectsInstance(t *testing.T) {
	ix := setupIndex(t)
	ctx := context.Background()

	inst := &entities.ActionInstance{
		ID: "t-9", AlertID: "a-9", Signal: "abnormal", PluginKind: "notify",
		Status: entities.ActionStatusFailure, Receiver: "alice", NoticeWay: "mail",
		FailureMsg: "no such mailbox", EndedAt: time.Now(),
	}
	require.NoError(t, ix.UpsertActionDoc(ctx, inst))

	inst.Status = entities.ActionStatusSuccess
	inst.FailureMsg = ""
	require.NoError(t, ix.UpsertActionDoc(ctx, inst))

	got, err := ix.ActionsByAlert(ctx, "a-9")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entities.ActionStatusSuccess, got[0].Status)
	assert.Empty(t, got[0].FailureMsg)
	assert.Equal(t, "mail", got[0].NoticeWay)
}

func TestActionDocuments(t *testing.T) {
	ix := setupIndex(t)
	ctx := context.Background()

	doc := &ActionDocument{
		TaskID: "t-1", AlertID: "a-1", Signal: "abnormal",
		PluginKind: "notify", Status: "running", Receiver: "alice", NoticeWay: "mail",
	}
	require.NoError(t, ix.UpsertAction(ctx, doc))

	doc.Status = "success"
	doc.EndedAt = time.Now()
	require.NoError(t, ix.UpsertAction(ctx, doc))

	got, err := ix.ActionsByAlert(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "success", got[0].Status)
}

func TestDeleteOlderThanSparesOpenAlerts(t *testing.T) {
	ix := setupIndex(t)
	ctx := context.Background()
	old := time.Now().Add(-72 * time.Hour)

	stale := indexedAlert("a-old", "fp-1", old)
	stale.Status = alert.StatusRecovered
	stale.UpdatedAt = old
	open := indexedAlert("a-open", "fp-2", old)
	open.UpdatedAt = old
	require.NoError(t, ix.BulkUpsertAlerts(ctx, []AlertDocument{alertDoc(stale), alertDoc(open)}))
	require.NoError(t, ix.AppendLog(ctx, &alert.LogEntry{AlertID: "a-old", Op: alert.OpCreate, At: old}))

	_, err := ix.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)

	left, err := ix.MGetAlerts(ctx, []string{"a-old", "a-open"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a-open", left[0].AlertID, "open alerts never age out")
}
