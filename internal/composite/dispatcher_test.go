package composite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/kestrelmon/kestrel-go/internal/action"
	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/datastore/repository"
	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

type memSink struct {
	mu    sync.Mutex
	specs []*action.Spec
}

func (s *memSink) Submit(_ context.Context, spec *action.Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
}

type staticSnaps struct {
	snaps map[string]*strategy.Snapshot
}

func (s *staticSnaps) Save(_ context.Context, snap *strategy.Snapshot) error {
	s.snaps[snap.Ref] = snap
	return nil
}

func (s *staticSnaps) Get(_ context.Context, ref string) (*strategy.Snapshot, error) {
	snap, ok := s.snaps[ref]
	if !ok {
		return nil, repository.ErrSnapshotNotFound
	}
	return snap, nil
}

type staticGroups struct {
	members map[string][]string
}

func (g *staticGroups) Resolve(_ context.Context, group string) ([]string, error) {
	return g.members[group], nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	sink       *memSink
	snaps      *staticSnaps
	repo       repository.ActionRepository
	cfgs       repository.ActionConfigRepository
}

func setupDispatcher(t *testing.T) *dispatcherFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_foreign_keys=ON"), &gorm.Config{
		Logger:         gorm_logger.Default.LogMode(gorm_logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "failed to open in-memory database")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&entities.ActionInstance{}, &entities.ActionConfig{}))

	repo := repository.NewActionRepository(db)
	cfgs := repository.NewActionConfigRepository(db)
	require.NoError(t, cfgs.Create(context.Background(), &entities.ActionConfig{
		ID: 10, Name: "mail on-call", BizID: 2, PluginKind: "notify",
		ExecuteConfig: `{"notice_ways":["mail"]}`,
	}))

	sink := &memSink{}
	snaps := &staticSnaps{snaps: make(map[string]*strategy.Snapshot)}
	groups := &staticGroups{members: map[string][]string{
		"on-call":  {"alice", "bob"},
		"managers": {"carol"},
	}}
	d := NewDispatcher(snaps, cfgs, repo, groups, sink, logger.NewNop())
	return &dispatcherFixture{dispatcher: d, sink: sink, snaps: snaps, repo: repo, cfgs: cfgs}
}

func snapshotWith(relations ...strategy.ActionRelation) *strategy.Snapshot {
	return &strategy.Snapshot{
		Ref:     "snap-1",
		TakenAt: time.Now(),
		Strategy: strategy.Strategy{
			ID: 100, Name: "disk usage", BizID: 2,
			Relations: relations,
		},
	}
}

func openAlert(id string) *alert.Alert {
	now := time.Now()
	return &alert.Alert{
		ID:           id,
		Fingerprint:  "fp-1",
		StrategyID:   100,
		Severity:     event.SeverityFatal,
		Status:       alert.StatusAbnormal,
		FirstEventAt: now.Add(-time.Hour),
		LastEventAt:  now,
		SnapshotRef:  "snap-1",
	}
}

func TestDispatchSelectsMatchingRelations(t *testing.T) {
	f := setupDispatcher(t)
	f.snaps.snaps["snap-1"] = snapshotWith(
		strategy.ActionRelation{
			ID: 1, Signals: []strategy.Signal{strategy.SignalAbnormal},
			ConfigRef: 10, UserGroups: []string{"on-call"},
		},
		strategy.ActionRelation{
			ID: 2, Signals: []strategy.Signal{strategy.SignalRecovered},
			ConfigRef: 10, UserGroups: []string{"on-call"},
		},
	)

	f.dispatcher.OnTransition(context.Background(), alert.Transition{
		Alert:  openAlert("a-1"),
		Signal: strategy.SignalAbnormal,
		At:     time.Now(),
	})

	require.Len(t, f.sink.specs, 1, "only the abnormal relation fires")
	spec := f.sink.specs[0]
	assert.EqualValues(t, 1, spec.Relation.ID)
	assert.Equal(t, strategy.PluginNotify, spec.PluginKind)
	assert.Equal(t, []string{"alice", "bob"}, spec.Receivers)
	assert.NotEmpty(t, spec.GenerationUUID)
}

func TestDispatchWithoutSnapshotIsNoop(t *testing.T) {
	f := setupDispatcher(t)
	a := openAlert("a-1")
	a.SnapshotRef = ""

	f.dispatcher.OnTransition(context.Background(), alert.Transition{
		Alert: a, Signal: strategy.SignalAbnormal, At: time.Now(),
	})
	assert.Empty(t, f.sink.specs)
}

func TestEmitUpgradesWidensReceivers(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	now := time.Now()
	f.snaps.snaps["snap-1"] = snapshotWith(strategy.ActionRelation{
		ID: 1, Signals: []strategy.Signal{strategy.SignalAbnormal},
		ConfigRef: 10, UserGroups: []string{"on-call"},
		Options: strategy.RelationOptions{
			NoticeInterval: 10 * time.Minute,
			UpgradeEnabled: true,
			UpgradeChain: []strategy.UpgradeStep{
				{AfterIntervals: 2, UserGroups: []string{"managers"}},
			},
		},
	})

	// A base notice went out 15 minutes ago.
	require.NoError(t, f.repo.CreateTask(ctx, &entities.ActionInstance{
		ID: "p-1", AlertID: "a-1", Signal: "abnormal", StrategyID: 100,
		RelationID: 1, ConfigRef: 10, PluginKind: "notify", IsParent: true,
		Status: entities.ActionStatusSuccess, CreatedAt: now.Add(-15 * time.Minute),
	}))

	f.dispatcher.EmitUpgrades(ctx, now, []*alert.Alert{openAlert("a-1")})

	require.Len(t, f.sink.specs, 1)
	spec := f.sink.specs[0]
	assert.Equal(t, strategy.SignalUpgrade, spec.Signal)
	assert.Equal(t, []string{"alice", "bob", "carol"}, spec.Receivers,
		"chain step past its interval count joins the receiver set")
}

func TestEmitUpgradesSkipsAckedAndShielded(t *testing.T) {
	f := setupDispatcher(t)
	f.snaps.snaps["snap-1"] = snapshotWith(strategy.ActionRelation{
		ID: 1, ConfigRef: 10, UserGroups: []string{"on-call"},
		Options: strategy.RelationOptions{
			NoticeInterval: time.Minute, UpgradeEnabled: true,
		},
	})

	acked := openAlert("a-1")
	acked.Acked = true
	shielded := openAlert("a-2")
	shielded.IsShielded = true

	f.dispatcher.EmitUpgrades(context.Background(), time.Now(), []*alert.Alert{acked, shielded})
	assert.Empty(t, f.sink.specs)
}

func TestEmitUpgradesWaitsForBaseNotice(t *testing.T) {
	f := setupDispatcher(t)
	f.snaps.snaps["snap-1"] = snapshotWith(strategy.ActionRelation{
		ID: 1, ConfigRef: 10, UserGroups: []string{"on-call"},
		Options: strategy.RelationOptions{
			NoticeInterval: time.Minute, UpgradeEnabled: true,
		},
	})

	f.dispatcher.EmitUpgrades(context.Background(), time.Now(), []*alert.Alert{openAlert("a-1")})
	assert.Empty(t, f.sink.specs, "no upgrade before the first parent task exists")
}
