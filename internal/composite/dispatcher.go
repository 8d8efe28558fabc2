// Package composite turns alert transitions into parent action tasks. For
// each transition it reads the alert's strategy snapshot, selects the action
// relations declaring the transition's signal, and submits one parent spec
// per relation. No execution happens here.
package composite

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelmon/kestrel-go/internal/action"
	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/datastore/repository"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// GroupResolver resolves a user group name to its ordered receiver list.
type GroupResolver interface {
	Resolve(ctx context.Context, group string) ([]string, error)
}

// TaskSink receives parent specs. The converger sits behind this interface.
type TaskSink interface {
	Submit(ctx context.Context, spec *action.Spec)
}

// Dispatcher implements the builder's observer.
type Dispatcher struct {
	snaps  strategy.SnapshotStore
	cfgs   repository.ActionConfigRepository
	repo   repository.ActionRepository
	groups GroupResolver
	sink   TaskSink
	log    logger.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	snaps strategy.SnapshotStore,
	cfgs repository.ActionConfigRepository,
	repo repository.ActionRepository,
	groups GroupResolver,
	sink TaskSink,
	log logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		snaps:  snaps,
		cfgs:   cfgs,
		repo:   repo,
		groups: groups,
		sink:   sink,
		log:    log.With(logger.String("component", "dispatcher")),
	}
}

// OnTransition fans a transition out into one parent spec per matching
// relation of the alert's snapshot.
func (d *Dispatcher) OnTransition(ctx context.Context, tr alert.Transition) {
	snap, ok := d.snapshot(ctx, tr.Alert)
	if !ok {
		return
	}
	generation := uuid.NewString()
	for i := range snap.Strategy.Relations {
		rel := snap.Strategy.Relations[i]
		if !rel.HasSignal(tr.Signal) {
			continue
		}
		spec := d.buildSpec(ctx, tr.Alert, tr.Signal, &rel, generation)
		d.sink.Submit(ctx, spec)
	}
}

// EmitUpgrades re-notifies long-running unacked alerts. For each relation
// with upgrade enabled, once the notice interval has elapsed since the last
// parent task, the receiver set is widened through the upgrade chain and a
// new parent is submitted with the upgrade signal.
func (d *Dispatcher) EmitUpgrades(ctx context.Context, now time.Time, open []*alert.Alert) {
	for _, a := range open {
		if a.Acked || a.IsShielded {
			continue
		}
		snap, ok := d.snapshot(ctx, a)
		if !ok {
			continue
		}
		for i := range snap.Strategy.Relations {
			rel := snap.Strategy.Relations[i]
			if !rel.Options.UpgradeEnabled || rel.Options.NoticeInterval <= 0 {
				continue
			}
			if !d.upgradeDue(ctx, a, &rel, now) {
				continue
			}
			spec := d.buildSpec(ctx, a, strategy.SignalUpgrade, &rel, uuid.NewString())
			spec.Receivers = d.resolveGroups(ctx, upgradeGroups(a, &rel, now))
			d.sink.Submit(ctx, spec)
		}
	}
}

func (d *Dispatcher) upgradeDue(ctx context.Context, a *alert.Alert, rel *strategy.ActionRelation, now time.Time) bool {
	last, err := d.repo.LatestParent(ctx, a.ID, rel.ID)
	if errors.Is(err, repository.ErrActionNotFound) {
		// Nothing sent yet; the base notice must go out first.
		return false
	}
	if err != nil {
		d.log.Error("failed to look up last parent task",
			logger.String("alert_id", a.ID), logger.Error(err))
		return false
	}
	return now.Sub(last.CreatedAt) >= rel.Options.NoticeInterval
}

// upgradeGroups widens the relation's groups with every chain step whose
// interval count has elapsed since the alert opened.
func upgradeGroups(a *alert.Alert, rel *strategy.ActionRelation, now time.Time) []string {
	groups := append([]string(nil), rel.UserGroups...)
	elapsed := int(now.Sub(a.FirstEventAt) / rel.Options.NoticeInterval)
	for _, step := range rel.Options.UpgradeChain {
		if step.AfterIntervals <= elapsed {
			groups = append(groups, step.UserGroups...)
		}
	}
	return groups
}

func (d *Dispatcher) buildSpec(ctx context.Context, a *alert.Alert, sig strategy.Signal, rel *strategy.ActionRelation, generation string) *action.Spec {
	spec := &action.Spec{
		AlertID:        a.ID,
		AlertIDs:       []string{a.ID},
		Alert:          a,
		Signal:         sig,
		StrategyID:     a.StrategyID,
		Severity:       a.Severity,
		Relation:       *rel,
		ConfigRef:      rel.ConfigRef,
		GenerationUUID: generation,
		Receivers:      d.resolveGroups(ctx, rel.UserGroups),
		Followed:       rel.UserType == "follower",
	}
	if cfg, err := d.cfgs.Get(ctx, rel.ConfigRef); err == nil {
		spec.PluginKind = strategy.PluginKind(cfg.PluginKind)
	} else {
		d.log.Error("failed to load action config",
			logger.Int64("config_ref", rel.ConfigRef), logger.Error(err))
	}
	return spec
}

// resolveGroups flattens group memberships in order, dropping duplicates.
func (d *Dispatcher) resolveGroups(ctx context.Context, groups []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, g := range groups {
		members, err := d.groups.Resolve(ctx, g)
		if err != nil {
			d.log.Warn("failed to resolve user group",
				logger.String("group", g), logger.Error(err))
			continue
		}
		for _, m := range members {
			if _, dup := seen[m]; dup || m == "" {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func (d *Dispatcher) snapshot(ctx context.Context, a *alert.Alert) (*strategy.Snapshot, bool) {
	if a == nil || a.SnapshotRef == "" {
		return nil, false
	}
	snap, err := d.snaps.Get(ctx, a.SnapshotRef)
	if err != nil {
		d.log.Error("failed to load strategy snapshot",
			logger.String("alert_id", a.ID),
			logger.String("snapshot_ref", a.SnapshotRef),
			logger.Error(err))
		return nil, false
	}
	return snap, true
}
