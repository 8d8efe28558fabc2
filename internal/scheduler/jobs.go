package scheduler

import (
	"context"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/action"
	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/composite"
	"github.com/kestrelmon/kestrel-go/internal/conf"
	"github.com/kestrelmon/kestrel-go/internal/converge"
	"github.com/kestrelmon/kestrel-go/internal/datastore/repository"
	"github.com/kestrelmon/kestrel-go/internal/index"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/shield"
)

// Deps collects the components the standard job set drives.
type Deps struct {
	Builder    *alert.Builder
	Matcher    *shield.Matcher
	Dispatcher *composite.Dispatcher
	Converger  *converge.Converger
	Runtime    *action.Runtime

	Shields   repository.ShieldRepository
	Actions   repository.ActionRepository
	Converges repository.ConvergeRepository
	Snapshots repository.SnapshotRepository
	Index     *index.Index

	Settings *conf.Settings
	Log      logger.Logger
}

// StandardJobs builds the pipeline's periodic job set from the settings.
func StandardJobs(d Deps) []Job {
	s := d.Settings
	return []Job{
		{
			Name:     "detect_tick",
			Interval: s.Detect.TickInterval.Std(),
			Run: func(ctx context.Context) error {
				d.Builder.Tick(ctx, time.Now())
				return nil
			},
		},
		{
			Name:     "shield_refresh",
			Interval: s.Shield.RefreshInterval.Std(),
			Run:      d.shieldRefresh,
		},
		{
			Name:     "action_poll",
			Interval: s.Action.PollInterval.Std(),
			Run: func(ctx context.Context) error {
				now := time.Now()
				d.Converger.Tick(ctx, now)
				if _, err := d.Runtime.RunDue(ctx, now, s.Action.QueueSize); err != nil {
					return err
				}
				d.Runtime.ExpireOverdueParents(ctx, now)
				return nil
			},
		},
		{
			Name:     "upgrade_emit",
			Interval: time.Minute,
			Run: func(ctx context.Context) error {
				d.Dispatcher.EmitUpgrades(ctx, time.Now(), d.Builder.OpenAlerts())
				return nil
			},
		},
		{
			Name:     "retention_sweep",
			Interval: s.Retention.SweepInterval.Std(),
			Run:      d.retentionSweep,
		},
	}
}

// shieldRefresh reloads the active rule set, drops expired rules, and
// re-evaluates every open alert, so shield decisions converge within one
// tick of any change.
func (d Deps) shieldRefresh(ctx context.Context) error {
	now := time.Now()
	if _, err := d.Shields.DeleteExpiredBefore(ctx, now); err != nil {
		return err
	}
	if err := d.Matcher.Refresh(ctx); err != nil {
		return err
	}
	for _, a := range d.Builder.OpenAlerts() {
		ids := d.Matcher.Match(a, now)
		if err := d.Builder.SetShielded(ctx, a.ID, len(ids) > 0, ids); err != nil {
			d.Log.Warn("failed to update shield flag",
				logger.String("alert_id", a.ID), logger.Error(err))
		}
	}
	return nil
}

// retentionSweep drops records past the retention horizon across the
// operational store and the document index.
func (d Deps) retentionSweep(ctx context.Context) error {
	horizon := time.Now().AddDate(0, 0, -d.Settings.Retention.Days)

	actions, err := d.Actions.DeleteEndedBefore(ctx, horizon)
	if err != nil {
		return err
	}
	converges, err := d.Converges.DeleteClosedBefore(ctx, horizon)
	if err != nil {
		return err
	}
	snapshots, err := d.Snapshots.DeleteTakenBefore(ctx, horizon)
	if err != nil {
		return err
	}
	docs, err := d.Index.DeleteOlderThan(ctx, horizon)
	if err != nil {
		return err
	}
	d.Log.Info("retention sweep finished",
		logger.Int64("actions", actions),
		logger.Int64("converges", converges),
		logger.Int64("snapshots", snapshots),
		logger.Int64("documents", docs))
	return nil
}
