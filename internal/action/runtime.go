package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/datastore/repository"
	"github.com/kestrelmon/kestrel-go/internal/faults"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/observability/metrics"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// AuditSink receives the flow-log entries and searchable task projections
// the runtime writes. Projections are eventually consistent with the
// operational store, never transactional with it.
type AuditSink interface {
	AppendLog(ctx context.Context, entry *alert.LogEntry) error
	UpsertActionDoc(ctx context.Context, inst *entities.ActionInstance) error
}

// RuntimeOptions tune the runtime's budgets.
type RuntimeOptions struct {
	// Workers bounds concurrent task executions per RunDue pass.
	Workers int
	// ExecTimeout is the per-attempt budget of one plugin call.
	ExecTimeout time.Duration
	// ParentBudget is the wall-clock budget of a parent task before its
	// live subs are expired.
	ParentBudget time.Duration
	// MaxAttempts caps attempts across all plugins. Zero keeps each
	// plugin's own policy.
	MaxAttempts int
	// BackoffBase raises the minimum delay between retry attempts.
	BackoffBase time.Duration
}

func (o *RuntimeOptions) withDefaults() RuntimeOptions {
	out := *o
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.ExecTimeout <= 0 {
		out.ExecTimeout = 30 * time.Second
	}
	if out.ParentBudget <= 0 {
		out.ParentBudget = 30 * time.Minute
	}
	return out
}

// Runtime owns action task mutation: it persists parents and subs, runs due
// tasks through the plugin registry, and joins sub outcomes into parents.
type Runtime struct {
	repo  repository.ActionRepository
	cfgs  repository.ActionConfigRepository
	reg   *Registry
	audit AuditSink

	opts RuntimeOptions
	m    *metrics.Pipeline
	log  logger.Logger

	replay map[string]ReplayHandler
}

// NewRuntime creates the action runtime. audit may be nil in tests.
func NewRuntime(
	repo repository.ActionRepository,
	cfgs repository.ActionConfigRepository,
	reg *Registry,
	audit AuditSink,
	opts RuntimeOptions,
	m *metrics.Pipeline,
	log logger.Logger,
) *Runtime {
	return &Runtime{
		repo:   repo,
		cfgs:   cfgs,
		reg:    reg,
		audit:  audit,
		opts:   opts.withDefaults(),
		m:      m,
		log:    log.With(logger.String("component", "action_runtime")),
		replay: make(map[string]ReplayHandler),
	}
}

// CreateParent persists the parent task of a spec and, for notify, its
// expanded sub tasks. An empty notify sub set terminates the parent skipped
// with an empty-notice audit entry.
func (r *Runtime) CreateParent(ctx context.Context, spec *Spec) (*entities.ActionInstance, error) {
	cfg, err := r.cfgs.Get(ctx, spec.ConfigRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load action config %d: %w", spec.ConfigRef, err)
	}

	now := time.Now()
	parent := r.newInstance(spec, now)
	parent.ConfigRef = cfg.ID
	parent.PluginKind = cfg.PluginKind

	if strategy.PluginKind(cfg.PluginKind) != strategy.PluginNotify {
		// Non-notify kinds execute as a single task with no children.
		parent.Status = entities.ActionStatusReceived
		parent.NextRunAt = now
		if err := r.repo.CreateTask(ctx, parent); err != nil {
			return nil, err
		}
		r.project(ctx, parent)
		return parent, nil
	}

	parent.IsParent = true
	subs, err := r.expandNotify(spec, cfg, parent, now)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		parent.Status = entities.ActionStatusSkipped
		parent.EndedAt = now
		if err := r.repo.CreateTask(ctx, parent); err != nil {
			return nil, err
		}
		r.project(ctx, parent)
		r.writeAudit(ctx, parent, "empty notice: no receivers after exclusion")
		r.countTerminal(parent)
		r.log.Warn("notify parent has no receivers",
			logger.String("task_id", parent.ID),
			logger.String("alert_id", parent.AlertID))
		return parent, nil
	}

	parent.Status = entities.ActionStatusReceived
	tasks := append([]*entities.ActionInstance{parent}, subs...)
	if err := r.repo.CreateTasks(ctx, tasks); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		r.project(ctx, task)
	}
	return parent, nil
}

// CreateTerminal persists a parent that never runs: shield-suppressed or
// converge-skipped. linkedTo references the converge primary, when any.
func (r *Runtime) CreateTerminal(ctx context.Context, spec *Spec, status, reason, linkedTo string) (*entities.ActionInstance, error) {
	now := time.Now()
	parent := r.newInstance(spec, now)
	parent.Status = status
	parent.FailureMsg = reason
	parent.EndedAt = now
	if linkedTo != "" {
		parent.Outputs = mergeOutputs("", map[string]any{"coalesced_into": linkedTo})
	}
	if err := r.repo.CreateTask(ctx, parent); err != nil {
		return nil, err
	}
	r.project(ctx, parent)
	r.countTerminal(parent)
	r.writeAudit(ctx, parent, reason)
	return parent, nil
}

func (r *Runtime) newInstance(spec *Spec, now time.Time) *entities.ActionInstance {
	alertIDs := spec.AlertIDs
	if len(alertIDs) == 0 {
		alertIDs = []string{spec.AlertID}
	}
	return &entities.ActionInstance{
		ID:             uuid.NewString(),
		AlertID:        spec.AlertID,
		AlertIDs:       alertIDs,
		GenerationUUID: spec.GenerationUUID,
		Signal:         string(spec.Signal),
		StrategyID:     spec.StrategyID,
		RelationID:     spec.Relation.ID,
		ConfigRef:      spec.ConfigRef,
		PluginKind:     string(spec.PluginKind),
		ConvergeKey:    spec.ConvergeKey,
		Followed:       spec.Followed,
		NextRunAt:      now,
	}
}

// expandNotify builds the sub tasks of a notify parent. Subs inherit the
// parent's identity fields; inputs carry the chosen way and receiver.
func (r *Runtime) expandNotify(spec *Spec, cfg *entities.ActionConfig, parent *entities.ActionInstance, now time.Time) ([]*entities.ActionInstance, error) {
	ncfg, err := ParseNotifyConfig(cfg.ExecuteConfig)
	if err != nil {
		return nil, err
	}
	excluded := spec.Relation.Options.ExcludeNoticeWays[spec.Signal]
	specs := ExpandSubTasks(ncfg.NoticeWays, [][]string{spec.Receivers}, excluded, ncfg.VoiceSerial, spec.Followed)

	subs := make([]*entities.ActionInstance, 0, len(specs))
	for _, ss := range specs {
		sub := r.newInstance(spec, now)
		sub.ID = uuid.NewString()
		sub.ParentID = parent.ID
		sub.Status = entities.ActionStatusReceived
		sub.NoticeWay = ss.NoticeWay
		sub.Receiver = JoinReceivers(ss.Receivers)
		sub.MentionUsers = ss.MentionUsers
		sub.Followed = ss.Followed
		sub.Inputs = subInputs(ss)
		subs = append(subs, sub)
	}
	return subs, nil
}

func subInputs(ss SubSpec) string {
	payload := map[string]any{
		"notice_way":      ss.NoticeWay,
		"notice_receiver": JoinReceivers(ss.Receivers),
		"mention_users":   ss.MentionUsers,
		"followed":        ss.Followed,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(out)
}

// RunDue executes every runnable task whose next run time has passed.
// Returns the number of tasks picked up.
func (r *Runtime) RunDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := r.repo.ListDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i := range due {
		inst := due[i]
		g.Go(func() error {
			r.runOne(gctx, &inst)
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

// runOne executes a single attempt of one task. Failures never propagate;
// they land in the task record, the log, and the counters.
func (r *Runtime) runOne(ctx context.Context, inst *entities.ActionInstance) {
	cfg, err := r.cfgs.Get(ctx, inst.ConfigRef)
	if err != nil {
		r.log.Error("action config unavailable",
			logger.String("task_id", inst.ID), logger.Error(err))
		return
	}
	plugin, err := r.reg.Get(strategy.PluginKind(inst.PluginKind))
	if err != nil {
		r.finalize(ctx, &Task{Instance: inst, Config: cfg}, entities.ActionStatusFailure, nil, err.Error())
		return
	}

	polling := inst.RemoteRef != ""
	// Claim the task: the version guard makes the claim exclusive when two
	// runners race on the same row.
	inst.Status = entities.ActionStatusRunning
	if !polling {
		inst.Attempts++
	}
	if err := r.repo.SaveTask(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			return
		}
		r.log.Error("failed to claim action task",
			logger.String("task_id", inst.ID), logger.Error(err))
		return
	}

	task := &Task{Instance: inst, Config: cfg}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.ExecTimeout)
	defer cancel()

	var res *Result
	if poller, ok := plugin.(Pollable); ok && polling {
		res, err = poller.Poll(callCtx, task)
	} else {
		res, err = plugin.Execute(callCtx, task)
	}
	r.apply(ctx, task, plugin, res, err)
}

// apply folds one attempt's outcome into the task record.
func (r *Runtime) apply(ctx context.Context, task *Task, plugin Plugin, res *Result, execErr error) {
	inst := task.Instance
	now := time.Now()
	if res != nil {
		inst.Outputs = mergeOutputs(inst.Outputs, res.Output)
		if res.RemoteRef != "" {
			inst.RemoteRef = res.RemoteRef
		}
	}

	if execErr == nil {
		switch {
		case res == nil:
			r.finalize(ctx, task, entities.ActionStatusFailure, res, "plugin returned no result")
		case res.Status == entities.ActionStatusRunning:
			inst.NextRunAt = now.Add(pollInterval(plugin))
			r.save(ctx, inst)
		default:
			r.finalize(ctx, task, res.Status, res, "")
		}
		return
	}

	if errors.Is(execErr, context.DeadlineExceeded) {
		execErr = faults.Wrap(faults.KindTimeout, execErr, "attempt budget exhausted")
	}
	switch faults.KindOf(execErr) {
	case faults.KindBlocked:
		if res != nil && len(res.RetryParams) > 0 {
			if raw, err := json.Marshal(res.RetryParams); err == nil {
				inst.RetryParams = string(raw)
				inst.Outputs = mergeOutputs(inst.Outputs, map[string]any{"retry_params": res.RetryParams})
			}
		}
		r.finalize(ctx, task, entities.ActionStatusFailure, res, execErr.Error())
	case faults.KindCancelled:
		r.finalize(ctx, task, entities.ActionStatusExpired, res, execErr.Error())
	case faults.KindInvariant:
		r.m.Quarantined.Inc()
		r.log.Error("action task quarantined",
			logger.String("task_id", inst.ID), logger.Error(execErr))
		r.finalize(ctx, task, entities.ActionStatusFailure, res, execErr.Error())
	default:
		policy := r.retryPolicy(plugin)
		if faults.Retryable(execErr) && inst.Attempts < policy.MaxAttempts {
			r.m.ActionRetries.Inc()
			inst.Status = entities.ActionStatusRunning
			inst.FailureMsg = execErr.Error()
			inst.NextRunAt = now.Add(policy.Backoff * time.Duration(inst.Attempts))
			r.save(ctx, inst)
			return
		}
		r.finalize(ctx, task, entities.ActionStatusFailure, res, execErr.Error())
	}
}

// retryPolicy applies the process-wide overrides to a plugin's defaults.
func (r *Runtime) retryPolicy(plugin Plugin) RetryPolicy {
	policy := plugin.Retry()
	if r.opts.MaxAttempts > 0 && r.opts.MaxAttempts < policy.MaxAttempts {
		policy.MaxAttempts = r.opts.MaxAttempts
	}
	if r.opts.BackoffBase > policy.Backoff {
		policy.Backoff = r.opts.BackoffBase
	}
	return policy
}

// finalize writes a terminal status, renders the audit content, and folds
// the outcome into the parent when the task is a sub.
func (r *Runtime) finalize(ctx context.Context, task *Task, status string, res *Result, failureMsg string) {
	inst := task.Instance
	inst.Status = status
	inst.FailureMsg = failureMsg
	inst.EndedAt = time.Now()
	inst.Content = RenderContent(task, res)
	r.save(ctx, inst)
	r.countTerminal(inst)

	if inst.ParentID != "" {
		r.RefreshParent(ctx, inst.ParentID)
		return
	}
	r.writeAudit(ctx, inst, inst.Content)
}

// RefreshParent recomputes a parent's status from its subs. A terminal
// parent is never reopened.
func (r *Runtime) RefreshParent(ctx context.Context, parentID string) {
	for attempt := 0; attempt < 3; attempt++ {
		parent, err := r.repo.GetTask(ctx, parentID)
		if err != nil {
			r.log.Error("failed to load parent task",
				logger.String("task_id", parentID), logger.Error(err))
			return
		}
		if entities.IsTerminalActionStatus(parent.Status) {
			return
		}
		subs, err := r.repo.ListByParent(ctx, parentID)
		if err != nil {
			r.log.Error("failed to list sub tasks",
				logger.String("task_id", parentID), logger.Error(err))
			return
		}
		statuses := make([]string, len(subs))
		for i := range subs {
			statuses[i] = subs[i].Status
		}
		joined := JoinParentStatus(statuses)
		if joined == parent.Status {
			return
		}
		parent.Status = joined
		if entities.IsTerminalActionStatus(joined) {
			parent.EndedAt = time.Now()
			parent.Content = RenderContent(&Task{Instance: parent}, nil)
		}
		err = r.repo.SaveTask(ctx, parent)
		if errors.Is(err, repository.ErrStaleVersion) {
			continue
		}
		if err != nil {
			r.log.Error("failed to save parent task",
				logger.String("task_id", parentID), logger.Error(err))
			return
		}
		r.project(ctx, parent)
		if entities.IsTerminalActionStatus(joined) {
			r.countTerminal(parent)
			r.writeAudit(ctx, parent, parent.Content)
		}
		return
	}
}

// ExpireOverdueParents expires the live subs of parents that outran the
// parent budget. The parent joins to partial when any sub succeeded, failure
// otherwise.
func (r *Runtime) ExpireOverdueParents(ctx context.Context, now time.Time) {
	deadline := now.Add(-r.opts.ParentBudget)
	for _, status := range []string{entities.ActionStatusReceived, entities.ActionStatusRunning} {
		live, err := r.repo.ListByStatus(ctx, status, 0)
		if err != nil {
			r.log.Error("failed to list live tasks", logger.Error(err))
			return
		}
		for i := range live {
			parent := live[i]
			if !parent.IsParent || parent.CreatedAt.After(deadline) {
				continue
			}
			r.expireParent(ctx, &parent, now)
		}
	}
}

func (r *Runtime) expireParent(ctx context.Context, parent *entities.ActionInstance, now time.Time) {
	subs, err := r.repo.ListByParent(ctx, parent.ID)
	if err != nil {
		r.log.Error("failed to list sub tasks",
			logger.String("task_id", parent.ID), logger.Error(err))
		return
	}
	anySuccess := false
	for i := range subs {
		sub := subs[i]
		if sub.Status == entities.ActionStatusSuccess {
			anySuccess = true
		}
		if entities.IsTerminalActionStatus(sub.Status) {
			continue
		}
		sub.Status = entities.ActionStatusExpired
		sub.FailureMsg = "parent budget exhausted"
		sub.EndedAt = now
		r.save(ctx, &sub)
		r.countTerminal(&sub)
	}

	status := entities.ActionStatusFailure
	if anySuccess {
		status = entities.ActionStatusPartial
	}
	parent.Status = status
	parent.FailureMsg = "parent budget exhausted"
	parent.EndedAt = now
	parent.Content = RenderContent(&Task{Instance: parent}, nil)
	r.save(ctx, parent)
	r.countTerminal(parent)
	r.writeAudit(ctx, parent, parent.Content)
}

// Cancel expires a live task tree. Remote work is aborted when the plugin
// supports it.
func (r *Runtime) Cancel(ctx context.Context, taskID string) error {
	parent, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if entities.IsTerminalActionStatus(parent.Status) {
		return nil
	}
	now := time.Now()
	if parent.IsParent {
		subs, err := r.repo.ListByParent(ctx, parent.ID)
		if err != nil {
			return err
		}
		for i := range subs {
			if entities.IsTerminalActionStatus(subs[i].Status) {
				continue
			}
			r.cancelOne(ctx, &subs[i], now)
		}
	}
	r.cancelOne(ctx, parent, now)
	r.writeAudit(ctx, parent, "cancelled by operator")
	return nil
}

func (r *Runtime) cancelOne(ctx context.Context, inst *entities.ActionInstance, now time.Time) {
	if plugin, err := r.reg.Get(strategy.PluginKind(inst.PluginKind)); err == nil {
		if c, ok := plugin.(Cancellable); ok && inst.RemoteRef != "" {
			if err := c.Cancel(ctx, &Task{Instance: inst}); err != nil {
				r.log.Warn("remote cancel failed",
					logger.String("task_id", inst.ID), logger.Error(err))
			}
		}
	}
	inst.Status = entities.ActionStatusExpired
	inst.EndedAt = now
	r.save(ctx, inst)
	r.countTerminal(inst)
}

func (r *Runtime) save(ctx context.Context, inst *entities.ActionInstance) {
	if err := r.repo.SaveTask(ctx, inst); err != nil {
		r.log.Error("failed to save action task",
			logger.String("task_id", inst.ID),
			logger.String("status", inst.Status),
			logger.Error(err))
		return
	}
	r.project(ctx, inst)
}

// project mirrors the task row into the searchable document store.
func (r *Runtime) project(ctx context.Context, inst *entities.ActionInstance) {
	if r.audit == nil {
		return
	}
	if err := r.audit.UpsertActionDoc(ctx, inst); err != nil {
		r.log.Error("failed to project action document",
			logger.String("task_id", inst.ID), logger.Error(err))
	}
}

func (r *Runtime) countTerminal(inst *entities.ActionInstance) {
	r.m.ActionExecutions.WithLabelValues(inst.PluginKind, inst.Status).Inc()
}

// writeAudit records one flow-log entry for a non-sub, non-collect task.
func (r *Runtime) writeAudit(ctx context.Context, inst *entities.ActionInstance, description string) {
	if r.audit == nil || inst.ParentID != "" || inst.Signal == string(strategy.SignalCollect) {
		return
	}
	entry := &alert.LogEntry{
		AlertID:     inst.AlertID,
		Op:          alert.OpAction,
		At:          time.Now(),
		Description: description,
	}
	if err := r.audit.AppendLog(ctx, entry); err != nil {
		r.log.Error("failed to write action audit log",
			logger.String("task_id", inst.ID), logger.Error(err))
	}
}

func pollInterval(plugin Plugin) time.Duration {
	if p, ok := plugin.(Pollable); ok {
		return p.PollInterval()
	}
	return 30 * time.Second
}

// mergeOutputs folds new output keys into the stored outputs JSON.
func mergeOutputs(stored string, add map[string]any) string {
	if len(add) == 0 {
		return stored
	}
	merged := map[string]any{}
	if stored != "" {
		_ = json.Unmarshal([]byte(stored), &merged)
	}
	for k, v := range add {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return stored
	}
	return string(out)
}
