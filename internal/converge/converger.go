package converge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelmon/kestrel-go/internal/action"
	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/datastore/repository"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/observability/metrics"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// Converge functions. One per relation; empty means pass-through.
const (
	FuncCollect             = "collect"
	FuncDefence             = "defence"
	FuncSkipWhenProceed     = "skip_when_proceed"
	FuncSkipWhenSuccess     = "skip_when_success"
	FuncSuppressByDimension = "suppress_by_dimension"
)

const (
	defaultWindow = time.Minute
	lockShards    = 64
	// proceedLookback bounds the sibling scan for skip-when-proceed.
	proceedLookback = 24 * time.Hour
)

// Options supplies deployment-level fallbacks for relations that do not
// set their own converge parameters.
type Options struct {
	// DefaultWindow bounds collect windows with no configured width.
	DefaultWindow time.Duration
	// DefenseCooldown is the defence lookback when the relation sets none.
	DefenseCooldown time.Duration
	// IsolationField partitions converge keys between deployments sharing
	// one store.
	IsolationField string
}

func (o Options) withDefaults() Options {
	if o.DefaultWindow <= 0 {
		o.DefaultWindow = defaultWindow
	}
	if o.DefenseCooldown <= 0 {
		o.DefenseCooldown = defaultWindow
	}
	return o
}

// OpenAlerts supplies the current open alert set for hierarchical
// suppression. The builder satisfies it.
type OpenAlerts interface {
	OpenAlerts() []*alert.Alert
}

// collectWindow buffers member specs of one open collect window.
type collectWindow struct {
	template  *action.Spec
	alertIDs  []string
	memberIDs []string
}

// Converger sits between the dispatcher and the runtime. It is single-writer
// per converge key: all decisions for a key run under one lock shard.
type Converger struct {
	repo    repository.ConvergeRepository
	actions repository.ActionRepository
	runtime *action.Runtime
	open    OpenAlerts
	opts    Options

	locks [lockShards]sync.Mutex

	mu      sync.Mutex
	pending map[string]*collectWindow

	m   *metrics.Pipeline
	log logger.Logger
}

// NewConverger creates a converger. open may be nil when hierarchical
// suppression is unused.
func NewConverger(
	repo repository.ConvergeRepository,
	actions repository.ActionRepository,
	runtime *action.Runtime,
	open OpenAlerts,
	opts Options,
	m *metrics.Pipeline,
	log logger.Logger,
) *Converger {
	return &Converger{
		repo:    repo,
		actions: actions,
		runtime: runtime,
		open:    open,
		opts:    opts.withDefaults(),
		pending: make(map[string]*collectWindow),
		m:       m,
		log:     log.With(logger.String("component", "converger")),
	}
}

// Submit decides the fate of one parent spec: pass it to the runtime, hold
// it in a collect window, or record it skipped.
func (c *Converger) Submit(ctx context.Context, spec *action.Spec) {
	if c.shieldSuppressed(ctx, spec) {
		return
	}

	fn := spec.Relation.Options.ConvergeFunc
	if fn == "" {
		c.decide(fn, "pass")
		c.pass(ctx, spec)
		return
	}

	key := Isolate(Key(spec, spec.Relation.Options.ConvergeDims), c.opts.IsolationField)
	spec.ConvergeKey = key
	lock := &c.locks[shardOf(key, lockShards)]
	lock.Lock()
	defer lock.Unlock()

	switch fn {
	case FuncCollect:
		c.collect(ctx, spec, key)
	case FuncDefence:
		c.defence(ctx, spec, key)
	case FuncSkipWhenProceed:
		c.skipWhenProceed(ctx, spec, key)
	case FuncSkipWhenSuccess:
		c.skipWhenSuccess(ctx, spec, key)
	case FuncSuppressByDimension:
		c.suppressByDimension(ctx, spec)
	default:
		c.log.Warn("unknown converge function, passing through",
			logger.String("function", fn))
		c.decide(fn, "pass")
		c.pass(ctx, spec)
	}
}

// shieldSuppressed terminates specs of shielded alerts before convergence.
// Signals about the shielding itself still go out.
func (c *Converger) shieldSuppressed(ctx context.Context, spec *action.Spec) bool {
	if spec.Alert == nil || !spec.Alert.IsShielded {
		return false
	}
	if spec.Signal == strategy.SignalShielded || spec.Signal == strategy.SignalUnshielded {
		return false
	}
	c.decide("shield", "suppressed")
	if _, err := c.runtime.CreateTerminal(ctx, spec, entities.ActionStatusShield,
		"suppressed by active shield", ""); err != nil {
		c.log.Error("failed to record shielded task",
			logger.String("alert_id", spec.AlertID), logger.Error(err))
	}
	return true
}

// collect accumulates members in a bounded window; the primary is emitted
// when the window closes.
func (c *Converger) collect(ctx context.Context, spec *action.Spec, key string) {
	now := time.Now()
	window := spec.Relation.Options.ConvergeWindow
	if window <= 0 {
		window = c.opts.DefaultWindow
	}

	rec, err := c.repo.GetOpen(ctx, key)
	if errors.Is(err, repository.ErrConvergeNotFound) {
		rec = &entities.ConvergeRecord{
			ConvergeKey: key,
			Function:    FuncCollect,
			Status:      entities.ConvergeStatusCollecting,
			WindowStart: now,
			WindowEnd:   now.Add(window),
		}
		if err := c.repo.Create(ctx, rec); err != nil {
			c.log.Error("failed to open collect window", logger.Error(err))
			c.decide(FuncCollect, "pass")
			c.pass(ctx, spec)
			return
		}
	} else if err != nil {
		c.log.Error("failed to read collect window", logger.Error(err))
		c.decide(FuncCollect, "pass")
		c.pass(ctx, spec)
		return
	}

	member, err := c.runtime.CreateTerminal(ctx, spec, entities.ActionStatusSkipped,
		"collected into converge window", "")
	if err != nil {
		c.log.Error("failed to record collect member", logger.Error(err))
		return
	}

	c.mu.Lock()
	w := c.pending[key]
	if w == nil {
		w = &collectWindow{template: spec}
		c.pending[key] = w
	}
	w.alertIDs = appendUnique(w.alertIDs, spec.AlertID)
	w.memberIDs = append(w.memberIDs, member.ID)
	c.mu.Unlock()

	rec.RelatedIDs = append(rec.RelatedIDs, member.ID)
	if err := c.repo.Save(ctx, rec); err != nil {
		c.log.Error("failed to append collect member", logger.Error(err))
	}
	c.decide(FuncCollect, "collected")
}

// defence drops specs whose key ran recently or is still running. The
// cooldown equals the converge window.
func (c *Converger) defence(ctx context.Context, spec *action.Spec, key string) {
	now := time.Now()
	cooldown := spec.Relation.Options.ConvergeWindow
	if cooldown <= 0 {
		cooldown = c.opts.DefenseCooldown
	}
	siblings, err := c.actions.ListByConvergeKey(ctx, key, now.Add(-cooldown))
	if err != nil {
		c.log.Error("failed to scan converge siblings", logger.Error(err))
		c.decide(FuncDefence, "pass")
		c.pass(ctx, spec)
		return
	}
	for i := range siblings {
		s := &siblings[i]
		live := !entities.IsTerminalActionStatus(s.Status)
		recentSuccess := s.Status == entities.ActionStatusSuccess && now.Sub(s.EndedAt) < cooldown
		if live || recentSuccess {
			c.decide(FuncDefence, "defended")
			c.skip(ctx, spec, "defended: key executed within cooldown", s.ID)
			return
		}
	}
	c.decide(FuncDefence, "pass")
	c.pass(ctx, spec)
}

// skipWhenProceed drops specs while any sibling of the key is running.
func (c *Converger) skipWhenProceed(ctx context.Context, spec *action.Spec, key string) {
	siblings, err := c.actions.ListByConvergeKey(ctx, key, time.Now().Add(-proceedLookback))
	if err != nil {
		c.log.Error("failed to scan converge siblings", logger.Error(err))
		c.decide(FuncSkipWhenProceed, "pass")
		c.pass(ctx, spec)
		return
	}
	for i := range siblings {
		if !entities.IsTerminalActionStatus(siblings[i].Status) {
			c.decide(FuncSkipWhenProceed, "skipped")
			c.skip(ctx, spec, "skipped: sibling task still running", siblings[i].ID)
			return
		}
	}
	c.decide(FuncSkipWhenProceed, "pass")
	c.pass(ctx, spec)
}

// skipWhenSuccess drops specs when a sibling of the key already succeeded
// inside the window. Unlike defence, running siblings do not block.
func (c *Converger) skipWhenSuccess(ctx context.Context, spec *action.Spec, key string) {
	now := time.Now()
	window := spec.Relation.Options.ConvergeWindow
	if window <= 0 {
		window = c.opts.DefaultWindow
	}
	siblings, err := c.actions.ListByConvergeKey(ctx, key, now.Add(-window))
	if err != nil {
		c.log.Error("failed to scan converge siblings", logger.Error(err))
		c.decide(FuncSkipWhenSuccess, "pass")
		c.pass(ctx, spec)
		return
	}
	for i := range siblings {
		s := &siblings[i]
		if s.Status == entities.ActionStatusSuccess && now.Sub(s.EndedAt) < window {
			c.decide(FuncSkipWhenSuccess, "skipped")
			c.skip(ctx, spec, "skipped: sibling task succeeded within window", s.ID)
			return
		}
	}
	c.decide(FuncSkipWhenSuccess, "pass")
	c.pass(ctx, spec)
}

// suppressByDimension drops specs whose alert sits under a broader open
// alert: a parent is any other open, unshielded alert whose dimensions are a
// strict subset of this alert's.
func (c *Converger) suppressByDimension(ctx context.Context, spec *action.Spec) {
	if c.open == nil || spec.Alert == nil {
		c.decide(FuncSuppressByDimension, "pass")
		c.pass(ctx, spec)
		return
	}
	for _, other := range c.open.OpenAlerts() {
		if other.ID == spec.Alert.ID || other.IsShielded {
			continue
		}
		if dimsSubset(other.Dimensions, spec.Alert.Dimensions) {
			c.decide(FuncSuppressByDimension, "suppressed")
			c.skip(ctx, spec, "suppressed: parent dimension alert "+other.ID+" is active", "")
			return
		}
	}
	c.decide(FuncSuppressByDimension, "pass")
	c.pass(ctx, spec)
}

// Tick closes expired collect windows and emits their primaries. Called by
// the scheduler.
func (c *Converger) Tick(ctx context.Context, now time.Time) {
	closed, err := c.repo.CloseExpired(ctx, now)
	if err != nil {
		c.log.Error("failed to close converge windows", logger.Error(err))
		return
	}
	for i := range closed {
		rec := closed[i]
		if rec.Function != FuncCollect {
			continue
		}
		c.emitPrimary(ctx, &rec)
	}
}

// emitPrimary turns one closed collect window into a primary task that
// references every member.
func (c *Converger) emitPrimary(ctx context.Context, rec *entities.ConvergeRecord) {
	c.mu.Lock()
	w := c.pending[rec.ConvergeKey]
	delete(c.pending, rec.ConvergeKey)
	c.mu.Unlock()
	if w == nil || len(w.memberIDs) == 0 {
		// Window closed with no buffered members (e.g. after a restart);
		// nothing to emit.
		return
	}

	primary := *w.template
	primary.AlertIDs = w.alertIDs
	primary.GenerationUUID = uuid.NewString()
	parent, err := c.runtime.CreateParent(ctx, &primary)
	if err != nil {
		c.log.Error("failed to emit collect primary",
			logger.String("converge_key", rec.ConvergeKey), logger.Error(err))
		return
	}
	c.decide(FuncCollect, "primary")
	c.linkMembers(ctx, w.memberIDs, parent.ID)
}

// linkMembers backfills the primary reference onto the skipped members.
func (c *Converger) linkMembers(ctx context.Context, memberIDs []string, primaryID string) {
	for _, id := range memberIDs {
		member, err := c.actions.GetTask(ctx, id)
		if err != nil {
			c.log.Warn("failed to load collect member",
				logger.String("task_id", id), logger.Error(err))
			continue
		}
		member.Outputs = mergeCoalescedInto(member.Outputs, primaryID)
		if err := c.actions.SaveTask(ctx, member); err != nil {
			c.log.Warn("failed to link collect member",
				logger.String("task_id", id), logger.Error(err))
		}
	}
}

func (c *Converger) pass(ctx context.Context, spec *action.Spec) {
	if _, err := c.runtime.CreateParent(ctx, spec); err != nil {
		c.log.Error("failed to create parent task",
			logger.String("alert_id", spec.AlertID), logger.Error(err))
	}
}

func (c *Converger) skip(ctx context.Context, spec *action.Spec, reason, linkedTo string) {
	if _, err := c.runtime.CreateTerminal(ctx, spec, entities.ActionStatusSkipped, reason, linkedTo); err != nil {
		c.log.Error("failed to record skipped task",
			logger.String("alert_id", spec.AlertID), logger.Error(err))
	}
}

func (c *Converger) decide(function, outcome string) {
	if function == "" {
		function = "none"
	}
	c.m.ConvergeDecisions.WithLabelValues(function, outcome).Inc()
}

// mergeCoalescedInto adds the primary reference to a member's outputs JSON.
func mergeCoalescedInto(outputs, primaryID string) string {
	merged := map[string]any{}
	if outputs != "" {
		_ = json.Unmarshal([]byte(outputs), &merged)
	}
	merged["coalesced_into"] = primaryID
	out, err := json.Marshal(merged)
	if err != nil {
		return outputs
	}
	return string(out)
}

// dimsSubset reports whether parent is a strict subset of child.
func dimsSubset(parent, child map[string]string) bool {
	if len(parent) == 0 || len(parent) >= len(child) {
		return false
	}
	for k, v := range parent {
		if child[k] != v {
			return false
		}
	}
	return true
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
