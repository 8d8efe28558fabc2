package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/observability/metrics"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// ErrAlertNotFound is returned when an operation references an alert id that
// has no open alert.
var ErrAlertNotFound = errors.New("alert not found")

const defaultTickInterval = 60 * time.Second

// Verdict is a detector's judgement of one event against one strategy.
// Unknown means the detector could not decide (external algorithm did not
// respond); unknown is neither an anomaly nor a normal observation.
type Verdict struct {
	Anomaly  bool
	Unknown  bool
	Severity event.Severity
}

// Detector evaluates events against a strategy's detect configs.
type Detector interface {
	Evaluate(ctx context.Context, strat *strategy.Strategy, ev *event.NormalizedEvent) (Verdict, error)
}

// TriggerState is the evaluator's view of one fingerprint after an
// observation.
type TriggerState struct {
	Triggered         bool
	Severity          event.Severity
	ConsecutiveNormal int
}

// TriggerEvaluator keeps the per-fingerprint tick window that gates alert
// creation and recovery.
type TriggerEvaluator interface {
	ObserveAnomaly(fp string, cfg strategy.TriggerConfig, sev event.Severity, at time.Time) TriggerState
	ObserveNormal(fp string, cfg strategy.TriggerConfig, at time.Time) TriggerState
	Forget(fp string)
}

// Sink receives durable writes for alerts and their flow logs. Writes are
// eventually consistent with the in-memory state; a failed write is logged
// and retried by the next mutation's upsert.
type Sink interface {
	UpsertAlert(ctx context.Context, a *Alert) error
	AppendLog(ctx context.Context, entry *LogEntry) error
}

// Transition is a lifecycle change handed to the dispatch layer.
type Transition struct {
	Alert   *Alert
	Signal  strategy.Signal
	At      time.Time
	EventID string
}

// Observer consumes transitions. Implementations must not block the caller
// for long; the builder invokes it from its shard workers.
type Observer interface {
	OnTransition(ctx context.Context, tr Transition)
}

// AlertDelta summarizes the effect of one ingested event.
type AlertDelta struct {
	Fingerprint string
	AlertID     string
	Created     bool
	Status      Status
	EventCount  int64
}

// state is the shard-local record for one fingerprint.
type state struct {
	alert *Alert
	strat strategy.Strategy
	// pending buffers events received before the trigger window is
	// satisfied, in receive order.
	pending       []*event.NormalizedEvent
	lastEventWall time.Time
	lastAnomalyAt time.Time
	noDataFired   bool
}

type shard struct {
	ops  chan func()
	open map[string]*state
}

// Builder folds normalized events into alerts. All mutation for a given
// fingerprint happens on one worker goroutine; cross-fingerprint work runs in
// parallel across shards.
type Builder struct {
	shards     []*shard
	detector   Detector
	triggers   TriggerEvaluator
	strategies strategy.Provider
	snapshots  strategy.SnapshotStore
	sink       Sink
	observer   Observer
	metrics    *metrics.Pipeline
	log        logger.Logger

	byID     sync.Map // alert id -> fingerprint
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBuilder starts workers shard goroutines.
func NewBuilder(workers, queueSize int, det Detector, trig TriggerEvaluator,
	provider strategy.Provider, snaps strategy.SnapshotStore,
	sink Sink, obs Observer, m *metrics.Pipeline, log logger.Logger) *Builder {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Builder{
		detector:   det,
		triggers:   trig,
		strategies: provider,
		snapshots:  snaps,
		sink:       sink,
		observer:   obs,
		metrics:    m,
		log:        log,
	}
	b.shards = make([]*shard, workers)
	for i := range b.shards {
		s := &shard{
			ops:  make(chan func(), queueSize),
			open: make(map[string]*state),
		}
		b.shards[i] = s
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for op := range s.ops {
				op()
			}
		}()
	}
	return b
}

// Stop drains the shard queues and waits for the workers to exit.
func (b *Builder) Stop() {
	b.stopOnce.Do(func() {
		for _, s := range b.shards {
			close(s.ops)
		}
		b.wg.Wait()
	})
}

// do runs fn on the shard owning fp and waits for it to finish.
func (b *Builder) do(fp string, fn func(s *shard)) {
	s := b.shards[shardOf(fp, len(b.shards))]
	done := make(chan struct{})
	s.ops <- func() {
		defer close(done)
		fn(s)
	}
	<-done
}

// Ingest evaluates one event against every strategy matching its metric and
// folds it into the corresponding alerts. One event may touch several alerts
// when multiple strategies watch the same metric.
func (b *Builder) Ingest(ctx context.Context, ev *event.NormalizedEvent) ([]AlertDelta, error) {
	bizID := 0
	if raw, ok := ev.Target[event.DimBizID]; ok {
		bizID, _ = strconv.Atoi(raw)
	}
	strats, err := b.strategies.ByMetric(ctx, ev.MetricID, bizID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve strategies for metric %s: %w", ev.MetricID, err)
	}

	var deltas []AlertDelta
	for i := range strats {
		strat := strats[i]
		verdict, err := b.detector.Evaluate(ctx, &strat, ev)
		if err != nil {
			b.log.Warn("detector evaluation failed",
				logger.Int64("strategy_id", strat.ID),
				logger.String("event_id", ev.EventID),
				logger.Error(err))
			continue
		}
		if verdict.Unknown {
			continue
		}
		sev := verdict.Severity
		if sev == 0 {
			sev = ev.Severity
		}
		fp := Fingerprint(strat.ID, ev.Target, sev, strat.MetricID)

		var delta AlertDelta
		var opErr error
		b.do(fp, func(s *shard) {
			delta, opErr = b.applyEvent(ctx, s, fp, strat, ev, verdict.Anomaly, sev)
		})
		if opErr != nil {
			return deltas, opErr
		}
		if delta.Fingerprint != "" {
			deltas = append(deltas, delta)
		}
	}
	return deltas, nil
}

// applyEvent runs on the shard worker owning fp.
func (b *Builder) applyEvent(ctx context.Context, s *shard, fp string, strat strategy.Strategy,
	ev *event.NormalizedEvent, anomaly bool, sev event.Severity) (AlertDelta, error) {
	now := time.Now()
	st, ok := s.open[fp]
	if !ok {
		st = &state{strat: strat}
		s.open[fp] = st
	}
	st.lastEventWall = now
	st.noDataFired = false

	if !anomaly {
		ts := b.triggers.ObserveNormal(fp, strat.Trigger, ev.EventTime)
		if st.alert != nil {
			b.progressRecovery(ctx, s, fp, st, ts, now)
		}
		return AlertDelta{Fingerprint: fp, AlertID: alertID(st), Status: alertStatus(st)}, nil
	}

	st.lastAnomalyAt = now
	ts := b.triggers.ObserveAnomaly(fp, strat.Trigger, sev, ev.EventTime)

	if st.alert != nil {
		st.alert.fold(ev, now)
		st.alert.raiseSeverity(ts.Severity)
		if st.alert.Status == StatusRecovering {
			st.alert.Status = StatusAbnormal
			st.alert.UpdatedAt = now
			b.emit(ctx, st.alert, strategy.SignalAbnormal, now, ev.EventID)
		}
		b.upsert(ctx, st.alert)
		return AlertDelta{Fingerprint: fp, AlertID: st.alert.ID, Status: st.alert.Status, EventCount: st.alert.EventCount}, nil
	}

	st.pending = append(st.pending, ev)
	if !ts.Triggered {
		return AlertDelta{Fingerprint: fp, Status: ""}, nil
	}
	// On failure the pending buffer is kept; the trigger window stays
	// satisfied and the next event retries creation.
	if err := b.create(ctx, s, fp, st, ts, now); err != nil {
		return AlertDelta{}, err
	}
	return AlertDelta{Fingerprint: fp, AlertID: st.alert.ID, Created: true, Status: st.alert.Status, EventCount: st.alert.EventCount}, nil
}

// create opens the alert, folding the pending buffer in event-time order.
// The create log entry references the first received triggering event.
func (b *Builder) create(ctx context.Context, s *shard, fp string, st *state, ts TriggerState, now time.Time) error {
	snap := &strategy.Snapshot{
		Ref:      uuid.New().String(),
		TakenAt:  now,
		Strategy: st.strat,
	}
	if err := b.snapshots.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to capture strategy snapshot: %w", err)
	}

	a := &Alert{
		ID:           uuid.New().String(),
		Fingerprint:  fp,
		StrategyID:   st.strat.ID,
		Severity:     ts.Severity,
		Status:       StatusAbnormal,
		FirstEventID: st.pending[0].EventID,
		Dimensions:   make(map[string]string),
		SnapshotRef:  snap.Ref,
	}
	ordered := append([]*event.NormalizedEvent(nil), st.pending...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EventTime.Before(ordered[j].EventTime)
	})
	for _, ev := range ordered {
		a.fold(ev, now)
	}
	st.alert = a
	st.pending = nil
	b.byID.Store(a.ID, fp)

	b.upsert(ctx, a)
	b.appendLog(ctx, &LogEntry{
		AlertID:     a.ID,
		Op:          OpCreate,
		At:          now,
		Description: st.strat.Name,
		EventID:     a.FirstEventID,
	})
	b.metrics.AlertsOpened.Inc()
	b.emit(ctx, a, strategy.SignalAbnormal, now, a.FirstEventID)
	return nil
}

// Tick advances recovery and no-data windows for every open alert. The
// scheduler calls it once per evaluation interval.
func (b *Builder) Tick(ctx context.Context, now time.Time) {
	var wg sync.WaitGroup
	for _, s := range b.shards {
		s := s
		wg.Add(1)
		s.ops <- func() {
			defer wg.Done()
			for fp, st := range s.open {
				b.tickOne(ctx, s, fp, st, now)
			}
		}
	}
	wg.Wait()
}

func (b *Builder) tickOne(ctx context.Context, s *shard, fp string, st *state, now time.Time) {
	interval := st.strat.Interval
	if interval <= 0 {
		interval = defaultTickInterval
	}

	if st.alert == nil {
		// Pending buffer that never triggered: a quiet interval counts
		// as a normal tick and ages the window out.
		if now.Sub(st.lastEventWall) >= interval {
			ts := b.triggers.ObserveNormal(fp, st.strat.Trigger, now)
			if ts.ConsecutiveNormal >= st.strat.Trigger.CheckWindow {
				b.triggers.Forget(fp)
				delete(s.open, fp)
			}
		}
		return
	}

	a := st.alert
	if a.Status.Terminal() {
		delete(s.open, fp)
		return
	}

	if nd := noDataConfig(&st.strat); nd != nil && !st.noDataFired {
		window := time.Duration(nd.NoDataTicks) * interval
		if window > 0 && now.Sub(st.lastEventWall) >= window {
			st.noDataFired = true
			b.emit(ctx, a, strategy.SignalNoData, now, "")
		}
	}

	// An anomaly inside the current interval keeps the alert hot.
	if now.Sub(st.lastAnomalyAt) < interval {
		return
	}
	ts := b.triggers.ObserveNormal(fp, st.strat.Trigger, now)
	b.progressRecovery(ctx, s, fp, st, ts, now)
}

// progressRecovery applies the consecutive-normal demotion rules: k normals
// move abnormal to recovering, 2k normals settle recovering to recovered.
func (b *Builder) progressRecovery(ctx context.Context, s *shard, fp string, st *state, ts TriggerState, now time.Time) {
	a := st.alert
	k := st.strat.Recovery.ConsecutiveNormal
	if k <= 0 {
		k = 1
	}
	switch {
	case a.Status == StatusAbnormal && ts.ConsecutiveNormal >= k:
		a.Status = StatusRecovering
		a.UpdatedAt = now
		b.upsert(ctx, a)
	case a.Status == StatusRecovering && ts.ConsecutiveNormal >= 2*k:
		a.Status = StatusRecovered
		a.UpdatedAt = now
		b.upsert(ctx, a)
		b.appendLog(ctx, &LogEntry{AlertID: a.ID, Op: OpRecover, At: now, Description: "recovery window satisfied"})
		b.metrics.AlertsRecovered.Inc()
		b.emit(ctx, a, strategy.SignalRecovered, now, "")
		b.forget(s, fp, a.ID)
	}
}

// Close transitions an alert to closed from any non-terminal state.
func (b *Builder) Close(ctx context.Context, alertID, reason, operator string) error {
	return b.withAlert(alertID, func(s *shard, fp string, st *state) error {
		a := st.alert
		if a.Status.Terminal() {
			return fmt.Errorf("alert %s already %s", alertID, a.Status)
		}
		now := time.Now()
		a.Status = StatusClosed
		a.UpdatedAt = now
		b.upsert(ctx, a)
		b.appendLog(ctx, &LogEntry{AlertID: a.ID, Op: OpClose, At: now, Description: reason, Operator: operator})
		b.metrics.AlertsClosed.Inc()
		b.emit(ctx, a, strategy.SignalClosed, now, "")
		b.forget(s, fp, a.ID)
		return nil
	})
}

// Ack marks the alert acknowledged by an operator.
func (b *Builder) Ack(ctx context.Context, alertID, operator string) error {
	return b.withAlert(alertID, func(s *shard, fp string, st *state) error {
		a := st.alert
		if a.Status.Terminal() {
			return fmt.Errorf("alert %s already %s", alertID, a.Status)
		}
		if a.Acked {
			return nil
		}
		now := time.Now()
		a.Acked = true
		a.UpdatedAt = now
		b.upsert(ctx, a)
		b.appendLog(ctx, &LogEntry{AlertID: a.ID, Op: OpAck, At: now, Operator: operator})
		b.emit(ctx, a, strategy.SignalAck, now, "")
		return nil
	})
}

// Assign records the responsible users. Assignees come from routing,
// appointees from manual appointment.
func (b *Builder) Assign(ctx context.Context, alertID string, assignees, appointees []string, operator string) error {
	return b.withAlert(alertID, func(_ *shard, _ string, st *state) error {
		a := st.alert
		if a.Status.Terminal() {
			return fmt.Errorf("alert %s already %s", alertID, a.Status)
		}
		now := time.Now()
		a.Assignees = mergeUsers(a.Assignees, assignees)
		a.Appointees = mergeUsers(a.Appointees, appointees)
		a.UpdatedAt = now
		b.upsert(ctx, a)
		b.appendLog(ctx, &LogEntry{AlertID: a.ID, Op: OpAssign, At: now, Operator: operator})
		return nil
	})
}

// SetShielded applies a shield decision. Repeating the same decision is a
// no-op, so re-evaluation on every update converges without duplicate logs.
func (b *Builder) SetShielded(ctx context.Context, alertID string, shielded bool, shieldIDs []int64) error {
	return b.withAlert(alertID, func(_ *shard, _ string, st *state) error {
		a := st.alert
		if a.Status.Terminal() {
			return nil
		}
		if a.IsShielded == shielded && equalIDs(a.ShieldIDs, shieldIDs) {
			return nil
		}
		now := time.Now()
		a.IsShielded = shielded
		a.ShieldIDs = append([]int64(nil), shieldIDs...)
		a.UpdatedAt = now
		b.upsert(ctx, a)
		if shielded {
			b.metrics.ShieldMatches.Inc()
			b.appendLog(ctx, &LogEntry{AlertID: a.ID, Op: OpShield, At: now})
			b.emit(ctx, a, strategy.SignalShielded, now, "")
		} else {
			b.appendLog(ctx, &LogEntry{AlertID: a.ID, Op: OpUnshield, At: now})
			b.emit(ctx, a, strategy.SignalUnshielded, now, "")
		}
		return nil
	})
}

// Open returns a copy of the open alert with the given id, if any.
func (b *Builder) Open(alertID string) (*Alert, bool) {
	var out *Alert
	err := b.withAlert(alertID, func(_ *shard, _ string, st *state) error {
		out = st.alert.Clone()
		return nil
	})
	return out, err == nil
}

// OpenAlerts returns copies of every open alert.
func (b *Builder) OpenAlerts() []*Alert {
	var mu sync.Mutex
	var out []*Alert
	var wg sync.WaitGroup
	for _, s := range b.shards {
		s := s
		wg.Add(1)
		s.ops <- func() {
			defer wg.Done()
			for _, st := range s.open {
				if st.alert != nil {
					mu.Lock()
					out = append(out, st.alert.Clone())
					mu.Unlock()
				}
			}
		}
	}
	wg.Wait()
	return out
}

func (b *Builder) withAlert(alertID string, fn func(s *shard, fp string, st *state) error) error {
	v, ok := b.byID.Load(alertID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	fp := v.(string)
	var err error
	b.do(fp, func(s *shard) {
		st, ok := s.open[fp]
		if !ok || st.alert == nil || st.alert.ID != alertID {
			err = fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
			return
		}
		err = fn(s, fp, st)
	})
	return err
}

// forget drops terminal state for a fingerprint. A fresh event for the same
// identity starts a new alert, preserving the one-non-terminal invariant.
func (b *Builder) forget(s *shard, fp, alertID string) {
	delete(s.open, fp)
	b.byID.Delete(alertID)
	b.triggers.Forget(fp)
}

func (b *Builder) upsert(ctx context.Context, a *Alert) {
	if err := b.sink.UpsertAlert(ctx, a); err != nil {
		b.log.Error("failed to upsert alert document",
			logger.String("alert_id", a.ID), logger.Error(err))
	}
}

func (b *Builder) appendLog(ctx context.Context, entry *LogEntry) {
	if err := b.sink.AppendLog(ctx, entry); err != nil {
		b.log.Error("failed to append alert log",
			logger.String("alert_id", entry.AlertID),
			logger.String("op", string(entry.Op)),
			logger.Error(err))
	}
}

func (b *Builder) emit(ctx context.Context, a *Alert, sig strategy.Signal, at time.Time, eventID string) {
	if b.observer == nil {
		return
	}
	b.observer.OnTransition(ctx, Transition{Alert: a.Clone(), Signal: sig, At: at, EventID: eventID})
}

func alertID(st *state) string {
	if st.alert == nil {
		return ""
	}
	return st.alert.ID
}

func alertStatus(st *state) Status {
	if st.alert == nil {
		return ""
	}
	return st.alert.Status
}

func noDataConfig(strat *strategy.Strategy) *strategy.DetectConfig {
	for i := range strat.Detects {
		if strat.Detects[i].Algorithm == strategy.AlgoNoData {
			return &strat.Detects[i]
		}
	}
	return nil
}

func mergeUsers(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, u := range existing {
		seen[u] = struct{}{}
	}
	for _, u := range extra {
		if _, ok := seen[u]; !ok && u != "" {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
