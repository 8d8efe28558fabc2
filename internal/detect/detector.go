package detect

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

const (
	weekLookback = 7 * 24 * time.Hour
	yearLookback = 365 * 24 * time.Hour
	// lookbackTolerance bounds how far a historical sample may drift from
	// the exact lookback instant and still be compared.
	lookbackTolerance = 5 * time.Minute
)

// ExternalClient calls an out-of-process detect algorithm.
type ExternalClient interface {
	// Detect returns whether the sample is anomalous. An error means the
	// remote did not answer; the caller treats that as unknown.
	Detect(ctx context.Context, metricID string, target map[string]string, value float64, at time.Time) (bool, error)
}

// Detector evaluates events against a strategy's detect configs and reports
// a single verdict. When several severities fire on one sample, the highest
// severity wins.
type Detector struct {
	history  *MemoryHistory
	external ExternalClient
	log      logger.Logger
}

// NewDetector creates a Detector. external may be nil when no strategy uses
// the external algorithm.
func NewDetector(history *MemoryHistory, external ExternalClient, log logger.Logger) *Detector {
	if history == nil {
		history = NewMemoryHistory(0)
	}
	return &Detector{history: history, external: external, log: log}
}

// Evaluate implements the builder's Detector contract. Events from
// event-only sources carry no sample value; with no evaluable config the
// event itself is the anomaly at its reported severity.
func (d *Detector) Evaluate(ctx context.Context, strat *strategy.Strategy, ev *event.NormalizedEvent) (alert.Verdict, error) {
	key := seriesKey(strat.MetricID, ev.Target)
	at := ev.EventTime.UTC()
	hasValue := ev.HasValue()

	var (
		best      event.Severity
		anomalous bool
		unknown   bool
		evaluable bool
	)
	for i := range strat.Detects {
		cfg := &strat.Detects[i]
		hit, known, err := d.evalConfig(ctx, cfg, key, ev, at, hasValue)
		if err != nil {
			return alert.Verdict{}, err
		}
		if !known {
			unknown = true
			continue
		}
		evaluable = true
		if hit && (!anomalous || cfg.Severity.MoreSevereThan(best)) {
			anomalous = true
			best = cfg.Severity
		}
	}

	if hasValue {
		d.history.Record(key, at, ev.Value)
	}

	switch {
	case anomalous:
		return alert.Verdict{Anomaly: true, Severity: best}, nil
	case evaluable:
		return alert.Verdict{}, nil
	case unknown:
		return alert.Verdict{Unknown: true}, nil
	default:
		// No detect config applies; the event is anomalous by arrival.
		return alert.Verdict{Anomaly: true, Severity: ev.Severity}, nil
	}
}

// evalConfig returns (anomalous, evaluable, error). known=false means the
// config could not be decided for this sample.
func (d *Detector) evalConfig(ctx context.Context, cfg *strategy.DetectConfig, key string,
	ev *event.NormalizedEvent, at time.Time, hasValue bool) (bool, bool, error) {
	switch cfg.Algorithm {
	case strategy.AlgoNoData:
		// Absence is evaluated on the builder's tick, never per event.
		return false, false, nil

	case strategy.AlgoThreshold:
		if !hasValue {
			return false, false, nil
		}
		bound := NormalizeValue(cfg.Value, cfg.Unit)
		hit, err := Compare(ev.Value, cfg.Operator, bound)
		return hit, err == nil, err

	case strategy.AlgoRateOfChange:
		if !hasValue {
			return false, false, nil
		}
		prev, ok, err := d.history.Last(ctx, key, at)
		if err != nil || !ok {
			return false, false, err
		}
		change := RatioChange(ev.Value, prev)
		hit, err := Compare(math.Abs(change), "gte", cfg.RatioPercent)
		return hit, err == nil, err

	case strategy.AlgoWeekOnWeek, strategy.AlgoYearOnYear:
		if !hasValue {
			return false, false, nil
		}
		lookback := weekLookback
		if cfg.Algorithm == strategy.AlgoYearOnYear {
			lookback = yearLookback
		}
		base, ok, err := d.history.ValueAt(ctx, key, at.Add(-lookback), lookbackTolerance)
		if err != nil || !ok {
			return false, false, err
		}
		change := RatioChange(ev.Value, base)
		hit, err := Compare(math.Abs(change), "gte", cfg.RatioPercent)
		return hit, err == nil, err

	case strategy.AlgoExternal:
		if d.external == nil {
			return false, false, nil
		}
		hit, err := d.external.Detect(ctx, ev.MetricID, ev.Target, ev.Value, at)
		if err != nil {
			d.log.Warn("external detect did not answer",
				logger.String("metric_id", ev.MetricID),
				logger.Error(err))
			return false, false, nil
		}
		return hit, true, nil

	default:
		return false, false, nil
	}
}

// seriesKey identifies a metric series by metric id and sorted target
// dimensions.
func seriesKey(metricID string, target map[string]string) string {
	keys := make([]string, 0, len(target))
	for k := range target {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(metricID)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(target[k])
	}
	return b.String()
}
