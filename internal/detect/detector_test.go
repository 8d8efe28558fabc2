package detect

import (
	"context"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

func metricEvent(value float64, at time.Time) *event.NormalizedEvent {
	return &event.NormalizedEvent{
		EventID:   "ev",
		EventTime: at,
		Severity:  event.SeverityRemind,
		MetricID:  "system.cpu.usage",
		Target:    map[string]string{event.DimHostID: "42"},
		Value:     value,
	}
}

func TestDetectorThresholdPicksHighestSeverity(t *testing.T) {
	d := NewDetector(nil, nil, logger.NewNop())
	strat := &strategy.Strategy{
		ID:       1,
		MetricID: "system.cpu.usage",
		Detects: []strategy.DetectConfig{
			{Algorithm: strategy.AlgoThreshold, Severity: event.SeverityWarning, Operator: "gte", Value: 80},
			{Algorithm: strategy.AlgoThreshold, Severity: event.SeverityFatal, Operator: "gte", Value: 95},
		},
	}

	v, err := d.Evaluate(context.Background(), strat, metricEvent(97, time.Now()))
	require.NoError(t, err)
	assert.True(t, v.Anomaly)
	assert.Equal(t, event.SeverityFatal, v.Severity, "both fired, highest wins")

	v, err = d.Evaluate(context.Background(), strat, metricEvent(85, time.Now()))
	require.NoError(t, err)
	assert.True(t, v.Anomaly)
	assert.Equal(t, event.SeverityWarning, v.Severity)

	v, err = d.Evaluate(context.Background(), strat, metricEvent(50, time.Now()))
	require.NoError(t, err)
	assert.False(t, v.Anomaly)
	assert.False(t, v.Unknown)
}

func TestDetectorThresholdNormalizesUnits(t *testing.T) {
	d := NewDetector(nil, nil, logger.NewNop())
	strat := &strategy.Strategy{
		ID:       1,
		MetricID: "system.cpu.usage",
		Detects: []strategy.DetectConfig{
			// 1500 millicores = 1.5 cores; samples arrive in cores.
			{Algorithm: strategy.AlgoThreshold, Severity: event.SeverityWarning, Operator: "gt", Value: 1500, Unit: "millicores"},
		},
	}

	v, err := d.Evaluate(context.Background(), strat, metricEvent(2.0, time.Now()))
	require.NoError(t, err)
	assert.True(t, v.Anomaly)

	v, err = d.Evaluate(context.Background(), strat, metricEvent(1.0, time.Now()))
	require.NoError(t, err)
	assert.False(t, v.Anomaly)
}

func TestDetectorRateOfChange(t *testing.T) {
	hist := NewMemoryHistory(time.Hour)
	d := NewDetector(hist, nil, logger.NewNop())
	strat := &strategy.Strategy{
		ID:       1,
		MetricID: "system.cpu.usage",
		Detects: []strategy.DetectConfig{
			{Algorithm: strategy.AlgoRateOfChange, Severity: event.SeverityWarning, RatioPercent: 50},
		},
	}
	base := time.Now()

	// First sample has no history: unknown, then recorded.
	v, err := d.Evaluate(context.Background(), strat, metricEvent(100, base))
	require.NoError(t, err)
	assert.True(t, v.Unknown)

	v, err = d.Evaluate(context.Background(), strat, metricEvent(110, base.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, v.Anomaly, "10% change is under the 50% bound")

	v, err = d.Evaluate(context.Background(), strat, metricEvent(200, base.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.True(t, v.Anomaly, "82% jump against the previous sample")
}

func TestDetectorWeekOnWeek(t *testing.T) {
	hist := NewMemoryHistory(14 * 24 * time.Hour)
	d := NewDetector(hist, nil, logger.NewNop())
	strat := &strategy.Strategy{
		ID:       1,
		MetricID: "system.cpu.usage",
		Detects: []strategy.DetectConfig{
			{Algorithm: strategy.AlgoWeekOnWeek, Severity: event.SeverityWarning, RatioPercent: 100},
		},
	}
	now := time.Now().UTC()
	hist.Record(seriesKey("system.cpu.usage", map[string]string{event.DimHostID: "42"}),
		now.Add(-7*24*time.Hour).Add(time.Minute), 40)

	v, err := d.Evaluate(context.Background(), strat, metricEvent(100, now))
	require.NoError(t, err)
	assert.True(t, v.Anomaly, "150% above the same instant last week")

	v, err = d.Evaluate(context.Background(), strat, metricEvent(60, now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, v.Anomaly)
}

func TestDetectorEventWithoutConfigIsAnomalous(t *testing.T) {
	d := NewDetector(nil, nil, logger.NewNop())
	strat := &strategy.Strategy{ID: 1, MetricID: "oom"}

	ev := metricEvent(math.NaN(), time.Now())
	ev.MetricID = "oom"
	ev.Severity = event.SeverityFatal

	v, err := d.Evaluate(context.Background(), strat, ev)
	require.NoError(t, err)
	assert.True(t, v.Anomaly, "event sources are anomalous by arrival")
	assert.Equal(t, event.SeverityFatal, v.Severity)
}

func TestDetectorExternalNonResponseIsUnknown(t *testing.T) {
	ext := NewHTTPExternal("http://detect.local/api/detect", time.Second)
	httpmock.ActivateNonDefault(ext.client)
	defer httpmock.DeactivateAndReset()

	d := NewDetector(nil, ext, logger.NewNop())
	strat := &strategy.Strategy{
		ID:       1,
		MetricID: "system.cpu.usage",
		Detects: []strategy.DetectConfig{
			{Algorithm: strategy.AlgoExternal, Severity: event.SeverityWarning},
		},
	}

	httpmock.RegisterResponder(http.MethodPost, "http://detect.local/api/detect",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))
	v, err := d.Evaluate(context.Background(), strat, metricEvent(50, time.Now()))
	require.NoError(t, err)
	assert.True(t, v.Unknown, "a silent remote is not an anomaly")

	httpmock.RegisterResponder(http.MethodPost, "http://detect.local/api/detect",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{"anomaly": true, "score": 0.93}))
	v, err = d.Evaluate(context.Background(), strat, metricEvent(50, time.Now().Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, v.Anomaly)
	assert.Equal(t, event.SeverityWarning, v.Severity)
}

func TestMemoryHistoryLookups(t *testing.T) {
	h := NewMemoryHistory(time.Hour)
	base := time.Now()
	h.Record("k", base, 1)
	h.Record("k", base.Add(time.Minute), 2)
	h.Record("k", base.Add(2*time.Minute), 3)

	v, ok, err := h.Last(context.Background(), "k", base.Add(90*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2, v, 1e-9)

	v, ok, err = h.ValueAt(context.Background(), "k", base.Add(70*time.Second), 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2, v, 1e-9, "nearest sample within tolerance")

	_, ok, err = h.ValueAt(context.Background(), "k", base.Add(30*time.Minute), 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = h.Last(context.Background(), "missing", base)
	require.NoError(t, err)
	assert.False(t, ok)
}
