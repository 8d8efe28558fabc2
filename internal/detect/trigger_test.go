package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

func TestRingTriggerMofN(t *testing.T) {
	trig := NewRingTrigger()
	cfg := strategy.TriggerConfig{Count: 3, CheckWindow: 5}
	now := time.Now()

	// anomaly, normal, anomaly, anomaly -> 3 of last 5.
	ts := trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	assert.False(t, ts.Triggered)
	trig.ObserveNormal("fp", cfg, now)
	ts = trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	assert.False(t, ts.Triggered)
	ts = trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	assert.True(t, ts.Triggered)
}

func TestRingTriggerAnomaliesAgeOut(t *testing.T) {
	trig := NewRingTrigger()
	cfg := strategy.TriggerConfig{Count: 2, CheckWindow: 3}
	now := time.Now()

	trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	for i := 0; i < 3; i++ {
		trig.ObserveNormal("fp", cfg, now)
	}
	// The old anomaly left the window; one new anomaly is not enough.
	ts := trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	assert.False(t, ts.Triggered)
}

func TestRingTriggerHighestSeverityWins(t *testing.T) {
	trig := NewRingTrigger()
	cfg := strategy.TriggerConfig{Count: 2, CheckWindow: 5}
	now := time.Now()

	trig.ObserveAnomaly("fp", cfg, event.SeverityRemind, now)
	ts := trig.ObserveAnomaly("fp", cfg, event.SeverityFatal, now)
	assert.True(t, ts.Triggered)
	assert.Equal(t, event.SeverityFatal, ts.Severity)

	// A milder anomaly later does not downgrade the window severity.
	ts = trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	assert.Equal(t, event.SeverityFatal, ts.Severity)
}

func TestRingTriggerConsecutiveNormals(t *testing.T) {
	trig := NewRingTrigger()
	cfg := strategy.TriggerConfig{Count: 1, CheckWindow: 3}
	now := time.Now()

	trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	for want := 1; want <= 5; want++ {
		ts := trig.ObserveNormal("fp", cfg, now)
		assert.Equal(t, want, ts.ConsecutiveNormal, "streak survives ring wrap-around")
	}
	ts := trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	assert.True(t, ts.Triggered)
	ts = trig.ObserveNormal("fp", cfg, now)
	assert.Equal(t, 1, ts.ConsecutiveNormal, "anomaly resets the streak")
}

func TestRingTriggerForget(t *testing.T) {
	trig := NewRingTrigger()
	cfg := strategy.TriggerConfig{Count: 2, CheckWindow: 3}
	now := time.Now()

	trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	trig.Forget("fp")
	ts := trig.ObserveAnomaly("fp", cfg, event.SeverityWarning, now)
	assert.False(t, ts.Triggered, "forgotten windows start empty")
}

func TestRingTriggerDefaultsDegenerateConfig(t *testing.T) {
	trig := NewRingTrigger()
	ts := trig.ObserveAnomaly("fp", strategy.TriggerConfig{}, event.SeverityWarning, time.Now())
	assert.True(t, ts.Triggered, "zero config behaves as 1 of 1")
}
