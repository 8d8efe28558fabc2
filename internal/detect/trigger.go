package detect

import (
	"sync"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

type tick struct {
	anomaly  bool
	severity event.Severity
}

// window is the per-fingerprint record of the last n evaluation ticks.
type window struct {
	ring   []tick
	next   int
	filled int
	// consecutiveNormal counts normals since the last anomaly, across
	// ring wrap-around.
	consecutiveNormal int
}

func (w *window) push(t tick, n int) {
	if len(w.ring) != n {
		// Window size changed with the strategy; restart the ring but
		// keep the normal streak.
		w.ring = make([]tick, n)
		w.next = 0
		w.filled = 0
	}
	w.ring[w.next] = t
	w.next = (w.next + 1) % n
	if w.filled < n {
		w.filled++
	}
}

// anomalies returns the anomaly count and the highest severity in the window.
func (w *window) anomalies() (int, event.Severity) {
	count := 0
	var best event.Severity
	for i := 0; i < w.filled; i++ {
		t := w.ring[i]
		if !t.anomaly {
			continue
		}
		count++
		if best == 0 || t.severity.MoreSevereThan(best) {
			best = t.severity
		}
	}
	return count, best
}

// RingTrigger implements the m-of-n promotion and k-consecutive-normal
// recovery windows over per-fingerprint tick rings.
type RingTrigger struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewRingTrigger creates an empty evaluator.
func NewRingTrigger() *RingTrigger {
	return &RingTrigger{windows: make(map[string]*window)}
}

func (r *RingTrigger) window(fp string) *window {
	w, ok := r.windows[fp]
	if !ok {
		w = &window{}
		r.windows[fp] = w
	}
	return w
}

// ObserveAnomaly records an anomalous tick and reports whether the m-of-n
// promotion condition holds.
func (r *RingTrigger) ObserveAnomaly(fp string, cfg strategy.TriggerConfig, sev event.Severity, _ time.Time) alert.TriggerState {
	m, n := bounds(cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.window(fp)
	w.push(tick{anomaly: true, severity: sev}, n)
	w.consecutiveNormal = 0
	count, best := w.anomalies()
	return alert.TriggerState{
		Triggered: count >= m,
		Severity:  best,
	}
}

// ObserveNormal records a normal tick and reports the current normal streak.
func (r *RingTrigger) ObserveNormal(fp string, cfg strategy.TriggerConfig, _ time.Time) alert.TriggerState {
	_, n := bounds(cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.window(fp)
	w.push(tick{}, n)
	w.consecutiveNormal++
	return alert.TriggerState{ConsecutiveNormal: w.consecutiveNormal}
}

// Forget drops the window for a fingerprint.
func (r *RingTrigger) Forget(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, fp)
}

func bounds(cfg strategy.TriggerConfig) (m, n int) {
	m, n = cfg.Count, cfg.CheckWindow
	if m <= 0 {
		m = 1
	}
	if n < m {
		n = m
	}
	return m, n
}
