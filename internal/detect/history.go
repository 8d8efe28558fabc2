package detect

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HistoryProvider serves past samples for ratio-style algorithms. Lookups
// are fuzzy: the sample closest to the requested instant within tolerance
// wins.
type HistoryProvider interface {
	// ValueAt returns the sample for the series nearest to at, or
	// ok=false when none exists within tolerance.
	ValueAt(ctx context.Context, seriesKey string, at time.Time, tolerance time.Duration) (float64, bool, error)
	// Last returns the most recent sample strictly before at.
	Last(ctx context.Context, seriesKey string, at time.Time) (float64, bool, error)
}

type sample struct {
	at    time.Time
	value float64
}

// MemoryHistory is a bounded in-memory sample store keyed by series. The
// detector records every evaluated sample so rate-of-change and ratio
// algorithms have a lookback window without an external TSDB.
type MemoryHistory struct {
	mu        sync.RWMutex
	series    map[string][]sample
	retention time.Duration
}

// NewMemoryHistory creates a history with the given retention horizon.
func NewMemoryHistory(retention time.Duration) *MemoryHistory {
	if retention <= 0 {
		retention = 8 * 24 * time.Hour
	}
	return &MemoryHistory{
		series:    make(map[string][]sample),
		retention: retention,
	}
}

// Record appends one sample and prunes anything past the retention horizon.
func (h *MemoryHistory) Record(seriesKey string, at time.Time, value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := append(h.series[seriesKey], sample{at: at, value: value})
	cutoff := at.Add(-h.retention)
	trim := 0
	for trim < len(s) && s[trim].at.Before(cutoff) {
		trim++
	}
	h.series[seriesKey] = s[trim:]
}

// ValueAt implements HistoryProvider.
func (h *MemoryHistory) ValueAt(_ context.Context, seriesKey string, at time.Time, tolerance time.Duration) (float64, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[seriesKey]
	if len(s) == 0 {
		return 0, false, nil
	}
	idx := sort.Search(len(s), func(i int) bool { return !s[i].at.Before(at) })
	best := -1
	var bestDist time.Duration
	for _, i := range []int{idx - 1, idx} {
		if i < 0 || i >= len(s) {
			continue
		}
		d := s[i].at.Sub(at)
		if d < 0 {
			d = -d
		}
		if d <= tolerance && (best < 0 || d < bestDist) {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return 0, false, nil
	}
	return s[best].value, true, nil
}

// Last implements HistoryProvider.
func (h *MemoryHistory) Last(_ context.Context, seriesKey string, at time.Time) (float64, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[seriesKey]
	idx := sort.Search(len(s), func(i int) bool { return !s[i].at.Before(at) })
	if idx == 0 {
		return 0, false, nil
	}
	return s[idx-1].value, true, nil
}
