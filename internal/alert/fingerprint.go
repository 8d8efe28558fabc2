package alert

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/kestrelmon/kestrel-go/internal/event"
)

// Fingerprint derives the stable identity hash of an alert from the strategy,
// the sorted target dimensions, the severity, and the metric. Two events with
// the same fingerprint fold into the same alert.
func Fingerprint(strategyID int64, target map[string]string, severity event.Severity, metricID string) string {
	keys := make([]string, 0, len(target))
	for k := range target {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	_, _ = h.WriteString(strconv.FormatInt(strategyID, 10))
	_, _ = h.WriteString("|")
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(target[k])
		_, _ = h.WriteString("|")
	}
	_, _ = h.WriteString(strconv.Itoa(int(severity)))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(metricID)
	return fmt.Sprintf("%016x", h.Sum64())
}

// shardOf maps a fingerprint onto one of n serial workers.
func shardOf(fingerprint string, n int) int {
	return int(xxhash.Sum64String(fingerprint) % uint64(n))
}
