// Package converge rate-limits, coalesces, and defends action execution.
// Every parent spec passes through the converger before it reaches the
// runtime; decisions are keyed by a tuple of configurable dimensions and
// serialized per key.
package converge

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/kestrelmon/kestrel-go/internal/action"
)

// Dimension names a converge key may draw from.
const (
	DimStrategyID = "strategy_id"
	DimSignal     = "signal"
	DimSeverity   = "severity"
	DimPluginKind = "plugin_kind"
	DimTarget     = "target"
)

// DefaultDims is the key tuple used when a relation configures none.
var DefaultDims = []string{DimStrategyID, DimSignal, DimSeverity, DimPluginKind}

// Key derives the converge key of a spec over the given dimensions. Unknown
// dimension names resolve against the alert's dimensions, so keys can slice
// by host, cluster, or any other enriched field.
func Key(spec *action.Spec, dims []string) string {
	if len(dims) == 0 {
		dims = DefaultDims
	}
	parts := make([]string, 0, len(dims))
	for _, dim := range dims {
		parts = append(parts, dim+"="+dimValue(spec, dim))
	}
	sort.Strings(parts)

	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(p)
		_, _ = h.WriteString("|")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func dimValue(spec *action.Spec, dim string) string {
	switch dim {
	case DimStrategyID:
		return strconv.FormatInt(spec.StrategyID, 10)
	case DimSignal:
		return string(spec.Signal)
	case DimSeverity:
		return strconv.Itoa(int(spec.Severity))
	case DimPluginKind:
		return string(spec.PluginKind)
	case DimTarget:
		return targetValue(spec)
	default:
		if spec.Alert != nil {
			return spec.Alert.Dimensions[dim]
		}
		return ""
	}
}

// targetValue folds the whole dimension set, so "target" means the exact
// monitored entity.
func targetValue(spec *action.Spec) string {
	if spec.Alert == nil || len(spec.Alert.Dimensions) == 0 {
		return ""
	}
	keys := make([]string, 0, len(spec.Alert.Dimensions))
	for k := range spec.Alert.Dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += k + "=" + spec.Alert.Dimensions[k] + ";"
	}
	return out
}

// Isolate partitions a key by the deployment's isolation field so separate
// deployments sharing one store never converge across each other.
func Isolate(key, field string) string {
	if field == "" {
		return key
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(key+"|"+field))
}

// shardOf maps a converge key onto a lock shard.
func shardOf(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
