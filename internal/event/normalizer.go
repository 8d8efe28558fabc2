package event

import (
	"context"
	"sort"
	"strconv"

	"github.com/kestrelmon/kestrel-go/internal/faults"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/observability/metrics"
)

// Deduper drops events already seen under at-least-once delivery.
type Deduper interface {
	// Seen records (eventID, bucketed receive time) and reports whether the
	// pair was already present.
	Seen(ctx context.Context, ev *NormalizedEvent) (bool, error)
}

// Normalizer converts raw ingest payloads into normalized events: parse,
// filter, fan out, enrich, dedup.
type Normalizer struct {
	opts    ParseOptions
	hosts   *HostCache
	deduper Deduper
	metrics *metrics.Pipeline
	log     logger.Logger
}

// NewNormalizer creates a Normalizer. The deduper may be nil (dedup
// disabled, e.g. in unit tests).
func NewNormalizer(opts ParseOptions, hosts *HostCache, deduper Deduper, m *metrics.Pipeline, log logger.Logger) *Normalizer {
	return &Normalizer{opts: opts, hosts: hosts, deduper: deduper, metrics: m, log: log}
}

// Normalize parses one raw payload into zero or more normalized events,
// ordered by event time. A parse failure drops the payload (not the batch the
// transport delivered it in) and is recorded in the per-kind error counter.
// Enrichment misses are not errors: the event flows through unenriched.
func (n *Normalizer) Normalize(ctx context.Context, raw RawPayload) ([]NormalizedEvent, error) {
	parse, ok := parsers[raw.Kind]
	if !ok {
		n.metrics.ParseErrors.WithLabelValues(string(raw.Kind)).Inc()
		return nil, faults.New(faults.KindParse, "unknown payload kind %q", raw.Kind)
	}

	events, err := parse(raw, n.opts)
	if err != nil {
		n.metrics.ParseErrors.WithLabelValues(string(raw.Kind)).Inc()
		n.log.Warn("dropping unparseable event",
			logger.String("kind", string(raw.Kind)),
			logger.Error(err))
		return nil, err
	}

	// Fan-out order is by event time.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].EventTime.Before(events[j].EventTime)
	})

	out := events[:0]
	for i := range events {
		ev := &events[i]
		n.enrich(ev)

		if n.deduper != nil {
			seen, derr := n.deduper.Seen(ctx, ev)
			if derr != nil {
				// Dedup store unavailable: let the event through rather
				// than stall the pipeline. Downstream folding by
				// fingerprint absorbs the duplicate.
				n.log.Warn("dedup check failed", logger.Error(derr))
			} else if seen {
				n.metrics.EventsDeduped.Inc()
				continue
			}
		}
		n.metrics.EventsParsed.WithLabelValues(string(raw.Kind)).Inc()
		out = append(out, *ev)
	}
	return out, nil
}

// enrich resolves the event target to a host id. Resolution order: agent id,
// then (cloud id, ip). Misses keep the raw identifiers and mark the event
// unenriched so downstream matching can still work on ip/cloud.
func (n *Normalizer) enrich(ev *NormalizedEvent) {
	if n.hosts == nil {
		return
	}
	if _, ok := ev.Target[DimHostID]; ok {
		return
	}
	if agentID, ok := ev.Target[DimAgentID]; ok {
		if host, ok := n.hosts.ByAgentID(agentID); ok {
			ev.Target[DimHostID] = strconv.Itoa(host.HostID)
			return
		}
	}
	ip, hasIP := ev.Target[DimIP]
	cloud, hasCloud := ev.Target[DimCloudID]
	if hasIP && hasCloud {
		cloudID, err := strconv.Atoi(cloud)
		if err == nil {
			if host, ok := n.hosts.ByAddr(cloudID, ip); ok {
				ev.Target[DimHostID] = strconv.Itoa(host.HostID)
				return
			}
		}
	}
	ev.Unenriched = true
	n.metrics.EnrichmentMisses.Inc()
}
