// Package metrics exposes prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds every counter the pipeline records. All components share one
// instance owned by the process context.
type Pipeline struct {
	Registry *prometheus.Registry

	EventsParsed     *prometheus.CounterVec // by event kind
	ParseErrors      *prometheus.CounterVec // by event kind
	EventsDeduped    prometheus.Counter
	EnrichmentMisses prometheus.Counter

	AlertsOpened    prometheus.Counter
	AlertsRecovered prometheus.Counter
	AlertsClosed    prometheus.Counter

	ShieldMatches prometheus.Counter

	ConvergeDecisions *prometheus.CounterVec // by function, outcome

	ActionExecutions *prometheus.CounterVec // by plugin kind, status
	ActionRetries    prometheus.Counter

	Quarantined prometheus.Counter
}

// NewPipeline creates and registers the pipeline metric set on a fresh
// registry.
func NewPipeline() *Pipeline {
	reg := prometheus.NewRegistry()
	p := &Pipeline{
		Registry: reg,
		EventsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_events_parsed_total",
			Help: "Raw events successfully normalized, by event kind.",
		}, []string{"kind"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_event_parse_errors_total",
			Help: "Events dropped because the payload failed to decode, by kind.",
		}, []string{"kind"}),
		EventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_events_deduped_total",
			Help: "Events dropped by at-least-once delivery dedup.",
		}),
		EnrichmentMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_enrichment_misses_total",
			Help: "Events that could not be resolved to a host.",
		}),
		AlertsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_alerts_opened_total",
			Help: "Alerts created after the trigger window was satisfied.",
		}),
		AlertsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_alerts_recovered_total",
			Help: "Alerts that reached the recovered state.",
		}),
		AlertsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_alerts_closed_total",
			Help: "Alerts closed manually or by TTL.",
		}),
		ShieldMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_shield_matches_total",
			Help: "Shield decisions that marked an alert shielded.",
		}),
		ConvergeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_converge_decisions_total",
			Help: "Converger decisions, by converge function and outcome.",
		}, []string{"function", "outcome"}),
		ActionExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_action_executions_total",
			Help: "Action task terminal states, by plugin kind and status.",
		}, []string{"plugin", "status"}),
		ActionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_action_retries_total",
			Help: "Sub task execution retries.",
		}),
		Quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_quarantined_records_total",
			Help: "Records quarantined after an invariant violation.",
		}),
	}
	reg.MustRegister(
		p.EventsParsed, p.ParseErrors, p.EventsDeduped, p.EnrichmentMisses,
		p.AlertsOpened, p.AlertsRecovered, p.AlertsClosed,
		p.ShieldMatches, p.ConvergeDecisions,
		p.ActionExecutions, p.ActionRetries, p.Quarantined,
	)
	return p
}
