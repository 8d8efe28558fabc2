// Package pipeline wires the processing stages together and pumps raw
// events from the ingest source through normalization into the alert
// builder.
package pipeline

import (
	"context"
	"sync"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/ingest"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/observability/metrics"
)

// Pipeline pumps raw payloads from the source into the builder. Ordering per
// fingerprint is preserved by the builder's own shard workers, so the pump
// itself can run several consumers.
type Pipeline struct {
	source     ingest.Source
	normalizer *event.Normalizer
	builder    *alert.Builder

	consumers int
	m         *metrics.Pipeline
	log       logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline with the given number of pump consumers.
func New(
	source ingest.Source,
	normalizer *event.Normalizer,
	builder *alert.Builder,
	consumers int,
	m *metrics.Pipeline,
	log logger.Logger,
) *Pipeline {
	if consumers <= 0 {
		consumers = 2
	}
	return &Pipeline{
		source:     source,
		normalizer: normalizer,
		builder:    builder,
		consumers:  consumers,
		m:          m,
		log:        log.With(logger.String("component", "pipeline")),
	}
}

// Start launches the pump consumers.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.consumers; i++ {
		p.wg.Add(1)
		go p.pump(ctx)
	}
	p.log.Info("pipeline started", logger.Int("consumers", p.consumers))
}

// Stop cancels the pump and waits for in-flight events to land.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("pipeline stopped")
}

func (p *Pipeline) pump(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-p.source.Events():
			if !ok {
				return
			}
			p.handle(ctx, raw)
		}
	}
}

// handle normalizes one payload and feeds the resulting events to the
// builder. A single bad event never drops its batch.
func (p *Pipeline) handle(ctx context.Context, raw event.RawPayload) {
	events, err := p.normalizer.Normalize(ctx, raw)
	if err != nil {
		p.log.Debug("payload dropped", logger.Error(err))
		return
	}
	for i := range events {
		ev := events[i]
		if _, err := p.builder.Ingest(ctx, &ev); err != nil {
			p.log.Warn("event not ingested",
				logger.String("event_id", ev.EventID), logger.Error(err))
		}
	}
}
