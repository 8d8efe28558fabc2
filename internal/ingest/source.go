// Package ingest provides the raw event queue abstraction the normalizer
// consumes from. Sources deliver opaque payloads at least once; backpressure
// is a bounded channel on which producers block.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/faults"
)

// Source is a stream of raw payloads from a transport.
type Source interface {
	// Events returns the payload channel. It is closed when the source
	// stops.
	Events() <-chan event.RawPayload
	// Stop detaches from the transport and closes the channel.
	Stop()
}

// ChanSource is an in-process source fed by Publish. It backs tests and the
// demo signal path.
type ChanSource struct {
	ch       chan event.RawPayload
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewChanSource creates a ChanSource with the given buffer capacity.
func NewChanSource(capacity int) *ChanSource {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ChanSource{
		ch:     make(chan event.RawPayload, capacity),
		stopCh: make(chan struct{}),
	}
}

// Publish enqueues a payload. It blocks while the queue is full; if ctx
// expires first, the transport sees a transient queue-full error and is
// expected to redeliver.
func (s *ChanSource) Publish(ctx context.Context, p event.RawPayload) error {
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now()
	}
	select {
	case <-s.stopCh:
		return faults.New(faults.KindCancelled, "ingest source stopped")
	case s.ch <- p:
		return nil
	case <-ctx.Done():
		return faults.Wrap(faults.KindTransientRemote, ctx.Err(), "ingest queue full")
	}
}

// Events implements Source.
func (s *ChanSource) Events() <-chan event.RawPayload { return s.ch }

// Stop implements Source. Safe to call multiple times.
func (s *ChanSource) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		close(s.ch)
	})
}
