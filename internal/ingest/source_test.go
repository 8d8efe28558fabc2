package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/faults"
)

func TestChanSourcePublishAndReceive(t *testing.T) {
	s := NewChanSource(4)
	defer s.Stop()

	require.NoError(t, s.Publish(context.Background(), event.RawPayload{
		Kind: event.KindPing,
		Body: []byte(`{}`),
	}))

	select {
	case p := <-s.Events():
		assert.Equal(t, event.KindPing, p.Kind)
		assert.False(t, p.ReceivedAt.IsZero(), "receive time is stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("payload not delivered")
	}
}

func TestChanSourceBackpressure(t *testing.T) {
	s := NewChanSource(1)
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, event.RawPayload{Kind: event.KindPing}))

	// Queue full: a bounded-wait publish surfaces queue-full as transient.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.Publish(shortCtx, event.RawPayload{Kind: event.KindPing})
	require.Error(t, err)
	assert.Equal(t, faults.KindTransientRemote, faults.KindOf(err))
}

func TestChanSourceStop(t *testing.T) {
	s := NewChanSource(1)
	s.Stop()
	s.Stop() // idempotent

	err := s.Publish(context.Background(), event.RawPayload{Kind: event.KindPing})
	require.Error(t, err)
	assert.Equal(t, faults.KindCancelled, faults.KindOf(err))

	_, open := <-s.Events()
	assert.False(t, open, "events channel closes on stop")
}

func TestKindFromTopic(t *testing.T) {
	assert.Equal(t, event.KindDiskFull, kindFromTopic("kestrel/events/disk_full"))
	assert.Equal(t, event.Kind("ping"), kindFromTopic("a/b/ping"))
	assert.Equal(t, event.Kind("bare"), kindFromTopic("bare"))
}
