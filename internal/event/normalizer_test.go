package event

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/observability/metrics"
)

type staticHosts struct {
	hosts []Host
}

func (s *staticHosts) ListHosts() ([]Host, error) { return s.hosts, nil }

func newTestHostCache(t *testing.T, hosts ...Host) *HostCache {
	t.Helper()
	c := NewHostCache(&staticHosts{hosts: hosts}, time.Minute, logger.NewNop())
	require.NoError(t, c.Refresh())
	return c
}

func newTestNormalizer(t *testing.T, hosts *HostCache, deduper Deduper) *Normalizer {
	t.Helper()
	opts := ParseOptions{IgnoredFilesystems: map[string]struct{}{"iso9660": {}}}
	return NewNormalizer(opts, hosts, deduper, metrics.NewPipeline(), logger.NewNop())
}

func TestNormalizeEnrichesHostID(t *testing.T) {
	hosts := newTestHostCache(t, Host{HostID: 42, CloudID: 0, IP: "10.0.0.1", AgentID: "agent-a"})
	n := newTestNormalizer(t, hosts, nil)

	raw := rawPayload(KindOOM, `{"cloud_id":0,"ip":"10.0.0.1","biz_id":2,"process":"mysqld","time":1748779100}`)
	events, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "42", events[0].Target[DimHostID])
	assert.False(t, events[0].Unenriched)
}

func TestNormalizeEnrichmentMissIsNotAnError(t *testing.T) {
	hosts := newTestHostCache(t)
	n := newTestNormalizer(t, hosts, nil)

	raw := rawPayload(KindOOM, `{"cloud_id":0,"ip":"10.9.9.9","biz_id":2,"process":"mysqld","time":1748779100}`)
	events, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Unenriched)
	assert.Equal(t, "10.9.9.9", events[0].Target[DimIP], "raw identifiers are preserved on miss")
}

func TestNormalizeEnrichesByAgentID(t *testing.T) {
	hosts := newTestHostCache(t, Host{HostID: 7, CloudID: 0, IP: "10.0.0.5", AgentID: "agent-z"})
	n := newTestNormalizer(t, hosts, nil)

	raw := rawPayload(KindAgentLost, `{"biz_id":2,"time":1748779100,"hosts":[{"cloud_id":9,"ip":"","agent_id":"agent-z"}]}`)
	events, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].Target[DimHostID])
}

func TestNormalizeUnknownKind(t *testing.T) {
	n := newTestNormalizer(t, nil, nil)
	_, err := n.Normalize(context.Background(), rawPayload(Kind("mystery"), `{}`))
	assert.Error(t, err)
}

func TestNormalizeOrdersFanOutByEventTime(t *testing.T) {
	n := newTestNormalizer(t, nil, nil)
	// Two payloads with distinct times arrive inside one packet only for
	// generic batches; here order is checked via the sort on equal input.
	raw := rawPayload(KindPing, `{"biz_id":2,"time":1748779100,"targets":[{"cloud_id":0,"ip":"10.0.0.2"},{"cloud_id":0,"ip":"10.0.0.1"}]}`)
	events, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].EventTime.Before(events[i-1].EventTime))
	}
}

func TestRedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	deduper := NewRedisDeduper(client, 10*time.Minute, time.Minute)

	ev := &NormalizedEvent{EventID: "ev-1", ReceivedAt: testReceived}
	ctx := context.Background()

	seen, err := deduper.Seen(ctx, ev)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = deduper.Seen(ctx, ev)
	require.NoError(t, err)
	assert.True(t, seen, "second delivery in the same bucket is a duplicate")

	// A later bucket is a fresh occurrence.
	later := &NormalizedEvent{EventID: "ev-1", ReceivedAt: testReceived.Add(2 * time.Minute)}
	seen, err = deduper.Seen(ctx, later)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestNormalizeDedupDropsDuplicates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	deduper := NewRedisDeduper(client, 10*time.Minute, time.Minute)
	n := newTestNormalizer(t, nil, deduper)

	// Generic events carry producer-assigned ids, so redelivery dedups.
	body := `{"event_id":"stable-id","biz_id":2,"metric_id":"custom.qps","severity":2,"time":1748779100}`
	first, err := n.Normalize(context.Background(), rawPayload(KindGeneric, body))
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := n.Normalize(context.Background(), rawPayload(KindGeneric, body))
	require.NoError(t, err)
	assert.Empty(t, second)
}
