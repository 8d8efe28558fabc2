package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testReceived = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func rawPayload(kind Kind, body string) RawPayload {
	return RawPayload{Kind: kind, Body: []byte(body), ReceivedAt: testReceived}
}

func TestParseAgentLostFansOutPerHost(t *testing.T) {
	raw := rawPayload(KindAgentLost, `{
		"biz_id": 2,
		"time": 1748779100,
		"hosts": [
			{"cloud_id": 0, "ip": "10.0.0.1"},
			{"cloud_id": 0, "ip": "10.0.0.2", "agent_id": "agent-b"}
		]
	}`)
	events, err := parseAgentLost(raw, ParseOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "10.0.0.1", events[0].Target[DimIP])
	assert.Equal(t, "2", events[0].Target[DimBizID])
	assert.Equal(t, SeverityFatal, events[0].Severity)
	assert.Equal(t, "agent-b", events[1].Target[DimAgentID])
	assert.NotEqual(t, events[0].EventID, events[1].EventID)
}

func TestParseCorefileDropsEmptyExecutable(t *testing.T) {
	raw := rawPayload(KindCorefile, `{"cloud_id":0,"ip":"10.0.0.1","executable":"","time":1748779100}`)
	events, err := parseCorefile(raw, ParseOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseDiskFullIgnoredFSType(t *testing.T) {
	opts := ParseOptions{IgnoredFilesystems: map[string]struct{}{"iso9660": {}}}

	raw := rawPayload(KindDiskFull, `{"cloud_id":0,"ip":"10.0.0.1","filesystem":"/dev/sr0","fs_type":"iso9660","free_percent":0,"time":1748779100}`)
	events, err := parseDiskFull(raw, opts)
	require.NoError(t, err)
	assert.Empty(t, events, "ignored filesystem type should drop the event")

	raw = rawPayload(KindDiskFull, `{"cloud_id":0,"ip":"10.0.0.1","filesystem":"/dev/vda1","fs_type":"ext4","free_percent":7,"time":1748779100}`)
	events, err = parseDiskFull(raw, opts)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "/dev/vda1", events[0].Target[DimFilesystem])
	assert.InDelta(t, 7.0, events[0].Value, 1e-9)
}

func TestParseDiskReadonlyElementWiseFilter(t *testing.T) {
	opts := ParseOptions{IgnoredFilesystems: map[string]struct{}{"iso9660": {}}}
	raw := rawPayload(KindDiskReadonly, `{
		"cloud_id": 0, "ip": "10.0.0.1", "time": 1748779100,
		"ro": [
			{"filesystem": "/dev/sr0", "fs_type": "iso9660", "position": "cdrom"},
			{"filesystem": "/dev/vdb1", "fs_type": "ext4", "position": "mount"}
		]
	}`)
	events, err := parseDiskReadonly(raw, opts)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "/dev/vdb1")
	assert.NotContains(t, events[0].Message, "/dev/sr0")

	// All entries ignored: the whole event is dropped.
	raw = rawPayload(KindDiskReadonly, `{
		"cloud_id": 0, "ip": "10.0.0.1", "time": 1748779100,
		"ro": [{"filesystem": "/dev/sr0", "fs_type": "iso9660", "position": "cdrom"}]
	}`)
	events, err = parseDiskReadonly(raw, opts)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParsePingFansOut(t *testing.T) {
	raw := rawPayload(KindPing, `{
		"biz_id": 2, "time": 1748779100,
		"targets": [{"cloud_id":0,"ip":"10.0.0.1"},{"cloud_id":0,"ip":"10.0.0.2"},{"cloud_id":1,"ip":"10.0.0.1"}]
	}`)
	events, err := parsePing(raw, ParseOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestParseGenericRejectsUnknownDimension(t *testing.T) {
	raw := rawPayload(KindGeneric, `{
		"biz_id": 2, "metric_id": "custom.qps", "severity": 2,
		"dimensions": {"ip": "10.0.0.1", "flavor": "blue"},
		"time": 1748779100
	}`)
	_, err := parseGeneric(raw, ParseOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flavor")
}

func TestParseGenericMissingMetric(t *testing.T) {
	raw := rawPayload(KindGeneric, `{"biz_id":2,"severity":1,"time":1748779100}`)
	_, err := parseGeneric(raw, ParseOptions{})
	assert.Error(t, err)
}

func TestClampEventTime(t *testing.T) {
	future := testReceived.Add(time.Hour)
	assert.Equal(t, testReceived, clampEventTime(future, testReceived))
	assert.Equal(t, testReceived, clampEventTime(time.Time{}, testReceived))

	past := testReceived.Add(-time.Hour)
	assert.Equal(t, past, clampEventTime(past, testReceived))

	// Wire zero means the collector omitted the field, not the 1970 epoch.
	assert.Equal(t, testReceived, eventTimeFrom(0, testReceived))
	assert.Equal(t, past, eventTimeFrom(past.Unix(), testReceived))
}

func TestParseMissingTimeFallsBackToReceived(t *testing.T) {
	raw := rawPayload(KindOOM, `{"cloud_id":0,"ip":"10.0.0.1","process":"mysqld","task_memcg":"/sys/fs/cgroup"}`)
	events, err := parseOOM(raw, ParseOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, testReceived, events[0].EventTime)
}

// serialize(NormalizedEvent) then parse must be identity on the parseable
// subset.
func TestNormalizedEventJSONRoundTrip(t *testing.T) {
	ev := NormalizedEvent{
		EventID:    "ev-1",
		ReceivedAt: testReceived,
		EventTime:  testReceived.Add(-30 * time.Second),
		Source:     string(KindDiskFull),
		Severity:   SeverityWarning,
		Target:     map[string]string{DimBizID: "2", DimIP: "10.0.0.1", DimCloudID: "0"},
		MetricID:   "disk_full",
		Title:      "Disk nearly full",
		Message:    "/dev/vda1 on 10.0.0.1 has 7.0% free",
		Value:      7,
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var back NormalizedEvent
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, ev.EventTime.Equal(back.EventTime))
	back.EventTime = ev.EventTime
	back.ReceivedAt = ev.ReceivedAt
	assert.Equal(t, ev, back)
}
