// Package event defines the canonical normalized event model and the
// normalizer that converts heterogeneous raw monitoring payloads into it.
package event

import (
	"encoding/json"
	"math"
	"time"
)

// Kind tags the variant of a raw event payload. Dispatch is by tag; each
// kind has a pure parse, filter, and dimensions function.
type Kind string

const (
	KindAgentLost    Kind = "agent_lost"
	KindCorefile     Kind = "corefile"
	KindDiskFull     Kind = "disk_full"
	KindDiskReadonly Kind = "disk_readonly"
	KindOOM          Kind = "oom"
	KindPing         Kind = "ping"
	KindGseProcess   Kind = "gse_process"
	KindGeneric      Kind = "generic"
)

// Severity orders events from most to least urgent. Lower is more severe.
type Severity int

const (
	SeverityFatal   Severity = 1
	SeverityWarning Severity = 2
	SeverityRemind  Severity = 3
)

// String returns the wire name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	case SeverityWarning:
		return "warning"
	case SeverityRemind:
		return "remind"
	default:
		return "unknown"
	}
}

// MoreSevereThan reports whether s outranks other.
func (s Severity) MoreSevereThan(other Severity) bool {
	return s < other
}

// Closed dimension vocabulary. Target maps may only use these keys.
const (
	DimBizID           = "biz_id"
	DimCloudID         = "cloud_id"
	DimHostID          = "host_id"
	DimIP              = "ip"
	DimAgentID         = "agent_id"
	DimServiceInstance = "service_instance_id"
	DimContainerID     = "container_id"
	DimFilesystem      = "filesystem"
	DimProcess         = "process"
	DimDeviceName      = "device_name"
)

// knownDimensions is the closed set of allowed target keys.
var knownDimensions = map[string]struct{}{
	DimBizID:           {},
	DimCloudID:         {},
	DimHostID:          {},
	DimIP:              {},
	DimAgentID:         {},
	DimServiceInstance: {},
	DimContainerID:     {},
	DimFilesystem:      {},
	DimProcess:         {},
	DimDeviceName:      {},
}

// IsKnownDimension reports whether key belongs to the closed dimension
// vocabulary.
func IsKnownDimension(key string) bool {
	_, ok := knownDimensions[key]
	return ok
}

// RawPayload is an opaque message from the ingest queue. The Kind tag selects
// the parser.
type RawPayload struct {
	Kind       Kind
	Body       []byte
	ReceivedAt time.Time
}

// NormalizedEvent is the canonical, immutable event record the pipeline
// operates on. EventTime never exceeds ReceivedAt.
type NormalizedEvent struct {
	EventID    string            `json:"event_id"`
	ReceivedAt time.Time         `json:"received_at"`
	EventTime  time.Time         `json:"event_time"`
	Source     string            `json:"source"`
	Severity   Severity          `json:"severity"`
	Target     map[string]string `json:"target"`
	MetricID   string            `json:"metric_id"`
	Raw        json.RawMessage   `json:"raw,omitempty"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Unenriched bool              `json:"unenriched,omitempty"`
	// Value carries the sample for metric-bearing events (disk free
	// percent, generic metric value). NaN when absent.
	Value float64 `json:"value,omitempty"`
}

// HasValue reports whether the event carries a sample.
func (e *NormalizedEvent) HasValue() bool {
	return !math.IsNaN(e.Value)
}

// MarshalJSON omits the value field entirely when no sample is present, so
// the NaN sentinel never reaches the wire.
func (e NormalizedEvent) MarshalJSON() ([]byte, error) {
	type alias NormalizedEvent
	aux := struct {
		alias
		Value *float64 `json:"value,omitempty"`
	}{alias: alias(e)}
	if !math.IsNaN(e.Value) {
		aux.Value = &e.Value
	}
	return json.Marshal(aux)
}

// UnmarshalJSON restores the NaN sentinel for an absent value.
func (e *NormalizedEvent) UnmarshalJSON(data []byte) error {
	type alias NormalizedEvent
	aux := struct {
		*alias
		Value *float64 `json:"value"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Value != nil {
		e.Value = *aux.Value
	} else {
		e.Value = math.NaN()
	}
	return nil
}

// clampEventTime enforces event_time <= received_at. A zero event time means
// the collector did not report one; received time stands in.
func clampEventTime(eventTime, receivedAt time.Time) time.Time {
	if eventTime.IsZero() || eventTime.After(receivedAt) {
		return receivedAt
	}
	return eventTime
}

// eventTimeFrom interprets a wire unix timestamp. Collectors that omit the
// field send zero, which must not read as the 1970 epoch.
func eventTimeFrom(sec int64, receivedAt time.Time) time.Time {
	if sec == 0 {
		return receivedAt
	}
	return clampEventTime(time.Unix(sec, 0), receivedAt)
}
