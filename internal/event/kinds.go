package event

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/kestrelmon/kestrel-go/internal/faults"
)

// parseFunc decodes one raw payload into zero or more normalized events.
// Parsers are pure: enrichment and dedup happen later in the normalizer.
type parseFunc func(raw RawPayload, opts ParseOptions) ([]NormalizedEvent, error)

// ParseOptions carries the per-kind filter configuration.
type ParseOptions struct {
	// IgnoredFilesystems drops disk events whose filesystem type is listed
	// (e.g. iso9660 mounts, which are always full).
	IgnoredFilesystems map[string]struct{}
}

// parsers maps each payload kind to its parser. The set is closed; unknown
// tags are a parse error.
var parsers = map[Kind]parseFunc{
	KindAgentLost:    parseAgentLost,
	KindCorefile:     parseCorefile,
	KindDiskFull:     parseDiskFull,
	KindDiskReadonly: parseDiskReadonly,
	KindOOM:          parseOOM,
	KindPing:         parsePing,
	KindGseProcess:   parseGseProcess,
	KindGeneric:      parseGeneric,
}

type hostRef struct {
	CloudID int    `json:"cloud_id"`
	IP      string `json:"ip"`
	AgentID string `json:"agent_id,omitempty"`
}

func (h hostRef) target() map[string]string {
	t := map[string]string{
		DimCloudID: strconv.Itoa(h.CloudID),
	}
	if h.IP != "" {
		t[DimIP] = h.IP
	}
	if h.AgentID != "" {
		t[DimAgentID] = h.AgentID
	}
	return t
}

// agentLostPayload lists every host whose agent went silent in one packet.
type agentLostPayload struct {
	Hosts []hostRef `json:"hosts"`
	BizID int       `json:"biz_id"`
	Time  int64     `json:"time"` // unix seconds
}

func parseAgentLost(raw RawPayload, _ ParseOptions) ([]NormalizedEvent, error) {
	var p agentLostPayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "agent_lost payload")
	}
	events := make([]NormalizedEvent, 0, len(p.Hosts))
	for _, h := range p.Hosts {
		target := h.target()
		target[DimBizID] = strconv.Itoa(p.BizID)
		events = append(events, NormalizedEvent{
			EventID:    uuid.NewString(),
			ReceivedAt: raw.ReceivedAt,
			EventTime:  eventTimeFrom(p.Time, raw.ReceivedAt),
			Source:     string(KindAgentLost),
			Severity:   SeverityFatal,
			Target:     target,
			MetricID:   "agent_lost",
			Raw:        raw.Body,
			Title:      "Agent heartbeat lost",
			Message:    fmt.Sprintf("agent on %s (cloud %d) stopped reporting", h.IP, h.CloudID),
			Value:      math.NaN(),
		})
	}
	return events, nil
}

type corefilePayload struct {
	hostRef
	BizID      int    `json:"biz_id"`
	Executable string `json:"executable"`
	Signal     string `json:"signal"`
	Corefile   string `json:"corefile"`
	Time       int64  `json:"time"`
}

// parseCorefile drops records with an empty executable path: those are
// truncated dumps the kernel could not attribute to a process.
func parseCorefile(raw RawPayload, _ ParseOptions) ([]NormalizedEvent, error) {
	var p corefilePayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "corefile payload")
	}
	if p.Executable == "" {
		return nil, nil
	}
	target := p.target()
	target[DimBizID] = strconv.Itoa(p.BizID)
	target[DimProcess] = p.Executable
	return []NormalizedEvent{{
		EventID:    uuid.NewString(),
		ReceivedAt: raw.ReceivedAt,
		EventTime:  eventTimeFrom(p.Time, raw.ReceivedAt),
		Source:     string(KindCorefile),
		Severity:   SeverityWarning,
		Target:     target,
		MetricID:   "corefile",
		Raw:        raw.Body,
		Title:      "Core dump produced",
		Message:    fmt.Sprintf("%s dumped core (signal %s) on %s", p.Executable, p.Signal, p.IP),
		Value:      math.NaN(),
	}}, nil
}

type diskFullPayload struct {
	hostRef
	BizID       int     `json:"biz_id"`
	Filesystem  string  `json:"filesystem"`
	FSType      string  `json:"fs_type"`
	FreePercent float64 `json:"free_percent"`
	Time        int64   `json:"time"`
}

func parseDiskFull(raw RawPayload, opts ParseOptions) ([]NormalizedEvent, error) {
	var p diskFullPayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "disk_full payload")
	}
	if _, ignored := opts.IgnoredFilesystems[p.FSType]; ignored {
		return nil, nil
	}
	target := p.target()
	target[DimBizID] = strconv.Itoa(p.BizID)
	target[DimFilesystem] = p.Filesystem
	return []NormalizedEvent{{
		EventID:    uuid.NewString(),
		ReceivedAt: raw.ReceivedAt,
		EventTime:  eventTimeFrom(p.Time, raw.ReceivedAt),
		Source:     string(KindDiskFull),
		Severity:   SeverityWarning,
		Target:     target,
		MetricID:   "disk_full",
		Raw:        raw.Body,
		Title:      "Disk nearly full",
		Message:    fmt.Sprintf("%s on %s has %.1f%% free", p.Filesystem, p.IP, p.FreePercent),
		Value:      p.FreePercent,
	}}, nil
}

type diskReadonlyEntry struct {
	Filesystem string `json:"filesystem"`
	FSType     string `json:"fs_type"`
	Position   string `json:"position"`
}

type diskReadonlyPayload struct {
	hostRef
	BizID int                 `json:"biz_id"`
	RO    []diskReadonlyEntry `json:"ro"`
	Time  int64               `json:"time"`
}

// parseDiskReadonly removes ignored filesystem types element-wise; the event
// survives as long as at least one entry remains.
func parseDiskReadonly(raw RawPayload, opts ParseOptions) ([]NormalizedEvent, error) {
	var p diskReadonlyPayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "disk_readonly payload")
	}
	kept := p.RO[:0]
	for _, entry := range p.RO {
		if _, ignored := opts.IgnoredFilesystems[entry.FSType]; !ignored {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(kept))
	for _, entry := range kept {
		names = append(names, entry.Filesystem)
	}
	sort.Strings(names)
	target := p.target()
	target[DimBizID] = strconv.Itoa(p.BizID)
	target[DimFilesystem] = names[0]
	return []NormalizedEvent{{
		EventID:    uuid.NewString(),
		ReceivedAt: raw.ReceivedAt,
		EventTime:  eventTimeFrom(p.Time, raw.ReceivedAt),
		Source:     string(KindDiskReadonly),
		Severity:   SeverityFatal,
		Target:     target,
		MetricID:   "disk_readonly",
		Raw:        raw.Body,
		Title:      "Filesystem remounted read-only",
		Message:    fmt.Sprintf("%d filesystem(s) read-only on %s: %v", len(kept), p.IP, names),
		Value:      math.NaN(),
	}}, nil
}

type oomPayload struct {
	hostRef
	BizID   int    `json:"biz_id"`
	Process string `json:"process"`
	Memcg   string `json:"task_memcg"`
	Time    int64  `json:"time"`
}

func parseOOM(raw RawPayload, _ ParseOptions) ([]NormalizedEvent, error) {
	var p oomPayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "oom payload")
	}
	target := p.target()
	target[DimBizID] = strconv.Itoa(p.BizID)
	if p.Process != "" {
		target[DimProcess] = p.Process
	}
	return []NormalizedEvent{{
		EventID:    uuid.NewString(),
		ReceivedAt: raw.ReceivedAt,
		EventTime:  eventTimeFrom(p.Time, raw.ReceivedAt),
		Source:     string(KindOOM),
		Severity:   SeverityFatal,
		Target:     target,
		MetricID:   "oom",
		Raw:        raw.Body,
		Title:      "Out of memory",
		Message:    fmt.Sprintf("oom-killer terminated %s on %s", p.Process, p.IP),
		Value:      math.NaN(),
	}}, nil
}

type pingPayload struct {
	Targets []hostRef `json:"targets"`
	BizID   int       `json:"biz_id"`
	Time    int64     `json:"time"`
}

// parsePing fans one unreachable-report packet out into one event per target
// ip, preserving event time order.
func parsePing(raw RawPayload, _ ParseOptions) ([]NormalizedEvent, error) {
	var p pingPayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "ping payload")
	}
	events := make([]NormalizedEvent, 0, len(p.Targets))
	for _, h := range p.Targets {
		target := h.target()
		target[DimBizID] = strconv.Itoa(p.BizID)
		events = append(events, NormalizedEvent{
			EventID:    uuid.NewString(),
			ReceivedAt: raw.ReceivedAt,
			EventTime:  eventTimeFrom(p.Time, raw.ReceivedAt),
			Source:     string(KindPing),
			Severity:   SeverityFatal,
			Target:     target,
			MetricID:   "ping_unreachable",
			Raw:        raw.Body,
			Title:      "Host unreachable",
			Message:    fmt.Sprintf("ping to %s (cloud %d) failed", h.IP, h.CloudID),
			Value:      math.NaN(),
		})
	}
	return events, nil
}

type gseProcessPayload struct {
	hostRef
	BizID       int    `json:"biz_id"`
	ProcessName string `json:"process_name"`
	EventType   string `json:"event_type"` // e.g. process_down, process_restart
	Time        int64  `json:"time"`
}

func parseGseProcess(raw RawPayload, _ ParseOptions) ([]NormalizedEvent, error) {
	var p gseProcessPayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "gse_process payload")
	}
	target := p.target()
	target[DimBizID] = strconv.Itoa(p.BizID)
	target[DimProcess] = p.ProcessName
	severity := SeverityWarning
	if p.EventType == "process_down" {
		severity = SeverityFatal
	}
	return []NormalizedEvent{{
		EventID:    uuid.NewString(),
		ReceivedAt: raw.ReceivedAt,
		EventTime:  eventTimeFrom(p.Time, raw.ReceivedAt),
		Source:     string(KindGseProcess),
		Severity:   severity,
		Target:     target,
		MetricID:   "gse_process_event",
		Raw:        raw.Body,
		Title:      "Process event",
		Message:    fmt.Sprintf("%s: %s on %s", p.EventType, p.ProcessName, p.IP),
		Value:      math.NaN(),
	}}, nil
}

type genericPayload struct {
	EventID    string            `json:"event_id"`
	BizID      int               `json:"biz_id"`
	Severity   int               `json:"severity"`
	MetricID   string            `json:"metric_id"`
	Dimensions map[string]string `json:"dimensions"`
	Value      *float64          `json:"value"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Time       int64             `json:"time"`
}

// parseGeneric handles custom metric/custom event reports. Unknown dimension
// keys are rejected to keep the target vocabulary closed.
func parseGeneric(raw RawPayload, _ ParseOptions) ([]NormalizedEvent, error) {
	var p genericPayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "generic payload")
	}
	if p.MetricID == "" {
		return nil, faults.New(faults.KindParse, "generic event missing metric_id")
	}
	target := map[string]string{DimBizID: strconv.Itoa(p.BizID)}
	for k, v := range p.Dimensions {
		if !IsKnownDimension(k) {
			return nil, faults.New(faults.KindParse, "unknown dimension %q", k)
		}
		target[k] = v
	}
	severity := Severity(p.Severity)
	if severity < SeverityFatal || severity > SeverityRemind {
		severity = SeverityRemind
	}
	id := p.EventID
	if id == "" {
		id = uuid.NewString()
	}
	value := math.NaN()
	if p.Value != nil {
		value = *p.Value
	}
	return []NormalizedEvent{{
		EventID:    id,
		ReceivedAt: raw.ReceivedAt,
		EventTime:  eventTimeFrom(p.Time, raw.ReceivedAt),
		Source:     string(KindGeneric),
		Severity:   severity,
		Target:     target,
		MetricID:   p.MetricID,
		Raw:        raw.Body,
		Title:      p.Title,
		Message:    p.Message,
		Value:      value,
	}}, nil
}
