package alert

import "time"

// OpType tags an alert log entry with the operation it records.
type OpType string

const (
	OpCreate   OpType = "create"
	OpAck      OpType = "ack"
	OpAssign   OpType = "assign"
	OpShield   OpType = "shield"
	OpUnshield OpType = "unshield"
	OpAction   OpType = "action"
	OpRecover  OpType = "recover"
	OpClose    OpType = "close"
)

// LogEntry is one append-only audit record in an alert's flow log.
type LogEntry struct {
	AlertID     string    `json:"alert_id"`
	Op          OpType    `json:"op_type"`
	At          time.Time `json:"time"`
	Description string    `json:"description,omitempty"`
	// EventID is set on create entries and references the first received
	// triggering event.
	EventID string `json:"event_id,omitempty"`
	// Operator is set on manual operations (ack, assign, close).
	Operator string `json:"operator,omitempty"`
}
