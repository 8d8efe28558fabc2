package entities

// Action task statuses. Received, waiting, and running are live; the rest
// are terminal.
const (
	ActionStatusReceived = "received"
	ActionStatusWaiting  = "waiting"
	ActionStatusRunning  = "running"
	ActionStatusSuccess  = "success"
	ActionStatusFailure  = "failure"
	ActionStatusPartial  = "partial"
	ActionStatusSkipped  = "skipped"
	ActionStatusShield   = "shield"
	// ActionStatusExpired marks a task cancelled before completion; it is
	// terminal but distinct from failure.
	ActionStatusExpired = "expired"
)

// ActionLiveStatuses lists the non-terminal task statuses.
var ActionLiveStatuses = []string{ActionStatusReceived, ActionStatusWaiting, ActionStatusRunning}

// ActionTerminalStatuses lists the terminal task statuses.
var ActionTerminalStatuses = []string{
	ActionStatusSuccess, ActionStatusFailure, ActionStatusPartial,
	ActionStatusSkipped, ActionStatusShield, ActionStatusExpired,
}

// IsTerminalActionStatus reports whether the status admits no further runs.
func IsTerminalActionStatus(status string) bool {
	switch status {
	case ActionStatusSuccess, ActionStatusFailure, ActionStatusPartial,
		ActionStatusSkipped, ActionStatusShield, ActionStatusExpired:
		return true
	default:
		return false
	}
}

// Converge instance statuses.
const (
	ConvergeStatusCollecting = "collecting"
	ConvergeStatusProducing  = "producing"
	ConvergeStatusClosed     = "closed"
)
