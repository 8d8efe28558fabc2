package repository

import "errors"

// Sentinel errors returned by the repositories.
var (
	ErrActionNotFound       = errors.New("action instance not found")
	ErrConvergeNotFound     = errors.New("converge record not found")
	ErrShieldRuleNotFound   = errors.New("shield rule not found")
	ErrSnapshotNotFound     = errors.New("strategy snapshot not found")
	ErrActionConfigNotFound = errors.New("action config not found")
	// ErrStaleVersion is returned when an update carries a version that no
	// longer matches the stored row.
	ErrStaleVersion = errors.New("stale version")
)
