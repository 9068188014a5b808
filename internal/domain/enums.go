// Package domain defines the core domain models for the escrow runner.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusOpening    RunStatus = "opening"
	RunStatusRunning    RunStatus = "running"
	RunStatusFinalizing RunStatus = "finalizing"
	RunStatusFinalized  RunStatus = "finalized"
	RunStatusFailed     RunStatus = "failed"
)

// InFlight reports whether the status belongs to the single active pipeline slot.
func (s RunStatus) InFlight() bool {
	switch s {
	case RunStatusOpening, RunStatusRunning, RunStatusFinalizing:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition applies.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFinalized || s == RunStatusFailed
}

// TxKind names a submitted ledger transaction within a run.
type TxKind string

const (
	TxKindOpen     TxKind = "open"
	TxKindFinalize TxKind = "finalize"
)

// EventType represents the type of an audit event.
type EventType string

const (
	EventTypeRunEnqueued         EventType = "run_enqueued"
	EventTypeRunOpening          EventType = "run_opening"
	EventTypeRateVersionResolved EventType = "rate_version_resolved"
	EventTypeRunOpened           EventType = "run_opened"
	EventTypeWorkloadDone        EventType = "workload_done"
	EventTypeRunFinalized        EventType = "run_finalized"
	EventTypeRunFailed           EventType = "run_failed"
	EventTypeRunCompensated      EventType = "run_compensated"
	EventTypeRunRetried          EventType = "run_retried"
)
