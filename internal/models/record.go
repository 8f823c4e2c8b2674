package models

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a final state. Terminal records never
// transition again; only an explicit purge removes them.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusTimedOut:
		return true
	}
	return false
}

type CleanupState string

const (
	CleanupPending CleanupState = "pending"
	CleanupDone    CleanupState = "done"
)

// ExecutionRecord is one row of the execution ledger: the durable lifecycle
// state of a single delegated task. Every component reads and writes through
// the store; no caller keeps its own copy.
type ExecutionRecord struct {
	ID            string
	Task          string
	Status        Status
	PID           *int
	WorkspacePath string
	Branch        string
	GroupID       string
	ResultDocID   string
	Reason        string
	ExitCode      *int
	CreatedAt     time.Time
	StartedAt     *time.Time
	LastHeartbeat *time.Time
	EndedAt       *time.Time
	CleanupState  CleanupState
	UpdatedAt     time.Time
}
