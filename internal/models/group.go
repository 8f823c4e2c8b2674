package models

import "time"

type GroupStatus string

const (
	GroupStatusRunning  GroupStatus = "running"
	GroupStatusComplete GroupStatus = "complete"
)

// WorkspaceGroup ties together the sibling records of one synthesize-enabled
// dispatch.
type WorkspaceGroup struct {
	ID               string
	CreatedAt        time.Time
	FailureThreshold float64
	ResultDocID      string
}

// AggregateStatus derives a group's status from its members: complete only
// once every member has reached a terminal state.
func AggregateStatus(members []*ExecutionRecord) GroupStatus {
	for _, m := range members {
		if !m.Status.Terminal() {
			return GroupStatusRunning
		}
	}
	return GroupStatusComplete
}
