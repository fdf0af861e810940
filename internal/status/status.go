// Package status folds the latest schema-diff and row-match results into
// per-target and group-level sync statuses. Pure functions, no state; any
// caching of the computed result belongs to the caller.
package status

import (
	"time"

	"github.com/koltyakov/groupsync/internal/match"
	"github.com/koltyakov/groupsync/internal/schema"
)

// Status is one dimension (schema or data) of a target's sync state.
type Status string

const (
	Unchecked Status = "unchecked"
	InSync    Status = "in_sync"
	OutOfSync Status = "out_of_sync"
	Error     Status = "error"
)

// TargetSyncStatus is the latest known snapshot for one target connection in
// a group. A refresh supersedes the previous snapshot, it never merges.
type TargetSyncStatus struct {
	ConnectionID  string    `json:"connection_id"`
	SchemaStatus  Status    `json:"schema_status"`
	DataStatus    Status    `json:"data_status"`
	Message       string    `json:"message,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// GroupSyncStatus is the aggregate over all targets of a group.
type GroupSyncStatus struct {
	GroupID       string             `json:"group_id"`
	Targets       []TargetSyncStatus `json:"targets"`
	OverallStatus Status             `json:"overall_status"`
}

// SchemaStatusOf maps a schema diff outcome to a status. An introspection
// failure on either side is an error, not a difference.
func SchemaStatusOf(diff *schema.DiffResult, err error) Status {
	if err != nil {
		return Error
	}
	if diff == nil {
		return Unchecked
	}
	if diff.Identical {
		return InSync
	}
	return OutOfSync
}

// DataStatusOf maps a row-match summary to a status.
func DataStatusOf(summary *match.Summary, err error) Status {
	if err != nil {
		return Error
	}
	if summary == nil {
		return Unchecked
	}
	if summary.InSync() {
		return InSync
	}
	return OutOfSync
}

// Aggregate computes the group-level status with fixed precedence:
// no targets -> unchecked; any error -> error; any out_of_sync ->
// out_of_sync; otherwise in_sync. "Never checked" deliberately counts as
// compatible with in_sync so a group does not flash a false negative before
// its first check completes.
func Aggregate(groupID string, targets []TargetSyncStatus) GroupSyncStatus {
	result := GroupSyncStatus{GroupID: groupID, Targets: targets}

	if len(targets) == 0 {
		result.OverallStatus = Unchecked
		return result
	}
	for _, t := range targets {
		if t.SchemaStatus == Error || t.DataStatus == Error {
			result.OverallStatus = Error
			return result
		}
	}
	for _, t := range targets {
		if t.SchemaStatus == OutOfSync || t.DataStatus == OutOfSync {
			result.OverallStatus = OutOfSync
			return result
		}
	}
	for _, t := range targets {
		if !compatibleWithInSync(t.SchemaStatus) || !compatibleWithInSync(t.DataStatus) {
			result.OverallStatus = Unchecked
			return result
		}
	}
	result.OverallStatus = InSync
	return result
}

func compatibleWithInSync(s Status) bool {
	return s == InSync || s == Unchecked
}
