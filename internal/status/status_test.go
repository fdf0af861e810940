package status

import (
	"errors"
	"testing"

	"github.com/koltyakov/groupsync/internal/match"
	"github.com/koltyakov/groupsync/internal/schema"
)

func TestSchemaStatusOf(t *testing.T) {
	tests := []struct {
		name string
		diff *schema.DiffResult
		err  error
		want Status
	}{
		{"error wins", &schema.DiffResult{Identical: true}, errors.New("boom"), Error},
		{"nil diff is unchecked", nil, nil, Unchecked},
		{"identical is in sync", &schema.DiffResult{Identical: true}, nil, InSync},
		{"differences are out of sync", &schema.DiffResult{
			Differences: []schema.FieldDifference{{Object: "column", Name: "email", Kind: schema.MissingInTarget}},
		}, nil, OutOfSync},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SchemaStatusOf(tt.diff, tt.err); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDataStatusOf(t *testing.T) {
	tests := []struct {
		name    string
		summary *match.Summary
		err     error
		want    Status
	}{
		{"error wins", &match.Summary{Equal: 10}, errors.New("boom"), Error},
		{"nil summary is unchecked", nil, nil, Unchecked},
		{"all equal is in sync", &match.Summary{Equal: 10}, nil, InSync},
		{"conflicts are out of sync", &match.Summary{Equal: 9, Conflicting: 1}, nil, OutOfSync},
		{"missing rows are out of sync", &match.Summary{Equal: 9, SourceOnly: 1}, nil, OutOfSync},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DataStatusOf(tt.summary, tt.err); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func target(schemaStatus, dataStatus Status) TargetSyncStatus {
	return TargetSyncStatus{ConnectionID: "t", SchemaStatus: schemaStatus, DataStatus: dataStatus}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		targets []TargetSyncStatus
		want    Status
	}{
		{"no targets", nil, Unchecked},
		{"error beats in sync", []TargetSyncStatus{
			target(Error, InSync), target(InSync, InSync),
		}, Error},
		{"error beats out of sync", []TargetSyncStatus{
			target(OutOfSync, InSync), target(InSync, Error),
		}, Error},
		{"out of sync beats in sync", []TargetSyncStatus{
			target(InSync, InSync), target(InSync, OutOfSync),
		}, OutOfSync},
		{"all in sync", []TargetSyncStatus{
			target(InSync, InSync), target(InSync, InSync),
		}, InSync},
		{"unchecked counts as compatible", []TargetSyncStatus{
			target(Unchecked, Unchecked), target(Unchecked, Unchecked),
		}, InSync},
		{"mixed in sync and unchecked", []TargetSyncStatus{
			target(InSync, Unchecked), target(Unchecked, InSync),
		}, InSync},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("g1", tt.targets)
			if got.OverallStatus != tt.want {
				t.Errorf("Expected overall %s, got %s", tt.want, got.OverallStatus)
			}
			if got.GroupID != "g1" {
				t.Errorf("Expected group id g1, got %s", got.GroupID)
			}
			if len(got.Targets) != len(tt.targets) {
				t.Errorf("Expected %d targets echoed back, got %d", len(tt.targets), len(got.Targets))
			}
		})
	}
}
