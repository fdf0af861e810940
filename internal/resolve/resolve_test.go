package resolve

import (
	"testing"
	"time"

	"github.com/koltyakov/groupsync/internal/match"
	"github.com/koltyakov/groupsync/internal/model"
)

func conflictingMatch(source, target match.Row) *match.Match {
	return &match.Match{
		Kind:      match.Conflicting,
		Key:       []interface{}{int64(1)},
		SourceRow: source,
		TargetRow: target,
	}
}

func TestResolveSourceWins(t *testing.T) {
	m := conflictingMatch(
		match.Row{"id": int64(1), "name": "alice"},
		match.Row{"id": int64(1), "name": "alicia"},
	)
	res, err := Resolve(m, model.SourceWins, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != ApplySource {
		t.Errorf("Expected apply-source, got %s", res.Action)
	}
	if res.Winner["name"] != "alice" {
		t.Errorf("Expected source row to win, got %v", res.Winner)
	}
}

func TestResolveTargetWins(t *testing.T) {
	m := conflictingMatch(
		match.Row{"id": int64(1), "name": "alice"},
		match.Row{"id": int64(1), "name": "alicia"},
	)
	res, err := Resolve(m, model.TargetWins, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != KeepTarget {
		t.Errorf("Expected keep-target, got %s", res.Action)
	}
	if res.Winner["name"] != "alicia" {
		t.Errorf("Expected target row to win, got %v", res.Winner)
	}
}

func TestResolveManual(t *testing.T) {
	m := conflictingMatch(
		match.Row{"id": int64(1), "name": "alice"},
		match.Row{"id": int64(1), "name": "alicia"},
	)
	res, err := Resolve(m, model.Manual, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != NeedsReview {
		t.Errorf("Expected needs-review, got %s", res.Action)
	}
}

func TestResolveNewestWins(t *testing.T) {
	older := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	tests := []struct {
		name           string
		sourceTS       interface{}
		targetTS       interface{}
		want           Action
		wantWinnerName string
	}{
		{"newer target kept", older, newer, KeepTarget, "alicia"},
		{"newer source applied", newer, older, ApplySource, "alice"},
		{"tie goes to source", older, older, ApplySource, "alice"},
		{"string timestamps", "2024-03-01 10:00:00", "2024-03-01 11:00:00", KeepTarget, "alicia"},
		{"byte timestamps", []byte("2024-03-01T12:00:00Z"), []byte("2024-03-01T11:00:00Z"), ApplySource, "alice"},
		{"unix timestamps", older.Unix(), newer.Unix(), KeepTarget, "alicia"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := conflictingMatch(
				match.Row{"id": int64(1), "name": "alice", "updated_at": tt.sourceTS},
				match.Row{"id": int64(1), "name": "alicia", "updated_at": tt.targetTS},
			)
			res, err := Resolve(m, model.NewestWins, "updated_at")
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if res.Action != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, res.Action)
			}
			if res.Winner["name"] != tt.wantWinnerName {
				t.Errorf("Expected winner %s, got %v", tt.wantWinnerName, res.Winner["name"])
			}
		})
	}
}

func TestResolveNewestWinsMissingTimestamp(t *testing.T) {
	m := conflictingMatch(
		match.Row{"id": int64(1), "name": "alice"},
		match.Row{"id": int64(1), "name": "alicia", "updated_at": time.Now()},
	)
	if _, err := Resolve(m, model.NewestWins, "updated_at"); err == nil {
		t.Error("Expected error for missing timestamp value")
	}
}

func TestResolveNonConflicting(t *testing.T) {
	m := &match.Match{Kind: match.Equal, Key: []interface{}{int64(1)}}
	if _, err := Resolve(m, model.SourceWins, ""); err == nil {
		t.Error("Expected error resolving a non-conflicting match")
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	m := conflictingMatch(
		match.Row{"id": int64(1)},
		match.Row{"id": int64(1)},
	)
	if _, err := Resolve(m, model.ConflictStrategy("coin_flip"), ""); err == nil {
		t.Error("Expected error for unknown strategy")
	}
}
