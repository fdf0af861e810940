// Package resolve decides the winner of a row conflict according to the
// configured strategy.
package resolve

import (
	"fmt"
	"time"

	"github.com/koltyakov/groupsync/internal/match"
	"github.com/koltyakov/groupsync/internal/model"
)

// Action is what the executor should do with a conflicting row.
type Action string

const (
	// ApplySource updates the target row with the source values.
	ApplySource Action = "apply-source"
	// KeepTarget leaves the target untouched and records a skip.
	KeepTarget Action = "keep-target"
	// NeedsReview flags the conflict for manual resolution. Recorded on the
	// run, does not block the rest of the batch.
	NeedsReview Action = "needs-review"
)

// Resolution is the outcome for one conflict.
type Resolution struct {
	Action Action
	Winner match.Row
}

// Resolve applies the strategy to one conflicting match. timestampColumn is
// only consulted for newest_wins; its absence is rejected at config-save
// time, so a missing value here is reported as an error rather than guessed
// around.
func Resolve(m *match.Match, strategy model.ConflictStrategy, timestampColumn string) (Resolution, error) {
	if m.Kind != match.Conflicting {
		return Resolution{}, fmt.Errorf("cannot resolve non-conflicting match %s", m.Kind)
	}

	switch strategy {
	case model.SourceWins:
		return Resolution{Action: ApplySource, Winner: m.SourceRow}, nil

	case model.TargetWins:
		return Resolution{Action: KeepTarget, Winner: m.TargetRow}, nil

	case model.Manual:
		return Resolution{Action: NeedsReview}, nil

	case model.NewestWins:
		sourceTS, err := timestampOf(m.SourceRow, timestampColumn)
		if err != nil {
			return Resolution{}, fmt.Errorf("source row: %w", err)
		}
		targetTS, err := timestampOf(m.TargetRow, timestampColumn)
		if err != nil {
			return Resolution{}, fmt.Errorf("target row: %w", err)
		}
		// Ties go to the source of truth.
		if targetTS.After(sourceTS) {
			return Resolution{Action: KeepTarget, Winner: m.TargetRow}, nil
		}
		return Resolution{Action: ApplySource, Winner: m.SourceRow}, nil
	}

	return Resolution{}, fmt.Errorf("unknown conflict strategy %q", strategy)
}

// timestampLayouts covers the formats engines hand back when the driver does
// not parse timestamps itself.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func timestampOf(row match.Row, column string) (time.Time, error) {
	v, ok := row[column]
	if !ok || v == nil {
		return time.Time{}, fmt.Errorf("timestamp column %s has no value", column)
	}
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		return parseTimestamp(ts, column)
	case []byte:
		return parseTimestamp(string(ts), column)
	case int64:
		return time.Unix(ts, 0), nil
	}
	return time.Time{}, fmt.Errorf("timestamp column %s has unsupported type %T", column, v)
}

func parseTimestamp(s, column string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp column %s: cannot parse %q", column, s)
}
