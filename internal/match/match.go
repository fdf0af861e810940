// Package match classifies rows of a source and a target table into
// source-only, target-only, equal and conflicting via a merge-join over two
// streams sorted by primary key.
package match

import (
	"context"
	"sort"
)

// Kind classifies one matched primary key.
type Kind string

const (
	SourceOnly  Kind = "source-only"
	TargetOnly  Kind = "target-only"
	Equal       Kind = "equal"
	Conflicting Kind = "conflicting"
)

// Match is the classification of one primary key present in either stream.
type Match struct {
	Kind           Kind
	Key            []interface{}
	SourceRow      Row
	TargetRow      Row
	ChangedColumns []string // set only for Conflicting
}

// Summary counts matches by kind. The four counts partition the union of the
// two key sets.
type Summary struct {
	SourceOnly  int64 `json:"source_only"`
	TargetOnly  int64 `json:"target_only"`
	Equal       int64 `json:"equal"`
	Conflicting int64 `json:"conflicting"`
}

// InSync reports whether the compared tables hold identical data.
func (s Summary) InSync() bool {
	return s.SourceOnly == 0 && s.TargetOnly == 0 && s.Conflicting == 0
}

// Total returns the number of distinct keys visited.
func (s Summary) Total() int64 {
	return s.SourceOnly + s.TargetOnly + s.Equal + s.Conflicting
}

// Matcher merge-joins two sorted row streams. It advances whichever side has
// the smaller key, so memory use is bounded by one page per side.
type Matcher struct {
	source, target *Stream
	pkCols         []string
	ignore         map[string]bool

	sourceRow, targetRow Row
	primed               bool
	summary              Summary
}

// NewMatcher builds a matcher over two streams ordered by the same
// primary-key tuple. Columns in ignoreColumns are excluded from the
// equal-vs-conflicting comparison (auto-maintained timestamps and the like).
func NewMatcher(source, target *Stream, pkCols, ignoreColumns []string) *Matcher {
	ignore := make(map[string]bool, len(ignoreColumns))
	for _, col := range ignoreColumns {
		ignore[col] = true
	}
	return &Matcher{source: source, target: target, pkCols: pkCols, ignore: ignore}
}

// Next returns the classification of the next key in order, or (nil, nil)
// once both streams are exhausted. Every key present in either stream is
// visited exactly once.
func (m *Matcher) Next(ctx context.Context) (*Match, error) {
	if !m.primed {
		var err error
		if m.sourceRow, err = m.source.Next(ctx); err != nil {
			return nil, err
		}
		if m.targetRow, err = m.target.Next(ctx); err != nil {
			return nil, err
		}
		m.primed = true
	}

	switch {
	case m.sourceRow == nil && m.targetRow == nil:
		return nil, nil

	case m.targetRow == nil:
		return m.emitSourceOnly(ctx)

	case m.sourceRow == nil:
		return m.emitTargetOnly(ctx)
	}

	sourceKey := m.sourceRow.Key(m.pkCols)
	targetKey := m.targetRow.Key(m.pkCols)
	switch CompareKeys(sourceKey, targetKey) {
	case -1:
		return m.emitSourceOnly(ctx)
	case 1:
		return m.emitTargetOnly(ctx)
	}

	// Same key on both sides: compare non-key columns.
	changed := m.changedColumns(m.sourceRow, m.targetRow)
	result := &Match{Key: sourceKey, SourceRow: m.sourceRow, TargetRow: m.targetRow}
	if len(changed) == 0 {
		result.Kind = Equal
		m.summary.Equal++
	} else {
		result.Kind = Conflicting
		result.ChangedColumns = changed
		m.summary.Conflicting++
	}

	var err error
	if m.sourceRow, err = m.source.Next(ctx); err != nil {
		return nil, err
	}
	if m.targetRow, err = m.target.Next(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Matcher) emitSourceOnly(ctx context.Context) (*Match, error) {
	result := &Match{
		Kind:      SourceOnly,
		Key:       m.sourceRow.Key(m.pkCols),
		SourceRow: m.sourceRow,
	}
	m.summary.SourceOnly++
	var err error
	if m.sourceRow, err = m.source.Next(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Matcher) emitTargetOnly(ctx context.Context) (*Match, error) {
	result := &Match{
		Kind:      TargetOnly,
		Key:       m.targetRow.Key(m.pkCols),
		TargetRow: m.targetRow,
	}
	m.summary.TargetOnly++
	var err error
	if m.targetRow, err = m.target.Next(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Matcher) changedColumns(source, target Row) []string {
	pkSet := make(map[string]bool, len(m.pkCols))
	for _, col := range m.pkCols {
		pkSet[col] = true
	}
	var changed []string
	for col, sv := range source {
		if pkSet[col] || m.ignore[col] {
			continue
		}
		if !ValuesEqual(sv, target[col]) {
			changed = append(changed, col)
		}
	}
	sort.Strings(changed)
	return changed
}

// Summary returns the counts accumulated so far.
func (m *Matcher) Summary() Summary {
	return m.summary
}
