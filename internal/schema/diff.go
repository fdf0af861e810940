package schema

import (
	"fmt"
	"strings"
)

// DifferenceKind classifies one structural mismatch.
type DifferenceKind string

const (
	MissingInTarget     DifferenceKind = "missing-in-target"
	MissingInSource     DifferenceKind = "missing-in-source"
	TypeMismatch        DifferenceKind = "type-mismatch"
	NullabilityMismatch DifferenceKind = "nullability-mismatch"
	IndexMismatch       DifferenceKind = "index-mismatch"
)

// FieldDifference names one mismatched column, index or foreign key.
type FieldDifference struct {
	Object string         `json:"object"` // "column", "index" or "foreign key"
	Name   string         `json:"name"`
	Kind   DifferenceKind `json:"kind"`
	Detail string         `json:"detail,omitempty"`
}

func (d FieldDifference) String() string {
	if d.Detail == "" {
		return fmt.Sprintf("%s %s: %s", d.Object, d.Name, d.Kind)
	}
	return fmt.Sprintf("%s %s: %s (%s)", d.Object, d.Name, d.Kind, d.Detail)
}

// DiffResult is the outcome of comparing two fingerprints.
type DiffResult struct {
	Identical   bool              `json:"identical"`
	Differences []FieldDifference `json:"differences,omitempty"`
}

// Diff compares a source fingerprint against a target one. Pure function, no
// I/O. Differences come out in source order (fingerprints are name-sorted)
// so output is deterministic for equal inputs regardless of how the engine
// enumerated the structure.
func Diff(source, target *Fingerprint) *DiffResult {
	var diffs []FieldDifference

	targetCols := make(map[string]Column, len(target.Columns))
	for _, c := range target.Columns {
		targetCols[c.Name] = c
	}
	for _, sc := range source.Columns {
		tc, ok := targetCols[sc.Name]
		if !ok {
			diffs = append(diffs, FieldDifference{Object: "column", Name: sc.Name, Kind: MissingInTarget})
			continue
		}
		if sc.Type != tc.Type {
			diffs = append(diffs, FieldDifference{
				Object: "column", Name: sc.Name, Kind: TypeMismatch,
				Detail: fmt.Sprintf("source %s, target %s", sc.Type, tc.Type),
			})
		}
		if sc.Nullable != tc.Nullable {
			diffs = append(diffs, FieldDifference{
				Object: "column", Name: sc.Name, Kind: NullabilityMismatch,
				Detail: fmt.Sprintf("source nullable=%t, target nullable=%t", sc.Nullable, tc.Nullable),
			})
		}
	}
	sourceCols := make(map[string]bool, len(source.Columns))
	for _, c := range source.Columns {
		sourceCols[c.Name] = true
	}
	for _, tc := range target.Columns {
		if !sourceCols[tc.Name] {
			diffs = append(diffs, FieldDifference{Object: "column", Name: tc.Name, Kind: MissingInSource})
		}
	}

	diffs = append(diffs, diffIndexes(source.Indexes, target.Indexes)...)
	diffs = append(diffs, diffForeignKeys(source.ForeignKeys, target.ForeignKeys)...)

	if len(diffs) == 0 {
		return &DiffResult{Identical: true}
	}
	return &DiffResult{Differences: diffs}
}

func diffIndexes(source, target []Index) []FieldDifference {
	var diffs []FieldDifference
	targetByName := make(map[string]Index, len(target))
	for _, idx := range target {
		targetByName[idx.Name] = idx
	}
	for _, si := range source {
		ti, ok := targetByName[si.Name]
		if !ok {
			diffs = append(diffs, FieldDifference{Object: "index", Name: si.Name, Kind: MissingInTarget})
			continue
		}
		if !sameIndex(si, ti) {
			diffs = append(diffs, FieldDifference{
				Object: "index", Name: si.Name, Kind: IndexMismatch,
				Detail: fmt.Sprintf("source (%s unique=%t), target (%s unique=%t)",
					strings.Join(si.Columns, ","), si.IsUnique,
					strings.Join(ti.Columns, ","), ti.IsUnique),
			})
		}
	}
	sourceByName := make(map[string]bool, len(source))
	for _, idx := range source {
		sourceByName[idx.Name] = true
	}
	for _, ti := range target {
		if !sourceByName[ti.Name] {
			diffs = append(diffs, FieldDifference{Object: "index", Name: ti.Name, Kind: MissingInSource})
		}
	}
	return diffs
}

func sameIndex(a, b Index) bool {
	if a.IsUnique != b.IsUnique || a.IsPrimary != b.IsPrimary || len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	return true
}

func diffForeignKeys(source, target []ForeignKey) []FieldDifference {
	var diffs []FieldDifference
	targetByName := make(map[string]ForeignKey, len(target))
	for _, fk := range target {
		targetByName[fk.Name] = fk
	}
	for _, sf := range source {
		tf, ok := targetByName[sf.Name]
		if !ok {
			diffs = append(diffs, FieldDifference{Object: "foreign key", Name: sf.Name, Kind: MissingInTarget})
			continue
		}
		if !sameForeignKey(sf, tf) {
			diffs = append(diffs, FieldDifference{
				Object: "foreign key", Name: sf.Name, Kind: IndexMismatch,
				Detail: fmt.Sprintf("source references %s(%s), target references %s(%s)",
					sf.ReferencedTable, strings.Join(sf.ReferencedColumns, ","),
					tf.ReferencedTable, strings.Join(tf.ReferencedColumns, ",")),
			})
		}
	}
	sourceByName := make(map[string]bool, len(source))
	for _, fk := range source {
		sourceByName[fk.Name] = true
	}
	for _, tf := range target {
		if !sourceByName[tf.Name] {
			diffs = append(diffs, FieldDifference{Object: "foreign key", Name: tf.Name, Kind: MissingInSource})
		}
	}
	return diffs
}

func sameForeignKey(a, b ForeignKey) bool {
	if a.ReferencedTable != b.ReferencedTable ||
		a.OnDelete != b.OnDelete || a.OnUpdate != b.OnUpdate ||
		len(a.Columns) != len(b.Columns) || len(a.ReferencedColumns) != len(b.ReferencedColumns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	for i := range a.ReferencedColumns {
		if a.ReferencedColumns[i] != b.ReferencedColumns[i] {
			return false
		}
	}
	return true
}
