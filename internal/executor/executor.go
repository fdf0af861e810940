// Package executor runs one table-level sync: it drives the row matcher
// batch by batch, resolves conflicts and applies the resulting writes to the
// target inside per-batch transactions.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/groupsync/internal/dialect"
	"github.com/koltyakov/groupsync/internal/match"
	"github.com/koltyakov/groupsync/internal/model"
	"github.com/koltyakov/groupsync/internal/resolve"
	"github.com/koltyakov/groupsync/internal/schema"
	"github.com/koltyakov/groupsync/internal/syncerr"
)

// Options tune one executor run.
type Options struct {
	// BatchTimeout bounds each batch (scan, apply, commit). Zero disables.
	BatchTimeout time.Duration
	// DryRun scans and resolves but never writes.
	DryRun bool
	// Verbose enables per-batch progress logging.
	Verbose bool
	// SourceSchema and TargetSchema qualify the tables; empty means the
	// engine default.
	SourceSchema string
	TargetSchema string
}

// Executor synchronizes one table pairing. Writes go to the target only;
// the source connection is never written.
type Executor struct {
	cfg      *model.DataSyncConfig
	sourceDB *sql.DB
	targetDB *sql.DB
	dialect  dialect.Dialect
	opts     Options

	mu  sync.Mutex
	run *Run
}

// New validates the config and prepares an executor. Validation failures
// here are ConfigurationErrors; they should normally have been caught at
// config-save time.
func New(cfg *model.DataSyncConfig, sourceDB, targetDB *sql.DB, d dialect.Dialect, opts Options) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		cfg:      cfg,
		sourceDB: sourceDB,
		targetDB: targetDB,
		dialect:  d,
		opts:     opts,
		run: &Run{
			ID:                 uuid.NewString(),
			ConfigID:           cfg.ID,
			SourceConnectionID: cfg.SourceConnectionID,
			TargetConnectionID: cfg.TargetConnectionID,
			Table:              cfg.SourceTable,
			State:              StatePending,
			DryRun:             opts.DryRun,
		},
	}, nil
}

// Snapshot returns a copy of the current run report, safe for concurrent
// readers while the run is in flight.
func (e *Executor) Snapshot() Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := *e.run
	r.Conflicts = append([]ConflictRecord(nil), e.run.Conflicts...)
	return r
}

// batch collects the pending writes of one scan pass.
type batch struct {
	inserts   []match.Row
	updates   []match.Row
	deletes   [][]interface{}
	lastKey   []interface{}
	scanned   int64
	skipped   int64
	reviews   []ConflictRecord
	exhausted bool
}

// Run executes the sync, resuming from resumeCursor when non-empty. It
// returns the final run report; the report's State and Error carry failure
// detail in addition to the returned error.
func (e *Executor) Run(ctx context.Context, resumeCursor string) (Run, error) {
	e.setState(StateRunning)
	e.mu.Lock()
	e.run.StartedAt = time.Now()
	e.run.Cursor = resumeCursor
	e.mu.Unlock()

	cursor, err := match.DecodeCursor(resumeCursor)
	if err != nil {
		return e.fail(ctx, err)
	}
	if ctx.Err() != nil {
		e.setState(StateCancelled)
		e.finish()
		return e.Snapshot(), nil
	}

	cols, err := e.columnPlan(ctx)
	if err != nil {
		return e.fail(ctx, err)
	}

	sourceStream := match.NewStream(e.sourceDB, e.dialect, e.cfg.SourceConnectionID,
		e.opts.SourceSchema, e.cfg.SourceTable, cols, e.cfg.PrimaryKeyColumns, e.cfg.BatchSize, cursor)
	targetStream := match.NewStream(e.targetDB, e.dialect, e.cfg.TargetConnectionID,
		e.opts.TargetSchema, e.cfg.TargetTable, cols, e.cfg.PrimaryKeyColumns, e.cfg.BatchSize, cursor)
	matcher := match.NewMatcher(sourceStream, targetStream, e.cfg.PrimaryKeyColumns, nil)

	for batchNum := 0; ; batchNum++ {
		// Cancellation is honored between batches only, never mid-batch.
		select {
		case <-ctx.Done():
			e.setState(StateCancelled)
			e.finish()
			return e.Snapshot(), nil
		default:
		}

		// Batch I/O runs detached from the cancel signal so the in-flight
		// batch always commits before the cancellation above takes effect.
		batchCtx := context.WithoutCancel(ctx)
		cancel := func() {}
		if e.opts.BatchTimeout > 0 {
			batchCtx, cancel = context.WithTimeout(batchCtx, e.opts.BatchTimeout)
		}
		b, err := e.scanBatch(batchCtx, matcher)
		if err != nil {
			cancel()
			return e.fail(ctx, err)
		}
		if err := e.applyBatch(batchCtx, cols, b, batchNum); err != nil {
			cancel()
			return e.fail(ctx, err)
		}
		cancel()

		e.commitBatchState(b)

		if e.opts.Verbose {
			log.Printf("Batch %d for table %s: scanned %d rows (+%d inserts, %d updates, %d deletes)",
				batchNum+1, e.cfg.SourceTable, b.scanned, len(b.inserts), len(b.updates), len(b.deletes))
		}
		if b.exhausted {
			break
		}
	}

	e.setState(StateCompleted)
	e.finish()
	return e.Snapshot(), nil
}

// columnPlan fingerprints both sides and returns the columns to sync: every
// source column that also exists on the target, in source order. The primary
// key must survive the intersection.
func (e *Executor) columnPlan(ctx context.Context) ([]string, error) {
	sourceFP, err := schema.NewIntrospector(e.sourceDB, e.dialect, e.cfg.SourceConnectionID).
		Fingerprint(ctx, e.opts.SourceSchema, e.cfg.SourceTable)
	if err != nil {
		return nil, syncerr.WrapTriple(e.cfg.SourceConnectionID, e.cfg.TargetConnectionID, e.cfg.SourceTable, err)
	}
	targetFP, err := schema.NewIntrospector(e.targetDB, e.dialect, e.cfg.TargetConnectionID).
		Fingerprint(ctx, e.opts.TargetSchema, e.cfg.TargetTable)
	if err != nil {
		return nil, syncerr.WrapTriple(e.cfg.SourceConnectionID, e.cfg.TargetConnectionID, e.cfg.TargetTable, err)
	}
	return SharedColumns(sourceFP, targetFP, e.cfg.PrimaryKeyColumns)
}

// SharedColumns intersects two fingerprints' column sets and verifies the
// primary key is wholly present in the result.
func SharedColumns(source, target *schema.Fingerprint, pkCols []string) ([]string, error) {
	targetSet := make(map[string]bool, len(target.Columns))
	for _, c := range target.Columns {
		targetSet[c.Name] = true
	}
	var cols []string
	colSet := make(map[string]bool)
	for _, c := range source.Columns {
		if targetSet[c.Name] {
			cols = append(cols, c.Name)
			colSet[c.Name] = true
		}
	}
	for _, pk := range pkCols {
		if !colSet[pk] {
			return nil, &syncerr.SchemaError{
				Table: source.Table,
				Err:   fmt.Errorf("primary key column %s: %w", pk, syncerr.ErrNotFound),
			}
		}
	}
	return cols, nil
}

// scanBatch pulls up to BatchSize matches and sorts them into pending writes
// according to the conflict strategy.
func (e *Executor) scanBatch(ctx context.Context, matcher *match.Matcher) (*batch, error) {
	b := &batch{}
	for b.scanned < int64(e.cfg.BatchSize) {
		m, err := matcher.Next(ctx)
		if err != nil {
			return nil, syncerr.WrapTriple(e.cfg.SourceConnectionID, e.cfg.TargetConnectionID, e.cfg.SourceTable, err)
		}
		if m == nil {
			b.exhausted = true
			break
		}
		b.scanned++
		b.lastKey = m.Key

		switch m.Kind {
		case match.SourceOnly:
			b.inserts = append(b.inserts, m.SourceRow)

		case match.TargetOnly:
			// Deleting rows the source never had is destructive; it only
			// happens when the config opts in.
			if e.cfg.PropagateDeletes {
				b.deletes = append(b.deletes, m.Key)
			}

		case match.Equal:
			// nothing to do

		case match.Conflicting:
			res, err := resolve.Resolve(m, e.cfg.ConflictStrategy, e.cfg.TimestampColumn)
			if err != nil {
				return nil, syncerr.WrapTriple(e.cfg.SourceConnectionID, e.cfg.TargetConnectionID, e.cfg.SourceTable, err)
			}
			switch res.Action {
			case resolve.ApplySource:
				b.updates = append(b.updates, res.Winner)
			case resolve.KeepTarget:
				b.skipped++
			case resolve.NeedsReview:
				keyStr, err := match.EncodeCursor(m.Key)
				if err != nil {
					return nil, err
				}
				b.reviews = append(b.reviews, ConflictRecord{Key: keyStr, ChangedColumns: m.ChangedColumns})
			}
		}
	}
	return b, nil
}

// applyBatch executes all writes of one batch inside a single target-side
// transaction. A failure rolls back this batch only; previously committed
// batches stay committed and the run cursor still points at them.
func (e *Executor) applyBatch(ctx context.Context, cols []string, b *batch, batchNum int) error {
	if e.opts.DryRun || (len(b.inserts) == 0 && len(b.updates) == 0 && len(b.deletes) == 0) {
		return nil
	}

	tx, err := e.targetDB.BeginTx(ctx, nil)
	if err != nil {
		return &syncerr.ConnectivityError{ConnectionID: e.cfg.TargetConnectionID, Err: err}
	}
	defer tx.Rollback()

	if err := e.execWrites(ctx, tx, cols, b); err != nil {
		return &syncerr.WriteError{
			Table:  e.cfg.TargetTable,
			Batch:  batchNum,
			Cursor: e.Snapshot().Cursor,
			Err:    err,
		}
	}

	if err := tx.Commit(); err != nil {
		return &syncerr.WriteError{
			Table:  e.cfg.TargetTable,
			Batch:  batchNum,
			Cursor: e.Snapshot().Cursor,
			Err:    fmt.Errorf("commit failed: %w", err),
		}
	}
	return nil
}

func (e *Executor) execWrites(ctx context.Context, tx *sql.Tx, cols []string, b *batch) error {
	if len(b.inserts) > 0 {
		query := e.dialect.BuildInsert(e.opts.TargetSchema, e.cfg.TargetTable, cols)
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, row := range b.inserts {
			if _, err := stmt.ExecContext(ctx, rowArgs(row, cols)...); err != nil {
				return fmt.Errorf("failed to insert row: %w", err)
			}
		}
	}

	if len(b.updates) > 0 {
		nonPK := nonKeyColumns(cols, e.cfg.PrimaryKeyColumns)
		query := e.dialect.BuildUpdate(e.opts.TargetSchema, e.cfg.TargetTable, nonPK, e.cfg.PrimaryKeyColumns)
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare update: %w", err)
		}
		defer stmt.Close()
		for _, row := range b.updates {
			args := rowArgs(row, nonPK)
			args = append(args, rowArgs(row, e.cfg.PrimaryKeyColumns)...)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to update row: %w", err)
			}
		}
	}

	if len(b.deletes) > 0 {
		query := e.dialect.BuildDelete(e.opts.TargetSchema, e.cfg.TargetTable, e.cfg.PrimaryKeyColumns)
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare delete: %w", err)
		}
		defer stmt.Close()
		for _, key := range b.deletes {
			if _, err := stmt.ExecContext(ctx, key...); err != nil {
				return fmt.Errorf("failed to delete row: %w", err)
			}
		}
	}
	return nil
}

// commitBatchState folds a committed batch into the run report and advances
// the cursor. The cursor only ever reflects fully committed batches.
func (e *Executor) commitBatchState(b *batch) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.run.RowsScanned += b.scanned
	e.run.RowsInserted += int64(len(b.inserts))
	e.run.RowsUpdated += int64(len(b.updates))
	e.run.RowsDeleted += int64(len(b.deletes))
	e.run.RowsSkipped += b.skipped
	e.run.Conflicts = append(e.run.Conflicts, b.reviews...)
	if b.scanned > 0 {
		e.run.BatchesCompleted++
	}
	if b.lastKey != nil {
		if encoded, err := match.EncodeCursor(b.lastKey); err == nil {
			e.run.Cursor = encoded
		}
	}
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.run.State = s
	e.mu.Unlock()
}

func (e *Executor) finish() {
	e.mu.Lock()
	e.run.FinishedAt = time.Now()
	e.mu.Unlock()
}

func (e *Executor) fail(ctx context.Context, err error) (Run, error) {
	// A cancelled run is not a failure. Plan-phase errors caused by the
	// caller's cancel signal land here because drivers surface their own
	// error values for interrupted queries.
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		e.setState(StateCancelled)
		e.finish()
		return e.Snapshot(), nil
	}
	e.mu.Lock()
	e.run.State = StateFailed
	e.run.Error = err.Error()
	e.run.FinishedAt = time.Now()
	e.mu.Unlock()
	return e.Snapshot(), err
}

func rowArgs(row match.Row, cols []string) []interface{} {
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		args[i] = row[col]
	}
	return args
}

func nonKeyColumns(cols, pkCols []string) []string {
	pkSet := make(map[string]bool, len(pkCols))
	for _, col := range pkCols {
		pkSet[col] = true
	}
	var out []string
	for _, col := range cols {
		if !pkSet[col] {
			out = append(out, col)
		}
	}
	return out
}
