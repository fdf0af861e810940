// Package scheduler exposes the sync engine's public operations and runs
// the background status refresh. It enforces the core concurrency rule:
// at most one active run or check per (source, target, table) triple, with
// concurrent requests for the same triple coalesced onto the in-flight one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/koltyakov/groupsync/internal/config"
	"github.com/koltyakov/groupsync/internal/conn"
	"github.com/koltyakov/groupsync/internal/dialect"
	"github.com/koltyakov/groupsync/internal/executor"
	"github.com/koltyakov/groupsync/internal/match"
	"github.com/koltyakov/groupsync/internal/model"
	"github.com/koltyakov/groupsync/internal/schema"
	"github.com/koltyakov/groupsync/internal/status"
	"github.com/koltyakov/groupsync/internal/store"
	"github.com/koltyakov/groupsync/internal/syncerr"
)

// triple identifies one sync pairing for mutual exclusion.
type triple struct {
	sourceID string
	targetID string
	table    string
}

// Handle is the caller's view of an in-flight or finished sync run. A handle
// may be observed while its run is still being prepared, so the run fields
// live behind the mutex.
type Handle struct {
	done chan struct{}

	mu     sync.Mutex
	runID  string
	exec   *executor.Executor
	final  *executor.Run
	cancel context.CancelFunc
}

// RunID returns the run's id, or "" while the run is still being prepared.
func (h *Handle) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

// Done closes when the run reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Run returns the current run report: a live snapshot while running, the
// final report afterwards.
func (h *Handle) Run() executor.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.final != nil {
		return *h.final
	}
	if h.exec == nil {
		return executor.Run{State: executor.StatePending}
	}
	return h.exec.Snapshot()
}

func (h *Handle) stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Service wires the store, connection resolver and workers together.
type Service struct {
	store *store.Store
	conns conn.Resolver
	cfg   *config.Config

	cron *cron.Cron
	sem  chan struct{} // bounds concurrent checks and runs

	mu       sync.Mutex
	cond     *sync.Cond         // signals checking releases
	inflight map[triple]*Handle // active and pending runs
	checking map[triple]bool    // active status checks
	handles  map[string]*Handle // by run id, for GetSyncRun/CancelSync
}

// New creates a service. Start must be called to enable background refresh.
func New(st *store.Store, conns conn.Resolver, cfg *config.Config) *Service {
	s := &Service{
		store:    st,
		conns:    conns,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Workers),
		inflight: make(map[triple]*Handle),
		checking: make(map[triple]bool),
		handles:  make(map[string]*Handle),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the background refresh and run-log cleanup.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.RefreshInterval.Std())
	if _, err := s.cron.AddFunc(spec, func() { s.RefreshAll(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule status refresh: %w", err)
	}
	if _, err := s.cron.AddFunc("@daily", func() {
		if err := s.store.CleanupOldRuns(s.cfg.RunRetentionDays); err != nil {
			log.Printf("Failed to clean up old runs: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule run cleanup: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the background schedule. In-flight work is not interrupted.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RefreshAll checks every sync-enabled group. Targets are independent; one
// failing target never blocks the others.
func (s *Service) RefreshAll(ctx context.Context) {
	groups, err := s.store.ListGroups()
	if err != nil {
		log.Printf("Status refresh failed to list groups: %v", err)
		return
	}
	var wg sync.WaitGroup
	for _, g := range groups {
		if !g.SyncEnabled() {
			continue
		}
		wg.Add(1)
		go func(g *model.InstanceGroup) {
			defer wg.Done()
			if err := s.CheckGroup(ctx, g.ID); err != nil {
				log.Printf("Status check for group %s failed: %v", g.Name, err)
			}
		}(g)
	}
	wg.Wait()
}

// GetGroupSyncStatus aggregates the latest stored target statuses.
func (s *Service) GetGroupSyncStatus(groupID string) (status.GroupSyncStatus, error) {
	if _, err := s.store.GetGroup(groupID); err != nil {
		return status.GroupSyncStatus{}, err
	}
	targets, err := s.store.GetTargetStatuses(groupID)
	if err != nil {
		return status.GroupSyncStatus{}, err
	}
	return status.Aggregate(groupID, targets), nil
}

// CheckGroup refreshes the schema and data status of every target in the
// group right now. On-demand and scheduled refreshes share this path.
func (s *Service) CheckGroup(ctx context.Context, groupID string) error {
	group, err := s.store.GetGroup(groupID)
	if err != nil {
		return err
	}
	if !group.SyncEnabled() {
		return fmt.Errorf("group %s is not sync-enabled", group.Name)
	}

	configs, err := s.store.ListSyncConfigs()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, targetID := range group.Targets() {
		wg.Add(1)
		go func(targetID string) {
			defer wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()

			ts, checked := s.checkTarget(ctx, group, targetID, configsForPair(configs, group.SourceConnectionID, targetID))
			if !checked {
				// Every configured table was owned by an active run or
				// check; keep the previous stored snapshot.
				return
			}
			if err := s.store.SetTargetStatus(group.ID, ts); err != nil {
				log.Printf("Failed to store status for target %s: %v", targetID, err)
			}
		}(targetID)
	}
	wg.Wait()
	return nil
}

func configsForPair(configs []*model.DataSyncConfig, sourceID, targetID string) []*model.DataSyncConfig {
	var out []*model.DataSyncConfig
	for _, c := range configs {
		if c.SourceConnectionID == sourceID && c.TargetConnectionID == targetID {
			out = append(out, c)
		}
	}
	return out
}

// checkTarget computes one target's snapshot. Schema and data statuses fold
// over every configured table for the pair; an error on any table marks the
// dimension errored with the first message kept for inspection. The second
// result reports whether the snapshot reflects at least one actual check;
// tables owned by an active run or check are left for the next refresh.
func (s *Service) checkTarget(ctx context.Context, group *model.InstanceGroup, targetID string, configs []*model.DataSyncConfig) (status.TargetSyncStatus, bool) {
	ts := status.TargetSyncStatus{
		ConnectionID:  targetID,
		SchemaStatus:  status.Unchecked,
		DataStatus:    status.Unchecked,
		LastCheckedAt: time.Now().UTC(),
	}
	if len(configs) == 0 {
		return ts, true
	}

	d, err := dialect.Get(group.Engine)
	if err != nil {
		ts.SchemaStatus = status.Error
		ts.DataStatus = status.Error
		ts.Message = err.Error()
		return ts, true
	}

	checked := false
	for _, cfg := range configs {
		key := triple{cfg.SourceConnectionID, cfg.TargetConnectionID, cfg.SourceTable}
		if !s.beginCheck(key) {
			continue
		}

		sourceFP, targetFP, err := s.fingerprints(ctx, d, cfg)
		if group.SyncSchema {
			diff := (*schema.DiffResult)(nil)
			if err == nil {
				diff = schema.Diff(sourceFP, targetFP)
			}
			foldStatus(&ts.SchemaStatus, &ts.Message, status.SchemaStatusOf(diff, err), err)
		}
		if group.SyncData {
			var summary *match.Summary
			var dataErr error
			if err != nil {
				dataErr = err
			} else {
				summary, dataErr = s.compareData(ctx, d, cfg, sourceFP, targetFP)
			}
			foldStatus(&ts.DataStatus, &ts.Message, status.DataStatusOf(summary, dataErr), dataErr)
		}
		s.endCheck(key)
		checked = true
	}
	return ts, checked
}

// foldStatus merges one table's status into the target's dimension status:
// error dominates, then out_of_sync, then in_sync.
func foldStatus(current *status.Status, message *string, next status.Status, err error) {
	if err != nil && *message == "" {
		*message = err.Error()
	}
	switch {
	case *current == status.Error || next == status.Error:
		*current = status.Error
	case *current == status.OutOfSync || next == status.OutOfSync:
		*current = status.OutOfSync
	default:
		*current = next
	}
}

// fingerprints reads both sides' structure, retrying connectivity failures
// with backoff before giving up.
func (s *Service) fingerprints(ctx context.Context, d dialect.Dialect, cfg *model.DataSyncConfig) (sourceFP, targetFP *schema.Fingerprint, err error) {
	err = s.withRetry(ctx, func() error {
		sourceDB, err := s.conns.DB(cfg.SourceConnectionID)
		if err != nil {
			return err
		}
		targetDB, err := s.conns.DB(cfg.TargetConnectionID)
		if err != nil {
			return err
		}
		sourceConn, err := s.conns.Resolve(cfg.SourceConnectionID)
		if err != nil {
			return err
		}
		targetConn, err := s.conns.Resolve(cfg.TargetConnectionID)
		if err != nil {
			return err
		}

		opCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout.Std())
		defer cancel()
		sourceFP, err = schema.NewIntrospector(sourceDB, d, cfg.SourceConnectionID).
			Fingerprint(opCtx, sourceConn.DefaultSchema, cfg.SourceTable)
		if err != nil {
			return syncerr.WrapTriple(cfg.SourceConnectionID, cfg.TargetConnectionID, cfg.SourceTable, err)
		}
		targetFP, err = schema.NewIntrospector(targetDB, d, cfg.TargetConnectionID).
			Fingerprint(opCtx, targetConn.DefaultSchema, cfg.TargetTable)
		if err != nil {
			return syncerr.WrapTriple(cfg.SourceConnectionID, cfg.TargetConnectionID, cfg.TargetTable, err)
		}
		return nil
	})
	return sourceFP, targetFP, err
}

// compareData drains a matcher over both tables and returns the summary.
func (s *Service) compareData(ctx context.Context, d dialect.Dialect, cfg *model.DataSyncConfig, sourceFP, targetFP *schema.Fingerprint) (*match.Summary, error) {
	cols, err := executor.SharedColumns(sourceFP, targetFP, cfg.PrimaryKeyColumns)
	if err != nil {
		return nil, err
	}
	sourceDB, err := s.conns.DB(cfg.SourceConnectionID)
	if err != nil {
		return nil, err
	}
	targetDB, err := s.conns.DB(cfg.TargetConnectionID)
	if err != nil {
		return nil, err
	}

	sourceStream := match.NewStream(sourceDB, d, cfg.SourceConnectionID,
		sourceFP.Schema, cfg.SourceTable, cols, cfg.PrimaryKeyColumns, cfg.BatchSize, nil)
	targetStream := match.NewStream(targetDB, d, cfg.TargetConnectionID,
		targetFP.Schema, cfg.TargetTable, cols, cfg.PrimaryKeyColumns, cfg.BatchSize, nil)
	matcher := match.NewMatcher(sourceStream, targetStream, cfg.PrimaryKeyColumns, nil)

	for {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout.Std())
		m, err := matcher.Next(opCtx)
		cancel()
		if err != nil {
			return nil, syncerr.WrapTriple(cfg.SourceConnectionID, cfg.TargetConnectionID, cfg.SourceTable, err)
		}
		if m == nil {
			break
		}
	}
	summary := matcher.Summary()
	return &summary, nil
}

func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := s.cfg.RetryBackoff.Std()
	for attempt := 0; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); err == nil || !syncerr.IsRetryable(err) {
			return err
		}
		if s.cfg.Verbose {
			log.Printf("Retrying after connectivity error (attempt %d): %v", attempt+1, err)
		}
	}
	return err
}

// beginCheck claims the triple for a status check. It fails when a run or
// another check already owns the triple; concurrent checks coalesce onto the
// one that claimed it.
func (s *Service) beginCheck(key triple) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	if s.checking[key] {
		return false
	}
	s.checking[key] = true
	return true
}

func (s *Service) endCheck(key triple) {
	s.mu.Lock()
	delete(s.checking, key)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// waitChecks blocks until no status check owns the triple.
func (s *Service) waitChecks(key triple) {
	s.mu.Lock()
	for s.checking[key] {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// TriggerSync starts a sync run for the config, or returns the handle of the
// run already active on the same triple. A failed or cancelled previous run
// resumes from its committed cursor.
func (s *Service) TriggerSync(ctx context.Context, configID string) (*Handle, error) {
	cfg, err := s.store.GetSyncConfig(configID)
	if err != nil {
		return nil, err
	}
	key := triple{cfg.SourceConnectionID, cfg.TargetConnectionID, cfg.SourceTable}

	// Reserve the triple first; preparation does I/O and must not run
	// under the service lock.
	s.mu.Lock()
	if h, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		return h, nil
	}
	h := &Handle{done: make(chan struct{})}
	s.inflight[key] = h
	s.mu.Unlock()

	exec, resumeCursor, err := s.prepareRun(ctx, cfg)
	if err != nil {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		h.mu.Lock()
		h.final = &executor.Run{State: executor.StateFailed, Error: err.Error()}
		h.mu.Unlock()
		close(h.done)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	runID := exec.Snapshot().ID
	h.mu.Lock()
	h.runID = runID
	h.exec = exec
	h.cancel = cancel
	h.mu.Unlock()

	s.mu.Lock()
	s.handles[runID] = h
	s.mu.Unlock()

	initial := exec.Snapshot()
	if err := s.store.SaveRun(&initial); err != nil {
		log.Printf("Failed to record run start: %v", err)
	}

	go func() {
		defer cancel()
		s.sem <- struct{}{}
		s.waitChecks(key)
		final, runErr := exec.Run(runCtx, resumeCursor)
		<-s.sem

		if runErr != nil {
			log.Printf("Sync run %s failed: %v", runID, runErr)
		}
		if err := s.store.SaveRun(&final); err != nil {
			log.Printf("Failed to record run result: %v", err)
		}

		s.mu.Lock()
		delete(s.inflight, key)
		delete(s.handles, runID)
		s.mu.Unlock()

		h.mu.Lock()
		h.final = &final
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

// prepareRun builds the executor for a config, picking up the resume cursor
// of the most recent interrupted run.
func (s *Service) prepareRun(ctx context.Context, cfg *model.DataSyncConfig) (*executor.Executor, string, error) {
	sourceConn, err := s.conns.Resolve(cfg.SourceConnectionID)
	if err != nil {
		return nil, "", err
	}
	targetConn, err := s.conns.Resolve(cfg.TargetConnectionID)
	if err != nil {
		return nil, "", err
	}
	if sourceConn.Engine != targetConn.Engine {
		return nil, "", &syncerr.ConfigurationError{
			Field:  "target_connection_id",
			Reason: fmt.Sprintf("engine mismatch: source %s, target %s", sourceConn.Engine, targetConn.Engine),
		}
	}
	d, err := dialect.Get(sourceConn.Engine)
	if err != nil {
		return nil, "", err
	}
	sourceDB, err := s.conns.DB(cfg.SourceConnectionID)
	if err != nil {
		return nil, "", err
	}
	targetDB, err := s.conns.DB(cfg.TargetConnectionID)
	if err != nil {
		return nil, "", err
	}

	resumeCursor := ""
	if runs, err := s.store.ListRuns(cfg.ID, 1); err == nil && len(runs) == 1 {
		last := runs[0]
		if last.State == executor.StateFailed || last.State == executor.StateCancelled {
			resumeCursor = last.Cursor
		}
	}

	exec, err := executor.New(cfg, sourceDB, targetDB, d, executor.Options{
		BatchTimeout: s.cfg.BatchTimeout.Std(),
		DryRun:       s.cfg.DryRun,
		Verbose:      s.cfg.Verbose,
		SourceSchema: sourceConn.DefaultSchema,
		TargetSchema: targetConn.DefaultSchema,
	})
	if err != nil {
		return nil, "", err
	}
	return exec, resumeCursor, nil
}

// GetSyncRun returns the report of a run, live or from the log.
func (s *Service) GetSyncRun(runID string) (*executor.Run, error) {
	s.mu.Lock()
	h, ok := s.handles[runID]
	s.mu.Unlock()
	if ok {
		r := h.Run()
		return &r, nil
	}
	return s.store.GetRun(runID)
}

// CancelSync requests cancellation of an active run. The run stops between
// batches and keeps its committed cursor for a later resume. Cancelling a
// finished or unknown run is not an error if the run exists in the log.
func (s *Service) CancelSync(runID string) error {
	s.mu.Lock()
	h, ok := s.handles[runID]
	s.mu.Unlock()
	if ok {
		h.stop()
		return nil
	}
	if _, err := s.store.GetRun(runID); err != nil {
		return err
	}
	return nil
}

// PingConnections verifies every referenced connection is reachable. Used at
// service start so misconfigured credentials surface early.
func (s *Service) PingConnections(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		db, err := s.conns.DB(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := db.PingContext(ctx); err != nil {
			errs = append(errs, &syncerr.ConnectivityError{ConnectionID: id, Err: err})
		}
	}
	return errors.Join(errs...)
}
