package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dtroode/academysync/internal/connectivity"
	"github.com/dtroode/academysync/internal/logger"
	"github.com/dtroode/academysync/internal/metrics"
	"github.com/dtroode/academysync/internal/model"
)

// Connectivity is the online state the engine is gated on.
type Connectivity interface {
	IsOnline() bool
	Subscribe() (<-chan connectivity.Transition, func())
}

// Notifier publishes user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, event model.Event) model.Event
}

type SyncOptions struct {
	// DispatchTimeout bounds a single remote call.
	DispatchTimeout time.Duration
	// MaxRetries is the retry budget of one operation.
	MaxRetries int
	// InitialBackoff, MaxBackoff, Multiplier and Jitter shape the retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	// Interval between scheduled cycles in Run; zero disables the schedule.
	Interval time.Duration
}

// Progress phases and outcomes.
const (
	PhaseDispatch = "dispatch"
	PhasePull     = "pull"
	PhaseDone     = "done"

	OutcomeAcknowledged = "acknowledged"
	OutcomeRetry        = "retry"
	OutcomeFailed       = "failed"
	OutcomeBlocked      = "blocked"
	OutcomeMerged       = "merged"
	OutcomeConflict     = "conflict"
	OutcomeSkipped      = "skipped"
)

// Progress reports one step of a running cycle.
type Progress struct {
	Phase   string
	OpID    string
	Key     model.Key
	Outcome string
	Err     error
}

// SyncResult summarizes one cycle.
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	// Offline is set when the cycle was skipped because the remote is unreachable.
	Offline      bool
	Acknowledged int
	Retried      int
	Failed       int
	Blocked      int
	Pulled       int
	Conflicts    int
	PullErr      error

	State model.SyncState
}

// Engine drains the pending-operation log to the remote store and merges
// remote changes back. At most one cycle runs at a time.
type Engine struct {
	store    model.LocalStore
	remote   model.Remote
	conn     Connectivity
	notifier Notifier
	opts     SyncOptions
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu             sync.Mutex
	state          model.SyncState
	progress       chan<- Progress
	onPolicyChange func(ctx context.Context) error
	cycles         sync.WaitGroup
	// stopping is set once Run winds down; no cycle starts after it.
	stopping bool

	now func() time.Time
}

func NewEngine(
	store model.LocalStore,
	remote model.Remote,
	conn Connectivity,
	notifier Notifier,
	opts SyncOptions,
	m *metrics.Metrics,
	logger *logger.Logger,
) *Engine {
	return &Engine{
		store:    store,
		remote:   remote,
		conn:     conn,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		state:    model.SyncState{Status: model.SyncStatusIdle},
		now:      time.Now,
	}
}

// SetProgress installs a channel receiving cycle progress. Sends never block;
// a full channel misses events.
func (e *Engine) SetProgress(ch chan<- Progress) {
	e.mu.Lock()
	e.progress = ch
	e.mu.Unlock()
}

// OnPolicyChange registers the hook fired when a pull changed RBAC documents.
func (e *Engine) OnPolicyChange(fn func(ctx context.Context) error) {
	e.mu.Lock()
	e.onPolicyChange = fn
	e.mu.Unlock()
}

// Init loads the persisted counters and last sync time.
func (e *Engine) Init(ctx context.Context) error {
	last, err := e.store.LastSyncAt(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.LastSyncAt = last
	e.mu.Unlock()
	_, err = e.refresh(ctx)
	return err
}

func (e *Engine) State() model.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// begin moves idle or error to syncing. It fails with ErrSyncStopped once Run
// has returned, ErrSyncInProgress while a cycle runs and ErrNetworkUnavailable
// when the remote is offline.
func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.stopping:
		return model.ErrSyncStopped
	case e.state.Status == model.SyncStatusSyncing:
		return model.ErrSyncInProgress
	case !e.conn.IsOnline():
		return model.ErrNetworkUnavailable
	}
	e.state.Status = model.SyncStatusSyncing
	e.cycles.Add(1)
	return nil
}

// TriggerSync starts a cycle in the background and reports whether one was
// started. A trigger while syncing is coalesced into the running cycle.
func (e *Engine) TriggerSync(ctx context.Context) bool {
	if err := e.begin(); err != nil {
		return false
	}
	go func() {
		if _, err := e.run(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("sync cycle failed", "error", err)
		}
	}()
	return true
}

// Sync runs one cycle and waits for it. It returns ErrSyncInProgress when a
// cycle is already running and ErrSyncStopped after Run returned; offline it
// returns immediately with Offline set.
func (e *Engine) Sync(ctx context.Context) (SyncResult, error) {
	if err := e.begin(); err != nil {
		if errors.Is(err, model.ErrNetworkUnavailable) {
			return SyncResult{Offline: true, State: e.State()}, nil
		}
		return SyncResult{}, err
	}
	return e.run(ctx)
}

func (e *Engine) run(ctx context.Context) (result SyncResult, err error) {
	defer e.cycles.Done()

	result.StartTime = e.now()
	e.logger.Info("sync cycle started")

	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		state, refreshErr := e.finish(ctx)
		result.State = state
		if err == nil {
			err = refreshErr
		}

		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case state.Status == model.SyncStatusError:
			outcome = "failed_operations"
		case result.PullErr != nil:
			outcome = "pull_failed"
		}
		e.metrics.SyncCyclesTotal.WithLabelValues(outcome).Inc()
		e.metrics.SyncCycleDuration.Observe(result.Duration.Seconds())
		e.report(Progress{Phase: PhaseDone, Outcome: outcome, Err: err})

		e.logger.Info("sync cycle finished",
			"status", state.Status,
			"acknowledged", result.Acknowledged,
			"retried", result.Retried,
			"failed", result.Failed,
			"blocked", result.Blocked,
			"pulled", result.Pulled,
			"conflicts", result.Conflicts,
			"pending", state.Pending,
			"duration_ms", result.Duration.Milliseconds())
	}()

	// acked holds the revisions this cycle's own writes produced.
	acked := make(map[model.Key]int64)
	if err := e.push(ctx, &result, acked); err != nil {
		if errors.Is(err, model.ErrStorageQuotaExceeded) {
			e.notifyStorageFull(ctx)
		}
		return result, err
	}

	if err := e.pull(ctx, &result, acked); err != nil {
		result.PullErr = err
		e.logger.Warn("failed to pull remote changes", "error", err)
		e.notify(ctx, model.Event{
			Kind:     model.EventSyncPullFailed,
			Message:  "Could not fetch the latest changes; will try again on the next sync.",
			Severity: model.SeverityWarning,
		})
		if errors.Is(err, model.ErrStorageQuotaExceeded) {
			e.notifyStorageFull(ctx)
		}
	}

	if result.Acknowledged > 0 && result.Failed == 0 {
		e.notify(ctx, model.Event{
			Kind:     model.EventSyncCompleted,
			Message:  fmt.Sprintf("%d change(s) synchronized.", result.Acknowledged),
			Severity: model.SeveritySuccess,
		})
	}
	return result, nil
}

// push dispatches the pending snapshot in enqueue order. A key whose operation
// could not be applied is not dispatched further in this cycle. Acknowledged
// revisions are recorded in acked.
func (e *Engine) push(ctx context.Context, result *SyncResult, acked map[model.Key]int64) error {
	ops, err := e.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot pending operations: %w", err)
	}

	blocked := make(map[model.Key]struct{})
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}

		if _, ok := blocked[op.Key]; ok {
			result.Blocked++
			e.report(Progress{Phase: PhaseDispatch, OpID: op.ID, Key: op.Key, Outcome: OutcomeBlocked})
			continue
		}
		if op.Failed || op.NextAttemptAt.After(e.now()) {
			blocked[op.Key] = struct{}{}
			result.Blocked++
			e.report(Progress{Phase: PhaseDispatch, OpID: op.ID, Key: op.Key, Outcome: OutcomeBlocked})
			continue
		}

		outcome, ack, err := e.dispatch(ctx, op)
		if err != nil {
			return err
		}
		e.metrics.OperationsTotal.WithLabelValues(outcome).Inc()
		switch outcome {
		case OutcomeAcknowledged:
			result.Acknowledged++
			acked[op.Key] = ack.Revision
		case OutcomeRetry:
			result.Retried++
			blocked[op.Key] = struct{}{}
		case OutcomeFailed:
			result.Failed++
			blocked[op.Key] = struct{}{}
		}
	}
	return nil
}

// dispatch applies one operation remotely and records the outcome locally.
// The returned error is a local store failure.
func (e *Engine) dispatch(ctx context.Context, op model.PendingOperation) (string, model.Ack, error) {
	dctx := ctx
	if e.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, e.opts.DispatchTimeout)
		defer cancel()
	}

	ack, applyErr := e.remote.Apply(dctx, op)
	if applyErr == nil {
		if err := e.store.Acknowledge(ctx, op.ID, ack); err != nil {
			return "", model.Ack{}, err
		}
		e.logger.Debug("operation acknowledged", "op_id", op.ID, "key", op.Key.String(), "revision", ack.Revision)
		e.report(Progress{Phase: PhaseDispatch, OpID: op.ID, Key: op.Key, Outcome: OutcomeAcknowledged})
		return OutcomeAcknowledged, ack, nil
	}

	if model.IsRetryable(applyErr) {
		retries := op.RetryCount + 1
		if retries <= e.opts.MaxRetries {
			next := e.now().Add(e.backoff(retries))
			if err := e.store.MarkRetry(ctx, op.ID, retries, next, applyErr.Error()); err != nil {
				return "", model.Ack{}, err
			}
			e.logger.Warn("operation will be retried",
				"op_id", op.ID, "key", op.Key.String(), "retry", retries, "next_attempt_at", next, "error", applyErr)
			e.report(Progress{Phase: PhaseDispatch, OpID: op.ID, Key: op.Key, Outcome: OutcomeRetry, Err: applyErr})
			return OutcomeRetry, model.Ack{}, nil
		}
		applyErr = fmt.Errorf("%w after %d attempts: %v", model.ErrRetryBudgetExceeded, op.RetryCount, applyErr)
	}

	if err := e.store.MarkFailed(ctx, op.ID, applyErr.Error()); err != nil {
		return "", model.Ack{}, err
	}
	e.logger.Error("operation rejected", "op_id", op.ID, "key", op.Key.String(), "kind", op.Kind, "error", applyErr)
	e.notify(ctx, model.Event{
		Kind:     model.EventOperationRejected,
		Message:  rejectionMessage(op, applyErr),
		Severity: model.SeverityError,
		Class:    model.ClassPersistent,
	})
	e.report(Progress{Phase: PhaseDispatch, OpID: op.ID, Key: op.Key, Outcome: OutcomeFailed, Err: applyErr})
	return OutcomeFailed, model.Ack{}, nil
}

func rejectionMessage(op model.PendingOperation, err error) string {
	switch {
	case errors.Is(err, model.ErrPermissionDenied):
		return fmt.Sprintf("You are not allowed to %s %s; the change was kept for review.", op.Kind, op.Key)
	case errors.Is(err, model.ErrRemoteValidation):
		return fmt.Sprintf("The %s of %s was rejected; please correct it.", op.Kind, op.Key)
	case errors.Is(err, model.ErrRetryBudgetExceeded):
		return fmt.Sprintf("The %s of %s could not be delivered; retry it when the connection is stable.", op.Kind, op.Key)
	default:
		return fmt.Sprintf("The %s of %s failed: %v", op.Kind, op.Key, err)
	}
}

// backoff returns the delay before the given retry.
func (e *Engine) backoff(retry int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	b.MaxInterval = e.opts.MaxBackoff
	b.Multiplier = e.opts.Multiplier
	b.RandomizationFactor = e.opts.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < retry; i++ {
		d = b.NextBackOff()
	}
	return d
}

// pull merges remote changes newer than the last sync. Remote wins when its
// revision is at least the local one, pending operations included; ties go
// to the remote. Echoes of revisions in acked are not merged.
func (e *Engine) pull(ctx context.Context, result *SyncResult, acked map[model.Key]int64) error {
	since, err := e.store.LastSyncAt(ctx)
	if err != nil {
		return err
	}

	pctx := ctx
	if e.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, e.opts.DispatchTimeout)
		defer cancel()
	}
	records, serverTime, err := e.remote.ChangesSince(pctx, since)
	if err != nil {
		return err
	}

	policyChanged := false
	for _, rec := range records {
		if _, err := rec.Decode(); err != nil {
			e.logger.Warn("skipping malformed remote document", "key", rec.Key().String(), "error", err)
			e.report(Progress{Phase: PhasePull, Key: rec.Key(), Outcome: OutcomeSkipped, Err: err})
			continue
		}

		conflict, applied, err := e.merge(ctx, rec, acked)
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		result.Pulled++
		if rec.Collection.IsPolicy() {
			policyChanged = true
		}
		if conflict {
			result.Conflicts++
			e.report(Progress{Phase: PhasePull, Key: rec.Key(), Outcome: OutcomeConflict})
		} else {
			e.report(Progress{Phase: PhasePull, Key: rec.Key(), Outcome: OutcomeMerged})
		}
	}
	e.metrics.PulledRecordsTotal.Add(float64(result.Pulled))

	if err := e.store.SetLastSyncAt(ctx, serverTime); err != nil {
		return err
	}
	e.mu.Lock()
	e.state.LastSyncAt = serverTime
	hook := e.onPolicyChange
	e.mu.Unlock()
	e.metrics.LastSyncTimestamp.Set(float64(serverTime.Unix()))

	if policyChanged && hook != nil {
		if err := hook(ctx); err != nil {
			e.logger.Error("failed to invalidate policy cache", "error", err)
		}
	}
	return nil
}

// merge writes one remote record. When it supersedes a local value that is
// still queued, the queued operations on the key are dropped; failed ones stay
// for manual resolution. A record carrying a revision acknowledged in this
// cycle is our own write and never supersedes the operations queued after it.
// It reports whether a conflict happened and whether the record was written.
func (e *Engine) merge(ctx context.Context, rec model.Record, acked map[model.Key]int64) (conflict bool, applied bool, err error) {
	pending, err := e.store.HasPending(ctx, rec.Key())
	if err != nil {
		return false, false, err
	}

	if pending {
		if rev, ok := acked[rec.Key()]; ok && rev == rec.Revision {
			return false, false, nil
		}
		local, err := e.store.Get(ctx, rec.Key())
		if err != nil && !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrInvalidRecord) {
			return false, false, err
		}
		if err == nil && rec.Revision < local.Revision {
			// Local pending value is newer; it reaches the remote on a later dispatch.
			return false, false, nil
		}
	}

	applied, err = e.store.Put(ctx, rec)
	if err != nil {
		return false, false, err
	}
	if !applied || !pending {
		return false, applied, nil
	}

	dropped, err := e.store.DropQueued(ctx, rec.Key())
	if err != nil {
		return false, true, err
	}
	e.metrics.ConflictsTotal.Inc()
	e.logger.Info("ConflictResolved: remote revision kept over local pending value",
		"key", rec.Key().String(), "remote_revision", rec.Revision, "dropped_operations", dropped)
	e.notify(ctx, model.Event{
		Kind:     model.EventConflictResolved,
		Message:  fmt.Sprintf("%s was changed elsewhere; the newer version was kept.", rec.Key()),
		Severity: model.SeverityInfo,
	})
	return true, true, nil
}

// finish leaves syncing for idle, or error when an operation needs resolution.
func (e *Engine) finish(ctx context.Context) (model.SyncState, error) {
	pending, failed, err := e.store.CountPending(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err == nil {
		e.state.Pending, e.state.Failed = pending, failed
	}
	e.state.Status = statusFor(e.state.Failed)
	e.updateGauges()
	return e.state, err
}

// refresh reloads the counters outside of a cycle.
func (e *Engine) refresh(ctx context.Context) (model.SyncState, error) {
	pending, failed, err := e.store.CountPending(ctx)
	if err != nil {
		return e.State(), err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Pending, e.state.Failed = pending, failed
	if e.state.Status != model.SyncStatusSyncing {
		e.state.Status = statusFor(failed)
	}
	e.updateGauges()
	return e.state, nil
}

func statusFor(failed int) model.SyncStatus {
	if failed > 0 {
		return model.SyncStatusError
	}
	return model.SyncStatusIdle
}

func (e *Engine) updateGauges() {
	e.metrics.PendingOperations.Set(float64(e.state.Pending))
	e.metrics.FailedOperations.Set(float64(e.state.Failed))
}

// Refresh reloads the pending counters, e.g. after a local mutation.
func (e *Engine) Refresh(ctx context.Context) (model.SyncState, error) {
	return e.refresh(ctx)
}

// Retry returns a failed operation to the queue and triggers a cycle.
func (e *Engine) Retry(ctx context.Context, opID string) error {
	if _, err := e.store.ResetFailed(ctx, opID); err != nil {
		return fmt.Errorf("failed to reset operation %s: %w", opID, err)
	}
	if _, err := e.refresh(ctx); err != nil {
		return err
	}
	e.TriggerSync(ctx)
	return nil
}

// RetryAll returns every failed operation to the queue and triggers a cycle.
func (e *Engine) RetryAll(ctx context.Context) (int, error) {
	n, err := e.store.ResetFailed(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to reset operations: %w", err)
	}
	if _, err := e.refresh(ctx); err != nil {
		return n, err
	}
	if n > 0 {
		e.TriggerSync(ctx)
	}
	return n, nil
}

// Discard drops a failed operation. The local value stays until a newer
// remote revision replaces it.
func (e *Engine) Discard(ctx context.Context, opID string) error {
	op, err := e.store.GetOperation(ctx, opID)
	if err != nil {
		return err
	}
	if !op.Failed {
		return fmt.Errorf("failed to discard %s: %w", opID, model.ErrOperationQueued)
	}
	if err := e.store.Dequeue(ctx, opID); err != nil {
		return err
	}
	e.logger.Info("operation discarded", "op_id", opID, "key", op.Key.String())
	_, err = e.refresh(ctx)
	return err
}

// Run triggers cycles on online transitions while operations are pending,
// and on the configured interval, until ctx is done. It waits for a running
// cycle before returning.
func (e *Engine) Run(ctx context.Context) {
	transitions, cancel := e.conn.Subscribe()
	defer cancel()

	var tick <-chan time.Time
	if e.opts.Interval > 0 {
		ticker := time.NewTicker(e.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.TriggerSync(ctx)
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.stopping = true
			e.mu.Unlock()
			e.cycles.Wait()
			return
		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if !tr.Online {
				continue
			}
			if state, err := e.refresh(ctx); err != nil {
				e.logger.Error("failed to count pending operations", "error", err)
			} else if state.Pending > 0 {
				e.TriggerSync(ctx)
			}
		case <-tick:
			e.TriggerSync(ctx)
		}
	}
}

func (e *Engine) notify(ctx context.Context, event model.Event) {
	if e.notifier != nil {
		e.notifier.Notify(ctx, event)
	}
}

func (e *Engine) notifyStorageFull(ctx context.Context) {
	e.notify(ctx, model.Event{
		Kind:     model.EventStorageFull,
		Message:  "Local storage is full; free space to keep working offline.",
		Severity: model.SeverityError,
		Class:    model.ClassPersistent,
	})
}

func (e *Engine) report(p Progress) {
	e.mu.Lock()
	ch := e.progress
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
	}
}
