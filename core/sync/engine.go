// Package sync wires the subsystems into the offline-first loop. Local
// edits stamp the change tracker and enter the action queue; remote
// snapshots pass the echo guard, merge three-way against the common base,
// leave real conflicts in the history store, and announce themselves to
// sibling tabs so they reload from local storage.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/flowsync/core/document"
	"github.com/adalundhe/flowsync/core/events"
	"github.com/adalundhe/flowsync/core/history"
	"github.com/adalundhe/flowsync/core/merge"
	"github.com/adalundhe/flowsync/core/queue"
	"github.com/adalundhe/flowsync/core/tabs"
	"github.com/adalundhe/flowsync/core/tracker"
)

var (
	ErrEngineClosed = errors.New("sync: engine closed")
	ErrNilQueue     = errors.New("sync: action queue is required")
	ErrNilMerger    = errors.New("sync: merge engine is required")
	ErrNilHistory   = errors.New("sync: history store is required")
	ErrNilTracker   = errors.New("sync: change tracker is required")
)

const (
	defaultDrainEvery   = 2 * time.Second
	defaultCleanupEvery = time.Hour
)

// Config configures an Engine. Queue, Merger, History and Tracker are the
// subsystems the engine orchestrates and are required; the tab coordinator
// is optional so headless deployments can run without one.
type Config struct {
	Queue   *queue.Queue
	Merger  *merge.Engine
	History *history.Store
	Tracker *tracker.Tracker

	// Tabs, when set, is started and stopped with the engine and told
	// about every applied sync.
	Tabs *tabs.Coordinator

	// Bus receives the sync.* and merge.* events. Optional.
	Bus *events.Bus

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// UserID is stamped onto conflict history records.
	UserID string

	// EchoWindow bounds how old a tracked local change can be and still
	// suppress a matching remote update. Zero selects the tracker default.
	EchoWindow time.Duration

	// DrainEvery is the queue drain cadence (default 2s).
	DrainEvery time.Duration

	// CleanupEvery is the history archive/eviction cadence (default 1h).
	CleanupEvery time.Duration
}

// ApplyResult reports what one ApplyRemote call did.
type ApplyResult struct {
	// Snapshot is the document state after the call: the merge output, or
	// the unchanged local snapshot when the remote was skipped as an echo.
	Snapshot *document.Snapshot

	// SkippedEcho is set when the remote update was our own write coming
	// back and nothing was applied.
	SkippedEcho bool

	// Conflicts lists the genuinely contested fields, already resolved by
	// policy in Snapshot.
	Conflicts []merge.ConflictedField

	// RecordID is the conflict history record id when Conflicts is
	// non-empty and the episode was recorded.
	RecordID string
}

// Engine owns the sync loop. It is safe for concurrent use; the heavy
// lifting delegates to subsystems that lock for themselves.
type Engine struct {
	queue     *queue.Queue
	merger    *merge.Engine
	history   *history.Store
	tracker   *tracker.Tracker
	tabs      *tabs.Coordinator
	publisher *events.SyncPublisher
	logger    *slog.Logger

	userID       string
	echoWindow   time.Duration
	drainEvery   time.Duration
	cleanupEvery time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewEngine validates the wiring and returns an inert Engine; Start
// launches the background loops.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Queue == nil:
		return nil, ErrNilQueue
	case cfg.Merger == nil:
		return nil, ErrNilMerger
	case cfg.History == nil:
		return nil, ErrNilHistory
	case cfg.Tracker == nil:
		return nil, ErrNilTracker
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	drainEvery := cfg.DrainEvery
	if drainEvery <= 0 {
		drainEvery = defaultDrainEvery
	}
	cleanupEvery := cfg.CleanupEvery
	if cleanupEvery <= 0 {
		cleanupEvery = defaultCleanupEvery
	}

	return &Engine{
		queue:        cfg.Queue,
		merger:       cfg.Merger,
		history:      cfg.History,
		tracker:      cfg.Tracker,
		tabs:         cfg.Tabs,
		publisher:    events.NewSyncPublisher(cfg.Bus),
		logger:       logger,
		userID:       cfg.UserID,
		echoWindow:   cfg.EchoWindow,
		drainEvery:   drainEvery,
		cleanupEvery: cleanupEvery,
	}, nil
}

// LocalEdit records one local change: the tracker is stamped first so a
// racing pull already sees the edit as pending, then the intent enters the
// queue. changedFields, when known, sharpen the tracker record for
// diagnostics. The returned id is empty when coalescing cancelled the
// action outright (a delete meeting its own unsent create).
func (e *Engine) LocalEdit(ctx context.Context, intent queue.Intent, changedFields ...string) (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}

	projectID := intent.ProjectID
	if projectID == "" && intent.EntityType == document.EntityProject {
		projectID = intent.EntityID
	}

	e.tracker.TrackChange(projectID, intent.EntityType, intent.EntityID, changedFields)

	id, err := e.queue.Enqueue(ctx, intent)
	if err != nil {
		return "", fmt.Errorf("queueing local edit: %w", err)
	}

	e.logger.Debug("local edit queued",
		"op", string(intent.Op),
		"entity_type", string(intent.EntityType),
		"entity_id", intent.EntityID,
		"action_id", id,
	)
	return id, nil
}

// ApplyRemote reconciles a pulled remote snapshot against the local state
// and their common ancestor. A remote update that matches an in-window
// pending local change and carries nothing newer is an echo of our own
// write and is skipped. Real conflicts are recorded to history and marked
// auto-resolved with the active policy; sibling tabs are told to reload.
func (e *Engine) ApplyRemote(ctx context.Context, base, local, remote *document.Snapshot) (*ApplyResult, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if remote == nil {
		return nil, fmt.Errorf("sync: remote snapshot is required")
	}

	projectID := remote.ProjectID
	if projectID == "" && local != nil {
		projectID = local.ProjectID
	}

	if e.isEcho(projectID, remote) {
		_ = e.publisher.PublishSkippedEcho(projectID, string(document.EntityProject), projectID)
		e.logger.Debug("skipped remote echo", "project_id", projectID, "remote_version", remote.Version)
		return &ApplyResult{Snapshot: local, SkippedEcho: true}, nil
	}

	result := e.merger.Merge(base, local, remote)
	merged := result.Merged

	apply := &ApplyResult{
		Snapshot:  merged,
		Conflicts: result.Conflicts,
	}

	if result.HasRealConflicts {
		apply.RecordID = e.recordConflicts(base, local, remote, result)
		_ = e.publisher.PublishMergeConflict(projectID, apply.RecordID, len(result.Conflicts))
	}

	_ = e.publisher.PublishMergeCompleted(projectID, len(result.Conflicts), !result.HasRealConflicts)
	_ = e.publisher.PublishApplied(projectID, merged.Version)

	if e.tabs != nil {
		if err := e.tabs.NotifyDataSynced(ctx, projectID, merged.UpdatedAt); err != nil {
			e.logger.Warn("data-synced broadcast failed", "project_id", projectID, "error", err)
		}
	}

	e.logger.Info("remote snapshot applied",
		"project_id", projectID,
		"version", merged.Version,
		"conflicts", len(result.Conflicts),
	)
	return apply, nil
}

// isEcho reports whether the remote snapshot is our own recent write
// bouncing back: a pending local change for the project exists inside the
// echo window and the remote carries no later stamp.
func (e *Engine) isEcho(projectID string, remote *document.Snapshot) bool {
	if projectID == "" {
		return false
	}
	record, found := e.tracker.GetPendingChange(projectID, document.EntityProject, projectID, e.echoWindow)
	if !found {
		return false
	}
	return !remote.UpdatedAt.After(record.WrittenAt)
}

// recordConflicts writes the episode to history and stamps it resolved with
// the policy that settled it. History failures are logged, never allowed to
// block the merge: the data already reconciled.
func (e *Engine) recordConflicts(base, local, remote *document.Snapshot, result *merge.MergeResult) string {
	reason := conflictReason(base, remote, result.Conflicts)

	record, err := e.history.RecordConflict(e.userID, result.Merged.ProjectID, local, remote, reason, result.Conflicts)
	if err != nil {
		e.logger.Error("recording conflict episode failed", "error", err)
		return ""
	}

	strategy := history.StrategyForPolicy(e.merger.Policy())
	if err := e.history.MarkResolved(record.ID, result.Merged, strategy); err != nil {
		e.logger.Error("marking conflict resolved failed", "record_id", record.ID, "error", err)
	}
	return record.ID
}

// conflictReason classifies the episode. A contested deletion outranks
// version skew, which outranks the plain concurrent-edit default.
func conflictReason(base, remote *document.Snapshot, conflicts []merge.ConflictedField) history.ConflictReason {
	for _, c := range conflicts {
		if c.Field == "deleted_at" {
			return history.ReasonDeleteVersusEdit
		}
	}
	if base != nil && remote.Version > base.Version+1 {
		return history.ReasonVersionSkew
	}
	return history.ReasonConcurrentEdit
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the queue drain and history cleanup loops, and starts the
// tab coordinator when one is wired. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	if e.tabs != nil {
		if err := e.tabs.Start(runCtx); err != nil {
			return fmt.Errorf("starting tab coordinator: %w", err)
		}
	}

	e.wg.Add(2)
	go e.drainLoop(runCtx)
	go e.cleanupLoop(runCtx)

	e.logger.Info("sync engine started",
		"drain_every", e.drainEvery.String(),
		"cleanup_every", e.cleanupEvery.String(),
	)
	return nil
}

// Stop halts the loops and the tab coordinator. The subsystems themselves
// stay open; whoever constructed them closes them.
func (e *Engine) Stop() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()

	if e.tabs != nil {
		if err := e.tabs.Stop(); err != nil {
			return fmt.Errorf("stopping tab coordinator: %w", err)
		}
	}

	e.logger.Info("sync engine stopped")
	return nil
}

// DrainNow runs one queue pass outside the ticker cadence, for a manual
// "sync now" action.
func (e *Engine) DrainNow(ctx context.Context) (queue.ProcessResult, error) {
	if e.closed.Load() {
		return queue.ProcessResult{}, ErrEngineClosed
	}
	return e.queue.ProcessQueue(ctx)
}

func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.drainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := e.queue.ProcessQueue(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
					e.logger.Warn("queue drain failed", "error", err)
				}
				continue
			}
			if result.Dispatched+result.Retried+result.DeadLettered > 0 {
				e.logger.Debug("queue drained",
					"dispatched", result.Dispatched,
					"retried", result.Retried,
					"dead_lettered", result.DeadLettered,
					"blocked", result.Blocked,
				)
			}
		}
	}
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := e.history.Cleanup()
			if err != nil {
				e.logger.Warn("history cleanup failed", "error", err)
				continue
			}
			if result.Archived+result.Evicted > 0 {
				e.logger.Debug("history cleaned up",
					"archived", result.Archived,
					"evicted", result.Evicted,
				)
			}
		}
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Queue returns the action queue for status surfaces.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// History returns the conflict history store.
func (e *Engine) History() *history.Store {
	return e.history
}

// Tracker returns the change tracker.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// Tabs returns the tab coordinator, or nil when running headless.
func (e *Engine) Tabs() *tabs.Coordinator {
	return e.tabs
}
