// Package queue implements the durable outbound action queue. Local mutation
// intents are coalesced per entity, persisted through a storage provider, and
// drained to registered handlers in priority order with dependency-aware
// blocking, classified retries, and a bounded dead-letter store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/adalundhe/flowsync/core/document"
	coreerrors "github.com/adalundhe/flowsync/core/errors"
	"github.com/adalundhe/flowsync/core/events"
	"github.com/adalundhe/flowsync/core/storage"
)

var (
	// ErrClosed indicates the queue was closed.
	ErrClosed = errors.New("queue: closed")

	// ErrNilProvider indicates the queue was constructed without a durable
	// storage provider.
	ErrNilProvider = errors.New("queue: storage provider is required")

	// ErrDeadLetterNotFound indicates no dead letter exists with the given id.
	ErrDeadLetterNotFound = errors.New("queue: dead letter not found")

	// ErrRequeueConflict indicates the dead letter's entity already has a
	// pending action. Drain the pending action before requeueing.
	ErrRequeueConflict = errors.New("queue: entity already has a pending action")
)

// Handler delivers one action to the remote side. A nil return completes the
// action and removes it from the queue.
type Handler func(ctx context.Context, action QueuedAction) error

const (
	// DefaultSoftCap is the pending size past which overflow is reported.
	DefaultSoftCap = 500

	// DefaultMaxRetries bounds retry attempts for retryable failure classes.
	DefaultMaxRetries = 5

	// DefaultMaxDeadLetters bounds the dead-letter store.
	DefaultMaxDeadLetters = 100
)

// Storage key prefixes. Pending actions and dead letters live in separate
// namespaces so each can be restored independently.
const (
	actionKeyPrefix = "queue/action/"
	deadKeyPrefix   = "queue/dead/"
)

func actionKey(id string) string { return actionKeyPrefix + id }
func deadKey(id string) string   { return deadKeyPrefix + id }

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Queue.
type Config struct {
	// Provider is the durable backend actions persist through. Required.
	Provider storage.Provider

	// Fallback receives writes after the durable backend reports quota
	// exhaustion. Defaults to a fresh MemoryProvider.
	Fallback storage.Provider

	// Publisher emits queue lifecycle events. Optional.
	Publisher *events.QueuePublisher

	// Classifier resolves failure classes for handler errors. Defaults to
	// the standard classifier.
	Classifier *coreerrors.Classifier

	// SoftCap is the pending size past which the queue reports overflow
	// while continuing to accept writes.
	SoftCap int

	// MaxRetries bounds retry attempts per action for retryable classes.
	MaxRetries int

	// MaxDeadLetters bounds the dead-letter store; the oldest item is
	// dropped past the cap.
	MaxDeadLetters int

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Fallback == nil {
		c.Fallback = storage.NewMemoryProvider()
	}
	if c.Classifier == nil {
		c.Classifier = coreerrors.NewClassifier()
	}
	if c.SoftCap <= 0 {
		c.SoftCap = DefaultSoftCap
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxDeadLetters <= 0 {
		c.MaxDeadLetters = DefaultMaxDeadLetters
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// =============================================================================
// Queue
// =============================================================================

type entityKey struct {
	entityType document.EntityType
	entityID   string
}

func keyOf(action *QueuedAction) entityKey {
	return entityKey{entityType: action.EntityType, entityID: action.EntityID}
}

type patternHandler struct {
	pattern string
	matcher glob.Glob
	handler Handler
}

// Queue is the durable outbound mutation buffer. All methods are safe for
// concurrent use.
type Queue struct {
	mu       sync.RWMutex
	pending  []*QueuedAction // acceptance order, oldest first
	byEntity map[entityKey]*QueuedAction
	byID     map[string]*QueuedAction
	dead     []*DeadLetterItem

	handlers map[string]Handler
	patterns []patternHandler

	durable    storage.Provider
	fallback   storage.Provider
	degraded   bool
	overflowed bool

	publisher *events.QueuePublisher
	cfg       Config

	enqueued   int64
	coalesced  int64
	dispatched int64
	retried    int64

	closed bool
}

// New creates a Queue and restores any pending actions and dead letters the
// provider holds from a previous session.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Provider == nil {
		return nil, ErrNilProvider
	}
	cfg.applyDefaults()

	q := &Queue{
		byEntity:  make(map[entityKey]*QueuedAction),
		byID:      make(map[string]*QueuedAction),
		handlers:  make(map[string]Handler),
		durable:   cfg.Provider,
		fallback:  cfg.Fallback,
		publisher: cfg.Publisher,
		cfg:       cfg,
	}

	if err := q.restore(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) restore(ctx context.Context) error {
	keys, err := q.durable.Keys(ctx, actionKeyPrefix)
	if err != nil {
		return fmt.Errorf("queue: list pending actions: %w", err)
	}
	for _, key := range keys {
		raw, err := q.durable.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("queue: load %s: %w", key, err)
		}
		action := &QueuedAction{}
		if err := json.Unmarshal(raw, action); err != nil {
			return fmt.Errorf("queue: decode %s: %w", key, err)
		}
		q.pending = append(q.pending, action)
	}

	// Provider keys are UUID-ordered; acceptance order is what drain
	// fairness depends on.
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].EnqueuedAt.Equal(q.pending[j].EnqueuedAt) {
			return q.pending[i].ID < q.pending[j].ID
		}
		return q.pending[i].EnqueuedAt.Before(q.pending[j].EnqueuedAt)
	})
	for _, action := range q.pending {
		q.byEntity[keyOf(action)] = action
		q.byID[action.ID] = action
	}

	deadKeys, err := q.durable.Keys(ctx, deadKeyPrefix)
	if err != nil {
		return fmt.Errorf("queue: list dead letters: %w", err)
	}
	for _, key := range deadKeys {
		raw, err := q.durable.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("queue: load %s: %w", key, err)
		}
		item := &DeadLetterItem{}
		if err := json.Unmarshal(raw, item); err != nil {
			return fmt.Errorf("queue: decode %s: %w", key, err)
		}
		q.dead = append(q.dead, item)
	}
	sort.SliceStable(q.dead, func(i, j int) bool {
		if q.dead[i].MovedAt.Equal(q.dead[j].MovedAt) {
			return q.dead[i].Action.ID < q.dead[j].Action.ID
		}
		return q.dead[i].MovedAt.Before(q.dead[j].MovedAt)
	})

	return nil
}

// Close marks the queue closed. The storage providers are owned by the
// caller and stay open.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Queue) now() time.Time {
	return q.cfg.Now()
}

// =============================================================================
// Enqueue and coalescing
// =============================================================================

// Enqueue accepts a local mutation intent. A new intent for an entity that
// already has a pending action coalesces with it instead of queueing twice:
//
//	pending create + delete  → both cancel (net zero), returns ""
//	pending create + update  → single create with the latest payload
//	pending update + update  → payload replaced, same id
//	pending update + delete  → the action becomes the delete
//	pending delete + update  → the update is ignored, returns ""
//
// Accepted intents return the action id they are queued under.
func (q *Queue) Enqueue(ctx context.Context, intent Intent) (string, error) {
	if intent.EntityType == document.EntityProject && intent.ProjectID == "" {
		intent.ProjectID = intent.EntityID
	}
	if err := intent.validate(); err != nil {
		return "", err
	}
	if intent.Op == OpDelete {
		intent.Payload = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}

	if existing, ok := q.byEntity[entityKey{intent.EntityType, intent.EntityID}]; ok {
		return q.coalesceLocked(ctx, existing, intent)
	}

	action := &QueuedAction{
		ID:         uuid.NewString(),
		Op:         intent.Op,
		EntityType: intent.EntityType,
		EntityID:   intent.EntityID,
		ProjectID:  intent.ProjectID,
		Payload:    intent.Payload,
		Priority:   PriorityForEntity(intent.EntityType),
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.persistLocked(ctx, action); err != nil {
		return "", err
	}

	q.pending = append(q.pending, action)
	q.byEntity[keyOf(action)] = action
	q.byID[action.ID] = action
	q.enqueued++

	if q.publisher != nil {
		_ = q.publisher.PublishEnqueued(action.ID, action.ProjectID, string(action.EntityType), action.EntityID, string(action.Op))
	}
	q.noteSizeLocked()

	return action.ID, nil
}

func (q *Queue) coalesceLocked(ctx context.Context, existing *QueuedAction, intent Intent) (string, error) {
	outcome := ""
	id := existing.ID

	switch {
	case existing.Op == OpCreate && intent.Op == OpDelete:
		// The entity never reached the server: cancel both sides.
		q.dropLocked(ctx, existing)
		outcome, id = "cancelled", ""

	case existing.Op == OpDelete && intent.Op == OpUpdate:
		// The entity is already deleted from this device's point of view.
		outcome, id = "ignored", ""

	case existing.Op == OpDelete && intent.Op == OpDelete:
		outcome = "deduplicated"

	case existing.Op == OpUpdate && intent.Op == OpDelete:
		// The delete supersedes the buffered edit. Retry state belonged to
		// the old operation.
		existing.Op = OpDelete
		existing.Payload = nil
		existing.RetryCount = 0
		existing.NextAttemptAt = time.Time{}
		existing.LastErrorClass = ""
		existing.LastError = ""
		existing.rev++
		if err := q.persistLocked(ctx, existing); err != nil {
			return "", err
		}
		outcome = "superseded_by_delete"

	default:
		// create+update, update+update, create+create: fold the newest
		// payload into the existing action, keeping its id and position.
		existing.Payload = intent.Payload
		existing.rev++
		if err := q.persistLocked(ctx, existing); err != nil {
			return "", err
		}
		outcome = "replaced_payload"
	}

	q.coalesced++
	if q.publisher != nil {
		_ = q.publisher.PublishCoalesced(existing.ProjectID, string(existing.EntityType), existing.EntityID, outcome)
	}
	return id, nil
}

// =============================================================================
// Handler registry
// =============================================================================

// RegisterHandler registers a handler for an exact "entityType:op" key.
// Exact keys win over pattern registrations.
func (q *Queue) RegisterHandler(key string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[key] = handler
}

// RegisterHandlerPattern registers a handler for a glob pattern over
// "entityType:op" keys, such as "task:*". Patterns match in registration
// order.
func (q *Queue) RegisterHandlerPattern(pattern string, handler Handler) error {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("queue: compile handler pattern %q: %w", pattern, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.patterns = append(q.patterns, patternHandler{pattern: pattern, matcher: matcher, handler: handler})
	return nil
}

func (q *Queue) resolveHandlerLocked(key string) Handler {
	if handler, ok := q.handlers[key]; ok {
		return handler
	}
	for _, ph := range q.patterns {
		if ph.matcher.Match(key) {
			return ph.handler
		}
	}
	return nil
}

// =============================================================================
// Draining
// =============================================================================

// ProcessResult summarizes one drain pass.
type ProcessResult struct {
	Dispatched   int
	Retried      int
	DeadLettered int
	Blocked      int
	Deferred     int
	Unhandled    int
}

type dispatchState int

const (
	dispatchReady dispatchState = iota
	dispatchGone
	dispatchBlocked
	dispatchDeferred
	dispatchUnhandled
)

type preparedDispatch struct {
	action  QueuedAction
	handler Handler
	rev     uint64
}

// ProcessQueue drains the queue once: critical, then normal, then low lane,
// FIFO within each. Entries blocked on a pending create, not yet due for
// retry, or without a registered handler are skipped for the pass.
func (q *Queue) ProcessQueue(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult

	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return result, ErrClosed
	}

	for _, id := range q.drainOrder() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		prepared, state := q.prepareDispatch(id)
		switch state {
		case dispatchGone:
			continue
		case dispatchBlocked:
			result.Blocked++
			continue
		case dispatchDeferred:
			result.Deferred++
			continue
		case dispatchUnhandled:
			result.Unhandled++
			continue
		}

		if err := prepared.handler(ctx, prepared.action); err != nil {
			deadLettered, found := q.handleFailure(ctx, id, err)
			if !found {
				continue
			}
			if deadLettered {
				result.DeadLettered++
			} else {
				result.Retried++
			}
			continue
		}

		q.completeDispatch(ctx, id, prepared.rev)
		result.Dispatched++
	}

	return result, nil
}

func (q *Queue) drainOrder() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ordered := make([]*QueuedAction, len(q.pending))
	copy(ordered, q.pending)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.laneRank() < ordered[j].Priority.laneRank()
	})

	ids := make([]string, len(ordered))
	for i, action := range ordered {
		ids[i] = action.ID
	}
	return ids
}

func (q *Queue) prepareDispatch(id string) (preparedDispatch, dispatchState) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	action, ok := q.byID[id]
	if !ok {
		return preparedDispatch{}, dispatchGone
	}
	if q.blockedLocked(action) {
		return preparedDispatch{}, dispatchBlocked
	}
	if action.NextAttemptAt.After(q.now()) {
		return preparedDispatch{}, dispatchDeferred
	}
	handler := q.resolveHandlerLocked(action.HandlerKey())
	if handler == nil {
		return preparedDispatch{}, dispatchUnhandled
	}
	return preparedDispatch{action: *action, handler: handler, rev: action.rev}, dispatchReady
}

// blockedLocked reports whether the action must wait for a pending create.
// An update or delete waits for its own entity's create; task and connection
// work additionally waits for the owning project's create.
func (q *Queue) blockedLocked(action *QueuedAction) bool {
	childType := action.EntityType == document.EntityTask || action.EntityType == document.EntityConnection

	switch action.Op {
	case OpCreate:
		return childType && q.pendingCreateLocked(document.EntityProject, action.ProjectID)
	case OpUpdate, OpDelete:
		if other, ok := q.byEntity[entityKey{action.EntityType, action.EntityID}]; ok && other.ID != action.ID && other.Op == OpCreate {
			return true
		}
		return childType && q.pendingCreateLocked(document.EntityProject, action.ProjectID)
	}
	return false
}

func (q *Queue) pendingCreateLocked(entityType document.EntityType, entityID string) bool {
	existing, ok := q.byEntity[entityKey{entityType, entityID}]
	return ok && existing.Op == OpCreate
}

func (q *Queue) completeDispatch(ctx context.Context, id string, rev uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, ok := q.byID[id]
	if !ok {
		return
	}
	if action.rev != rev {
		// A newer payload coalesced in while this one was in flight. The
		// server accepted the old content, so the action starts fresh and
		// ships the latest payload on the next pass.
		action.RetryCount = 0
		action.NextAttemptAt = time.Time{}
		action.LastErrorClass = ""
		action.LastError = ""
		_ = q.persistLocked(ctx, action)
		return
	}

	q.dropLocked(ctx, action)
	q.dispatched++

	if q.publisher != nil {
		_ = q.publisher.PublishDispatched(action.ID, action.ProjectID, string(action.EntityType), action.EntityID)
	}
}

func (q *Queue) handleFailure(ctx context.Context, id string, dispatchErr error) (deadLettered, found bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, ok := q.byID[id]
	if !ok {
		return false, false
	}

	class := q.cfg.Classifier.Classify(dispatchErr)
	action.LastErrorClass = class.String()
	action.LastError = dispatchErr.Error()

	behavior := coreerrors.DefaultBehaviors()[class]
	if !behavior.Retryable {
		q.deadLetterLocked(ctx, action, fmt.Sprintf("%s failure: %v", class, dispatchErr))
		return true, true
	}
	if action.RetryCount >= q.cfg.MaxRetries {
		q.deadLetterLocked(ctx, action, fmt.Sprintf("retry budget exhausted after %d attempts (%s): %v", action.RetryCount+1, class, dispatchErr))
		return true, true
	}

	policy := coreerrors.GetRetryPolicy(class)
	delay := coreerrors.AddJitter(coreerrors.CalculateDelay(action.RetryCount, policy), policy.JitterPercent)
	action.RetryCount++
	action.NextAttemptAt = q.now().Add(delay)
	_ = q.persistLocked(ctx, action)
	q.retried++

	if q.publisher != nil {
		_ = q.publisher.PublishRetryScheduled(action.ID, action.ProjectID, class.String(), action.RetryCount)
	}
	return false, true
}

// =============================================================================
// Dead letters
// =============================================================================

func (q *Queue) deadLetterLocked(ctx context.Context, action *QueuedAction, reason string) {
	q.dropLocked(ctx, action)

	item := &DeadLetterItem{
		Action:        *action,
		FailureReason: reason,
		MovedAt:       q.now().UTC(),
	}
	q.dead = append(q.dead, item)
	for len(q.dead) > q.cfg.MaxDeadLetters {
		evicted := q.dead[0]
		q.dead = q.dead[1:]
		q.removeStoredLocked(ctx, deadKey(evicted.Action.ID))
	}
	q.storeDeadLocked(ctx, item)

	if q.publisher != nil {
		_ = q.publisher.PublishDeadLetter(action.ID, action.ProjectID, reason)
	}
}

// ClearDeadLetters discards all dead letters, durably.
func (q *Queue) ClearDeadLetters(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	for _, item := range q.dead {
		q.removeStoredLocked(ctx, deadKey(item.Action.ID))
	}
	q.dead = nil
	return nil
}

// RequeueDeadLetter moves a dead letter back into the pending queue with a
// fresh retry budget, keeping its original action id. Requeueing fails with
// ErrRequeueConflict while the entity has another pending action.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}

	idx := -1
	for i, item := range q.dead {
		if item.Action.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", ErrDeadLetterNotFound
	}

	item := q.dead[idx]
	if _, ok := q.byEntity[keyOf(&item.Action)]; ok {
		return "", ErrRequeueConflict
	}

	action := item.Action
	action.EnqueuedAt = q.now().UTC()
	action.RetryCount = 0
	action.NextAttemptAt = time.Time{}
	action.LastErrorClass = ""
	action.LastError = ""

	if err := q.persistLocked(ctx, &action); err != nil {
		return "", err
	}

	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	q.removeStoredLocked(ctx, deadKey(action.ID))

	q.pending = append(q.pending, &action)
	q.byEntity[keyOf(&action)] = &action
	q.byID[action.ID] = &action
	q.enqueued++

	if q.publisher != nil {
		_ = q.publisher.PublishEnqueued(action.ID, action.ProjectID, string(action.EntityType), action.EntityID, string(action.Op))
	}
	q.noteSizeLocked()

	return action.ID, nil
}

// =============================================================================
// Observability
// =============================================================================

// Size reports the number of pending actions.
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// PendingActions returns copies of all pending actions in drain order.
func (q *Queue) PendingActions() []QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ordered := make([]*QueuedAction, len(q.pending))
	copy(ordered, q.pending)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.laneRank() < ordered[j].Priority.laneRank()
	})

	out := make([]QueuedAction, len(ordered))
	for i, action := range ordered {
		out[i] = *action
	}
	return out
}

// BlockedActions returns copies of the pending actions currently blocked on
// an uncompleted create.
func (q *Queue) BlockedActions() []QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []QueuedAction
	for _, action := range q.pending {
		if q.blockedLocked(action) {
			out = append(out, *action)
		}
	}
	return out
}

// ActionsForEntity returns the pending actions targeting one entity. After
// coalescing there is at most one.
func (q *Queue) ActionsForEntity(entityType document.EntityType, entityID string) []QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if action, ok := q.byEntity[entityKey{entityType, entityID}]; ok {
		return []QueuedAction{*action}
	}
	return nil
}

// PendingActionsForProject returns copies of the pending actions for a
// project and all of its child tasks and connections.
func (q *Queue) PendingActionsForProject(projectID string) []QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []QueuedAction
	for _, action := range q.pending {
		if action.ProjectID == projectID {
			out = append(out, *action)
		}
	}
	return out
}

// DeadLetterSize reports the number of dead letters.
func (q *Queue) DeadLetterSize() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.dead)
}

// HasDeadLetters reports whether any dead letters are waiting.
func (q *Queue) HasDeadLetters() bool {
	return q.DeadLetterSize() > 0
}

// DeadLetters returns copies of all dead letters, oldest first.
func (q *Queue) DeadLetters() []DeadLetterItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]DeadLetterItem, len(q.dead))
	for i, item := range q.dead {
		out[i] = *item
	}
	return out
}

// Degraded reports whether the queue has fallen back to in-memory storage.
func (q *Queue) Degraded() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.degraded
}

// Stats contains queue counters for dashboards and the CLI.
type Stats struct {
	Size            int              `json:"size"`
	ByPriority      map[Priority]int `json:"by_priority"`
	Blocked         int              `json:"blocked"`
	DeadLetters     int              `json:"dead_letters"`
	TotalEnqueued   int64            `json:"total_enqueued"`
	TotalCoalesced  int64            `json:"total_coalesced"`
	TotalDispatched int64            `json:"total_dispatched"`
	TotalRetried    int64            `json:"total_retried"`
	Degraded        bool             `json:"degraded"`
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := Stats{
		Size:            len(q.pending),
		ByPriority:      make(map[Priority]int),
		DeadLetters:     len(q.dead),
		TotalEnqueued:   q.enqueued,
		TotalCoalesced:  q.coalesced,
		TotalDispatched: q.dispatched,
		TotalRetried:    q.retried,
		Degraded:        q.degraded,
	}
	for _, action := range q.pending {
		stats.ByPriority[action.Priority]++
		if q.blockedLocked(action) {
			stats.Blocked++
		}
	}
	return stats
}

// =============================================================================
// Persistence
// =============================================================================

func (q *Queue) persistLocked(ctx context.Context, action *QueuedAction) error {
	raw, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("queue: encode action %s: %w", action.ID, err)
	}
	return q.storeLocked(ctx, actionKey(action.ID), raw)
}

func (q *Queue) storeDeadLocked(ctx context.Context, item *DeadLetterItem) {
	raw, err := json.Marshal(item)
	if err != nil {
		return
	}
	_ = q.storeLocked(ctx, deadKey(item.Action.ID), raw)
}

func (q *Queue) storeLocked(ctx context.Context, key string, value []byte) error {
	if !q.degraded {
		err := q.durable.Set(ctx, key, value)
		if err == nil || !errors.Is(err, storage.ErrQuotaExceeded) {
			return err
		}
		q.degradeLocked(err)
	}
	return q.fallback.Set(ctx, key, value)
}

func (q *Queue) degradeLocked(cause error) {
	q.degraded = true
	if q.publisher != nil {
		_ = q.publisher.PublishStorageDegraded(cause.Error())
	}
}

func (q *Queue) removeStoredLocked(ctx context.Context, key string) {
	_ = q.durable.Remove(ctx, key)
	if q.degraded {
		_ = q.fallback.Remove(ctx, key)
	}
}

// dropLocked removes an action from the pending structures and storage.
func (q *Queue) dropLocked(ctx context.Context, action *QueuedAction) {
	for i, pending := range q.pending {
		if pending.ID == action.ID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	delete(q.byEntity, keyOf(action))
	delete(q.byID, action.ID)
	q.removeStoredLocked(ctx, actionKey(action.ID))
	q.noteSizeLocked()
}

// noteSizeLocked publishes overflow once per soft-cap crossing and re-arms
// when the queue drains back under it.
func (q *Queue) noteSizeLocked() {
	size := len(q.pending)
	if size > q.cfg.SoftCap {
		if !q.overflowed {
			q.overflowed = true
			if q.publisher != nil {
				_ = q.publisher.PublishOverflow(size, q.cfg.SoftCap)
			}
		}
		return
	}
	q.overflowed = false
}
